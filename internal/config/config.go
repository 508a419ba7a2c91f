// Package config loads service configuration from the environment.
// Every knob has a production default; only secrets are mandatory.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the resolved runtime configuration.
type Config struct {
	ListenAddr string

	// Token lifetimes.
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	SessionIdleTTL     time.Duration
	SessionAbsoluteTTL time.Duration

	// Signing material. Secret drives HS256; when both PEM paths are set
	// the service switches to RS256.
	SigningSecret     string
	RSAPrivateKeyPath string
	RSAPublicKeyPath  string
	Issuer            string
	Audience          string

	// Password KDF.
	KDFMemoryKiB   uint32
	KDFTime        uint32
	KDFParallelism uint8

	// MFA.
	MFAStep    time.Duration
	MFASkew    uint
	MFASealKey []byte

	// Lockout.
	LockoutThreshold int
	LockoutDuration  time.Duration

	// CSRF.
	CSRFTokenLifetime time.Duration

	// Backends. Empty endpoints fall back to in-process stores.
	SessionStoreEndpoint string
	SessionStorePassword string
	SessionStoreDB       int
	PGDSN                string

	// Ingress.
	TrustedProxyCIDRs []*net.IPNet
	AllowedOrigins    []string
}

// Load reads FXDESK_* environment variables, applies defaults, and
// validates the result. It fails fast on malformed values so a bad
// deployment never starts half-configured.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:           envOr("FXDESK_LISTEN_ADDR", ":8080"),
		SigningSecret:        strings.TrimSpace(os.Getenv("FXDESK_SIGNING_SECRET")),
		RSAPrivateKeyPath:    os.Getenv("FXDESK_RSA_PRIVATE_KEY"),
		RSAPublicKeyPath:     os.Getenv("FXDESK_RSA_PUBLIC_KEY"),
		Issuer:               envOr("FXDESK_TOKEN_ISSUER", "exchange-platform"),
		Audience:             envOr("FXDESK_TOKEN_AUDIENCE", "exchange-api"),
		SessionStoreEndpoint: os.Getenv("FXDESK_SESSION_STORE_ENDPOINT"),
		SessionStorePassword: os.Getenv("FXDESK_SESSION_STORE_PASSWORD"),
		PGDSN:                os.Getenv("FXDESK_PG_DSN"),
	}

	var err error
	if cfg.AccessTTL, err = envDuration("FXDESK_ACCESS_TTL", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTTL, err = envDuration("FXDESK_REFRESH_TTL", 7*24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTTL, err = envDuration("FXDESK_SESSION_IDLE_TTL", 2*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.SessionAbsoluteTTL, err = envDuration("FXDESK_SESSION_ABSOLUTE_TTL", 12*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.MFAStep, err = envDuration("FXDESK_MFA_STEP", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.LockoutDuration, err = envDuration("FXDESK_LOCKOUT_DURATION", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.CSRFTokenLifetime, err = envDuration("FXDESK_CSRF_TOKEN_LIFETIME", time.Hour); err != nil {
		return Config{}, err
	}

	kdfMemory, err := envInt("FXDESK_KDF_MEMORY_KIB", 64*1024)
	if err != nil {
		return Config{}, err
	}
	kdfTime, err := envInt("FXDESK_KDF_TIME", 3)
	if err != nil {
		return Config{}, err
	}
	kdfParallelism, err := envInt("FXDESK_KDF_PARALLELISM", 2)
	if err != nil {
		return Config{}, err
	}
	cfg.KDFMemoryKiB = uint32(kdfMemory)
	cfg.KDFTime = uint32(kdfTime)
	cfg.KDFParallelism = uint8(kdfParallelism)

	skew, err := envInt("FXDESK_MFA_SKEW", 1)
	if err != nil {
		return Config{}, err
	}
	cfg.MFASkew = uint(skew)

	if cfg.LockoutThreshold, err = envInt("FXDESK_LOCKOUT_THRESHOLD", 5); err != nil {
		return Config{}, err
	}
	if cfg.SessionStoreDB, err = envInt("FXDESK_SESSION_STORE_DB", 0); err != nil {
		return Config{}, err
	}

	if raw := os.Getenv("FXDESK_TRUSTED_PROXY_CIDRS"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			_, ipnet, err := net.ParseCIDR(part)
			if err != nil {
				return Config{}, fmt.Errorf("config: FXDESK_TRUSTED_PROXY_CIDRS: %w", err)
			}
			cfg.TrustedProxyCIDRs = append(cfg.TrustedProxyCIDRs, ipnet)
		}
	}

	if raw := os.Getenv("FXDESK_CORS_ORIGINS"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, part)
			}
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FXDESK_MFA_SEAL_KEY")); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: FXDESK_MFA_SEAL_KEY must be hex: %w", err)
		}
		if len(key) != 32 {
			return Config{}, fmt.Errorf("config: FXDESK_MFA_SEAL_KEY must decode to 32 bytes, got %d", len(key))
		}
		cfg.MFASealKey = key
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	useRSA := c.RSAPrivateKeyPath != "" || c.RSAPublicKeyPath != ""
	if useRSA && (c.RSAPrivateKeyPath == "" || c.RSAPublicKeyPath == "") {
		return errors.New("config: RS256 needs both FXDESK_RSA_PRIVATE_KEY and FXDESK_RSA_PUBLIC_KEY")
	}
	if !useRSA && c.SigningSecret == "" {
		return errors.New("config: FXDESK_SIGNING_SECRET is required")
	}
	if len(c.MFASealKey) == 0 {
		return errors.New("config: FXDESK_MFA_SEAL_KEY is required")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return errors.New("config: token TTLs must be positive")
	}
	if c.SessionIdleTTL <= 0 || c.SessionAbsoluteTTL < c.SessionIdleTTL {
		return errors.New("config: session absolute TTL must cover the idle TTL")
	}
	if c.LockoutThreshold < 1 {
		return errors.New("config: lockout threshold must be at least 1")
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
