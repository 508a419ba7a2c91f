package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
)

// HashParams tune the argon2id derivation. Production values must keep a
// single derivation at or above 50ms on the deployment hardware.
type HashParams struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultHashParams returns the production cost baseline.
func DefaultHashParams() HashParams {
	return HashParams{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher derives and verifies password verifiers with argon2id.
type Hasher struct {
	params  HashParams
	counter func()
}

// HasherOption configures a Hasher.
type HasherOption func(*Hasher)

// WithHashCounter installs a hook invoked once per derivation. Used for the
// hash-count metric and for tests that assert how many hashes were computed.
func WithHashCounter(fn func()) HasherOption {
	return func(h *Hasher) {
		if fn != nil {
			h.counter = fn
		}
	}
}

// NewHasher builds a Hasher with the given cost parameters.
func NewHasher(params HashParams, opts ...HasherOption) *Hasher {
	if params.Memory == 0 || params.Iterations == 0 || params.Parallelism == 0 {
		params = DefaultHashParams()
	}
	if params.SaltLength == 0 {
		params.SaltLength = 16
	}
	if params.KeyLength == 0 {
		params.KeyLength = 32
	}
	h := &Hasher{params: params, counter: func() {}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hash derives an encoded verifier with a fresh per-hash salt.
func (h *Hasher) Hash(secret string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	h.counter()
	key := argon2.IDKey([]byte(secret), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify compares a candidate secret against an encoded verifier. The work
// always runs to completion and the final comparison is constant-time.
func (h *Hasher) Verify(secret, encoded string) (bool, error) {
	params, salt, key, err := decodeVerifier(encoded)
	if err != nil {
		return false, err
	}
	h.counter()
	candidate := argon2.IDKey([]byte(secret), salt, params.Iterations, params.Memory, params.Parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(candidate, key) == 1, nil
}

func decodeVerifier(encoded string) (HashParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return HashParams{}, nil, nil, fmt.Errorf("malformed password verifier")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return HashParams{}, nil, nil, fmt.Errorf("malformed verifier version: %w", err)
	}
	if version != argon2.Version {
		return HashParams{}, nil, nil, fmt.Errorf("unsupported argon2 version %d", version)
	}
	var params HashParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &params.Parallelism); err != nil {
		return HashParams{}, nil, nil, fmt.Errorf("malformed verifier params: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return HashParams{}, nil, nil, fmt.Errorf("malformed verifier salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return HashParams{}, nil, nil, fmt.Errorf("malformed verifier key: %w", err)
	}
	return params, salt, key, nil
}

// ValidatePassword enforces the platform password policy: length >= 8 with
// upper, lower, digit and special characters.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return E(CodeWeakPassword, "password shorter than 8 characters")
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}
	if !upper || !lower || !digit || !special {
		return E(CodeWeakPassword, "password must mix upper, lower, digit and special characters")
	}
	return nil
}
