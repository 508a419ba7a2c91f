package main

import (
	"context"
	"crypto/rsa"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fxdesk.org/internal/anomaly"
	"fxdesk.org/internal/audit"
	"fxdesk.org/internal/auth"
	"fxdesk.org/internal/config"
	"fxdesk.org/internal/csrf"
	"fxdesk.org/internal/httpapi"
	"fxdesk.org/internal/mfa"
	"fxdesk.org/internal/obs"
	"fxdesk.org/internal/ratelimit"
	"fxdesk.org/internal/session"
	"fxdesk.org/internal/store/pg"
	"fxdesk.org/internal/tenant"
	"fxdesk.org/internal/token"
)

var version = "0.4.0"

func main() {
	obs.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Session store: shared Redis when configured, in-process otherwise.
	// The fallback wrapper keeps serving locally through an outage.
	var (
		sessions session.Store
		fallback *session.Fallback
		counter  ratelimit.Counter
	)
	if cfg.SessionStoreEndpoint != "" {
		rds, err := session.Dial(cfg.SessionStoreEndpoint, cfg.SessionStorePassword, cfg.SessionStoreDB)
		if err != nil {
			log.Fatalf("session store: %v", err)
		}
		fallback = session.NewFallback(rds)
		sessions = fallback
		counter = ratelimit.NewFallbackCounter(ratelimit.NewRedisCounter(rds.Client()))
	} else {
		mem := session.NewMemory()
		sessions = mem
		counter = ratelimit.NewMemoryCounter()
		log.Println("session store endpoint not set, using in-process store")
	}

	// Principal and tenant persistence.
	var (
		principals auth.PrincipalStore
		tenants    auth.TenantStore
		pgStore    *pg.Store
	)
	if cfg.PGDSN != "" {
		pgStore, err = pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		principals = pgStore.Principals()
		tenants = pgStore.Tenants()
	} else {
		principals = auth.NewMemoryPrincipalStore()
		tenants = auth.NewMemoryTenantStore()
		log.Println("pg dsn not set, using in-memory stores")
	}

	tap := audit.NewTap()
	sink := audit.NewBufferedSink(audit.LogWriter{}, audit.WithTap(tap))
	defer sink.Close()

	tokenOpts := []token.Option{
		token.WithIssuer(cfg.Issuer),
		token.WithAudience(cfg.Audience),
		token.WithAccessTTL(cfg.AccessTTL),
		token.WithRefreshTTL(cfg.RefreshTTL),
		token.WithSessionTTLs(cfg.SessionIdleTTL, cfg.SessionAbsoluteTTL),
		token.WithAuditSink(sink),
	}
	if cfg.RSAPrivateKeyPath != "" {
		private, public, err := loadRSAKeys(cfg.RSAPrivateKeyPath, cfg.RSAPublicKeyPath)
		if err != nil {
			log.Fatalf("rsa keys: %v", err)
		}
		tokenOpts = append(tokenOpts, token.WithRS256Keys(private, public))
	}
	tokens, err := token.NewService([]byte(cfg.SigningSecret), sessions, tokenOpts...)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	hasher := auth.NewHasher(auth.HashParams{
		Memory:      cfg.KDFMemoryKiB,
		Iterations:  cfg.KDFTime,
		Parallelism: cfg.KDFParallelism,
	}, auth.WithHashCounter(obs.CountPasswordHash))

	mfaSvc, err := mfa.NewService(principals, sessions, cfg.MFASealKey,
		mfa.WithStep(cfg.MFAStep),
		mfa.WithSkew(cfg.MFASkew),
		mfa.WithAuditSink(sink),
	)
	if err != nil {
		log.Fatalf("mfa service: %v", err)
	}

	limiter := ratelimit.New(counter, ratelimit.WithAuditSink(sink))
	detector := anomaly.NewDetector(principals, sessions,
		anomaly.WithThreshold(cfg.LockoutThreshold),
		anomaly.WithLockoutDuration(cfg.LockoutDuration),
		anomaly.WithAuditSink(sink),
	)
	guard := csrf.NewGuard(sessions, csrf.WithLifetime(cfg.CSRFTokenLifetime))
	resolver := tenant.NewResolver(tenants, tenant.WithAuditSink(sink))

	probe := httpapi.ReadyProbe{
		Ping: func(ctx context.Context) error {
			if pgStore != nil {
				if err := pgStore.DB().PingContext(ctx); err != nil {
					return err
				}
			}
			return sessions.Ping(ctx)
		},
	}
	if fallback != nil {
		probe.Degraded = fallback.Degraded
	}

	api := httpapi.New(httpapi.Config{
		Principals:     principals,
		Tenants:        resolver,
		Tokens:         tokens,
		Hasher:         hasher,
		MFA:            mfaSvc,
		Limiter:        limiter,
		Detector:       detector,
		CSRF:           guard,
		Sink:           sink,
		Tap:            tap,
		ReadyProbe:     probe,
		TrustedProxies: cfg.TrustedProxyCIDRs,
		AllowedOrigins: cfg.AllowedOrigins,
		Version:        version,
	})
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting fxdesk-auth %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	// Probe the shared session store periodically so a recovered backend
	// comes back into service.
	probeCtx, probeCancel := context.WithCancel(context.Background())
	defer probeCancel()
	if fallback != nil {
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-probeCtx.Done():
					return
				case <-ticker.C:
					fallback.Probe(probeCtx)
					if fc, ok := counter.(*ratelimit.FallbackCounter); ok && !fallback.Degraded() {
						fc.Recover()
					}
				}
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}

func loadRSAKeys(privatePath, publicPath string) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	privatePEM, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, nil, err
	}
	private, err := jwt.ParseRSAPrivateKeyFromPEM(privatePEM)
	if err != nil {
		return nil, nil, err
	}
	publicPEM, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, nil, err
	}
	public, err := jwt.ParseRSAPublicKeyFromPEM(publicPEM)
	if err != nil {
		return nil, nil, err
	}
	return private, public, nil
}
