package main

import (
	"context"
	"encoding/base64"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"mdbin/cfg"
	"mdbin/pkg/kms"
	"mdbin/svc/access"
	"mdbin/svc/api"
	"mdbin/svc/assoc"
	"mdbin/svc/auth"
	"mdbin/svc/cache"
	"mdbin/svc/db"
	"mdbin/svc/lim"
	"mdbin/svc/session"
	"mdbin/svc/svc"
	"mdbin/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthCheck())
	}

	// a missing .env is fine; real deployments set the environment directly
	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Strs("allowed_origins", c.AllowedOrigins).Msg("starting mdbin")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kmsAdapter, err := kms.NewAdapter(ctx)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize KMS adapter")
		os.Exit(1)
	}

	pepper, err := loadPepper(ctx, c, kmsAdapter)
	if err != nil {
		util.Fatal().Err(err).Msg("CRITICAL: pepper unavailable")
		os.Exit(1)
	}
	defer util.Wipe(pepper)

	adminPassword := c.AdminPassword.Value()
	if c.AdminPasswordFromKMS {
		if adminPassword, err = kmsAdapter.GetSecret(ctx, "MDBIN_ADMIN_PASSWORD"); err != nil {
			util.Fatal().Err(err).Msg("failed to load admin password from KMS")
			os.Exit(1)
		}
	}
	if adminPassword == "" {
		util.Warn().Msg("no admin password configured, admin override disabled")
	}

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode)")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
			defer rdb.Close()
		}
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize, 5*time.Minute)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
		os.Exit(1)
	}
	digests, err := cache.NewDigests(c.HashCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create digest cache")
		os.Exit(1)
	}

	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, pepper, digests)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize hasher")
		os.Exit(1)
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		util.Fatal().Err(err).Msg("failed to start hasher")
		os.Exit(1)
	}
	defer hasher.Stop()
	util.Info().Int("workers", c.HasherWorkerCount).Msg("hasher initialized")

	ipHasher, err := util.NewIPHasher(pepper, c.IPHashRotationInterval)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize IP hasher")
		os.Exit(1)
	}
	defer ipHasher.Stop()

	var logCache session.LogCache
	if rdb != nil {
		logCache = rdb
	}
	sessions := session.NewStore(sqlDB, logCache, c.SessionCacheTTL)
	resolver := assoc.New(sessions, ipHasher, assoc.Config{
		Enabled:           c.SessionsEnabled,
		SessionMaxAge:     c.SessionMaxAge,
		AssociationMaxAge: c.AssociationMaxAge,
	})

	evaluator, err := access.NewEvaluator(ctx, hasher, adminPassword, c.IsReservedGroup)
	adminPassword = ""
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize access evaluator")
		os.Exit(1)
	}

	pasteSvc := svc.NewPaste(svc.Deps{
		DB:       sqlDB,
		LRU:      lruCache,
		Sessions: sessions,
		Resolver: resolver,
		Access:   evaluator,
		Hasher:   hasher,
		KMS:      kmsAdapter,
		Cfg:      c,
	})
	util.Info().Int("view_workers", c.ViewWorkers).Bool("sessions", c.SessionsEnabled).Msg("paste service initialized")

	limiter, err := lim.New(lim.Config{
		RPM:            c.RateLimit.RPM,
		Burst:          c.RateLimit.Burst,
		Conservative:   c.RateLimit.ConservativeLimit,
		TrustedProxies: c.TrustedProxies,
	}, rdb)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize rate limiter")
		os.Exit(1)
	}
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, api.Deps{
		Paste:    pasteSvc,
		Resolver: resolver,
		Limiter:  limiter,
		DB:       sqlDB,
		Redis:    rdb,
	})

	quitWAL := make(chan struct{})
	walDone := make(chan struct{})
	go func() {
		defer close(walDone)
		sqlDB.RunWALMaintenance(c.DatabasePath, 5*time.Minute, quitWAL)
	}()

	pruner := svc.NewPruner(sessions, time.Hour, c.LogRetention)
	prunerDone := pruner.Done()
	if err := pruner.Start(ctx); err != nil {
		util.Error().Err(err).Msg("failed to start log pruner")
		prunerDone = nil
	}

	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	if prunerDone != nil {
		select {
		case <-prunerDone:
		case <-time.After(5 * time.Second):
			util.Warn().Msg("log pruner did not stop in time")
		}
	}
	pasteSvc.Shutdown()
	close(quitWAL)
	select {
	case <-walDone:
		util.Info().Msg("WAL maintenance stopped")
	case <-time.After(6 * time.Second):
		util.Warn().Msg("WAL maintenance did not stop gracefully")
	}
	util.Info().Msg("shutdown complete")
}

var errPepperTooShort = errors.New("pepper too short, must be >= 32 bytes")

// loadPepper returns the hashing pepper, base64 in KMS or raw in PEPPER.
func loadPepper(ctx context.Context, c *cfg.Cfg, kmsAdapter *kms.Adapter) ([]byte, error) {
	var pepper []byte
	if c.PepperFromKMS {
		b64, err := kmsAdapter.GetSecret(ctx, "ARGON2_PEPPER")
		if err != nil {
			return nil, err
		}
		if pepper, err = base64.StdEncoding.DecodeString(b64); err != nil {
			return nil, err
		}
	} else {
		pepper = []byte(c.Pepper.Value())
	}
	if len(pepper) < 32 {
		util.Wipe(pepper)
		return nil, errPepperTooShort
	}
	return pepper, nil
}

func healthCheck() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "mdbin.db"
	}
	sqlDB, err := db.NewSQLite(dbPath)
	if err != nil {
		return 1
	}
	defer sqlDB.Close()
	if err := sqlDB.Ping(ctx); err != nil {
		return 1
	}
	return 0
}
