package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/SnarkyB/delerium-server/cfg"
	"github.com/SnarkyB/delerium-server/metrics"
	"github.com/SnarkyB/delerium-server/pkg/secrets"
	"github.com/SnarkyB/delerium-server/svc/api"
	"github.com/SnarkyB/delerium-server/svc/auth"
	"github.com/SnarkyB/delerium-server/svc/db"
	"github.com/SnarkyB/delerium-server/svc/lim"
	"github.com/SnarkyB/delerium-server/svc/pow"
	"github.com/SnarkyB/delerium-server/svc/svc"
	"github.com/SnarkyB/delerium-server/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthCheck())
	}

	// missing .env is fine, the environment itself may be fully set
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
	util.Info().Msg("starting delerium API")
	metrics.Init()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pepper, err := loadPepper(ctx, c)
	if err != nil {
		util.Fatal().Err(err).Msg("CRITICAL: failed to load pepper")
		os.Exit(1)
	}

	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, pepper)
	if err != nil {
		util.Wipe(pepper)
		util.Fatal().Err(err).Msg("failed to initialize hasher")
		os.Exit(1)
	}
	defer hasher.Close()

	if err := util.InitIPHasher(pepper, c.IPHashRotationInterval); err != nil {
		util.Wipe(pepper)
		util.Fatal().Err(err).Msg("failed to initialize IP hasher")
		os.Exit(1)
	}
	defer util.StopIPHasher()
	util.Wipe(pepper)
	util.Info().Dur("rotation_interval", c.IPHashRotationInterval).Msg("IP hasher initialized")

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, hasher, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
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
		} else {
			util.Info().Msg("redis connected")
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	powIssuer, err := pow.NewIssuer(c.PowEnabled, c.PowDifficulty, c.PowTTL)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize pow issuer")
		os.Exit(1)
	}
	util.Info().
		Bool("enabled", c.PowEnabled).
		Int("difficulty", c.PowDifficulty).
		Dur("ttl", c.PowTTL).
		Msg("pow issuer initialized")

	limiter := lim.New(c.RateLimit.Capacity, c.RateLimit.RefillRPM, c.RateLimit.GlobalRPM, rdb)
	defer limiter.Stop()
	util.Info().
		Int("capacity", c.RateLimit.Capacity).
		Int("refill_rpm", c.RateLimit.RefillRPM).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	pasteSvc := svc.NewPaste(sqlDB, powIssuer, limiter, hasher, c)
	server := api.NewServer(c, pasteSvc, limiter, sqlDB, rdb)

	quitWAL := make(chan struct{})
	go db.StartWALMaintenance(sqlDB.DB(), quitWAL)
	util.Info().Msg("WAL maintenance worker started")

	if err := svc.StartReaper(ctx, sqlDB, c.ReapInterval); err != nil {
		util.Error().Err(err).Msg("failed to start expiry reaper")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
		return server.Start()
	})
	g.Go(func() error {
		util.Info().Msg("starting pprof server on :6060")
		if err := http.ListenAndServe(":6060", nil); err != nil {
			util.Warn().Err(err).Msg("pprof server failed")
		}
		return nil
	})
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
		case <-gctx.Done():
		}
		util.Info().Msg("shutting down gracefully...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		util.Error().Err(err).Msg("server exited with error")
	}
	close(quitWAL)
	cancel()
	util.Info().Msg("shutdown complete")
}

// loadPepper returns the deletion-token pepper, from the configured
// secrets backend when PEPPER_FROM_SECRETS is set and from the PEPPER
// env var otherwise. Callers own wiping the returned bytes.
func loadPepper(ctx context.Context, c *cfg.Cfg) ([]byte, error) {
	var pepper []byte
	if c.PepperFromSecrets {
		adapter, err := secrets.NewAdapter(ctx)
		if err != nil {
			return nil, err
		}
		val, err := adapter.GetSecret(ctx, "PEPPER")
		if err != nil {
			return nil, err
		}
		pepper = []byte(val)
	} else {
		pepper = []byte(c.Pepper.Value())
	}
	if len(pepper) < 32 {
		util.Wipe(pepper)
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	return pepper, nil
}

func healthCheck() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "delerium.db"
	}
	sqlDB, err := db.NewSQLite(dbPath, nil)
	if err != nil {
		return 1
	}
	defer sqlDB.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 1*time.Second)
	defer pingCancel()
	if err := sqlDB.Ping(pingCtx); err != nil {
		return 1
	}
	return 0
}
