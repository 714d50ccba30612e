package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	auth "github.com/goliatone/go-market-auth"
	"github.com/goliatone/go-market-auth/activitymap"
	"github.com/goliatone/go-market-auth/config"
	"github.com/goliatone/go-market-auth/provider/local"
	"github.com/goliatone/go-market-auth/repository"
	"github.com/goliatone/go-market-auth/server"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	envFile     = flag.String("env", ".env", "env file to load before reading the environment")
	migrateOnly = flag.Bool("migrate-only", false, "run migrations and exit")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "marketd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}

	zl, err := newZap(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := auth.NewZapLogger(zl)

	sqldb, err := sql.Open(sqliteshim.ShimName, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := repository.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate profiles: %w", err)
	}
	if err := local.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate identity accounts: %w", err)
	}
	logger.Info("migrations complete")
	if *migrateOnly {
		return nil
	}

	scfg := server.Config{
		JWKSetURLs:   cfg.JWKSetURLs,
		Issuer:       cfg.Issuer,
		Audience:     cfg.Audience,
		AdminEmails:  cfg.AdminEmails,
		PhoneRegion:  cfg.PhoneRegion,
		Debug:        cfg.Debug,
		Logger:       logger.Named("server"),
		ActivitySink: activitymap.NewSink(activitymap.ZapPublisher(zl.Named("activity"))),
	}
	if cfg.SigningKey != "" {
		scfg.SigningKey = []byte(cfg.SigningKey)
	}

	if cfg.LocalIdentity {
		lcfg := local.Config{
			SigningKey: []byte(cfg.SigningKey),
			Issuer:     cfg.Issuer,
			TokenTTL:   cfg.TokenTTL,
			Logger:     logger.Named("identity"),
		}
		if cfg.Audience != "" {
			lcfg.Audience = []string{cfg.Audience}
		}
		provider, err := local.New(db, lcfg)
		if err != nil {
			return err
		}
		scfg.Routes = append(scfg.Routes, local.NewController(provider))
	}

	app, err := server.New(repository.NewRepositoryManager(db), scfg)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", cfg.Addr)
		errc <- app.Listen(cfg.Addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func newZap(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Debug {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
