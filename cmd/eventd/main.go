// SPDX-License-Identifier: MIT

// Command eventd runs the event dispatch engine: the append API, the
// synchronous projections, the notification fan-out and the workflow bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/evented-go/evented/internal/api"
	"github.com/evented-go/evented/internal/config"
	"github.com/evented-go/evented/internal/event"
	"github.com/evented-go/evented/internal/log"
	"github.com/evented-go/evented/internal/notify"
	"github.com/evented-go/evented/internal/persistence/sqlite"
	"github.com/evented-go/evented/internal/projection"
	"github.com/evented-go/evented/internal/store"
	"github.com/evented-go/evented/internal/workflow"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.Configure(log.Config{Service: "eventd"})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.load_failed").Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("addr", cfg.API.Listen).
		Str("data_dir", cfg.DataDir).
		Msg("starting eventd")

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Fatal().Err(err).Msg("create data directory")
	}

	db, err := sqlite.Open(cfg.DatabasePath(), sqlite.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DatabasePath()).Msg("open database")
	}
	defer func() { _ = db.Close() }()

	if err := projection.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("migrate projections")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = redisClient.Close() }()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable")
	}

	publisher := notify.NewStreamPublisher(redisClient, cfg.Redis.Stream, cfg.Redis.MaxStreamLen)
	dispatcher := notify.NewDispatcher(publisher, notify.Overrides{
		ExtraTypes:    cfg.Notify.ExtraTypes,
		DisabledTypes: cfg.Notify.DisabledTypes,
	})

	eventStore, err := store.New(db,
		store.WithRouter(event.StreamUser, projection.NewUserRouter()),
		store.WithRouter(event.StreamOrganization, projection.NewOrganizationRouter()),
		store.WithRouter(event.StreamRole, projection.NewRoleRouter()),
		store.WithAfterCommit(dispatcher.AfterCommit),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise event store")
	}

	activity := workflow.NewProviderActivity(workflow.ActivityConfig{
		BaseDomain:    cfg.Workflow.BaseDomain,
		LookupTimeout: cfg.Workflow.LookupTimeout,
		SMTPAddr:      cfg.Workflow.SMTPAddr,
		MailFrom:      cfg.Workflow.MailFrom,
	})
	bridge := workflow.New(redisClient, eventStore, activity, workflow.Config{
		Stream:       cfg.Redis.Stream,
		Group:        cfg.Redis.Group,
		Consumer:     cfg.Redis.Consumer,
		MaxHops:      cfg.Workflow.MaxHops,
		MaxAttempts:  cfg.Workflow.MaxAttempts,
		RetryBackoff: cfg.Workflow.RetryBackoff,
		MaxBackoff:   cfg.Workflow.MaxBackoff,
		DedupeTTL:    cfg.Workflow.DedupeTTL,
	})

	server := api.New(eventStore, projection.NewQueries(db), cfg.API)
	httpServer := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Hot reload: a config change swaps the notification allow-list without
	// a restart.
	holder := config.NewHolder(cfg, *configPath)
	reloads := make(chan config.Config, 1)
	holder.RegisterListener(reloads)
	if err := holder.StartWatcher(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start config watcher")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.API.Listen).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return bridge.Run(gctx)
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case newCfg := <-reloads:
				dispatcher.SetOverrides(notify.Overrides{
					ExtraTypes:    newCfg.Notify.ExtraTypes,
					DisabledTypes: newCfg.Notify.DisabledTypes,
				})
				logger.Info().Str("event", "notify.allowlist_updated").Msg("notification allow-list updated from config")
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("eventd failed")
	}
	logger.Info().Msg("eventd exiting")
}
