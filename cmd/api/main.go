package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"quire/api/internal/app"
	"quire/api/internal/config"
	"quire/api/internal/export"
	"quire/api/internal/gitrepo"
	"quire/api/internal/oplog"
	"quire/api/internal/presence"
	"quire/api/internal/search"
	"quire/api/internal/session"
	"quire/api/internal/snapshot"
	"quire/api/internal/store"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func run() error {
	var addr, configPath string
	flagSet := pflag.NewFlagSet("quire-api", pflag.ContinueOnError)
	flagSet.StringVar(&addr, "addr", "", "listen address (overrides API_ADDR)")
	flagSet.StringVar(&configPath, "config", os.Getenv("QUIRE_CONFIG_FILE"), "YAML config file")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Addr = addr
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	defer cancelStart()

	db, err := store.Open(startCtx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	if err := store.ApplyMigrations(startCtx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}

	ready := map[string]app.Pinger{}
	deps := app.Deps{
		Store:  store.NewPostgresStore(db),
		Git:    gitrepo.New(cfg.ReposDir),
		Export: export.NewService(),
		Ready:  ready,
	}

	switch cfg.LogBackend {
	case "pebble":
		pebbleLog, err := oplog.OpenPebble(cfg.PebbleDir, nil)
		if err != nil {
			return err
		}
		defer pebbleLog.Close()
		deps.Log = pebbleLog
	case "memory":
		log.Printf("WARNING: in-memory operation log; edits are lost on restart")
		deps.Log = oplog.NewMemory()
	default:
		deps.Log = oplog.NewPostgres(db)
	}
	log.Printf("Using %s operation log", cfg.LogBackend)

	switch cfg.SnapshotBackend {
	case "memory":
		deps.Snapshots = snapshot.NewMemory()
	default:
		minioStore, err := snapshot.NewMinIO(startCtx, snapshot.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
			Keep:      cfg.SnapshotKeep,
		})
		if err != nil {
			return fmt.Errorf("snapshot store failed: %w", err)
		}
		deps.Snapshots = minioStore
		ready["snapshots"] = minioStore
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := presence.NewRedisStore(cfg.RedisURL, cfg.PresenceTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		deps.Presence = redisStore
		ready["redis"] = redisStore
		log.Printf("Mirroring presence to Redis")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		ready["search"] = pingFunc(func(context.Context) error {
			if !meiliClient.Healthy() {
				return errors.New("meilisearch unavailable, using postgres full-text search")
			}
			return nil
		})
	}
	deps.Search = search.NewService(meiliClient, search.NewPgFTS(db))
	go deps.Search.ReindexAllFromPG(context.Background())

	service, err := app.New(cfg, deps)
	if err != nil {
		return err
	}
	defer service.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(session.Collectors()...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", app.NewHTTPServer(service, cfg.CORSOrigin).Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("Quire API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	return nil
}
