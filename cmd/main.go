package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"metaextract/internal/api"
	"metaextract/internal/batch"
	"metaextract/internal/config"
	"metaextract/internal/extraction"
	fileutil "metaextract/internal/file"
	"metaextract/internal/store"
	"metaextract/internal/workflow"
)

const tokenEnv = "EXTRACTION_API_TOKEN"

func main() {

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	router := setupRouter()

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Extraction.Token == "" {
		cfg.Extraction.Token = os.Getenv(tokenEnv)
	}

	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("ensure data dir")
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 10*time.Second)
	kv, err := store.Open(startupCtx, store.Options{
		Backend:    cfg.Store.Backend,
		DataDir:    cfg.DataDir,
		SQLitePath: cfg.Store.SQLitePath,
		Redis: store.RedisOptions{
			Addr:     cfg.Store.Redis.Addr,
			Username: cfg.Store.Redis.Username,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
		},
	})
	if err != nil {
		startupCancel()
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("open store")
	}

	manager := buildManager(startupCtx, cfg, kv)
	startupCancel()
	wireAPI(router, manager)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	manager.SetBaseContext(baseCtx)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		log.Info().Int("port", cfg.Port).Str("store", cfg.Store.Backend).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, baseCancel, manager, kv, shutdownTimeout)
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

func buildManager(ctx context.Context, cfg config.Config, kv store.KV) *workflow.Manager {
	caps := extraction.NewProvider(extraction.ClientOptions{
		BaseURL: cfg.Extraction.BaseURL,
		Token:   cfg.Extraction.Token,
		Timeout: cfg.Extraction.Timeout,
	})
	m := workflow.NewManager(workflow.Options{
		Store:        kv,
		Capabilities: caps,
		Defaults: workflow.Defaults{
			BatchSize:  cfg.Processing.BatchSize,
			MaxRetries: cfg.Processing.MaxRetries,
			RetryDelay: cfg.Processing.RetryDelay,
			Mode:       batch.Mode(cfg.Processing.Mode),
		},
		Metadata: cfg.Metadata,
	})

	if err := m.LoadFromStore(ctx); err != nil {
		log.Warn().Err(err).Msg("restore session failed")
	}
	return m
}

func wireAPI(router *gin.Engine, m *workflow.Manager) {
	apiHandler := api.NewAPI(m)
	apiHandler.RegisterRoutes(router)
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, m *workflow.Manager, kv store.KV, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	if _, err := m.RequestCancel(); err == nil {
		log.Info().Msg("active run cancelled for shutdown")
	}
	cancelBase()
	done := m.WaitAll(ctx)
	if !done {
		log.Warn().Msg("background workers did not finish before timeout")
	}
	if err := kv.Close(); err != nil {
		log.Warn().Err(err).Msg("store close failed")
	}
	log.Info().Msg("server exited cleanly")
}
