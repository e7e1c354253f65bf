package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/poisync/internal/httpapi"
	"github.com/agentworkforce/poisync/internal/poisync"
	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"
)

var buildStore = buildRecordStoreFromEnv

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}
	if logFile := strings.TrimSpace(os.Getenv("POISYNC_LOG_FILE")); logFile != "" {
		log.SetOutput(io.MultiWriter(os.Stderr, rotatingLog(logFile)))
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(rootCtx)
	stop()
	if err != nil {
		log.Printf("poisync: %v", err)
		os.Exit(1)
	}
}

// run serves until ctx is done or the listener fails. The store and sweeper
// are closed before it returns.
func run(ctx context.Context) error {
	addr := os.Getenv("POISYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	store, err := buildStore()
	if err != nil {
		return fmt.Errorf("failed to initialize record store: %w", err)
	}
	defer store.Close()

	svc, err := poisync.NewService(poisync.ServiceOptions{
		Store:                  store,
		CacheTTL:               durationEnv("POISYNC_CACHE_TTL", poisync.DefaultCacheTTL),
		StrictSearchHistoryIDs: boolEnv("POISYNC_STRICT_SEARCH_HISTORY_IDS", false),
		Logger:                 log.Default(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sync service: %w", err)
	}
	server := httpapi.NewServerWithConfig(svc, httpapi.ServerConfig{
		RateLimitMax:    intEnv("POISYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("POISYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("POISYNC_MAX_BODY_BYTES", 0),
		Logger:          log.Default(),
	})

	sweeper := poisync.NewCacheSweeper(svc, poisync.SweeperOptions{
		Interval: durationEnv("POISYNC_SWEEP_INTERVAL", time.Hour),
		Logger:   log.Default(),
		OnSweep:  httpapi.ObserveCacheSweep,
	})
	sweeper.Start()
	defer sweeper.Close()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("poisync listening on %s (store %s)", addr, store.Describe())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Printf("poisync shutting down: %v", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("POISYNC_SHUTDOWN_TIMEOUT", 15*time.Second))
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
		}
		return nil
	}
}

func rotatingLog(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    intEnv("POISYNC_LOG_MAX_SIZE_MB", 50),
		MaxBackups: intEnv("POISYNC_LOG_MAX_BACKUPS", 5),
		MaxAge:     intEnv("POISYNC_LOG_MAX_AGE_DAYS", 28),
		Compress:   boolEnv("POISYNC_LOG_COMPRESS", false),
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func buildRecordStoreFromEnv() (poisync.RecordStore, error) {
	profileDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(os.Getenv("POISYNC_STORE_DSN"))
	if dsn == "" {
		dsn = profileDSN
	}
	return poisync.BuildRecordStoreFromDSN(dsn)
}

func storageProfileDefaultsFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("POISYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("POISYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".poisync"
	}
	switch profile {
	case "", "custom", "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "records.json"), nil
	case "sqlite":
		return "sqlite://" + filepath.Join(dataDir, "poisync.db"), nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("POISYNC_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", fmt.Errorf("POISYNC_POSTGRES_DSN is required when POISYNC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	default:
		return "", fmt.Errorf("unsupported POISYNC_BACKEND_PROFILE: %s", profile)
	}
}
