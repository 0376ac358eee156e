// Package main implements a Cloud Run service that monitors an elderly
// person's phone activity and meal records and notifies family members when
// expected signals stop arriving.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"google.golang.org/api/fcm/v1"
	"google.golang.org/api/option"

	"eldercare-notifier/batch"
	"eldercare-notifier/evaluate"
	"eldercare-notifier/notify"
	"eldercare-notifier/registry"
	"eldercare-notifier/server"
	"eldercare-notifier/storage"
)

const (
	defaultTickInterval   = 15 * time.Minute
	defaultFlushInterval  = 5 * time.Minute
	defaultDispatchWindow = 10 * time.Second
)

func main() {
	ctx := context.Background()

	// .env is optional; real deployments set environment variables directly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	localStorage := os.Getenv("LOCAL_STORAGE")
	bucket := os.Getenv("STORAGE_BUCKET")

	// Default to local development mode if no bucket specified
	if bucket == "" && localStorage == "" {
		localStorage = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localStorage)
	}

	var store *storage.Store
	if localStorage != "" {
		logger.Info("Running in local development mode", "storage_path", localStorage)
		if err := os.MkdirAll(localStorage, 0o755); err != nil {
			logger.Error("Failed to create local storage directory", "error", err)
			os.Exit(1)
		}
		store = storage.New(nil, "", localStorage, logger)
	} else {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize Storage client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
		store = storage.New(client, bucket, "", logger)
	}

	channels := buildChannels(ctx, logger, localStorage != "")
	if len(channels) == 0 {
		logger.Error("No notification channels configured")
		os.Exit(1)
	}

	dispatcher := notify.New(channels, envDuration("DISPATCH_TIMEOUT", defaultDispatchWindow), logger)
	evaluator := evaluate.New(store, dispatcher, logger)
	batcher := batch.New(store, evaluator, envDuration("FLUSH_INTERVAL", defaultFlushInterval), logger)
	reg := registry.New(store, dispatcher, evaluator, logger)

	// Periodic tick: catches subjects where no new activity ever arrives to
	// trigger re-evaluation. External schedulers can hit /tickz as well.
	tickInterval := envDuration("TICK_INTERVAL", defaultTickInterval)
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for range ticker.C {
			if err := evaluator.CheckAll(ctx); err != nil {
				logger.Error("Periodic evaluation failed", "error", err)
			}
		}
	}()
	logger.Info("Periodic evaluation started", "interval", tickInterval.String())

	srv := server.New(&server.Config{
		Registry:         reg,
		Batcher:          batcher,
		Evaluator:        evaluator,
		Logger:           logger,
		CORSAllowOrigins: splitCSV(os.Getenv("CORS_ALLOW_ORIGINS")),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := srv.ListenAndServe(port); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// buildChannels assembles the ordered fallback chain from NOTIFY_CHANNELS
// (comma-separated, e.g. "function,push"). Channels that cannot be
// configured are skipped with a warning rather than aborting startup; local
// development mode falls back to the mock channel.
func buildChannels(ctx context.Context, logger *slog.Logger, localMode bool) []notify.Channel {
	names := splitCSV(os.Getenv("NOTIFY_CHANNELS"))
	if len(names) == 0 {
		if localMode {
			names = []string{"mock"}
		} else {
			names = []string{"function", "push"}
		}
	}

	var channels []notify.Channel
	for _, name := range names {
		switch name {
		case "function":
			endpoint := os.Getenv("ALERT_FUNCTION_URL")
			if endpoint == "" {
				logger.Warn("ALERT_FUNCTION_URL not set, skipping function channel")
				continue
			}
			channels = append(channels, notify.NewFunctionChannel(endpoint, logger))
		case "push":
			projectID := os.Getenv("FCM_PROJECT_ID")
			if projectID == "" {
				logger.Warn("FCM_PROJECT_ID not set, skipping push channel")
				continue
			}
			service, err := initPushService(ctx)
			if err != nil {
				logger.Warn("Failed to initialize FCM service, skipping push channel", "error", err)
				continue
			}
			channels = append(channels, notify.NewPushChannel(service, projectID, logger))
		case "mock":
			channels = append(channels, notify.NewMockChannel(logger))
		default:
			logger.Warn("Unknown notification channel", "name", name)
		}
	}

	logger.Info("Notification channels configured", "count", len(channels))
	return channels
}

func initPushService(ctx context.Context) (*fcm.Service, error) {
	// Try explicit credentials first (for local development)
	credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON")
	if credsJSON != "" {
		return fcm.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// In Cloud Run, Application Default Credentials carry the service
	// account, which needs the cloudmessaging scope.
	if isCloudRun(ctx) {
		return fcm.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("Invalid duration, using default", "key", key, "value", v)
		return fallback
	}
	return d
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
