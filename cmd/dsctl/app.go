package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm-datasets/pkg/config"
	"github.com/Mindburn-Labs/helm-datasets/pkg/dataset"
	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
	"github.com/Mindburn-Labs/helm-datasets/pkg/observability"
	"github.com/Mindburn-Labs/helm-datasets/pkg/storagebroker"
	"github.com/Mindburn-Labs/helm-datasets/pkg/transfer"
)

// app bundles what every subcommand needs. It is built per invocation from
// the environment (and $DATASET_CONFIG, if set).
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *storagebroker.Registry
	observer *observability.Provider
}

func newApp(ctx context.Context, stderr io.Writer) (*app, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := os.Getenv("DATASET_CONFIG"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg, stderr)

	reg := storagebroker.NewRegistry()
	if err := storagebroker.RegisterDefaults(reg); err != nil {
		return nil, err
	}
	if err := storagebroker.RegisterConfigured(ctx, reg, storagebroker.BackendConfig{
		S3Enabled: cfg.S3.Enabled,
		S3: storagebroker.S3Config{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		},
		GCSEnabled: cfg.GCS.Enabled,
	}); err != nil {
		return nil, err
	}

	ocfg := observability.DefaultConfig()
	ocfg.Enabled = cfg.Observability.Enabled
	ocfg.OTLPEndpoint = cfg.Observability.OTLPEndpoint
	ocfg.Insecure = cfg.Observability.Insecure
	ocfg.Environment = cfg.Observability.Environment
	observer, err := observability.New(ctx, ocfg)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, registry: reg, observer: observer}, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (a *app) close(ctx context.Context) {
	_ = a.observer.Shutdown(ctx)
}

func (a *app) datasetOptions() []dataset.Option {
	return []dataset.Option{
		dataset.WithRegistry(a.registry),
		dataset.WithLogger(a.logger),
		dataset.WithObserver(a.observer),
		dataset.WithCacheDir(a.cfg.CacheDir),
		dataset.WithCreatorUsername(a.cfg.CreatorUsername),
	}
}

func (a *app) copier() *transfer.Copier {
	c := &transfer.Copier{
		Workers:  a.cfg.Copy.Workers,
		Registry: a.registry,
		Logger:   a.logger,
		Observer: a.observer,
	}
	if a.cfg.Copy.RatePerSecond > 0 {
		c.Limiter = rate.NewLimiter(rate.Limit(a.cfg.Copy.RatePerSecond), 1)
	}
	return c
}

// withApp runs fn with a configured app and maps its error to an exit code.
func withApp(stderr io.Writer, instance string, fn func(ctx context.Context, a *app) error) int {
	ctx := context.Background()
	a, err := newApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close(ctx)

	if err := fn(ctx, a); err != nil {
		printError(stderr, err, instance)
		return 1
	}
	return 0
}

// printError writes the error record as JSON so scripts can branch on the
// code and classification.
func printError(w io.Writer, err error, instance string) {
	data, _ := json.MarshalIndent(errorir.FromError(err, instance), "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}
