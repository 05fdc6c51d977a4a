package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/discovery-harvester/internal/app"
	"github.com/Sternrassler/discovery-harvester/internal/config"
	"github.com/Sternrassler/discovery-harvester/pkg/job"
	"github.com/Sternrassler/discovery-harvester/pkg/logging"
	"github.com/Sternrassler/discovery-harvester/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type runOptions struct {
	*rootOptions

	entities       []string
	target         int
	skipExtraction bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "run [--entity <name>[:count]]... [--target N]",
		Short: "Runs a harvest job and prints its summary as JSON.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd, opts)
		},
	}
	cmd.Flags().StringArrayVarP(&opts.entities, "entity", "e", nil, "Entity to harvest; repeatable. Overrides the configured targets.")
	cmd.Flags().IntVarP(&opts.target, "target", "n", 100, "Identifiers to discover per entity without an explicit count.")
	cmd.Flags().BoolVar(&opts.skipExtraction, "skip-extraction", false, "Stop after discovery.")
	return cmd
}

func runHarvest(cmd *cobra.Command, opts *runOptions) error {
	ctx := cmd.Context()

	targets, err := parseTargets(opts.entities, opts.target)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = logging.LogLevel(opts.logLevel)
	}
	if opts.pretty {
		cfg.Log.Pretty = true
	}
	if opts.skipExtraction {
		cfg.Job.SkipExtraction = true
	}
	logger := logging.Setup(cfg.Log)

	if cfg.Metrics.Addr != "" {
		stop := serveMetrics(ctx, cfg.Metrics.Addr, logger)
		defer stop()
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.Run(ctx, targets)
	if summary != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(summary); encErr != nil {
			return fmt.Errorf("write summary: %w", encErr)
		}
	}
	return err
}

// parseTargets turns "name" and "name:count" flags into targets. Bare names
// use fallback.
func parseTargets(entities []string, fallback int) ([]job.Target, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	targets := make([]job.Target, 0, len(entities))
	for _, e := range entities {
		name, count, hasCount := strings.Cut(strings.TrimSpace(e), ":")
		if name == "" {
			return nil, fmt.Errorf("entity %q has no name", e)
		}
		n := fallback
		if hasCount {
			v, err := strconv.Atoi(count)
			if err != nil {
				return nil, fmt.Errorf("entity %q: count %q is not a number", e, count)
			}
			n = v
		}
		if n <= 0 {
			return nil, fmt.Errorf("entity %q: count must be positive", e)
		}
		targets = append(targets, job.Target{Entity: name, Count: n})
	}
	return targets, nil
}

func newMetricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// serveMetrics serves /metrics and /health until the returned func is called
// or ctx ends.
func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMetricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Metrics server shutdown")
		}
	}
}
