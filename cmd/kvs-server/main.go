// Package main provides the entry point for the kvs server. It selects a
// storage engine, enforces the persisted engine marker, and serves the
// wire protocol on a TCP address using a fixed-size worker pool.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kaiwk/kvs/internal/config"
	"github.com/kaiwk/kvs/internal/engine"
	"github.com/kaiwk/kvs/internal/pool"
	"github.com/kaiwk/kvs/internal/server"
)

func main() {
	var addr string
	var engineKind string

	rootCmd := &cobra.Command{
		Use:           "kvs-server",
		Short:         "A key-value store server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(addr, engineKind)
		},
	}
	rootCmd.Flags().StringVar(&addr, "addr", "", "listen address (host:port)")
	rootCmd.Flags().StringVar(&engineKind, "engine", "", "storage engine: kvs or bolt")

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("kvs-server: %v", err)
	}
}

func run(addr, engineKind string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))
	slog.SetDefault(logger)

	if addr == "" {
		addr = cfg.ADDR
	}

	kind, err := resolveEngineKind(cfg.DATA_DIR, engineKind)
	if err != nil {
		return err
	}
	if err := engine.WriteMarker(cfg.DATA_DIR, kind); err != nil {
		return err
	}

	eng, err := openEngine(kind, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s engine: %w", kind, err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			slog.Error("main: error closing engine",
				"error", err)
		}
	}()

	slog.Info("main: kvs-server starting",
		"addr", addr,
		"engine", kind,
		"data_dir", cfg.DATA_DIR,
		"pool_size", cfg.POOL_SIZE)

	workers := pool.NewSharedQueuePool(cfg.POOL_SIZE)
	defer workers.Close()

	return server.New(eng, workers).ListenAndServe(addr)
}

// resolveEngineKind reconciles the --engine flag with the marker persisted
// in the store directory. An explicit flag that contradicts the marker is
// a configuration error; with no flag the marker decides, and a first run
// with no marker requires the flag.
func resolveEngineKind(dir, flag string) (string, error) {
	marker, present := engine.ReadMarker(dir)

	if flag == "" {
		if !present {
			return "", fmt.Errorf("no engine marker in %s, the --engine flag is required on first run", dir)
		}
		return marker, nil
	}

	if !engine.ValidKind(flag) {
		return "", fmt.Errorf("unknown engine %q, expected %s or %s", flag, engine.KindKVS, engine.KindBolt)
	}
	if present && marker != flag {
		return "", fmt.Errorf("engine %q contradicts the %q marker persisted in %s", flag, marker, dir)
	}
	return flag, nil
}

func openEngine(kind string, cfg *config.Config) (engine.Engine, error) {
	switch kind {
	case engine.KindBolt:
		return engine.OpenBolt(cfg.DATA_DIR)
	default:
		return engine.Open(cfg.DATA_DIR,
			engine.WithFileThreshold(cfg.FILE_THRESHOLD),
			engine.WithDirThreshold(cfg.DIR_THRESHOLD),
		)
	}
}
