package root

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Flissel/Vibemind-sub000/pkg/bridge"
	"github.com/Flissel/Vibemind-sub000/pkg/catalog"
	"github.com/Flissel/Vibemind-sub000/pkg/config"
	"github.com/Flissel/Vibemind-sub000/pkg/runtime"
	"github.com/Flissel/Vibemind-sub000/pkg/server"
	"github.com/Flissel/Vibemind-sub000/pkg/session"
	"github.com/Flissel/Vibemind-sub000/pkg/sessionlog"
	"github.com/Flissel/Vibemind-sub000/pkg/version"
)

type serveFlags struct {
	configPath  string
	listenAddr  string
	catalogPath string
}

func newServeCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		Long: `Start the orchestrator daemon: the HTTP API, the tool catalog watcher
and the session supervisor.

Sessions keep running when the daemon exits. On startup the daemon
reconciles the session store against the recorded pids and adopts or
finalizes what it finds.`,
		Example: `  # Run with the default configuration
  vibemind serve

  # Custom catalog and listen address
  vibemind serve --catalog ./tools.yaml --listen 127.0.0.1:9000

  # Listen on a unix socket
  vibemind serve --listen unix:///var/run/vibemind.sock`,
		GroupID: "server",
		Args:    cobra.NoArgs,
		RunE:    flags.runServeCommand,
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Path to the configuration file")
	cmd.Flags().StringVarP(&flags.listenAddr, "listen", "l", "", "Address to listen on (host:port or unix:///path/to/socket)")
	cmd.Flags().StringVar(&flags.catalogPath, "catalog", "", "Path to the tool catalog file")

	return cmd
}

func (f *serveFlags) runServeCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.listenAddr != "" {
		cfg.Listen = f.listenAddr
	}
	if f.catalogPath != "" {
		cfg.Catalog = f.catalogPath
	}
	if cfg.Catalog == "" {
		cfg.Catalog = filepath.Join(cfg.StateDir, "tools.yaml")
	}

	// An explicit --log-level wins over the config file.
	if !cmd.Root().PersistentFlags().Changed("log-level") {
		if err := setupLogging(cfg.LogLevel); err != nil {
			return err
		}
	}

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	if _, err := os.Stat(cfg.Catalog); err != nil {
		return fmt.Errorf("no tool catalog at %s, write one or point --catalog at it: %w", cfg.Catalog, err)
	}
	registry, err := catalog.Load(cfg.Catalog)
	if err != nil {
		return fmt.Errorf("failed to load tool catalog: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	manager := runtime.NewManager(runtime.Options{
		Store:           store,
		Catalog:         registry,
		Bridge:          bridge.New(cfg.Events.BufferSize, cfg.Events.ViewerQueue),
		Logs:            &sessionlog.Sink{Dir: cfg.LogsDir()},
		PidsDir:         cfg.PidsDir(),
		AnnounceTimeout: cfg.Sessions.AnnounceTimeout,
		GracePeriod:     cfg.Sessions.GracePeriod,
		RelayInterval:   cfg.Relay.PollInterval,
		RelayTimeout:    cfg.Relay.RequestTimeout,
	})

	slog.Info("Starting orchestrator daemon",
		"version", version.Version,
		"listen", cfg.Listen,
		"state_dir", cfg.StateDir,
		"store", cfg.Store.Driver,
		"catalog", cfg.Catalog)

	if err := manager.Recover(ctx); err != nil {
		slog.Warn("Session recovery incomplete", "error", err)
	}

	watcher, err := catalog.NewWatcher(cfg.Catalog)
	if err != nil {
		return fmt.Errorf("failed to watch tool catalog: %w", err)
	}
	defer watcher.Close()

	ln, err := server.Listen(ctx, cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	srv := server.New(manager, slog.Default())

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.Serve(egCtx, ln)
	})
	eg.Go(func() error {
		watcher.Start(egCtx)
		reloadCatalogOnChange(egCtx, watcher, registry)
		return nil
	})
	return eg.Wait()
}

func openStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return session.NewInMemoryStore(), nil
	default:
		store, err := session.NewSQLiteStore(cfg.StorePath())
		if err != nil {
			return nil, fmt.Errorf("failed to open session store: %w", err)
		}
		return store, nil
	}
}

// reloadCatalogOnChange swaps the registry contents whenever the catalog
// file is rewritten. A bad rewrite keeps the previous catalog in effect.
func reloadCatalogOnChange(ctx context.Context, watcher *catalog.Watcher, registry *catalog.Registry) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			if err := registry.Reload(); err != nil {
				slog.Warn("Catalog reload failed, keeping previous catalog", "error", err)
				continue
			}
			slog.Info("Catalog reloaded", "path", registry.Path())
		}
	}
}
