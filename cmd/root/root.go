// Package root assembles the vibemind command tree: the daemon under
// `serve` and the session client commands that talk to it.
package root

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Flissel/Vibemind-sub000/pkg/client"
	"github.com/Flissel/Vibemind-sub000/pkg/version"
)

const defaultAddr = "http://127.0.0.1:7380"

type rootFlags struct {
	addr     string
	logLevel string
}

func (f *rootFlags) client() *client.Client {
	return client.New(f.addr)
}

// NewRootCmd builds the top-level vibemind command.
func NewRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "vibemind",
		Short: "Orchestrate local agent processes",
		Long: `vibemind launches, supervises and tears down the agent processes
defined in a tool catalog. The daemon (vibemind serve) owns the
processes; every other command talks to it over its HTTP API.`,
		Version:      version.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return setupLogging(flags.logLevel)
		},
	}

	cmd.PersistentFlags().StringVar(&flags.addr, "addr", envOr("VIBEMIND_ADDR", defaultAddr),
		"Daemon address (host:port, http://host:port or unix:///path/to/socket)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info",
		"Log level (debug, info, warn, error)")

	cmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Session Commands:"},
		&cobra.Group{ID: "server", Title: "Server Commands:"},
	)

	cmd.AddCommand(
		newServeCmd(),
		newCreateCmd(&flags),
		newStartCmd(&flags),
		newRunCmd(&flags),
		newLsCmd(&flags),
		newInspectCmd(&flags),
		newStopCmd(&flags),
		newRmCmd(&flags),
		newEventsCmd(&flags),
		newOutputCmd(&flags),
		newToolsCmd(&flags),
		newVersionCmd(&flags),
	)

	return cmd
}

// setupLogging replaces the default slog handler with a text handler on
// stderr at the requested level.
func setupLogging(level string) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("log level %q is not supported, use debug, info, warn or error", level)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseMetadata turns repeated key=value flags into a metadata map.
func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	metadata := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("metadata %q is not in key=value form", pair)
		}
		metadata[key] = value
	}
	return metadata, nil
}
