// Package cli builds the sessiond command tree: the serve daemon plus
// operator conveniences that drive the session manager directly.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/cartavis/sessiond/pkg/config"
	"github.com/cartavis/sessiond/pkg/k8s/client"
	"github.com/cartavis/sessiond/pkg/logging"
	"github.com/cartavis/sessiond/pkg/spawner"
)

const (
	name           = "sessiond"
	versionDefault = "dev"
)

var (
	// overridden during build with ldflags
	version = versionDefault
	commit  = "unknown"
	date    = "unknown"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "Path to the YAML configuration file",
	Sources: cli.EnvVars("SESSIOND_CONFIG"),
}

var logLevelFlag = &cli.StringFlag{
	Name:    "log-level",
	Usage:   "Log level (debug, info, warn, error)",
	Sources: cli.EnvVars("SESSIOND_LOG_LEVEL"),
	Value:   "info",
}

// Root assembles the command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name:    name,
		Usage:   "Per-user visualization session manager",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		Flags:   []cli.Flag{configFlag, logLevelFlag},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logging.SetDefaultStructuredLoggerWithLevel(name, version, cmd.String("log-level"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			serveCmd(),
			spawnCmd(),
			stopCmd(),
			statusCmd(),
			logsCmd(),
			purgeCmd(),
		},
	}
}

// Execute runs the command tree with signal-driven cancellation. Called by
// main.main.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Root().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration for a command.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	if path := cmd.String("config"); path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildSpawner constructs a running spawner for one-shot commands and the
// daemon alike.
func buildSpawner(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*spawner.Spawner, error) {
	bundle, err := client.New(client.Options{
		Kubeconfig:         cfg.Kubeconfig,
		MutationsPerSecond: cfg.MutationsPerSecond,
	})
	if err != nil {
		return nil, err
	}

	s, err := spawner.New(cfg, bundle, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Run(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
