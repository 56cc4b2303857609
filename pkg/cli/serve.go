package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/cartavis/sessiond/pkg/api"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the session manager daemon",
		Description: `Run the daemon: connect to the cluster, warm the object caches, and
serve the HTTP control plane until interrupted.

Notifies systemd (READY=1) once the control plane is accepting requests,
so Type=notify units sequence dependent services correctly.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "address",
				Usage:   "Listen address for the control plane",
				Sources: cli.EnvVars("SESSIOND_ADDRESS"),
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "Listen port for the control plane",
				Sources: cli.EnvVars("SESSIOND_PORT"),
				Value:   8080,
			},
			&cli.BoolFlag{
				Name:  "drain",
				Usage: "Stop every session on shutdown instead of leaving them running",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := slog.Default()

			s, err := buildSpawner(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			apiCfg := api.DefaultConfig()
			apiCfg.Address = cmd.String("address")
			apiCfg.Port = int(cmd.Int("port"))
			server := api.NewServer(apiCfg, s, logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.Start(gctx)
			})
			g.Go(func() error {
				select {
				case err := <-s.Failed():
					return fmt.Errorf("object cache failed: %w", err)
				case <-gctx.Done():
					return nil
				}
			})

			if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				logger.Warn("sd_notify failed", "error", err)
			} else if ok {
				logger.Debug("sd_notify ready sent")
			}

			// Sessions deliberately outlive the daemon unless draining:
			// their objects are re-adopted through the mirrors on the
			// next start.
			err = g.Wait()
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

			if cmd.Bool("drain") {
				drainCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				s.StopAll(drainCtx)
			}
			return err
		},
	}
}
