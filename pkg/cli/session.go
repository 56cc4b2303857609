package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/cartavis/sessiond/pkg/spawner"
)

var userFlag = &cli.StringFlag{
	Name:     "user",
	Usage:    "Session username",
	Required: true,
}

// withSpawner runs fn against a freshly built spawner and tears the
// spawner (not the sessions) down afterwards.
func withSpawner(ctx context.Context, cmd *cli.Command, fn func(*spawner.Spawner) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	s, err := buildSpawner(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func spawnCmd() *cli.Command {
	return &cli.Command{
		Name:  "spawn",
		Usage: "Start a session for a user",
		Flags: []cli.Flag{
			userFlag,
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Restart the session if one is already running",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withSpawner(ctx, cmd, func(s *spawner.Spawner) error {
				res, err := s.Start(ctx,
					spawner.Identity{Username: cmd.String("user")},
					spawner.StartOptions{ForceRestart: cmd.Bool("force")})
				if err != nil {
					return err
				}
				if !res.Ready {
					return fmt.Errorf("session did not become ready: %s", res.Reason)
				}
				fmt.Printf("session ready: %s:%d (token %s)\n",
					res.Target.Host, res.Target.Port, res.Target.AuthToken)
				return nil
			})
		},
	}
}

func stopCmd() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "Stop a user's session",
		Flags: []cli.Flag{userFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withSpawner(ctx, cmd, func(s *spawner.Spawner) error {
				return s.Stop(ctx, spawner.Identity{Username: cmd.String("user")})
			})
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show a user's session status",
		Flags: []cli.Flag{userFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withSpawner(ctx, cmd, func(s *spawner.Spawner) error {
				st, err := s.Status(ctx, spawner.Identity{Username: cmd.String("user")})
				if err != nil {
					return err
				}
				fmt.Printf("running=%t ready=%t\n", st.Running, st.Ready)
				if st.Target != nil {
					fmt.Printf("target=%s:%d\n", st.Target.Host, st.Target.Port)
				}
				return nil
			})
		},
	}
}

func logsCmd() *cli.Command {
	return &cli.Command{
		Name:  "logs",
		Usage: "Print a user's trailing backend logs",
		Flags: []cli.Flag{
			userFlag,
			&cli.IntFlag{
				Name:  "tail",
				Usage: "Number of trailing lines",
				Value: 100,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withSpawner(ctx, cmd, func(s *spawner.Spawner) error {
				lines, err := s.Logs(spawner.Identity{Username: cmd.String("user")}, int(cmd.Int("tail")))
				if err != nil {
					return err
				}
				for _, line := range lines {
					fmt.Println(line)
				}
				return nil
			})
		},
	}
}

func purgeCmd() *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "Delete a user's session storage",
		Flags: []cli.Flag{userFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withSpawner(ctx, cmd, func(s *spawner.Spawner) error {
				return s.PurgeData(ctx, spawner.Identity{Username: cmd.String("user")})
			})
		},
	}
}
