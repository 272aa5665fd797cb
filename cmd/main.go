package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/yungbote/cmdledger/internal/app"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "log-mode",
		Value:   "development",
		Usage:   "logger mode: development, production or test",
		EnvVars: []string{"LOG_MODE"},
	},
	&cli.StringFlag{
		Name:    "roster-file",
		Usage:   "YAML roster of node ids (overrides NODE_IDS)",
		EnvVars: []string{"ROSTER_FILE"},
	},
	&cli.StringFlag{
		Name:    "http-addr",
		Value:   ":8080",
		Usage:   "address for the HTTP API, health and metrics",
		EnvVars: []string{"HTTP_ADDR"},
	},
}

func main() {
	cliApp := &cli.App{
		Name:  "cmdledger",
		Usage: "exactly-once command broadcast across a roster of control components",
		Flags: flags,
		Commands: []*cli.Command{
			{
				Name:   app.RoleOrchestrator,
				Usage:  "broadcast commands and aggregate node responses",
				Action: serve(app.RoleOrchestrator),
			},
			{
				Name:  app.RoleNode,
				Usage: "execute commands for one control component",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "node-id", Usage: "this node's id", EnvVars: []string{"NODE_ID"}},
				},
				Action: serve(app.RoleNode),
			},
			{
				Name:   app.RoleStandalone,
				Usage:  "orchestrator and every roster node in one process (development)",
				Action: serve(app.RoleStandalone),
			},
			{
				Name:  "migrate",
				Usage: "create or update the database schema and exit",
				Action: func(cCtx *cli.Context) error {
					log, err := newLogger(cCtx)
					if err != nil {
						return err
					}
					defer log.Sync()
					cfg, err := app.ParseConfig()
					if err != nil {
						return err
					}
					return app.Migrate(cfg, log)
				},
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "cmdledger: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cCtx *cli.Context) (*logger.Logger, error) {
	log, err := logger.New(cCtx.String("log-mode"))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return log, nil
}

// serve exports the flags for role into the environment, loads the config
// and runs until SIGINT or SIGTERM.
func serve(role string) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		overrides := map[string]string{
			"ROLE":        role,
			"ROSTER_FILE": cCtx.String("roster-file"),
			"HTTP_ADDR":   cCtx.String("http-addr"),
			"NODE_ID":     cCtx.String("node-id"),
		}
		for k, v := range overrides {
			if v == "" {
				continue
			}
			if err := os.Setenv(k, v); err != nil {
				return err
			}
		}

		log, err := newLogger(cCtx)
		if err != nil {
			return err
		}
		cfg, err := app.LoadConfig()
		if err != nil {
			log.Error("Invalid configuration", "error", err)
			log.Sync()
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, log)
		if err != nil {
			log.Error("Startup failed", "error", err)
			log.Sync()
			return err
		}
		defer a.Close()

		log.Info("Starting", "role", cfg.Role, "http_addr", cfg.HTTPAddr)
		return a.Run(ctx)
	}
}
