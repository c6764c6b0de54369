package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/layer-3/ageverify/config"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "ageverify",
		Usage: "on-chain age verification gatekeeper, oracle and tooling",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a YAML config file",
				EnvVars: []string{config.PathEnv},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			inspectCommand(),
			deriveCommand(),
			retriesCommand(),
			watchCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, watermill.LoggerAdapter, error) {
	cfg, err := config.LoadFrom(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, watermill.NewStdLogger(cfg.Debug, false), nil
}
