// Command cyclerd serves the read-only cycler data API over an archive
// directory and, when configured, the rig's SQL data store.
package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"cyclerdata/internal/app"
	"cyclerdata/internal/config"
	"cyclerdata/pkg/contracts"
)

func main() {
	cliApp := &cli.App{
		Name:    "cyclerd",
		Usage:   "serve decoded battery cycler data over HTTP",
		Version: contracts.GetFullVersionString(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
				EnvVars: []string{config.EnvPrefix + "_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "archive-dir",
				Usage: "serve archives from `DIR` instead of server.archive_dir",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "listen on this port instead of server.port",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if c.IsSet("archive-dir") {
				cfg.Server.ArchiveDir = c.String("archive-dir")
			}
			if c.IsSet("port") {
				cfg.Server.Port = c.Int("port")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			application, err := app.NewApplication(c.Context, cfg, nil)
			if err != nil {
				return err
			}
			return application.Run()
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		slog.Error("Application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
