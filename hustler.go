package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/MichaelRobotics/Hustler-sub012/cmd"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "hustler",
		Usage:   "DM-driven funnel conversation engine",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (defaults to ./hustler.toml, then $HOME/.hustler.toml)",
			},
		},
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.ConfigCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
