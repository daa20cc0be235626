// Command giftwatch follows gift-planning updates from the push server and
// prints them as JSON lines.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/rickgao/giftplan-realtime/internal/version"
)

func main() {
	app := &cli.App{
		Name:  "giftwatch",
		Usage: "Follow real-time gift-planning updates",
		Commands: []*cli.Command{
			watchCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "giftwatch:", err)
		os.Exit(1)
	}
}

func watchCmd() *cli.Command {
	return &cli.Command{
		Name:    "watch",
		Aliases: []string{"w"},
		Usage:   "Subscribe to topics and print every event",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the configuration file",
				EnvVars: []string{"GIFTWATCH_CONFIG"},
			},
			&cli.StringSliceFlag{
				Name:    "topic",
				Aliases: []string{"t"},
				Usage:   "Topic to watch, e.g. list:42 (repeatable)",
			},
			&cli.StringFlag{
				Name:  "select",
				Usage: "GJSON path to print instead of the whole event, e.g. data.payload",
			},
			&cli.StringFlag{
				Name:    "url",
				Usage:   "Push server URL (overrides the config file)",
				EnvVars: []string{"GIFTWATCH_URL"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token (overrides the config file)",
				EnvVars: []string{"GIFTWATCH_TOKEN"},
			},
		},
		Action: func(c *cli.Context) error {
			opts := watchOptions{
				ConfigPath: c.String("config"),
				Topics:     c.StringSlice("topic"),
				Select:     c.String("select"),
				URL:        c.String("url"),
				Token:      c.String("token"),
			}
			return runWatch(c.Context, opts)
		},
	}
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print build information",
		Action: func(c *cli.Context) error {
			fmt.Fprintln(c.App.Writer, version.String())
			return nil
		},
	}
}
