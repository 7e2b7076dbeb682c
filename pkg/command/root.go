package command

import (
	"context"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
)

func NewApp(ctx context.Context) *cli.App {
	return &cli.App{
		Name:  "imagededup",
		Usage: "replace duplicate files across image layers with links",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			c.Context = ctx
			if c.Bool("debug") {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			analyzeCommand,
			dedupCommand,
		},
	}
}
