package command

import (
	"fmt"

	"github.com/imagetoolkit/imagededup/pkg/dedup"
	cli "github.com/urfave/cli/v2"
)

var analyzeCommand = &cli.Command{
	Name:      "analyze",
	Usage:     "reports duplicate file content across an image's layers",
	ArgsUsage: "<image.tar>",
	Flags:     commonFlags,
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("must provide exactly 1 arg")
		}

		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		duplicates, err := dedup.Analyze(c.Context, c.Args().Get(0), dedup.Options{
			MinSize: cfg.MinSize,
			Workers: cfg.Workers,
		})
		if err != nil {
			return err
		}

		dedup.Report(c.Context, duplicates)
		return nil
	},
}
