package command

import (
	"fmt"
	"io"
	"os"

	"github.com/imagetoolkit/imagededup/pkg/config"
	"github.com/imagetoolkit/imagededup/pkg/dedup"
	cli "github.com/urfave/cli/v2"
)

var dedupCommand = &cli.Command{
	Name:      "dedup",
	Usage:     "rewrites an exported image archive with duplicate files replaced by links",
	ArgsUsage: "<image.tar>",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:     "output",
			Aliases:  []string{"o"},
			Usage:    "output archive path, or - for stdout",
			Required: true,
		},
		&cli.BoolFlag{
			Name:  "no-compression",
			Usage: "store rewritten layers as uncompressed archives",
		},
		&cli.StringFlag{
			Name:  "tag",
			Usage: "repo tag for the output image",
		},
	}, commonFlags...),
	Action: func(c *cli.Context) (err error) {
		if c.NArg() != 1 {
			return fmt.Errorf("must provide exactly 1 arg")
		}

		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		var w io.Writer
		outPath := c.String("output")
		if outPath == "-" {
			w = os.Stdout
		} else {
			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := f.Close(); err == nil {
					err = cerr
				}
				// A failed run must not leave a partial archive behind.
				if err != nil {
					os.Remove(outPath)
				}
			}()
			w = f
		}

		return dedup.Run(c.Context, c.Args().Get(0), w, dedup.Options{
			MinSize:  cfg.MinSize,
			Workers:  cfg.Workers,
			Compress: !cfg.NoCompression,
			RepoTag:  cfg.RepoTag,
		})
	},
}

// commonFlags are shared by the analyze and dedup commands.
var commonFlags = []cli.Flag{
	&cli.Uint64Flag{
		Name:  "min-size",
		Usage: "smallest file size considered for deduplication",
	},
	&cli.IntFlag{
		Name:  "workers",
		Usage: "how many layers to process concurrently",
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to a toml config file",
	},
}

// loadConfig layers the optional config file under any explicit flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.New()
	if path := c.String("config"); path != "" {
		if err := cfg.Load(c.Context, path); err != nil {
			return nil, err
		}
	}

	override := &config.Config{}
	if c.IsSet("min-size") {
		override.MinSize = c.Uint64("min-size")
	}
	if c.IsSet("workers") {
		override.Workers = c.Int("workers")
	}
	if c.IsSet("no-compression") {
		override.NoCompression = c.Bool("no-compression")
	}
	if c.IsSet("tag") {
		override.RepoTag = c.String("tag")
	}

	err := cfg.Merge(override)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
