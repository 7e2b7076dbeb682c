package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"dario.cat/mergo"
	"github.com/containerd/containerd/log"
	"github.com/pelletier/go-toml/v2"
)

// defaultMinSize is the smallest file size worth replacing with a link.
const defaultMinSize = 1_000_000

// Config provides imagededup run configuration data.
type Config struct {
	MinSize       uint64 `toml:"min_size"`
	Workers       int    `toml:"workers"`
	NoCompression bool   `toml:"no_compression"`
	RepoTag       string `toml:"repo_tag"`
}

// New returns a default config.
func New() *Config {
	return &Config{
		MinSize: defaultMinSize,
		Workers: runtime.NumCPU(),
	}
}

// Merge will fill any attributes with non-empty override attribute values.
func (cfg *Config) Merge(override *Config) error {
	return mergo.Merge(cfg, override, mergo.WithOverride)
}

// Load will unmarshal a toml file at the given config path and merge it
// with this config. If it doesn't exist, then do nothing.
func (cfg *Config) Load(ctx context.Context, configPath string) error {
	r, err := os.Open(configPath)
	if err != nil {
		log.G(ctx).WithError(err).Debugf("Not loading config from %q", configPath)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			log.G(ctx).WithError(err).Debugf("Failed to close config file")
		}
	}()

	log.G(ctx).Debugf("Loading config from %q", configPath)
	override := &Config{}
	dec := toml.NewDecoder(r).DisallowUnknownFields()
	if err := dec.Decode(override); err != nil {
		return fmt.Errorf("failed to load imagededup config from %q: %w", configPath, err)
	}

	err = cfg.Merge(override)
	if err != nil {
		return fmt.Errorf("failed to merge imagededup config from %q: %w", configPath, err)
	}

	log.G(ctx).Debugf("Loaded config %+v", cfg)
	return nil
}
