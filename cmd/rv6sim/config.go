// Config loading for the simulator binary: a flat YAML description of
// the simulated machine (hart count, memory size, disk geometry),
// grounded on gcsfuse's cmd layer use of a single unmarshalled config
// struct — here gopkg.in/yaml.v3 directly, since rv6sim's config is one
// flat struct with no legacy flag-mapping layer to justify viper.
package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"rv6/internal/diskimage"
)

// Config is the simulated machine description cmd/rv6sim boots from,
// either defaulted, loaded from a YAML file via --config, or overridden
// by individual flags (flags win over the file, the file wins over
// defaults).
type Config struct {
	Harts       int    `yaml:"harts"`
	MemMiB      int    `yaml:"mem_mib"`
	Image       string `yaml:"image"`
	LogBlocks   uint64 `yaml:"log_blocks"`
	InodeBlocks uint64 `yaml:"inode_blocks"`
	DataBlocks  uint64 `yaml:"data_blocks"`
}

// defaultConfig mirrors internal/diskimage.DefaultLayout and
// internal/rvtest's arena sizing, scaled for a standalone binary rather
// than a test process.
func defaultConfig() Config {
	return Config{
		Harts:       2,
		MemMiB:      16,
		LogBlocks:   diskimage.DefaultLayout.LogBlocks,
		InodeBlocks: diskimage.DefaultLayout.InodeBlocks,
		DataBlocks:  diskimage.DefaultLayout.DataBlocks,
	}
}

// loadConfig reads path (if non-empty) over the defaults. A missing
// --config flag is not an error: the simulator runs on defaults alone,
// exactly as rvtest's scenario tests do.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

func (c Config) layout() diskimage.Layout {
	return diskimage.Layout{
		LogBlocks:   c.LogBlocks,
		InodeBlocks: c.InodeBlocks,
		DataBlocks:  c.DataBlocks,
	}
}
