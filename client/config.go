package client

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/seedless/leech/torrent"
	"github.com/seedless/leech/tracker"
)

// Config is the full client configuration, loadable from a yaml file.
// Zero values fall back to the per-package defaults.
type Config struct {
	Scheduler torrent.Config `yaml:"scheduler"`
	Tracker   tracker.Config `yaml:"tracker"`
}

// LoadConfig reads a yaml config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
