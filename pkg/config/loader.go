package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML config file on top of Default()
func LoadFile(path string) (Config, error) {
	c := Default()
	byt, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config file %v: %w", path, err)
	}
	if err = yaml.Unmarshal(byt, &c); err != nil {
		return c, fmt.Errorf("parse config file %v: %w", path, err)
	}
	return c, nil
}

// Load loads configuration with layered precedence: defaults, then the YAML file
// (skipped when path is empty), then environment variables.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		var err error
		if c, err = LoadFile(path); err != nil {
			return c, err
		}
	}
	ApplyEnv(&c)
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}
