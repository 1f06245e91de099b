package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Load reads a Config from a JSON file and applies the documented
// defaults to every unset field. This is the minimal loader the binary's
// entry point needs to bootstrap the core; installer scaffolding, secrets
// handling, and the richer config surface live outside this process.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg.WithDefaults(), nil
}
