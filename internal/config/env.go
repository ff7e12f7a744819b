package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable the config reads.
const EnvPrefix = "CHORUS_"

// FromEnv overlays CHORUS_* environment variables onto cfg, e.g.
// CHORUS_STORAGE_BACKEND or CHORUS_FEDERATION_MAX_ATTEMPTS. Peers are file-only.
func FromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
