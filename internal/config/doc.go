// Package config loads chorus runtime configuration: built-in defaults, an
// optional YAML or JSON file, then CHORUS_* environment overrides.
//
// Example:
//
//	cfg, err := config.Load("/etc/chorus.yaml")
//	if err != nil { /* handle */ }
//	if err := config.FromEnv(&cfg); err != nil { /* handle */ }
//	if err := cfg.Validate(); err != nil { /* handle */ }
package config
