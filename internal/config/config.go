package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rzbill/chorus/pkg/log"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	Server        ServerConfig       `yaml:"server" json:"server" envPrefix:"SERVER_"`
	Storage       StorageConfig      `yaml:"storage" json:"storage" envPrefix:"STORAGE_"`
	Log           log.Config         `yaml:"log" json:"log" envPrefix:"LOG_"`
	Subscriptions SubscriptionConfig `yaml:"subscriptions" json:"subscriptions" envPrefix:"SUBSCRIPTIONS_"`
	Causality     CausalityConfig    `yaml:"causality" json:"causality" envPrefix:"CAUSALITY_"`
	Federation    FederationConfig   `yaml:"federation" json:"federation" envPrefix:"FEDERATION_"`
}

// ServerConfig identifies this homeserver and where it listens.
type ServerConfig struct {
	// Name is this server's identity in federation (origin_server_id).
	Name           string `yaml:"name" json:"name" env:"NAME"`
	HTTPAddr       string `yaml:"httpAddr" json:"httpAddr" env:"HTTP_ADDR"`
	FederationAddr string `yaml:"federationAddr" json:"federationAddr" env:"FEDERATION_ADDR"`
}

// StorageConfig selects the storage backend. VerifyInterval is how often
// every channel's records are re-checked; zero disables the check.
type StorageConfig struct {
	// Backend is one of pebble, bbolt, sqlite, memory.
	Backend        string        `yaml:"backend" json:"backend" env:"BACKEND"`
	DataDir        string        `yaml:"dataDir" json:"dataDir" env:"DATA_DIR"`
	Fsync          string        `yaml:"fsync" json:"fsync" env:"FSYNC"`
	FsyncInterval  time.Duration `yaml:"fsyncInterval" json:"fsyncInterval" env:"FSYNC_INTERVAL"`
	ScanPageSize   int           `yaml:"scanPageSize" json:"scanPageSize" env:"SCAN_PAGE_SIZE"`
	VerifyInterval time.Duration `yaml:"verifyInterval" json:"verifyInterval" env:"VERIFY_INTERVAL"`
}

// SubscriptionConfig bounds per-connection delivery.
type SubscriptionConfig struct {
	QueueSize int `yaml:"queueSize" json:"queueSize" env:"QUEUE_SIZE"`
}

// CausalityConfig bounds reorder buffering of federated events.
type CausalityConfig struct {
	BufferCapacity int           `yaml:"bufferCapacity" json:"bufferCapacity" env:"BUFFER_CAPACITY"`
	GapTimeout     time.Duration `yaml:"gapTimeout" json:"gapTimeout" env:"GAP_TIMEOUT"`
	MaxBuffers     int           `yaml:"maxBuffers" json:"maxBuffers" env:"MAX_BUFFERS"`
	SweepInterval  time.Duration `yaml:"sweepInterval" json:"sweepInterval" env:"SWEEP_INTERVAL"`
}

// FederationConfig tunes outbound delivery and inbound policing. TLSCert,
// TLSKey and TLSCA turn on mutual TLS for the federation listener and for
// outbound links; all three are required together.
type FederationConfig struct {
	KeyPath          string        `yaml:"keyPath" json:"keyPath" env:"KEY_PATH"`
	RetryInitial     time.Duration `yaml:"retryInitial" json:"retryInitial" env:"RETRY_INITIAL"`
	RetryMax         time.Duration `yaml:"retryMax" json:"retryMax" env:"RETRY_MAX"`
	RetryMultiplier  float64       `yaml:"retryMultiplier" json:"retryMultiplier" env:"RETRY_MULTIPLIER"`
	MaxAttempts      int           `yaml:"maxAttempts" json:"maxAttempts" env:"MAX_ATTEMPTS"`
	Retention        time.Duration `yaml:"retention" json:"retention" env:"RETENTION"`
	ConnectTimeout   time.Duration `yaml:"connectTimeout" json:"connectTimeout" env:"CONNECT_TIMEOUT"`
	SendTimeout      time.Duration `yaml:"sendTimeout" json:"sendTimeout" env:"SEND_TIMEOUT"`
	BackfillTimeout  time.Duration `yaml:"backfillTimeout" json:"backfillTimeout" env:"BACKFILL_TIMEOUT"`
	DegradedRetry    time.Duration `yaml:"degradedRetry" json:"degradedRetry" env:"DEGRADED_RETRY"`
	PenaltyThreshold int           `yaml:"penaltyThreshold" json:"penaltyThreshold" env:"PENALTY_THRESHOLD"`
	TLSCert          string        `yaml:"tlsCert" json:"tlsCert" env:"TLS_CERT"`
	TLSKey           string        `yaml:"tlsKey" json:"tlsKey" env:"TLS_KEY"`
	TLSCA            string        `yaml:"tlsCA" json:"tlsCA" env:"TLS_CA"`
	Peers            []PeerConfig  `yaml:"peers" json:"peers"`
}

// PeerConfig declares a known peer and its trusted verification key.
type PeerConfig struct {
	Name string `yaml:"name" json:"name"`
	Addr string `yaml:"addr" json:"addr"`
	// PublicKey is the base64 (std encoding) ed25519 public key.
	PublicKey string `yaml:"publicKey" json:"publicKey"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Name:           "localhost",
			HTTPAddr:       ":8080",
			FederationAddr: ":8448",
		},
		Storage: StorageConfig{
			Backend:        "pebble",
			DataDir:        DefaultDataDir(),
			Fsync:          "always",
			FsyncInterval:  5 * time.Millisecond,
			ScanPageSize:   256,
			VerifyInterval: time.Hour,
		},
		Log: log.Config{Level: "info", Format: "text", Output: []string{"console"}},
		Subscriptions: SubscriptionConfig{
			QueueSize: 256,
		},
		Causality: CausalityConfig{
			BufferCapacity: 128,
			GapTimeout:     30 * time.Second,
			MaxBuffers:     4096,
			SweepInterval:  5 * time.Second,
		},
		Federation: FederationConfig{
			RetryInitial:     500 * time.Millisecond,
			RetryMax:         30 * time.Second,
			RetryMultiplier:  2,
			MaxAttempts:      8,
			Retention:        24 * time.Hour,
			ConnectTimeout:   5 * time.Second,
			SendTimeout:      10 * time.Second,
			BackfillTimeout:  30 * time.Second,
			DegradedRetry:    time.Minute,
			PenaltyThreshold: 3,
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension) over the
// defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch filepath.Ext(path) {
	case ".json":
		err = json.Unmarshal(b, &cfg)
	default:
		err = yaml.Unmarshal(b, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	switch c.Storage.Backend {
	case "pebble", "bbolt", "sqlite":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.dataDir is required for backend %s", c.Storage.Backend)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.VerifyInterval < 0 {
		return errors.New("storage.verifyInterval must not be negative")
	}
	if c.Subscriptions.QueueSize <= 0 {
		return errors.New("subscriptions.queueSize must be positive")
	}
	if c.Causality.BufferCapacity <= 0 || c.Causality.MaxBuffers <= 0 {
		return errors.New("causality buffer bounds must be positive")
	}
	if c.Causality.GapTimeout <= 0 {
		return errors.New("causality.gapTimeout must be positive")
	}
	if c.Federation.MaxAttempts <= 0 {
		return errors.New("federation.maxAttempts must be positive")
	}
	if c.Federation.RetryMultiplier < 1 {
		return errors.New("federation.retryMultiplier must be >= 1")
	}
	if fc := c.Federation; fc.TLSCert != "" || fc.TLSKey != "" || fc.TLSCA != "" {
		if fc.TLSCert == "" || fc.TLSKey == "" || fc.TLSCA == "" {
			return errors.New("federation tls needs tlsCert, tlsKey and tlsCA together")
		}
	}
	for _, p := range c.Federation.Peers {
		if p.Name == "" || p.Addr == "" {
			return errors.New("federation peers need name and addr")
		}
		if p.Name == c.Server.Name {
			return fmt.Errorf("peer %q has this server's own name", p.Name)
		}
	}
	return nil
}
