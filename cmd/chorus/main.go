package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/chorus/internal/cmd/client"
	serverrun "github.com/rzbill/chorus/internal/cmd/server"
	cfgpkg "github.com/rzbill/chorus/internal/config"
	"github.com/rzbill/chorus/internal/federation"
	"github.com/rzbill/chorus/internal/runtime"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chorus",
		Short: "Chorus homeserver CLI",
		Long:  "Chorus is a federated chat homeserver. This CLI runs the server and drives its client API.",
	}

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the homeserver (client HTTP and federation gRPC)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	f := serverStartCmd.Flags()
	f.String("config", os.Getenv("CHORUS_CONFIG"), "Config file (YAML or JSON)")
	f.String("name", "", "Server name used as the federation origin")
	f.String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	f.String("backend", "", "Storage backend: pebble|bbolt|sqlite|memory")
	f.String("http", "", "Client HTTP listen address")
	f.String("federation", "", "Federation gRPC listen address")
	f.String("fsync", "", "Fsync mode: always|interval|never")
	f.Duration("fsync-interval", 0, "When --fsync=interval, group-commit window")
	f.String("log-level", "", "Log level: debug|info|warn|error")
	f.String("log-format", "", "Log format: text|json")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	// keygen
	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create (or show) the server signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			force, _ := cmd.Flags().GetBool("force")
			if out == "" {
				out = filepath.Join(cfgpkg.DefaultDataDir(), runtime.KeyFile)
			}
			var key ed25519.PrivateKey
			var err error
			if force {
				if _, key, err = ed25519.GenerateKey(rand.Reader); err == nil {
					err = federation.WriteKey(out, key)
				}
			} else {
				key, err = federation.LoadOrCreateKey(out)
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "key file:  ", out)
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "public key:", federation.EncodePublicKey(key.Public().(ed25519.PublicKey)))
			return nil
		},
	}
	keygenCmd.Flags().String("out", "", "Key file (default <data-dir>/"+runtime.KeyFile+")")
	keygenCmd.Flags().Bool("force", false, "Replace an existing key")
	rootCmd.AddCommand(keygenCmd)

	rootCmd.AddCommand(clientcmd.NewChannelCommand(apiURL))
	rootCmd.AddCommand(clientcmd.NewFederationCommand(apiURL))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig layers file, CHORUS_* environment and explicitly set flags, in
// that order, over the defaults.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	if err := cfgpkg.FromEnv(&cfg); err != nil {
		return cfgpkg.Config{}, err
	}
	fl := cmd.Flags()
	set := func(name string, dst *string) {
		if fl.Changed(name) {
			*dst, _ = fl.GetString(name)
		}
	}
	set("name", &cfg.Server.Name)
	set("data-dir", &cfg.Storage.DataDir)
	set("backend", &cfg.Storage.Backend)
	set("http", &cfg.Server.HTTPAddr)
	set("federation", &cfg.Server.FederationAddr)
	set("fsync", &cfg.Storage.Fsync)
	set("log-level", &cfg.Log.Level)
	set("log-format", &cfg.Log.Format)
	if fl.Changed("fsync-interval") {
		cfg.Storage.FsyncInterval, _ = fl.GetDuration("fsync-interval")
	}
	return cfg, cfg.Validate()
}

func apiURL() string {
	if v := os.Getenv("CHORUS_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
