package client

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

// NewFederationCommand constructs the `federation` command group.
func NewFederationCommand(baseURL BaseURLFunc) *cobra.Command {
	fedCmd := &cobra.Command{Use: "federation", Short: "Federation peers and keys"}
	fedCmd.AddCommand(
		&cobra.Command{
			Use:   "peers",
			Short: "Show delivery status of every configured peer",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return getAndPrint(cmd, baseURL()+"/v1/federation/peers")
			},
		},
		&cobra.Command{
			Use:   "key",
			Short: "Show this server's verification key",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return getAndPrint(cmd, baseURL()+"/v1/federation/key")
			},
		},
		newFederationTrustCommand(baseURL),
		newFederationRevokeCommand(baseURL),
	)
	return fedCmd
}

func getAndPrint(cmd *cobra.Command, u string) error {
	var out map[string]any
	if err := doJSON(cmd.Context(), http.MethodGet, u, nil, &out); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

// newFederationTrustCommand constructs the `federation trust` subcommand.
func newFederationTrustCommand(baseURL BaseURLFunc) *cobra.Command {
	trustCmd := &cobra.Command{
		Use:   "trust",
		Short: "Pin a peer server's verification key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			server, _ := cmd.Flags().GetString("server")
			key, _ := cmd.Flags().GetString("key")
			if server == "" || key == "" {
				return fmt.Errorf("--server and --key are required")
			}
			body := map[string]string{"server": server, "publicKey": key}
			if err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/federation/keys", body, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	trustCmd.Flags().String("server", "", "Peer server name")
	trustCmd.Flags().String("key", "", "Base64 ed25519 public key")
	return trustCmd
}

func newFederationRevokeCommand(baseURL BaseURLFunc) *cobra.Command {
	revokeCmd := &cobra.Command{
		Use:   "revoke",
		Short: "Forget a peer server's verification key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			server, _ := cmd.Flags().GetString("server")
			u := baseURL() + "/v1/federation/keys/" + url.PathEscape(server)
			if err := doJSON(cmd.Context(), http.MethodDelete, u, nil, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	revokeCmd.Flags().String("server", "", "Peer server name")
	return revokeCmd
}
