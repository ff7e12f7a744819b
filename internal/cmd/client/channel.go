package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

// NewChannelCommand constructs the `channel` command group and subcommands.
func NewChannelCommand(baseURL BaseURLFunc) *cobra.Command {
	channelCmd := &cobra.Command{Use: "channel", Short: "Channel operations"}

	channelCmd.AddCommand(
		newChannelListCommand(baseURL),
		newChannelCreateCommand(baseURL),
		newChannelSendCommand(baseURL),
		newChannelHistoryCommand(baseURL),
		newChannelTailCommand(baseURL),
		newChannelShareCommand(baseURL),
		newChannelUnshareCommand(baseURL),
	)

	return channelCmd
}

// newChannelListCommand constructs the `channel list` subcommand.
func newChannelListCommand(baseURL BaseURLFunc) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List channels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			community, _ := cmd.Flags().GetString("community")
			u := baseURL() + "/v1/channels"
			if community != "" {
				u += "?community=" + url.QueryEscape(community)
			}
			var out map[string]any
			if err := doJSON(cmd.Context(), http.MethodGet, u, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	listCmd.Flags().String("community", "", "Only channels of this community")
	return listCmd
}

// newChannelCreateCommand constructs the `channel create` subcommand.
func newChannelCreateCommand(baseURL BaseURLFunc) *cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, _ := cmd.Flags().GetString("id")
			community, _ := cmd.Flags().GetString("community")
			peers, _ := cmd.Flags().GetStringSlice("peer")
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			body := map[string]any{"id": id, "communityId": community, "peers": peers}
			var out map[string]any
			if err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/channels", body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	createCmd.Flags().String("id", "", "Channel id")
	createCmd.Flags().String("community", "", "Community id")
	createCmd.Flags().StringSlice("peer", nil, "Peer server sharing the channel (repeatable)")
	return createCmd
}

// newChannelSendCommand constructs the `channel send` subcommand.
func newChannelSendCommand(baseURL BaseURLFunc) *cobra.Command {
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Commit an event to a channel",
		Long: "Commit an event. --text sends a message; other kinds take a JSON payload, e.g.\n" +
			"  chorus channel send --channel general --author alice --kind reaction --payload '{\"target\":{\"origin\":\"alpha.example\",\"position\":3},\"emoji\":\"+1\"}'",
		RunE: func(cmd *cobra.Command, _ []string) error {
			channel, _ := cmd.Flags().GetString("channel")
			author, _ := cmd.Flags().GetString("author")
			kind, _ := cmd.Flags().GetString("kind")
			text, _ := cmd.Flags().GetString("text")
			payload, _ := cmd.Flags().GetString("payload")
			if channel == "" || author == "" {
				return fmt.Errorf("--channel and --author are required")
			}
			var raw json.RawMessage
			switch {
			case payload != "":
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("invalid --payload: not JSON")
				}
				raw = json.RawMessage(payload)
			case text != "" && kind == "message":
				b, _ := json.Marshal(map[string]string{"content": text})
				raw = b
			default:
				return fmt.Errorf("one of --text or --payload is required")
			}
			body := map[string]any{"author": author, "kind": kind, "payload": raw}
			var out map[string]any
			u := baseURL() + "/v1/channels/" + url.PathEscape(channel) + "/events"
			if err := doJSON(cmd.Context(), http.MethodPost, u, body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	sendCmd.Flags().String("channel", "", "Channel id")
	sendCmd.Flags().String("author", "", "Authoring user")
	sendCmd.Flags().String("kind", "message", "Event kind: message|membership|reaction|redaction|pin")
	sendCmd.Flags().String("text", "", "Message text (kind=message)")
	sendCmd.Flags().String("payload", "", "Raw JSON payload")
	return sendCmd
}

// newChannelHistoryCommand constructs the `channel history` subcommand.
func newChannelHistoryCommand(baseURL BaseURLFunc) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Read a range of channel events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			channel, _ := cmd.Flags().GetString("channel")
			from, _ := cmd.Flags().GetUint64("from")
			to, _ := cmd.Flags().GetUint64("to")
			limit, _ := cmd.Flags().GetInt("limit")
			wait, _ := cmd.Flags().GetDuration("wait")
			if channel == "" {
				return fmt.Errorf("--channel is required")
			}
			q := url.Values{}
			if from > 0 {
				q.Set("from", strconv.FormatUint(from, 10))
			}
			if to > 0 {
				q.Set("to", strconv.FormatUint(to, 10))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if wait > 0 {
				q.Set("wait", wait.String())
			}
			u := baseURL() + "/v1/channels/" + url.PathEscape(channel) + "/events"
			if len(q) > 0 {
				u += "?" + q.Encode()
			}
			var out map[string]any
			if err := doJSON(cmd.Context(), http.MethodGet, u, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	historyCmd.Flags().String("channel", "", "Channel id")
	historyCmd.Flags().Uint64("from", 0, "First position (inclusive)")
	historyCmd.Flags().Uint64("to", 0, "Last position (inclusive, 0 = head)")
	historyCmd.Flags().Int("limit", 0, "Maximum events (server default when 0)")
	historyCmd.Flags().Duration("wait", 0, "Long-poll for new events when the range is empty")
	return historyCmd
}

// tailFrame mirrors the server's stream frame.
type tailFrame struct {
	Type   string          `json:"type"`
	Event  json.RawMessage `json:"event,omitempty"`
	Reason string          `json:"reason,omitempty"`
	Resume uint64          `json:"resume,omitempty"`
}

// newChannelTailCommand constructs the `channel tail` subcommand.
func newChannelTailCommand(baseURL BaseURLFunc) *cobra.Command {
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow a channel over websocket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			channel, _ := cmd.Flags().GetString("channel")
			cursor, _ := cmd.Flags().GetUint64("cursor")
			filter, _ := cmd.Flags().GetString("filter")
			limit, _ := cmd.Flags().GetInt("limit")
			if channel == "" {
				return fmt.Errorf("--channel is required")
			}
			q := url.Values{}
			q.Set("cursor", strconv.FormatUint(cursor, 10))
			if filter != "" {
				q.Set("filter", filter)
			}
			u := wsURL(baseURL()) + "/v1/channels/" + url.PathEscape(channel) + "/stream?" + q.Encode()
			ws, resp, err := websocket.DefaultDialer.DialContext(cmd.Context(), u, nil)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("subscribe: %s", resp.Status)
				}
				return err
			}
			defer func() { _ = ws.Close() }()
			stop := context.AfterFunc(cmd.Context(), func() { _ = ws.Close() })
			defer stop()

			enc := json.NewEncoder(cmd.OutOrStdout())
			seen := 0
			for {
				var f tailFrame
				if err := ws.ReadJSON(&f); err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure) || cmd.Context().Err() != nil {
						return nil
					}
					return err
				}
				switch f.Type {
				case "event":
					_ = enc.Encode(f.Event)
					seen++
					if limit > 0 && seen >= limit {
						return nil
					}
				case "dropped":
					return fmt.Errorf("dropped by server (%s); resume with --cursor %d", f.Reason, f.Resume)
				case "error":
					return fmt.Errorf("server: %s", f.Reason)
				}
			}
		},
	}
	tailCmd.Flags().String("channel", "", "Channel id")
	tailCmd.Flags().Uint64("cursor", 0, "Replay events after this position")
	tailCmd.Flags().String("filter", "", "CEL filter (server-side)")
	tailCmd.Flags().Int("limit", 0, "Stop after N events (0 = infinite)")
	return tailCmd
}

// newChannelShareCommand constructs the `channel share` subcommand.
func newChannelShareCommand(baseURL BaseURLFunc) *cobra.Command {
	shareCmd := &cobra.Command{
		Use:   "share",
		Short: "Share a channel with a peer server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			channel, _ := cmd.Flags().GetString("channel")
			peer, _ := cmd.Flags().GetString("peer")
			u := baseURL() + "/v1/channels/" + url.PathEscape(channel) + "/peers"
			if err := doJSON(cmd.Context(), http.MethodPost, u, map[string]string{"peer": peer}, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	shareCmd.Flags().String("channel", "", "Channel id")
	shareCmd.Flags().String("peer", "", "Peer server name")
	return shareCmd
}

func newChannelUnshareCommand(baseURL BaseURLFunc) *cobra.Command {
	unshareCmd := &cobra.Command{
		Use:   "unshare",
		Short: "Stop sharing a channel with a peer server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			channel, _ := cmd.Flags().GetString("channel")
			peer, _ := cmd.Flags().GetString("peer")
			u := baseURL() + "/v1/channels/" + url.PathEscape(channel) + "/peers/" + url.PathEscape(peer)
			if err := doJSON(cmd.Context(), http.MethodDelete, u, nil, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	unshareCmd.Flags().String("channel", "", "Channel id")
	unshareCmd.Flags().String("peer", "", "Peer server name")
	return unshareCmd
}
