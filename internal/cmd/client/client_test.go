package client

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	root := NewRoot(func() string { return srv.URL })
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestSendPostsMessage(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/channels/general/events", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"position":1}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := run(t, srv, "channel", "send", "--channel", "general", "--author", "alice", "--text", "hi")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, `"position": 1`) {
		t.Fatalf("unexpected output: %s", out)
	}
	if got["author"] != "alice" || got["kind"] != "message" {
		t.Fatalf("unexpected body: %v", got)
	}
	payload, _ := got["payload"].(map[string]any)
	if payload["content"] != "hi" {
		t.Fatalf("unexpected payload: %v", got["payload"])
	}
}

func TestSendRequiresPayload(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	if _, err := run(t, srv, "channel", "send", "--channel", "general", "--author", "alice", "--kind", "reaction"); err == nil {
		t.Fatal("expected an error without --payload")
	}
	if _, err := run(t, srv, "channel", "send", "--channel", "general", "--author", "alice", "--payload", "{nope"); err == nil {
		t.Fatal("expected an error for invalid JSON")
	}
}

func TestHistoryQuery(t *testing.T) {
	var query string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/channels/general/events", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"channel":"general","events":[]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	if _, err := run(t, srv, "channel", "history", "--channel", "general", "--from", "5", "--limit", "10", "--wait", "2s"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, want := range []string{"from=5", "limit=10", "wait=2s"} {
		if !strings.Contains(query, want) {
			t.Fatalf("query %q missing %q", query, want)
		}
	}
}

func TestServerErrorIsReported(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/channels/general/peers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"unknown peer: gamma"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := run(t, srv, "channel", "share", "--channel", "general", "--peer", "gamma")
	if err == nil || !strings.Contains(err.Error(), "unknown peer: gamma") {
		t.Fatalf("expected server message, got %v", err)
	}
}

func TestFederationRevoke(t *testing.T) {
	var path string
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v1/federation/keys/{server}", func(w http.ResponseWriter, r *http.Request) {
		path = r.PathValue("server")
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := run(t, srv, "federation", "revoke", "--server", "beta")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if path != "beta" || !strings.Contains(out, "status: OK") {
		t.Fatalf("path=%q out=%q", path, out)
	}
}

func TestTailStopsAtLimit(t *testing.T) {
	up := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/channels/general/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") != "3" {
			http.Error(w, "bad cursor", http.StatusBadRequest)
			return
		}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for i := 4; i <= 6; i++ {
			if err := ws.WriteJSON(map[string]any{"type": "event", "event": map[string]any{"position": i}}); err != nil {
				return
			}
		}
		_, _, _ = ws.ReadMessage()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := run(t, srv, "channel", "tail", "--channel", "general", "--cursor", "3", "--limit", "2")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], `"position":4`) || !strings.Contains(lines[1], `"position":5`) {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestTailReportsDrop(t *testing.T) {
	up := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/channels/general/stream", func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteJSON(map[string]any{"type": "dropped", "reason": "subscriber queue full", "resume": 7})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := run(t, srv, "channel", "tail", "--channel", "general")
	if err == nil || !strings.Contains(err.Error(), "--cursor 7") {
		t.Fatalf("expected resume hint, got %v", err)
	}
}

func TestWSURL(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:8080": "ws://127.0.0.1:8080",
		"https://chat.example":  "wss://chat.example",
		"ws://already":          "ws://already",
	}
	for in, want := range cases {
		if got := wsURL(in); got != want {
			t.Errorf("wsURL(%q) = %q, want %q", in, got, want)
		}
	}
}
