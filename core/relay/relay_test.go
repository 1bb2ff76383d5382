package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestRelayFinalPostsEntryToSessionEndpoint(t *testing.T) {
	received := make(chan Entry, 1)
	paths := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		var entry Entry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			t.Errorf("expected relay body to decode, got %v", err)
		}
		received <- entry
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewClient(WithEnabled(true), WithBaseURL(server.URL))
	client.SetSessionID("sess-9")

	entry := Entry{Role: "user", Text: "hello doctor", IsFinal: true, TimestampMs: 1000, ItemID: "item-1"}
	if err := client.RelayFinal(context.Background(), entry); err != nil {
		t.Fatalf("expected relay to succeed, got %v", err)
	}

	if path := <-paths; path != "/sessions/sess-9/transcripts" {
		t.Fatalf("expected session-scoped relay path, got %q", path)
	}
	if got := <-received; got != entry {
		t.Fatalf("expected relayed entry %+v, got %+v", entry, got)
	}
}

func TestRelayFinalWithoutSessionFails(t *testing.T) {
	client := NewClient(WithEnabled(true), WithBaseURL("http://relay.invalid"))

	err := client.RelayFinal(context.Background(), Entry{Role: "user", Text: "hi"})
	if !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestRelayFinalSurfacesBackendFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(WithEnabled(true), WithBaseURL(server.URL))
	client.SetSessionID("sess-9")

	err := client.RelayFinal(context.Background(), Entry{Role: "user", Text: "hi"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected backend failure to surface, got %v", err)
	}
}

func TestRelayDisabledIsNoop(t *testing.T) {
	client := NewClient(WithEnabled(false))

	if err := client.RelayFinal(context.Background(), Entry{Role: "user", Text: "hi"}); err != nil {
		t.Fatalf("expected disabled relay to no-op, got %v", err)
	}
	if err := client.InitializeSocket(context.Background(), "sess-9", nil); err != nil {
		t.Fatalf("expected disabled socket join to no-op, got %v", err)
	}
}

func TestBroadcastSocketDeliversEntries(t *testing.T) {
	upgrader := websocket.Upgrader{}
	sessionIDs := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionIDs <- r.URL.Query().Get("sessionId")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("failed to upgrade broadcast socket: %v", err)
			return
		}
		entry := Entry{Role: "assistant", Text: "from another participant", IsFinal: true, TimestampMs: 2000}
		raw, _ := json.Marshal(entry)
		_ = conn.WriteMessage(websocket.TextMessage, raw)
	}))
	defer server.Close()

	client := NewClient(WithEnabled(true),
		WithSocketURL("ws"+strings.TrimPrefix(server.URL, "http")))
	defer client.Close()

	entries := make(chan Entry, 1)
	err := client.InitializeSocket(context.Background(), "sess-9", func(entry Entry) { entries <- entry })
	if err != nil {
		t.Fatalf("expected socket join to succeed, got %v", err)
	}

	if got := <-sessionIDs; got != "sess-9" {
		t.Fatalf("expected join by session id, got %q", got)
	}

	select {
	case entry := <-entries:
		if entry.Role != "assistant" || entry.Text != "from another participant" {
			t.Fatalf("unexpected broadcast entry %+v", entry)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected broadcast entry to be delivered")
	}
}
