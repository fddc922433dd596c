package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/vaultsync/internal/api"
	"github.com/dmitrijs2005/vaultsync/internal/logging"
)

func TestWatcher_NotifiesAndReconnects(t *testing.T) {
	var connects atomic.Int32
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/vaults/vault-1/events" {
			http.NotFound(w, r)
			return
		}
		auth.Store(r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := connects.Add(1)
		ctx := r.Context()
		_ = wsjson.Write(ctx, conn, api.VaultEvent{Type: api.EventVersionCreate, VaultID: "vault-1", ID: "v1"})
		_ = wsjson.Write(ctx, conn, api.VaultEvent{Type: api.EventVersionCreate, VaultID: "other", ID: "v2"})
		if n == 1 {
			// Drop the first connection to force a reconnect.
			_ = conn.Close(websocket.StatusGoingAway, "bye")
			return
		}
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	c, err := New(srv.URL, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Tokens().SetTokens("tok", ""))
	w := NewWatcher(c, 10*time.Millisecond, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var notified atomic.Int32
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx, "vault-1", func() { notified.Add(1) }) }()

	// One notify per connect plus one per matching event, on two connections.
	require.Eventually(t, func() bool { return connects.Load() >= 2 && notified.Load() >= 4 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Bearer tok", auth.Load())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_FeedURL(t *testing.T) {
	c, err := New("https://sync.example.com/base/", logging.Nop())
	require.NoError(t, err)
	w := NewWatcher(c, 0, logging.Nop())
	assert.Equal(t, "wss://sync.example.com/base/v1/vaults/a%2Fb/events", w.feedURL("a/b"))
	assert.Equal(t, DefaultReconnectDelay, w.delay)
}
