package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/vaultsync/internal/api"
	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/logging"
)

// DefaultReconnectDelay is the pause between websocket reconnects.
const DefaultReconnectDelay = 5 * time.Second

// Watcher subscribes to a vault's change feed on the server.
type Watcher struct {
	client *Client
	delay  time.Duration
	logger logging.Logger
}

func NewWatcher(client *Client, delay time.Duration, logger logging.Logger) *Watcher {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return &Watcher{client: client, delay: delay, logger: logger.With("module", "watcher")}
}

// Watch calls notify for every event the server pushes for vaultID. It
// reconnects after a fixed delay whenever the connection drops and returns
// only when ctx is done.
func (w *Watcher) Watch(ctx context.Context, vaultID string, notify func()) error {
	return retry.Do(ctx, retry.NewConstant(w.delay), func(ctx context.Context) error {
		err := w.listen(ctx, vaultID, notify)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Debug(ctx, "change feed disconnected", "vault", vaultID, "error", err)
		return retry.RetryableError(err)
	})
}

func (w *Watcher) feedURL(vaultID string) string {
	u := *w.client.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String() + "/v1/vaults/" + url.PathEscape(vaultID) + "/events"
}

func (w *Watcher) listen(ctx context.Context, vaultID string, notify func()) error {
	access, _ := w.client.tokens.Tokens()
	header := http.Header{}
	if access != "" {
		header.Set(common.AuthorizationHeader, common.BearerPrefix+access)
	}

	conn, resp, err := websocket.Dial(ctx, w.feedURL(vaultID), &websocket.DialOptions{
		HTTPClient: w.client.http,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			if _, rerr := w.client.refresh(ctx, access); rerr != nil {
				return rerr
			}
			return fmt.Errorf("%w: change feed rejected the access token", common.ErrUnauthorized)
		}
		return fmt.Errorf("%w: dial change feed: %v", common.ErrNetwork, err)
	}
	defer conn.CloseNow()

	w.logger.Debug(ctx, "change feed connected", "vault", vaultID)
	// A missed notification may have happened while disconnected.
	notify()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var evt api.VaultEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			w.logger.Warn(ctx, "ignoring malformed change event", "error", err)
			continue
		}
		if evt.VaultID != "" && evt.VaultID != vaultID {
			continue
		}
		notify()
	}
}
