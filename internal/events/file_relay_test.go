package events

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/vaultsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileRelay_DeliversBetweenProcesses(t *testing.T) {
	dir := t.TempDir()

	a, b := newBus(t), newBus(t)
	ra, err := NewFileRelay(dir, a.Device(), time.Minute, logging.Nop())
	require.NoError(t, err)
	rb, err := NewFileRelay(dir, b.Device(), time.Minute, logging.Nop())
	require.NoError(t, err)
	attach(t, a, ra)
	attach(t, b, rb)

	var mu sync.Mutex
	var onA, onB []Event
	a.Subscribe(TypeDataChange, Func(func(e Event) { mu.Lock(); onA = append(onA, e); mu.Unlock() }))
	b.Subscribe(TypeDataChange, Func(func(e Event) { mu.Lock(); onB = append(onB, e); mu.Unlock() }))

	// fsnotify needs the watch in place before the first write.
	time.Sleep(150 * time.Millisecond)
	a.Dispatch(context.Background(), change("v1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(onB) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, onA, 1, "publisher must not hear its own event back")
	assert.True(t, onB[0].External)
	assert.Equal(t, change("v1").Payload, onB[0].Payload)
}

func TestFileRelay_PublishWritesCompleteFile(t *testing.T) {
	dir := t.TempDir()
	dev := NewDeviceContext()
	r, err := NewFileRelay(dir, dev, time.Minute, logging.Nop())
	require.NoError(t, err)

	evt := change("v9")
	evt.Origin = dev
	require.NoError(t, r.Publish(context.Background(), evt))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), dev.ID)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, evt, got)
}

func TestFileRelay_ReadSkipsOwnTempAndGarbage(t *testing.T) {
	dir := t.TempDir()
	dev := NewDeviceContext()
	r, err := NewFileRelay(dir, dev, time.Minute, logging.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	own := filepath.Join(dir, "00000000000000000001-"+dev.ID+"-000001"+relayFileSuffix)
	require.NoError(t, os.WriteFile(own, []byte(`{}`), 0o600))
	_, ok := r.read(ctx, own)
	assert.False(t, ok)

	tmp := filepath.Join(dir, relayTmpPrefix+"x"+relayFileSuffix)
	_, ok = r.read(ctx, tmp)
	assert.False(t, ok)

	garbage := filepath.Join(dir, "00000000000000000002-other-000001"+relayFileSuffix)
	require.NoError(t, os.WriteFile(garbage, []byte(`not json`), 0o600))
	_, ok = r.read(ctx, garbage)
	assert.False(t, ok)

	_, ok = r.read(ctx, filepath.Join(dir, "missing"+relayFileSuffix))
	assert.False(t, ok)
}

func TestFileRelay_SweepRemovesStaleFiles(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileRelay(dir, NewDeviceContext(), time.Minute, logging.Nop())
	require.NoError(t, err)

	stale := filepath.Join(dir, "stale"+relayFileSuffix)
	fresh := filepath.Join(dir, "fresh"+relayFileSuffix)
	require.NoError(t, os.WriteFile(stale, []byte(`{}`), 0o600))
	require.NoError(t, os.WriteFile(fresh, []byte(`{}`), 0o600))
	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(stale, old, old))

	r.sweep(context.Background())

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
