package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/vaultsync/internal/api"
	"github.com/dmitrijs2005/vaultsync/internal/client/app"
	"github.com/dmitrijs2005/vaultsync/internal/client/config"
	"github.com/dmitrijs2005/vaultsync/internal/common"
	"github.com/dmitrijs2005/vaultsync/internal/coordinator"
	"github.com/dmitrijs2005/vaultsync/internal/events"
	"github.com/dmitrijs2005/vaultsync/internal/logging"
)

// stubPasswords makes getPassword return entries in order.
func stubPasswords(t *testing.T, entries ...string) {
	t.Helper()
	orig := getPassword
	var mu sync.Mutex
	queue := append([]string(nil), entries...)
	getPassword = func(_ io.Writer, _ string) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(queue) == 0 {
			t.Errorf("unexpected password prompt")
			return nil, io.EOF
		}
		pw := queue[0]
		queue = queue[1:]
		return []byte(pw), nil
	}
	t.Cleanup(func() { getPassword = orig })
}

// fakeServer implements the account endpoints and an empty vault store.
type fakeServer struct {
	mu        sync.Mutex
	salts     map[string][]byte
	verifiers map[string][]byte
	vaults    []api.Vault
}

func newFakeServer() *fakeServer {
	return &fakeServer{salts: map[string][]byte{}, verifiers: map[string][]byte{}}
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("POST /v1/auth/register", func(w http.ResponseWriter, r *http.Request) {
		var req api.RegisterRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.salts[req.Username]; ok {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.salts[req.Username], f.verifiers[req.Username] = req.Salt, req.Verifier
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /v1/auth/salt", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		salt, ok := f.salts[r.URL.Query().Get("username")]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(api.SaltResponse{Salt: salt})
	})
	mux.HandleFunc("POST /v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req api.LoginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		want := f.verifiers[req.Username]
		f.mu.Unlock()
		if !bytes.Equal(want, req.Verifier) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(api.TokenResponse{AccessToken: "acc", RefreshToken: "ref"})
	})
	mux.HandleFunc("GET /v1/vaults", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(f.vaults)
	})
	mux.HandleFunc("GET /v1/vaults/{id}/snapshot", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.Snapshot{})
	})
	mux.HandleFunc("PATCH /v1/vaults/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

type testEnv struct {
	session *Session
	out     *bytes.Buffer
	app     *app.App
	server  *httptest.Server
	fake    *fakeServer
}

func newTestEnv(t *testing.T, input string) *testEnv {
	t.Helper()
	fake := newFakeServer()
	ts := httptest.NewServer(fake.handler())
	t.Cleanup(ts.Close)

	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.ServerURL = ts.URL
	cfg.DataDir = t.TempDir()
	cfg.SyncInterval = time.Hour

	locks := coordinator.NewMemoryRegistry()
	a, err := app.New(context.Background(), cfg,
		app.WithLogger(logging.Nop()),
		app.WithRelay(events.NewMemoryHub().Join()),
		app.WithLocks(func(id string) coordinator.DistributedLock { return locks.Lock(id) }),
		app.WithWatcher(nil),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	out := &bytes.Buffer{}
	return &testEnv{session: NewSession(a, strings.NewReader(input), out), out: out, app: a, server: ts, fake: fake}
}

// run executes one command line and returns what it printed.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	e.out.Reset()
	err := e.session.Exec(context.Background(), args)
	return e.out.String(), err
}

func (e *testEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, "output: %s", out)
	return out
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func TestVaultCommands(t *testing.T) {
	env := newTestEnv(t, "")

	stubPasswords(t, "pw", "pw")
	assert.Contains(t, env.mustRun(t, "vault", "create", "main"), "Created vault main")

	out := env.mustRun(t, "vault", "list")
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "main")
	assert.Contains(t, out, "never")

	assert.Contains(t, env.mustRun(t, "vault", "rename", "main", "home"), "Renamed vault main to home")
	assert.Contains(t, env.mustRun(t, "vault", "sync-enable", "home", "--off"), "Sync off for vault home")
	assert.Contains(t, env.mustRun(t, "vault", "lock"), "Locked vault home")
	assert.False(t, env.app.Vaults.IsUnlocked(mustVault(t, env, "home")))

	stubPasswords(t, "wrong")
	_, err := env.run(t, "vault", "open", "home")
	assert.ErrorIs(t, err, common.ErrInvalidPasswordOrKey)

	stubPasswords(t, "pw")
	assert.Contains(t, env.mustRun(t, "vault", "open", "home"), "Opened vault home")

	stubPasswords(t, "pw", "new", "new")
	assert.Contains(t, env.mustRun(t, "vault", "passwd"), "Password changed")

	env.mustRun(t, "vault", "lock", "home")
	stubPasswords(t, "new")
	env.mustRun(t, "vault", "open", "home")

	assert.Contains(t, env.mustRun(t, "vault", "delete", "home", "--force"), "Deleted vault home")
	assert.Contains(t, env.mustRun(t, "vault", "ls"), "No vaults")
}

func mustVault(t *testing.T, env *testEnv, name string) string {
	t.Helper()
	v, err := env.app.Vaults.Find(context.Background(), name)
	require.NoError(t, err)
	return v.ID
}

func TestVaultDelete_NeedsConfirmation(t *testing.T) {
	env := newTestEnv(t, "nope\nmain\n")
	stubPasswords(t, "pw", "pw")
	env.mustRun(t, "vault", "create", "main")

	_, err := env.run(t, "vault", "delete", "main")
	require.EqualError(t, err, "aborted")

	env.mustRun(t, "vault", "delete", "main")
	_, err = env.app.Vaults.Find(context.Background(), "main")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestVaultCreate_PasswordMismatch(t *testing.T) {
	env := newTestEnv(t, "")
	stubPasswords(t, "pw", "other")
	_, err := env.run(t, "vault", "create", "main")
	assert.ErrorIs(t, err, errPasswordMismatch)
}

func TestVaultPull(t *testing.T) {
	env := newTestEnv(t, "")
	_, protected, err := env.app.Crypto.DeriveAndWrapNewKey("pw")
	require.NoError(t, err)
	env.fake.vaults = []api.Vault{{ID: "remote-1", Name: "shared", ProtectedDataKey: protected, SyncEnabled: true}}
	require.NoError(t, env.app.Tokens.SetTokens("acc", "ref"))

	assert.Contains(t, env.mustRun(t, "vault", "pull"), "Pulled vault shared (remote-1)")
	assert.Contains(t, env.mustRun(t, "vault", "pull"), "Nothing to pull")

	stubPasswords(t, "pw")
	assert.Contains(t, env.mustRun(t, "vault", "open", "shared"), "Opened vault shared")
}

func TestEntityCommands(t *testing.T) {
	env := newTestEnv(t, "")
	stubPasswords(t, "pw", "pw")
	env.mustRun(t, "vault", "create", "main")

	id := lastLine(env.mustRun(t, "entity", "create", "fields", `{"name": "alice", "age": 30}`))
	require.NotEmpty(t, id)
	env.mustRun(t, "entity", "create", "fields", `{"name": "bob", "age": 25}`)

	out := env.mustRun(t, "entity", "get", "fields", id)
	var view entityView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "alice", view.Data["name"])
	assert.Equal(t, env.app.Bus.Device().ID, view.CreatedBy)

	versionID := lastLine(env.mustRun(t, "entity", "update", "fields", id, `{"age": 31}`))
	assert.NotEqual(t, view.CurrentVersionID, versionID)

	out = env.mustRun(t, "entity", "list", "fields", "--where", `{"/data/age": {"$greater": 30}}`, "--json")
	var views []entityView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, float64(31), views[0].Data["age"])

	out = env.mustRun(t, "entity", "ls", "content-items")
	assert.Equal(t, "ID  UPDATED  BY  DATA", strings.TrimSpace(out))

	out = env.mustRun(t, "entity", "list", "fields", "--order", "/data/name", "--desc", "--limit", "1")
	assert.Contains(t, out, "bob")
	assert.NotContains(t, out, "alice")

	out = env.mustRun(t, "entity", "history", "fields", id)
	assert.Contains(t, out, view.CurrentVersionID)
	assert.Contains(t, out, versionID)

	_, err := env.run(t, "entity", "delete-version", "fields", versionID)
	assert.ErrorIs(t, err, common.ErrLiveVersion)

	env.mustRun(t, "entity", "delete-version", "fields", view.CurrentVersionID)
	out = env.mustRun(t, "entity", "history", "fields", id)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n")[1:] {
		assert.False(t, strings.HasPrefix(line, view.CurrentVersionID), "deleted version still listed: %s", line)
	}

	env.mustRun(t, "entity", "delete", "fields", id)
	_, err = env.run(t, "entity", "get", "fields", id)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestEntity_Errors(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.run(t, "entity", "list", "fields")
	assert.ErrorIs(t, err, errNoVaultSelected)

	stubPasswords(t, "pw", "pw")
	env.mustRun(t, "vault", "create", "main")

	_, err = env.run(t, "entity", "list", "widgets")
	assert.Error(t, err)

	_, err = env.run(t, "entity", "create", "fields", "not json")
	assert.ErrorContains(t, err, "JSON object")

	_, err = env.run(t, "entity", "list", "fields", "--where", `{"bogus": 1}`)
	assert.ErrorIs(t, err, common.ErrInvalidOrCorruptedData)
}

func TestEntity_PromptsForFieldsAndPassword(t *testing.T) {
	env := newTestEnv(t, "name=carol\nage=41\n\n")
	stubPasswords(t, "pw", "pw")
	env.mustRun(t, "vault", "create", "main")
	env.mustRun(t, "vault", "lock")

	stubPasswords(t, "pw")
	id := lastLine(env.mustRun(t, "entity", "create", "fields", "--vault", "main"))

	got, err := env.session.openStore(context.Background(), "main")
	require.NoError(t, err)
	e, err := got.Get(context.Background(), "fields", id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "carol", "age": float64(41)}, e.Data)
}

func TestEntityWatch_PrintsUntilCancelled(t *testing.T) {
	env := newTestEnv(t, "")
	stubPasswords(t, "pw", "pw")
	env.mustRun(t, "vault", "create", "main")
	st, err := env.session.openStore(context.Background(), "")
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		buf bytes.Buffer
	)
	env.session.out = writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	})
	printed := func() string {
		mu.Lock()
		defer mu.Unlock()
		return buf.String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.session.Watch(ctx, "", "fields", "", listOptions{}) }()

	require.Eventually(t, func() bool { return strings.Contains(printed(), "-- 0 fields") }, 2*time.Second, 5*time.Millisecond)
	_, err = st.Create(context.Background(), "fields", map[string]any{"name": "dave"}, "test")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(printed(), "dave") }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestRegisterLoginLogout(t *testing.T) {
	env := newTestEnv(t, "alice\nalice\nalice\n")

	stubPasswords(t, "secret", "secret")
	assert.Contains(t, env.mustRun(t, "register"), "Success!")

	stubPasswords(t, "wrong")
	_, err := env.run(t, "login")
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	stubPasswords(t, "secret")
	assert.Contains(t, env.mustRun(t, "login"), "Logged in as alice (online)")
	assert.Equal(t, ModeOnline, env.session.Mode())
	access, _ := env.app.Tokens.Tokens()
	assert.Equal(t, "acc", access)

	status := env.mustRun(t, "status")
	assert.Contains(t, status, "Account: alice")
	assert.Contains(t, status, "reachable")

	assert.Contains(t, env.mustRun(t, "logout"), "Logged out")
	name, err := env.app.Account.Username(context.Background())
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestLogin_OfflineFallback(t *testing.T) {
	env := newTestEnv(t, "")
	env.app.Config.Username = "alice"

	stubPasswords(t, "secret", "secret")
	env.mustRun(t, "register")
	stubPasswords(t, "secret")
	env.mustRun(t, "login")

	env.server.Close()

	stubPasswords(t, "secret")
	assert.Contains(t, env.mustRun(t, "login"), "(offline)")
	assert.Equal(t, ModeOffline, env.session.Mode())

	stubPasswords(t, "wrong")
	_, err := env.run(t, "login")
	assert.ErrorIs(t, err, common.ErrUnauthorized)
	assert.Equal(t, ModeDisabled, env.session.Mode())
}

func TestSyncCommand(t *testing.T) {
	env := newTestEnv(t, "")
	stubPasswords(t, "pw", "pw")
	env.mustRun(t, "vault", "create", "main")

	assert.Contains(t, env.mustRun(t, "sync"), "Vault main synced")
	v, err := env.app.Vaults.Find(context.Background(), "main")
	require.NoError(t, err)
	assert.NotNil(t, v.LastSyncedAt)

	env.mustRun(t, "vault", "sync-enable", "--off")
	_, err = env.run(t, "sync", "main")
	assert.ErrorContains(t, err, "sync is disabled")
}

func TestShellOnlyCommands(t *testing.T) {
	env := newTestEnv(t, "")
	env.session.shell = true
	_, err := env.run(t, "daemon")
	assert.ErrorContains(t, err, "not available inside the shell")
	_, err = env.run(t, "shell")
	assert.ErrorContains(t, err, "already in the shell")
}

func TestShell_RunsCommandsUntilExit(t *testing.T) {
	env := newTestEnv(t, "vault create main\nvault list\nbogus\nexit\n")
	stubPasswords(t, "pw", "pw")

	require.NoError(t, env.session.Shell(context.Background()))
	out := env.out.String()
	assert.Contains(t, out, "Welcome to vaultsync")
	assert.Contains(t, out, "Created vault main")
	assert.Contains(t, out, "vs(@main)> ")
	assert.Contains(t, out, `error: unknown command "bogus"`)
	assert.Contains(t, out, "Bye!")
}

func TestVersionCommand(t *testing.T) {
	env := newTestEnv(t, "")
	assert.Contains(t, env.mustRun(t, "version"), "Build version:")
}

func TestSetMode_LogsOnChangeOnly(t *testing.T) {
	env := newTestEnv(t, "")
	var buf bytes.Buffer
	env.session.logger = logging.NewTextLogger(&buf, slog.LevelInfo)

	env.session.setMode(ModeOnline)
	assert.Contains(t, buf.String(), "mode=online")

	buf.Reset()
	env.session.setMode(ModeOnline)
	assert.Empty(t, buf.String())

	env.session.setMode(ModeOffline)
	assert.Contains(t, buf.String(), "mode=offline")
}

func TestGetStatus(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	assert.Equal(t, "", env.session.getStatus(ctx))

	env.session.setUser("alice")
	assert.Equal(t, "(alice )", env.session.getStatus(ctx))

	env.session.setMode(ModeOnline)
	stubPasswords(t, "pw", "pw")
	env.mustRun(t, "vault", "create", "main")
	assert.Equal(t, "(alice online @main)", env.session.getStatus(ctx))
}
