package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salvacell/offsync/internal/db"
	"github.com/salvacell/offsync/internal/models"
	"github.com/salvacell/offsync/internal/network"
	"github.com/salvacell/offsync/internal/offline"
	"github.com/salvacell/offsync/internal/sync/queue"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "offsync", cmd.Use)
	assert.Contains(t, cmd.Long, "pending operations")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	paths := [][]string{
		{"serve"}, {"sync"}, {"status"},
		{"queue", "list"}, {"queue", "retry"}, {"queue", "purge"}, {"queue", "reset"},
		{"backup"}, {"backup", "list"}, {"backup", "restore"},
		{"refresh"}, {"clean"}, {"clear"},
		{"token", "set"}, {"token", "clear"}, {"token", "show"},
	}
	for _, p := range paths {
		sub, _, err := cmd.Find(p)
		require.NoError(t, err, "command %v should exist", p)
		assert.Equal(t, p[len(p)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	statusCmd, _, err := cmd.Find([]string{"status"})
	require.NoError(t, err)
	assert.Equal(t, "true", statusCmd.Flags().Lookup("probe").DefValue)
}

// testServer fakes the remote API. CREATEs get numeric ids.
type testServer struct {
	*httptest.Server
	creates   int32
	lastToken atomic.Value
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.lastToken.Store("")
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead && r.URL.Path == network.HealthPath:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost:
			ts.lastToken.Store(r.Header.Get("Authorization"))
			n := atomic.AddInt32(&ts.creates, 1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"id": %d}`, 100+n)
		case r.Method == http.MethodGet && r.URL.Path == "/api/clientes":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `[{"id": 1, "nombre": "Ana"}, {"id": 2, "nombre": "Luis"}]`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

type testEnv struct {
	dir    string
	dbPath string
	config string
}

func newTestEnv(t *testing.T, apiURL string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{dir: dir, dbPath: filepath.Join(dir, "offsync.db"), config: filepath.Join(dir, "offsync.yaml")}
	yml := fmt.Sprintf("api_url: %s\ndb_path: %s\nprobe_timeout: 1s\nbackup:\n  driver: file\n  dir: %s\n",
		apiURL, env.dbPath, filepath.Join(dir, "backups"))
	require.NoError(t, os.WriteFile(env.config, []byte(yml), 0o600))
	return env
}

func (env *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", env.config}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// seed writes records through the offline service while disconnected.
func (env *testEnv) seed(t *testing.T, fn func(ctx context.Context, svc *offline.Service)) {
	t.Helper()
	database, err := db.Open(env.dbPath)
	require.NoError(t, err)
	defer database.Close()

	monitor := network.NewMonitor(false, nil)
	repo := db.NewRepository(database.DB, db.WithConnectivity(monitor.IsOnline))
	q := queue.NewSyncQueue(repo, queue.WithConnectivity(monitor.IsOnline))
	fn(context.Background(), offline.NewService(repo, q, monitor, nil))
}

func TestInvalidFormat(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1")
	_, err := env.run(t, "status", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStatus_JSON(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1")
	env.seed(t, func(ctx context.Context, svc *offline.Service) {
		_, err := svc.CreateOrder(ctx, map[string]interface{}{"estado": "RECIBIDO"})
		require.NoError(t, err)
	})

	out, err := env.run(t, "status", "--probe=false", "--format", "json")
	require.NoError(t, err)

	var status struct {
		Online       bool           `json:"online"`
		PendingCount int            `json:"pendingCount"`
		Queue        db.QueueStats  `json:"queue"`
		Storage      db.StorageInfo `json:"storage"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status), out)
	assert.False(t, status.Online)
	assert.Equal(t, 1, status.PendingCount)
	assert.Equal(t, 1, status.Queue.Pending)
	assert.Equal(t, 1, status.Storage.Records[models.EntityOrden])
}

func TestSync_EndToEnd(t *testing.T) {
	srv := newTestServer(t)
	env := newTestEnv(t, srv.URL)

	var tempID string
	env.seed(t, func(ctx context.Context, svc *offline.Service) {
		rec, err := svc.Create(ctx, models.EntityCliente, map[string]interface{}{"nombre": "Ana"})
		require.NoError(t, err)
		tempID = rec.ID
	})

	_, err := env.run(t, "token", "set", "secret")
	require.NoError(t, err)
	shown, err := env.run(t, "token", "show")
	require.NoError(t, err)
	assert.Equal(t, "token stored\n", shown)

	out, err := env.run(t, "sync", "--format", "json")
	require.NoError(t, err, out)

	var res struct {
		Result struct {
			Synced int `json:"synced"`
			Failed int `json:"failed"`
		} `json:"result"`
		State models.SyncState `json:"state"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	assert.Equal(t, 1, res.Result.Synced)
	assert.Equal(t, 0, res.State.PendingCount)
	assert.Equal(t, "Bearer secret", srv.lastToken.Load())

	out, err = env.run(t, "queue", "list", "--format", "json")
	require.NoError(t, err)
	var items []models.PendingOperation
	require.NoError(t, json.Unmarshal([]byte(out), &items), out)
	require.Len(t, items, 1)
	assert.Equal(t, models.QueueStatusSynced, items[0].Status)
	assert.Equal(t, models.ActionCreate, items[0].Action)
	assert.Equal(t, tempID, items[0].EntityID)

	out, err = env.run(t, "queue", "purge")
	require.NoError(t, err)
	assert.Contains(t, out, "1 synced operation(s) purged")
}

func TestSync_Unreachable(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL
	srv.Close()

	env := newTestEnv(t, url)
	_, err := env.run(t, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "server unreachable")
}

func TestRefreshCustomers(t *testing.T) {
	srv := newTestServer(t)
	env := newTestEnv(t, srv.URL)

	out, err := env.run(t, "refresh", "customers", "--format", "json")
	require.NoError(t, err, out)
	assert.JSONEq(t, `{"customers": 2}`, out)

	_, err = env.run(t, "refresh", "everything")
	require.Error(t, err)
}

func TestQueueReset_InvalidID(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1")

	_, err := env.run(t, "queue", "reset", "abc")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = env.run(t, "queue", "reset", "42")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestClear_RequiresYes(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1")

	_, err := env.run(t, "clear")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err := env.run(t, "clear", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "cleared")
}

func TestBackup_ExportClearRestore(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1")
	env.seed(t, func(ctx context.Context, svc *offline.Service) {
		_, err := svc.Create(ctx, models.EntityRefaccion, map[string]interface{}{"nombre": "Pantalla"})
		require.NoError(t, err)
	})

	out, err := env.run(t, "backup", "--format", "json")
	require.NoError(t, err, out)
	var exported struct {
		Manifest struct {
			Key     string `json:"key"`
			Records int    `json:"records"`
			Queue   int    `json:"queue"`
		} `json:"manifest"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &exported), out)
	assert.Equal(t, 1, exported.Manifest.Records)
	assert.Equal(t, 1, exported.Manifest.Queue)

	out, err = env.run(t, "backup", "list")
	require.NoError(t, err)
	assert.Contains(t, out, exported.Manifest.Key)

	_, err = env.run(t, "clear", "--yes")
	require.NoError(t, err)

	out, err = env.run(t, "backup", "restore", "--format", "json")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"pendingCount": 1`)

	out, err = env.run(t, "status", "--probe=false", "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"refaccion": 1`)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "x")))
	assert.Equal(t, ExitFailure, GetExitCode(fmt.Errorf("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", WrapExitError(ExitCommandError, "x", nil))))
}
