package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salvacell/offsync/internal/db"
	apperrors "github.com/salvacell/offsync/internal/errors"
	"github.com/salvacell/offsync/internal/metrics"
	"github.com/salvacell/offsync/internal/models"
	"github.com/salvacell/offsync/internal/network"
	"github.com/salvacell/offsync/internal/offline"
	syncengine "github.com/salvacell/offsync/internal/sync"
	"github.com/salvacell/offsync/internal/sync/queue"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubRemote answers CREATEs with srv_<n> ids unless fail is set.
type stubRemote struct {
	mu   gosync.Mutex
	n    int
	fail bool
}

func (s *stubRemote) Execute(_ context.Context, op *models.PendingOperation) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, apperrors.New(apperrors.ErrRemoteRequest, "HTTP 500")
	}
	s.n++
	if op.Action == models.ActionCreate {
		return map[string]interface{}{"id": "srv_" + strconv.Itoa(s.n)}, nil
	}
	return map[string]interface{}{"id": op.EntityID}, nil
}

type testEnv struct {
	server  *Server
	handler http.Handler
	engine  *syncengine.SyncEngine
	queue   *queue.SyncQueue
	monitor *network.Monitor
	remote  *stubRemote
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "offsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	monitor := network.NewMonitor(false, nil)
	repo := db.NewRepository(database.DB, db.WithConnectivity(monitor.IsOnline))
	q := queue.NewSyncQueue(repo, queue.WithConnectivity(monitor.IsOnline))
	rem := &stubRemote{}
	m := metrics.NewSync()
	engine := syncengine.NewSyncEngine(repo, q, rem, monitor, syncengine.WithRecorder(m))
	svc := offline.NewService(repo, q, monitor, nil, offline.WithPendingCounter(engine))

	srv := NewServer("127.0.0.1:0", Deps{
		Engine:       engine,
		Queue:        q,
		Network:      monitor,
		Offline:      svc,
		Metrics:      m.Handler(),
		ProbeTimeout: time.Second,
	})
	t.Cleanup(func() {
		engine.Wait()
		srv.Shutdown(context.Background())
	})

	return &testEnv{server: srv, handler: srv.Handler(), engine: engine, queue: q, monitor: monitor, remote: rem}
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["online"])
}

func TestSyncState(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/sync/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["isSyncing"])
	assert.Equal(t, float64(0), body["pendingCount"])
	assert.Nil(t, body["lastSync"])
	assert.Equal(t, []interface{}{}, body["errors"])
}

func TestSyncTrigger_Offline(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/sync/trigger", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, false, decode(t, w)["triggered"])

	w = env.do(t, http.MethodPost, "/api/sync/trigger?wait=true", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, string(apperrors.ErrNetworkUnavailable), decode(t, w)["error"])
}

func TestOfflineCreateThenSync(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/records/orden", map[string]interface{}{
		"fields": map[string]interface{}{"clienteId": 5, "estado": "RECIBIDO"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	tempID := created["id"].(string)
	assert.True(t, strings.HasPrefix(tempID, "temp_"))
	assert.Equal(t, "pending", created["_syncStatus"])
	assert.Equal(t, "/api/records/orden/"+tempID, w.Header().Get("Location"))

	w = env.do(t, http.MethodGet, "/api/sync/queue?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	q := decode(t, w)
	require.Len(t, q["items"], 1)
	assert.Equal(t, float64(1), q["stats"].(map[string]interface{})["pending"])
	assert.Equal(t, float64(queue.MaxRetries), q["maxRetries"])
	assert.Equal(t, 1, env.engine.State().PendingCount)

	w = env.do(t, http.MethodPut, "/api/network", map[string]interface{}{"online": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.monitor.IsOnline())

	w = env.do(t, http.MethodPost, "/api/sync/trigger?wait=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), decode(t, w)["synced"])

	w = env.do(t, http.MethodGet, "/api/records/orden/srv_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "synced", decode(t, w)["_syncStatus"])

	w = env.do(t, http.MethodGet, "/api/records/orden/"+tempID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodDelete, "/api/sync/queue/synced", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["purged"])
}

func TestRecords_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
	}{
		{"unknown entity", http.MethodGet, "/api/records/factura", nil, http.StatusBadRequest},
		{"empty fields", http.MethodPost, "/api/records/cliente", map[string]interface{}{"fields": map[string]interface{}{}}, http.StatusBadRequest},
		{"missing fields", http.MethodPost, "/api/records/cliente", map[string]interface{}{}, http.StatusBadRequest},
		{"update missing record", http.MethodPatch, "/api/records/cliente/nope", map[string]interface{}{"fields": map[string]interface{}{"nombre": "x"}}, http.StatusNotFound},
		{"delete missing record", http.MethodDelete, "/api/records/cliente/nope", nil, http.StatusNotFound},
		{"bad order date", http.MethodGet, "/api/records/orden?fechaDesde=ayer", nil, http.StatusBadRequest},
		{"bad queue status", http.MethodGet, "/api/sync/queue?status=done", nil, http.StatusBadRequest},
		{"bad queue id", http.MethodPost, "/api/sync/queue/abc/reset", nil, http.StatusBadRequest},
		{"missing queue id", http.MethodPost, "/api/sync/queue/999/reset", nil, http.StatusNotFound},
		{"network without flag", http.MethodPut, "/api/network", map[string]interface{}{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestRecords_UpdateDeleteAndSearch(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/records/cliente", map[string]interface{}{
		"fields": map[string]interface{}{"nombre": "Ana", "apellido": "López", "telefono": "5551234"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["id"].(string)

	w = env.do(t, http.MethodPatch, "/api/records/cliente/"+id, map[string]interface{}{
		"fields": map[string]interface{}{"email": "ana@correo.mx"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	updated := decode(t, w)
	assert.Equal(t, "Ana", updated["nombre"])
	assert.Equal(t, "ana@correo.mx", updated["email"])

	w = env.do(t, http.MethodGet, "/api/records/cliente?q=ana+l", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["items"], 1)

	w = env.do(t, http.MethodGet, "/api/records/cliente?q=pedro", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["items"], 0)

	w = env.do(t, http.MethodDelete, "/api/records/cliente/"+id, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	items, err := env.queue.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, models.ActionCreate, items[0].Action)
	assert.Equal(t, models.ActionUpdate, items[1].Action)
	assert.Equal(t, models.ActionDelete, items[2].Action)
}

func TestRetryAndReset(t *testing.T) {
	env := newTestEnv(t)
	env.remote.fail = true

	w := env.do(t, http.MethodPost, "/api/records/equipo", map[string]interface{}{
		"fields": map[string]interface{}{"marca": "Moto"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	env.monitor.SetOnline(true)
	res, err := env.engine.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	w = env.do(t, http.MethodGet, "/api/sync/state", nil)
	errs := decode(t, w)["errors"].([]interface{})
	require.Len(t, errs, 1)
	assert.Equal(t, "HTTP 500", errs[0].(map[string]interface{})["error"])

	w = env.do(t, http.MethodPost, "/api/sync/queue/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["failed"])

	items, err := env.queue.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].RetryCount)

	// offline so the reset is observable before any pass picks it up
	env.monitor.SetOnline(false)
	w = env.do(t, http.MethodPost, "/api/sync/queue/retry?all=true", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["reset"])

	item, err := env.queue.Get(context.Background(), items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Equal(t, 0, item.RetryCount)

	w = env.do(t, http.MethodPost, "/api/sync/queue/"+strconv.FormatInt(items[0].ID, 10)+"/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestNetworkInfo(t *testing.T) {
	env := newTestEnv(t)
	env.monitor.SetOnline(true)

	w := env.do(t, http.MethodGet, "/api/network", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["online"])
	// no prober: the flag is trusted
	assert.Equal(t, true, body["realConnection"])
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t)
	env.monitor.SetOnline(true)
	_, err := env.engine.SyncNow(context.Background())
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "offsync_sync_passes_total 1")
}

func TestWebSocket_PushesState(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	readState := func() models.SyncState {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg struct {
			Type string           `json:"type"`
			Data models.SyncState `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		require.Equal(t, EventSyncState, msg.Type)
		return msg.Data
	}

	hello := readState()
	assert.Equal(t, 0, hello.PendingCount)
	require.Eventually(t, func() bool { return env.server.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	w := env.do(t, http.MethodPost, "/api/records/accesorio", map[string]interface{}{
		"fields": map[string]interface{}{"nombre": "Funda"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	assert.Equal(t, 1, readState().PendingCount)
}

func TestLoopbackOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8090", true},
		{"http://[::1]:8090", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, loopbackOrigin(req), tt.origin)
	}
}
