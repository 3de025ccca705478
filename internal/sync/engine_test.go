// Package sync tests for the sync orchestrator.
package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salvacell/offsync/internal/db"
	apperrors "github.com/salvacell/offsync/internal/errors"
	"github.com/salvacell/offsync/internal/models"
	"github.com/salvacell/offsync/internal/sync/queue"
	"github.com/salvacell/offsync/internal/sync/remote"
)

// fakeRemote records calls and answers through respond.
type fakeRemote struct {
	mu      gosync.Mutex
	calls   []models.PendingOperation
	respond func(op *models.PendingOperation) (map[string]interface{}, error)
}

func (f *fakeRemote) Execute(_ context.Context, op *models.PendingOperation) (map[string]interface{}, error) {
	f.mu.Lock()
	f.calls = append(f.calls, *op)
	f.mu.Unlock()
	if f.respond == nil {
		return map[string]interface{}{"id": op.EntityID}, nil
	}
	return f.respond(op)
}

func (f *fakeRemote) Calls() []models.PendingOperation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.PendingOperation, len(f.calls))
	copy(out, f.calls)
	return out
}

type onlineFlag struct{ atomic.Bool }

func (o *onlineFlag) IsOnline() bool { return o.Load() }

type testEnv struct {
	engine *SyncEngine
	queue  *queue.SyncQueue
	repo   *db.Repository
	online *onlineFlag
}

func newTestEnv(t *testing.T, r Remote) *testEnv {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "offsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	online := &onlineFlag{}
	online.Store(true)

	repo := db.NewRepository(database.DB, db.WithConnectivity(online.IsOnline))
	q := queue.NewSyncQueue(repo, queue.WithConnectivity(online.IsOnline))
	engine := NewSyncEngine(repo, q, r, online)
	t.Cleanup(engine.Wait)

	return &testEnv{engine: engine, queue: q, repo: repo, online: online}
}

// enqueueQuiet adds an item without waking the engine.
func (env *testEnv) enqueueQuiet(t *testing.T, action models.Action, entity, id string, payload interface{}) int64 {
	t.Helper()
	qid, err := env.queue.EnqueueTx(context.Background(), env.repo, action, entity, id, payload)
	require.NoError(t, err)
	return qid
}

func TestNewSyncEngine(t *testing.T) {
	env := newTestEnv(t, &fakeRemote{})

	assert.Equal(t, SyncStatusIdle, env.engine.Status())
	assert.Nil(t, env.engine.LastSync())
	assert.Equal(t, 0, env.engine.PendingChanges())
	assert.NoError(t, env.engine.LastError())
	assert.Empty(t, env.engine.State().Errors)
}

func TestSync_OfflineIsNoop(t *testing.T) {
	fr := &fakeRemote{}
	env := newTestEnv(t, fr)
	env.online.Store(false)
	qid := env.enqueueQuiet(t, models.ActionCreate, models.EntityCliente, "temp_1_aaaaaaaaa", nil)

	res, err := env.engine.SyncNow(context.Background())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, apperrors.Is(err, apperrors.ErrNetworkUnavailable))
	assert.Empty(t, fr.Calls())
	assert.Nil(t, env.engine.LastSync())

	item, err := env.queue.Get(context.Background(), qid)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, item.Status)
}

func TestSync_EmptyQueue(t *testing.T) {
	env := newTestEnv(t, &fakeRemote{})

	res, err := env.engine.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.NotNil(t, env.engine.LastSync())
	assert.Equal(t, SyncStatusIdle, env.engine.Status())
}

func TestSync_FIFOAndPartialFailure(t *testing.T) {
	fr := &fakeRemote{}
	fr.respond = func(op *models.PendingOperation) (map[string]interface{}, error) {
		if op.EntityID == "p2" {
			return nil, apperrors.New(apperrors.ErrRemoteRequest, "HTTP 500")
		}
		return map[string]interface{}{"id": op.EntityID, "nombre": "x"}, nil
	}
	env := newTestEnv(t, fr)
	ctx := context.Background()

	ids := []int64{
		env.enqueueQuiet(t, models.ActionUpdate, models.EntityRefaccion, "p1", map[string]interface{}{"stock": 1}),
		env.enqueueQuiet(t, models.ActionUpdate, models.EntityRefaccion, "p2", map[string]interface{}{"stock": 2}),
		env.enqueueQuiet(t, models.ActionUpdate, models.EntityRefaccion, "p3", map[string]interface{}{"stock": 3}),
	}

	res, err := env.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 1, res.Failed)

	calls := fr.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"p1", "p2", "p3"}, []string{calls[0].EntityID, calls[1].EntityID, calls[2].EntityID})

	first, _ := env.queue.Get(ctx, ids[0])
	second, _ := env.queue.Get(ctx, ids[1])
	third, _ := env.queue.Get(ctx, ids[2])
	assert.Equal(t, models.QueueStatusSynced, first.Status)
	assert.Equal(t, models.QueueStatusError, second.Status)
	assert.Equal(t, 1, second.RetryCount)
	assert.Equal(t, "HTTP 500", second.Error)
	assert.NotNil(t, second.LastAttempt)
	assert.Equal(t, models.QueueStatusSynced, third.Status)

	state := env.engine.State()
	assert.False(t, state.IsSyncing)
	assert.Equal(t, 1, state.PendingCount)
	require.Len(t, state.Errors, 1)
	assert.Equal(t, models.SyncError{ChangeID: ids[1], Action: models.ActionUpdate, Entity: models.EntityRefaccion, Error: "HTTP 500"}, state.Errors[0])

	rec, err := env.repo.GetRecord(ctx, models.EntityRefaccion, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, rec.SyncStatus)
}

func TestSync_RetryCap(t *testing.T) {
	fr := &fakeRemote{respond: func(*models.PendingOperation) (map[string]interface{}, error) {
		return nil, apperrors.New(apperrors.ErrRemoteRequest, "HTTP 503")
	}}
	env := newTestEnv(t, fr)
	ctx := context.Background()
	qid := env.enqueueQuiet(t, models.ActionDelete, models.EntityCliente, "c9", nil)

	for i := 1; i <= queue.MaxRetries; i++ {
		_, err := env.engine.SyncNow(ctx)
		require.NoError(t, err)
		item, _ := env.queue.Get(ctx, qid)
		assert.Equal(t, i, item.RetryCount)
	}
	assert.Len(t, fr.Calls(), queue.MaxRetries)

	res, err := env.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, fr.Calls(), queue.MaxRetries, "exhausted item must not be attempted")
	assert.Equal(t, 0, env.engine.PendingChanges())

	item, _ := env.queue.Get(ctx, qid)
	assert.Equal(t, models.QueueStatusError, item.Status)
}

func TestSync_TempIDReconciliation(t *testing.T) {
	fr := &fakeRemote{}
	fr.respond = func(op *models.PendingOperation) (map[string]interface{}, error) {
		var body map[string]interface{}
		_ = json.Unmarshal(op.Payload, &body)
		if op.Action == models.ActionCreate {
			body["id"] = "srv_42"
			return body, nil
		}
		body["id"] = op.EntityID
		return body, nil
	}
	env := newTestEnv(t, fr)
	ctx := context.Background()

	tempID := "temp_1700000000000_abcdefghi"
	env.online.Store(false)
	require.NoError(t, env.repo.PutRecord(ctx, &models.Record{
		Entity: models.EntityOrden, ID: tempID,
		Fields: map[string]interface{}{"clienteId": 5, "estado": "RECIBIDO"},
	}))
	createID := env.enqueueQuiet(t, models.ActionCreate, models.EntityOrden, tempID, map[string]interface{}{"clienteId": 5, "estado": "RECIBIDO"})
	updateID := env.enqueueQuiet(t, models.ActionUpdate, models.EntityOrden, tempID, map[string]interface{}{"clienteId": 5, "estado": "EN_REPARACION"})
	env.online.Store(true)

	res, err := env.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)

	calls := fr.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, tempID, calls[0].EntityID)
	assert.Equal(t, "srv_42", calls[1].EntityID, "update must target the server id")

	_, err = env.repo.GetRecord(ctx, models.EntityOrden, tempID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	rec, err := env.repo.GetRecord(ctx, models.EntityOrden, "srv_42")
	require.NoError(t, err)
	assert.Equal(t, "EN_REPARACION", rec.String("estado"))
	assert.Equal(t, models.SyncStatusSynced, rec.SyncStatus)

	create, _ := env.queue.Get(ctx, createID)
	update, _ := env.queue.Get(ctx, updateID)
	assert.Equal(t, models.QueueStatusSynced, create.Status)
	assert.Equal(t, tempID, create.EntityID)
	assert.Equal(t, models.QueueStatusSynced, update.Status)
	assert.Equal(t, "srv_42", update.EntityID)
}

func TestSync_LaterPassUsesRewrittenID(t *testing.T) {
	failUpdate := true
	fr := &fakeRemote{}
	fr.respond = func(op *models.PendingOperation) (map[string]interface{}, error) {
		if op.Action == models.ActionCreate {
			return map[string]interface{}{"id": float64(77)}, nil
		}
		if failUpdate {
			return nil, apperrors.New(apperrors.ErrRemoteRequest, "HTTP 502")
		}
		return map[string]interface{}{"id": op.EntityID}, nil
	}
	env := newTestEnv(t, fr)
	ctx := context.Background()

	env.enqueueQuiet(t, models.ActionCreate, models.EntityCliente, "temp_1_aaaaaaaaa", map[string]interface{}{"nombre": "Ana"})
	updateID := env.enqueueQuiet(t, models.ActionUpdate, models.EntityCliente, "temp_1_aaaaaaaaa", map[string]interface{}{"nombre": "Ana M"})

	_, err := env.engine.SyncNow(ctx)
	require.NoError(t, err)

	update, _ := env.queue.Get(ctx, updateID)
	assert.Equal(t, models.QueueStatusError, update.Status)
	assert.Equal(t, "77", update.EntityID)

	failUpdate = false
	_, err = env.engine.SyncNow(ctx)
	require.NoError(t, err)

	calls := fr.Calls()
	assert.Equal(t, "77", calls[len(calls)-1].EntityID)
	update, _ = env.queue.Get(ctx, updateID)
	assert.Equal(t, models.QueueStatusSynced, update.Status)
}

func TestSync_CreateWithoutIDFails(t *testing.T) {
	fr := &fakeRemote{respond: func(*models.PendingOperation) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	}}
	env := newTestEnv(t, fr)
	ctx := context.Background()
	qid := env.enqueueQuiet(t, models.ActionCreate, models.EntityCliente, "temp_1_bbbbbbbbb", nil)

	res, err := env.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	item, _ := env.queue.Get(ctx, qid)
	assert.Equal(t, models.QueueStatusError, item.Status)
	assert.Equal(t, "create response has no id", item.Error)
}

func TestSync_DeleteRemovesLocalRecord(t *testing.T) {
	env := newTestEnv(t, &fakeRemote{})
	ctx := context.Background()

	require.NoError(t, env.repo.PutRecord(ctx, &models.Record{Entity: models.EntityAccesorio, ID: "a1", Fields: map[string]interface{}{}}))
	env.enqueueQuiet(t, models.ActionDelete, models.EntityAccesorio, "a1", nil)

	_, err := env.engine.SyncNow(ctx)
	require.NoError(t, err)

	_, err = env.repo.GetRecord(ctx, models.EntityAccesorio, "a1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestSync_SingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once gosync.Once
	fr := &fakeRemote{}
	fr.respond = func(op *models.PendingOperation) (map[string]interface{}, error) {
		once.Do(func() { close(started) })
		<-release
		return map[string]interface{}{"id": op.EntityID}, nil
	}
	env := newTestEnv(t, fr)
	ctx := context.Background()
	env.enqueueQuiet(t, models.ActionUpdate, models.EntityEquipo, "e1", nil)

	var wg gosync.WaitGroup
	results := make([]*SyncResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.engine.SyncNow(ctx)
			assert.NoError(t, err)
			results[i] = res
		}(i)
		if i == 0 {
			<-started
			assert.Equal(t, SyncStatusSyncing, env.engine.Status())
		}
	}
	env.engine.Trigger()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	env.engine.Wait()

	assert.Len(t, fr.Calls(), 1)
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, 1, res.Synced)
	}
}

func TestSync_CancelledCallerDoesNotAbortSharedPass(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once gosync.Once
	fr := &fakeRemote{}
	fr.respond = func(op *models.PendingOperation) (map[string]interface{}, error) {
		if op.EntityID == "c1" {
			once.Do(func() { close(started) })
			<-release
			return nil, apperrors.New(apperrors.ErrRemoteRequest, "server rejected c1")
		}
		return map[string]interface{}{"id": op.EntityID}, nil
	}
	env := newTestEnv(t, fr)
	c1 := env.enqueueQuiet(t, models.ActionUpdate, models.EntityCliente, "c1", nil)
	c2 := env.enqueueQuiet(t, models.ActionUpdate, models.EntityCliente, "c2", nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := env.engine.SyncNow(ctxA)
		errA <- err
	}()
	<-started

	type outcome struct {
		res *SyncResult
		err error
	}
	outB := make(chan outcome, 1)
	go func() {
		res, err := env.engine.SyncNow(context.Background())
		outB <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	err := <-errA
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrTimeout))
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	b := <-outB
	require.NoError(t, b.err)
	assert.Equal(t, 2, b.res.Processed)
	assert.Equal(t, 1, b.res.Synced)
	assert.Equal(t, 1, b.res.Failed)

	ctx := context.Background()
	failed, err := env.queue.Get(ctx, c1)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusError, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Equal(t, "server rejected c1", failed.Error)

	synced, err := env.queue.Get(ctx, c2)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusSynced, synced.Status)
}

func TestTrigger_DuringPassRunsFollowUp(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once gosync.Once
	fr := &fakeRemote{}
	fr.respond = func(op *models.PendingOperation) (map[string]interface{}, error) {
		once.Do(func() {
			close(started)
			<-release
		})
		return map[string]interface{}{"id": op.EntityID}, nil
	}
	env := newTestEnv(t, fr)
	ctx := context.Background()
	env.enqueueQuiet(t, models.ActionUpdate, models.EntityEquipo, "e1", nil)

	env.engine.Trigger()
	<-started

	// enqueued after the pass listed the queue; its signal lands mid-pass
	late, err := env.queue.Enqueue(ctx, models.ActionUpdate, models.EntityEquipo, "e2", map[string]interface{}{"marca": "LG"})
	require.NoError(t, err)

	close(release)
	env.engine.Wait()

	calls := fr.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "e2", calls[1].EntityID)

	item, err := env.queue.Get(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusSynced, item.Status)
	assert.Equal(t, SyncStatusIdle, env.engine.Status())
	assert.Zero(t, env.engine.PendingChanges())
}

func TestSync_UpdateDoesNotRestoreLocallyDeletedRecord(t *testing.T) {
	fr := &fakeRemote{}
	fr.respond = func(op *models.PendingOperation) (map[string]interface{}, error) {
		if op.Action == models.ActionDelete {
			return nil, apperrors.New(apperrors.ErrRemoteRequest, "delete rejected")
		}
		return map[string]interface{}{"id": op.EntityID, "nombre": "server"}, nil
	}
	env := newTestEnv(t, fr)
	ctx := context.Background()
	env.enqueueQuiet(t, models.ActionUpdate, models.EntityCliente, "srv_1", map[string]interface{}{"nombre": "local"})
	del := env.enqueueQuiet(t, models.ActionDelete, models.EntityCliente, "srv_1", nil)

	res, err := env.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Failed)

	_, err = env.repo.GetRecord(ctx, models.EntityCliente, "srv_1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	item, err := env.queue.Get(ctx, del)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusError, item.Status)
}

func TestSync_UpdateWritesServerCopyWithoutPendingDelete(t *testing.T) {
	fr := &fakeRemote{}
	fr.respond = func(op *models.PendingOperation) (map[string]interface{}, error) {
		return map[string]interface{}{"id": op.EntityID, "nombre": "server"}, nil
	}
	env := newTestEnv(t, fr)
	ctx := context.Background()
	env.enqueueQuiet(t, models.ActionUpdate, models.EntityCliente, "srv_2", map[string]interface{}{"nombre": "local"})

	_, err := env.engine.SyncNow(ctx)
	require.NoError(t, err)

	got, err := env.repo.GetRecord(ctx, models.EntityCliente, "srv_2")
	require.NoError(t, err)
	assert.Equal(t, "server", got.String("nombre"))
	assert.Equal(t, models.SyncStatusSynced, got.SyncStatus)
}

func TestTrigger_Offline(t *testing.T) {
	fr := &fakeRemote{}
	env := newTestEnv(t, fr)
	env.enqueueQuiet(t, models.ActionUpdate, models.EntityEquipo, "e1", nil)
	env.online.Store(false)

	env.engine.Trigger()
	env.engine.Wait()

	assert.Empty(t, fr.Calls())
	assert.Nil(t, env.engine.LastSync())
}

func TestEnqueue_TriggersSyncWhenOnline(t *testing.T) {
	fr := &fakeRemote{}
	env := newTestEnv(t, fr)
	ctx := context.Background()

	qid, err := env.queue.Enqueue(ctx, models.ActionUpdate, models.EntityEquipo, "e2", map[string]interface{}{"marca": "Moto"})
	require.NoError(t, err)
	env.engine.Wait()

	require.Len(t, fr.Calls(), 1)
	item, _ := env.queue.Get(ctx, qid)
	assert.Equal(t, models.QueueStatusSynced, item.Status)
}

func TestSubscribe_ReplayAndOrder(t *testing.T) {
	fr := &fakeRemote{respond: func(*models.PendingOperation) (map[string]interface{}, error) {
		return nil, apperrors.New(apperrors.ErrRemoteRequest, "HTTP 400")
	}}
	env := newTestEnv(t, fr)
	env.enqueueQuiet(t, models.ActionUpdate, models.EntityCliente, "c1", nil)

	var states []models.SyncState
	unsubscribe := env.engine.Subscribe(func(s models.SyncState) {
		states = append(states, s)
	})
	require.Len(t, states, 1, "subscribe replays current state")
	assert.False(t, states[0].IsSyncing)

	_, err := env.engine.SyncNow(context.Background())
	require.NoError(t, err)

	require.Len(t, states, 4)
	assert.True(t, states[1].IsSyncing)
	assert.Empty(t, states[1].Errors)
	assert.True(t, states[2].IsSyncing)
	require.Len(t, states[2].Errors, 1)
	assert.False(t, states[3].IsSyncing)
	assert.NotNil(t, states[3].LastSync)
	assert.Equal(t, 1, states[3].PendingCount)

	unsubscribe()
	_, err = env.engine.RefreshPendingCount(context.Background())
	require.NoError(t, err)
	assert.Len(t, states, 4)
}

func TestSubscribe_PanickingObserver(t *testing.T) {
	env := newTestEnv(t, &fakeRemote{})

	calls := 0
	env.engine.Subscribe(func(models.SyncState) { panic("boom") })
	env.engine.Subscribe(func(models.SyncState) { calls++ })

	_, err := env.engine.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestSubscribeChan_DropsOldest(t *testing.T) {
	env := newTestEnv(t, &fakeRemote{})
	ch, unsubscribe := env.engine.SubscribeChan(1)

	_, err := env.engine.SyncNow(context.Background())
	require.NoError(t, err)

	s := <-ch
	assert.False(t, s.IsSyncing)
	assert.NotNil(t, s.LastSync)

	unsubscribe()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestRetryFailed(t *testing.T) {
	fail := true
	fr := &fakeRemote{}
	fr.respond = func(op *models.PendingOperation) (map[string]interface{}, error) {
		if fail {
			return nil, apperrors.New(apperrors.ErrRemoteRequest, "HTTP 500")
		}
		return map[string]interface{}{"id": op.EntityID}, nil
	}
	env := newTestEnv(t, fr)
	ctx := context.Background()
	qid := env.enqueueQuiet(t, models.ActionUpdate, models.EntityCliente, "c1", nil)

	_, err := env.engine.SyncNow(ctx)
	require.NoError(t, err)

	fail = false
	res, err := env.engine.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)

	item, _ := env.queue.Get(ctx, qid)
	assert.Equal(t, models.QueueStatusSynced, item.Status)

	n, err := env.engine.CleanSynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = env.queue.Get(ctx, qid)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

type countingRecorder struct {
	mu     gosync.Mutex
	passes int
	items  map[string]int
	active int
}

func (r *countingRecorder) ObservePass(time.Duration) {
	r.mu.Lock()
	r.passes++
	r.mu.Unlock()
}

func (r *countingRecorder) ObserveItem(action models.Action, result string) {
	r.mu.Lock()
	r.items[string(action)+"/"+result]++
	r.mu.Unlock()
}

func (r *countingRecorder) SetQueueActive(n int) {
	r.mu.Lock()
	r.active = n
	r.mu.Unlock()
}

func TestSync_RecordsMetrics(t *testing.T) {
	fr := &fakeRemote{}
	fr.respond = func(op *models.PendingOperation) (map[string]interface{}, error) {
		if op.Action == models.ActionDelete {
			return nil, apperrors.New(apperrors.ErrRemoteRequest, "HTTP 404")
		}
		return map[string]interface{}{"id": op.EntityID}, nil
	}
	env := newTestEnv(t, fr)
	rec := &countingRecorder{items: map[string]int{}}
	env.engine.recorder = rec

	env.enqueueQuiet(t, models.ActionUpdate, models.EntityCliente, "c1", nil)
	env.enqueueQuiet(t, models.ActionDelete, models.EntityCliente, "c2", nil)

	_, err := env.engine.SyncNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rec.passes)
	assert.Equal(t, 1, rec.items["UPDATE/synced"])
	assert.Equal(t, 1, rec.items["DELETE/failed"])
	assert.Equal(t, 1, rec.active)
}

// TestEndToEnd_OfflineOrderCreate drives an offline order through the HTTP
// client once connectivity returns.
func TestEndToEnd_OfflineOrderCreate(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotAuth = r.Method, r.URL.Path, r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "srv_42", "clienteId": 5, "estado": "RECIBIDO"})
	}))
	defer srv.Close()

	client := remote.NewClient(srv.URL, time.Second, remote.StaticToken("tok"))
	env := newTestEnv(t, client)
	ctx := context.Background()

	env.online.Store(false)
	tempID := "temp_1700000000000_0123456ab"
	fields := map[string]interface{}{"clienteId": 5, "estado": "RECIBIDO"}
	require.NoError(t, env.repo.RunInTx(ctx, func(tx *db.Repository) error {
		if err := tx.PutRecord(ctx, &models.Record{Entity: models.EntityOrden, ID: tempID, Fields: fields}); err != nil {
			return err
		}
		_, err := env.queue.EnqueueTx(ctx, tx, models.ActionCreate, models.EntityOrden, tempID, fields)
		return err
	}))
	assert.Equal(t, 0, env.engine.PendingChanges())

	env.online.Store(true)
	_, err := env.engine.SyncNow(ctx)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/ordens", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "RECIBIDO", gotBody["estado"])

	rec, err := env.repo.GetRecord(ctx, models.EntityOrden, "srv_42")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, rec.SyncStatus)
	assert.Equal(t, float64(5), rec.Fields["clienteId"])

	_, err = env.repo.GetRecord(ctx, models.EntityOrden, tempID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	items, err := env.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.QueueStatusSynced, items[0].Status)
	assert.Equal(t, 0, env.engine.PendingChanges())
}
