package sync

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/salvacell/offsync/internal/db"
	apperrors "github.com/salvacell/offsync/internal/errors"
	"github.com/salvacell/offsync/internal/logging"
	"github.com/salvacell/offsync/internal/models"
	"github.com/salvacell/offsync/internal/sync/conflict"
	"github.com/salvacell/offsync/internal/sync/queue"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
)

// Item results reported to the Recorder.
const (
	ResultSynced  = "synced"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Remote executes one pending operation against the server and returns the
// decoded response object.
type Remote interface {
	Execute(ctx context.Context, op *models.PendingOperation) (map[string]interface{}, error)
}

// Connectivity reports whether the network is usable.
type Connectivity interface {
	IsOnline() bool
}

// Recorder receives sync metrics.
type Recorder interface {
	ObservePass(d time.Duration)
	ObserveItem(action models.Action, result string)
	SetQueueActive(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObservePass(time.Duration)        {}
func (nopRecorder) ObserveItem(models.Action, string) {}
func (nopRecorder) SetQueueActive(int)                {}

// SyncResult represents the result of a sync pass.
type SyncResult struct {
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`
	Processed int           `json:"processed"`
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
}

// SyncEngine drains the pending-operation queue against the remote API,
// one item at a time in FIFO order, with at most one pass in flight.
type SyncEngine struct {
	repo     *db.Repository
	queue    *queue.SyncQueue
	remote   Remote
	conn     Connectivity
	resolver *conflict.Resolver
	recorder Recorder
	now      func() time.Time

	group singleflight.Group
	wg    sync.WaitGroup

	mu      sync.Mutex
	state   models.SyncState
	lastErr error
	// active is set while a pass runs; rerun asks for a follow-up pass.
	active bool
	rerun  bool

	// notifyMu serializes state delivery so observers see mutations in order.
	notifyMu  sync.Mutex
	observers []observer
	nextObsID int
}

var _ SyncEngineInterface = (*SyncEngine)(nil)

type observer struct {
	id int
	fn func(models.SyncState)
}

// Option configures a SyncEngine.
type Option func(*SyncEngine)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *SyncEngine) { e.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *SyncEngine) { e.now = now }
}

// NewSyncEngine creates a new SyncEngine and registers it as the queue's
// enqueue notifier.
func NewSyncEngine(repo *db.Repository, q *queue.SyncQueue, remote Remote, conn Connectivity, opts ...Option) *SyncEngine {
	e := &SyncEngine{
		repo:     repo,
		queue:    q,
		remote:   remote,
		conn:     conn,
		resolver: conflict.NewResolver(),
		recorder: nopRecorder{},
		now:      time.Now,
		state:    models.SyncState{Errors: []models.SyncError{}},
	}
	for _, opt := range opts {
		opt(e)
	}
	q.SetNotifier(e.Trigger)
	return e
}

// State returns a snapshot of the sync state.
func (e *SyncEngine) State() models.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Copy()
}

// Status returns the current sync status.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.IsSyncing {
		return SyncStatusSyncing
	}
	return SyncStatusIdle
}

// LastSync returns the timestamp of the last completed pass.
func (e *SyncEngine) LastSync() *time.Time {
	return e.State().LastSync
}

// PendingChanges returns the number of active queue items.
func (e *SyncEngine) PendingChanges() int {
	return e.State().PendingCount
}

// LastError returns the error that aborted the last pass, if any.
func (e *SyncEngine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Trigger starts a pass in the background unless the monitor reports
// offline. While a pass is running it schedules one follow-up pass instead,
// so changes queued mid-pass are not left waiting.
func (e *SyncEngine) Trigger() {
	if !e.conn.IsOnline() {
		logging.Debug("Sync trigger ignored: offline", nil)
		return
	}
	e.mu.Lock()
	if e.active {
		e.rerun = true
		e.mu.Unlock()
		logging.Debug("Sync in progress, follow-up pass scheduled", nil)
		return
	}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.SyncNow(context.Background()); err != nil && !apperrors.Is(err, apperrors.ErrNetworkUnavailable) {
			logging.ErrorWithCode("Triggered sync failed", string(apperrors.ErrSyncFailed), err, nil)
		}
	}()
}

// Wait blocks until every pass started by Trigger or awaited through SyncNow
// has finished.
func (e *SyncEngine) Wait() {
	e.wg.Wait()
}

// SyncNow runs one pass and waits for it. Concurrent callers share the pass
// already in flight. When offline it returns NETWORK_UNAVAILABLE without
// touching the queue.
//
// The pass does not belong to any one caller: cancelling ctx stops this
// caller's wait with a TIMEOUT error, while the pass runs to completion for
// everyone else.
func (e *SyncEngine) SyncNow(ctx context.Context) (*SyncResult, error) {
	if !e.conn.IsOnline() {
		return nil, apperrors.New(apperrors.ErrNetworkUnavailable, "offline, sync skipped")
	}

	passCtx := context.WithoutCancel(ctx)
	ch := e.group.DoChan("sync", func() (interface{}, error) {
		return e.runPasses(passCtx)
	})

	done := make(chan singleflight.Result, 1)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		done <- <-ch
	}()

	select {
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.ErrTimeout, "stopped waiting for sync pass", ctx.Err())
	case res := <-done:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*SyncResult), nil
	}
}

// runPasses runs a pass, then follow-up passes for as long as triggers
// arrived while the previous one was running.
func (e *SyncEngine) runPasses(ctx context.Context) (*SyncResult, error) {
	e.mu.Lock()
	e.active = true
	e.mu.Unlock()

	result, err := e.runPass(ctx)
	for e.takeRerun() {
		if err != nil || !e.conn.IsOnline() {
			continue
		}
		logging.Debug("Changes queued during pass, running follow-up pass", nil)
		var next *SyncResult
		next, err = e.runPass(ctx)
		result.add(next)
	}
	return result, err
}

// takeRerun consumes a follow-up request, or marks the engine idle when
// there is none.
func (e *SyncEngine) takeRerun() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rerun {
		e.rerun = false
		return true
	}
	e.active = false
	return false
}

// add folds a follow-up pass into r.
func (r *SyncResult) add(next *SyncResult) {
	if next == nil {
		return
	}
	r.EndTime = next.EndTime
	r.Duration = r.EndTime.Sub(r.StartTime)
	r.Processed += next.Processed
	r.Synced += next.Synced
	r.Failed += next.Failed
	r.Skipped += next.Skipped
}

// RetryFailed requeues error items under the retry cap and runs a pass.
func (e *SyncEngine) RetryFailed(ctx context.Context) (*SyncResult, error) {
	n, err := e.queue.RequeueFailed(ctx)
	if err != nil {
		return nil, err
	}
	logging.Info("Retrying failed changes", map[string]interface{}{"count": n})
	return e.SyncNow(ctx)
}

// CleanSynced purges synced queue items and refreshes the pending count.
func (e *SyncEngine) CleanSynced(ctx context.Context) (int64, error) {
	n, err := e.queue.PurgeSynced(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := e.RefreshPendingCount(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// RefreshPendingCount recomputes the pending count from the queue.
func (e *SyncEngine) RefreshPendingCount(ctx context.Context) (int, error) {
	n, err := e.queue.ActiveCount(ctx)
	if err != nil {
		return 0, err
	}
	e.recorder.SetQueueActive(n)
	e.update(func(s *models.SyncState) { s.PendingCount = n })
	return n, nil
}

// runPass is the body of a single sync pass. Only one runs at a time.
func (e *SyncEngine) runPass(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{StartTime: e.now()}

	e.update(func(s *models.SyncState) {
		s.IsSyncing = true
		s.Errors = []models.SyncError{}
	})

	passErr := e.drain(ctx, result)

	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	pending, countErr := e.queue.ActiveCount(ctx)
	if countErr != nil && passErr == nil {
		passErr = countErr
	}

	e.mu.Lock()
	e.lastErr = passErr
	e.mu.Unlock()

	end := result.EndTime
	e.update(func(s *models.SyncState) {
		s.IsSyncing = false
		s.LastSync = &end
		if countErr == nil {
			s.PendingCount = pending
		}
	})

	e.recorder.ObservePass(result.Duration)
	if countErr == nil {
		e.recorder.SetQueueActive(pending)
	}

	if passErr != nil {
		logging.ErrorWithCode("Sync pass aborted", string(apperrors.CodeOf(passErr)), passErr, nil)
		return result, passErr
	}

	logging.Info("Sync pass completed",
		map[string]interface{}{
			"processed":   result.Processed,
			"synced":      result.Synced,
			"failed":      result.Failed,
			"skipped":     result.Skipped,
			"pending":     pending,
			"duration_ms": result.Duration.Milliseconds(),
		})
	return result, nil
}

// drain processes every actionable item. Per-item failures are recorded and
// never abort the pass; only a failure to read the queue does.
func (e *SyncEngine) drain(ctx context.Context, result *SyncResult) error {
	items, err := e.queue.ListActionable(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		logging.Debug("No pending changes to sync", nil)
		return nil
	}

	logging.Info("Syncing pending changes", map[string]interface{}{"count": len(items)})

	// temp id -> server id for items reconciled earlier in this pass
	remapped := make(map[string]string)
	maxRetries := e.queue.MaxRetries()

	for _, item := range items {
		if item.RetryCount >= maxRetries {
			result.Skipped++
			e.recorder.ObserveItem(item.Action, ResultSkipped)
			continue
		}

		if serverID, ok := remapped[item.Entity+"/"+item.EntityID]; ok {
			item.EntityID = serverID
		}

		result.Processed++
		serverID, err := e.syncItem(ctx, item)
		if err != nil {
			result.Failed++
			e.recordFailure(ctx, item, err)
			continue
		}

		result.Synced++
		e.recorder.ObserveItem(item.Action, ResultSynced)
		if serverID != "" && serverID != item.EntityID {
			remapped[item.Entity+"/"+item.EntityID] = serverID
		}
	}
	return nil
}

// syncItem replays one operation and reconciles the local store. It returns
// the server-assigned id for a CREATE.
func (e *SyncEngine) syncItem(ctx context.Context, item *models.PendingOperation) (string, error) {
	resp, err := e.remote.Execute(ctx, item)
	if err != nil {
		return "", err
	}

	var serverID string
	if item.Action == models.ActionCreate {
		var ok bool
		if serverID, ok = idOf(resp["id"]); !ok {
			return "", apperrors.New(apperrors.ErrRemoteRequest, "create response has no id")
		}
	}

	err = e.repo.RunInTx(ctx, func(tx *db.Repository) error {
		switch item.Action {
		case models.ActionCreate:
			if err := e.reconcile(ctx, tx, item, serverID, resp); err != nil {
				return err
			}
			if err := tx.MarkQueueSynced(ctx, item.ID, e.now()); err != nil {
				return err
			}
			if serverID != item.EntityID {
				_, err := tx.RewriteQueueEntityID(ctx, item.Entity, item.EntityID, serverID)
				return err
			}
			return nil
		case models.ActionUpdate:
			deleted, err := deletePending(ctx, tx, item)
			if err != nil {
				return err
			}
			if !deleted {
				if err := e.reconcile(ctx, tx, item, item.EntityID, resp); err != nil {
					return err
				}
			}
		case models.ActionDelete:
			if err := tx.DeleteRecord(ctx, item.Entity, item.EntityID); err != nil {
				return err
			}
		}
		return tx.MarkQueueSynced(ctx, item.ID, e.now())
	})
	if err != nil {
		return "", err
	}

	logging.Debug("Synced change",
		map[string]interface{}{
			"queue_id":  item.ID,
			"action":    string(item.Action),
			"entity":    item.Entity,
			"entity_id": item.EntityID,
			"server_id": serverID,
		})
	return serverID, nil
}

// reconcile stores the server representation under serverID and drops the
// record held under item.EntityID if it differs.
func (e *SyncEngine) reconcile(ctx context.Context, tx *db.Repository, item *models.PendingOperation, serverID string, resp map[string]interface{}) error {
	local, err := tx.GetRecord(ctx, item.Entity, item.EntityID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	resolved, err := e.resolver.Resolve(&conflict.Conflict{
		Entity:   item.Entity,
		LocalID:  item.EntityID,
		ServerID: serverID,
		Local:    local,
		Server:   resp,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "resolve server representation", err)
	}
	return tx.ReplaceRecordID(ctx, item.Entity, item.EntityID, resolved.Record)
}

// deletePending reports whether the record behind an UPDATE is gone locally
// and a later DELETE for it is still queued. The server copy must not be
// written back in that case.
func deletePending(ctx context.Context, tx *db.Repository, item *models.PendingOperation) (bool, error) {
	_, err := tx.GetRecord(ctx, item.Entity, item.EntityID)
	if err == nil {
		return false, nil
	}
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		return false, err
	}

	ops, err := tx.ListByEntityID(ctx, item.Entity, item.EntityID)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.ID != item.ID && op.Action == models.ActionDelete && op.Actionable() {
			return true, nil
		}
	}
	return false, nil
}

func (e *SyncEngine) recordFailure(ctx context.Context, item *models.PendingOperation, cause error) {
	msg := apperrors.Message(cause)
	if msg == "" {
		msg = cause.Error()
	}

	if err := e.queue.MarkError(ctx, item.ID, msg); err != nil {
		logging.Error("Failed to record sync error", err, map[string]interface{}{"queue_id": item.ID})
	}
	e.recorder.ObserveItem(item.Action, ResultFailed)

	logging.Warn("Change failed to sync",
		map[string]interface{}{
			"queue_id":    item.ID,
			"action":      string(item.Action),
			"entity":      item.Entity,
			"entity_id":   item.EntityID,
			"retry_count": item.RetryCount + 1,
			"error":       msg,
		})

	e.update(func(s *models.SyncState) {
		s.Errors = append(s.Errors, models.SyncError{
			ChangeID: item.ID,
			Action:   item.Action,
			Entity:   item.Entity,
			Error:    msg,
		})
	})
}

// idOf normalizes a JSON id (string or number) to a string.
func idOf(v interface{}) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case int:
		return strconv.Itoa(id), true
	case int64:
		return strconv.FormatInt(id, 10), true
	}
	return "", false
}
