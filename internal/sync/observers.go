package sync

import (
	"github.com/salvacell/offsync/internal/logging"
	"github.com/salvacell/offsync/internal/models"
)

// Subscribe registers fn to receive every state change and immediately
// delivers the current state to it. Deliveries are synchronous and
// serialized, so fn must not call Subscribe, an unsubscribe func or SyncNow.
// The returned func removes the observer.
func (e *SyncEngine) Subscribe(fn func(models.SyncState)) func() {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.nextObsID++
	id := e.nextObsID
	e.observers = append(e.observers, observer{id: id, fn: fn})
	deliver(fn, e.State())

	return func() { e.unsubscribe(id) }
}

// SubscribeChan is Subscribe for consumers that prefer a channel. When the
// buffer is full the oldest queued state is dropped. Unsubscribing closes
// the channel.
func (e *SyncEngine) SubscribeChan(buf int) (<-chan models.SyncState, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan models.SyncState, buf)
	closed := false

	unsub := e.Subscribe(func(s models.SyncState) {
		if closed {
			return
		}
		for {
			select {
			case ch <- s:
				return
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	})

	return ch, func() {
		unsub()
		e.notifyMu.Lock()
		if !closed {
			closed = true
			close(ch)
		}
		e.notifyMu.Unlock()
	}
}

func (e *SyncEngine) unsubscribe(id int) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	for i, o := range e.observers {
		if o.id == id {
			e.observers = append(e.observers[:i], e.observers[i+1:]...)
			return
		}
	}
}

// update applies mutate to the state and delivers the result to every
// observer before any later mutation is delivered.
func (e *SyncEngine) update(mutate func(*models.SyncState)) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	mutate(&e.state)
	snapshot := e.state.Copy()
	e.mu.Unlock()

	for _, o := range e.observers {
		deliver(o.fn, snapshot.Copy())
	}
}

func deliver(fn func(models.SyncState), s models.SyncState) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Sync observer panicked", map[string]interface{}{"panic": r})
		}
	}()
	fn(s)
}
