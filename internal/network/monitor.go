// Package network tracks connectivity and exposes wait/subscribe primitives
// used to drive sync triggers.
package network

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/salvacell/offsync/internal/errors"
	"github.com/salvacell/offsync/internal/logging"
)

// DefaultWaitTimeout bounds ExecuteOnline when no timeout is given.
const DefaultWaitTimeout = 30 * time.Second

// LinkInfo describes the physical link as reported by the platform.
type LinkInfo struct {
	EffectiveType string        `json:"effectiveType"`
	Downlink      float64       `json:"downlink"`
	RTT           time.Duration `json:"rtt"`
}

// ConnectivityProvider is the narrow view of connectivity the core depends on.
type ConnectivityProvider interface {
	Online() bool
	Link() LinkInfo
}

// Info is a detailed connectivity report.
type Info struct {
	Online         bool     `json:"online"`
	RealConnection bool     `json:"realConnection"`
	Link           LinkInfo `json:"link"`
	Quality        Quality  `json:"quality"`
}

type listener struct {
	id int
	fn func()
}

// Monitor holds the authoritative connectivity flag. Platform adapters push
// transitions with SetOnline; everything else reads or subscribes.
type Monitor struct {
	mu        sync.RWMutex
	online    bool
	link      LinkInfo
	nextID    int
	onOnline  []listener
	onOffline []listener
	waiters   map[int]chan struct{}
	prober    Prober
}

// NewMonitor creates a Monitor with the given initial state. prober may be
// nil, in which case CheckRealConnection only reflects the flag.
func NewMonitor(online bool, prober Prober) *Monitor {
	return &Monitor{
		online:  online,
		prober:  prober,
		waiters: make(map[int]chan struct{}),
	}
}

// IsOnline reports the current connectivity flag.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Online implements ConnectivityProvider.
func (m *Monitor) Online() bool {
	return m.IsOnline()
}

// Link implements ConnectivityProvider.
func (m *Monitor) Link() LinkInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.link
}

// SetLink records the latest link characteristics.
func (m *Monitor) SetLink(link LinkInfo) {
	m.mu.Lock()
	m.link = link
	m.mu.Unlock()
}

// SetOnline records a connectivity transition. Listeners for the new state
// run synchronously in registration order; repeated calls with the same
// value are ignored.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	var fire []listener
	if online {
		fire = append(fire, m.onOnline...)
		for id, ch := range m.waiters {
			close(ch)
			delete(m.waiters, id)
		}
	} else {
		fire = append(fire, m.onOffline...)
	}
	m.mu.Unlock()

	if online {
		logging.Info("Connectivity restored", nil)
	} else {
		logging.Warn("Connectivity lost", nil)
	}

	for _, l := range fire {
		m.call(online, l)
	}
}

func (m *Monitor) call(online bool, l listener) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Connectivity listener panicked", nil,
				map[string]interface{}{"listener_id": l.id, "online": online, "panic": r})
		}
	}()
	l.fn()
}

// AddOnlineListener registers fn for offline->online transitions and returns
// an id for RemoveOnlineListener.
func (m *Monitor) AddOnlineListener(fn func()) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.onOnline = append(m.onOnline, listener{id: m.nextID, fn: fn})
	return m.nextID
}

// RemoveOnlineListener unregisters an online listener.
func (m *Monitor) RemoveOnlineListener(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = removeListener(m.onOnline, id)
}

// AddOfflineListener registers fn for online->offline transitions.
func (m *Monitor) AddOfflineListener(fn func()) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.onOffline = append(m.onOffline, listener{id: m.nextID, fn: fn})
	return m.nextID
}

// RemoveOfflineListener unregisters an offline listener.
func (m *Monitor) RemoveOfflineListener(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffline = removeListener(m.onOffline, id)
}

func removeListener(ls []listener, id int) []listener {
	out := ls[:0:0]
	for _, l := range ls {
		if l.id != id {
			out = append(out, l)
		}
	}
	return out
}

// CheckRealConnection actively probes the server with a hard timeout. It is
// false whenever the flag says offline.
func (m *Monitor) CheckRealConnection(ctx context.Context, timeout time.Duration) bool {
	if !m.IsOnline() {
		return false
	}
	if m.prober == nil {
		return true
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := m.prober.Probe(ctx); err != nil {
		logging.Warn("Connection check failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	return true
}

// WaitForConnection returns nil as soon as the monitor is online. It fails
// with TIMEOUT once timeout elapses; timeout <= 0 waits until ctx is done.
func (m *Monitor) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	if m.online {
		m.mu.Unlock()
		return nil
	}
	m.nextID++
	id := m.nextID
	ch := make(chan struct{})
	m.waiters[id] = ch
	m.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ch:
		return nil
	case <-expired:
		m.dropWaiter(id)
		return apperrors.Newf(apperrors.ErrTimeout, "no connection after %s", timeout)
	case <-ctx.Done():
		m.dropWaiter(id)
		return ctx.Err()
	}
}

func (m *Monitor) dropWaiter(id int) {
	m.mu.Lock()
	delete(m.waiters, id)
	m.mu.Unlock()
}

// ExecOptions tunes ExecuteOnline.
type ExecOptions struct {
	// Timeout bounds the wait for connectivity. Zero means DefaultWaitTimeout,
	// negative waits indefinitely.
	Timeout time.Duration
	// Fallback, when set, replaces the error of a failed or timed-out run.
	Fallback func(ctx context.Context, err error) error
}

// ExecuteOnline runs fn now if online, otherwise after connectivity returns.
func (m *Monitor) ExecuteOnline(ctx context.Context, fn func(ctx context.Context) error, opts ExecOptions) error {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultWaitTimeout
	}

	err := m.WaitForConnection(ctx, timeout)
	if err == nil {
		err = fn(ctx)
	}
	if err != nil && opts.Fallback != nil {
		return opts.Fallback(ctx, err)
	}
	return err
}

// ConnectionInfo reports flag, link, active probe result and quality.
func (m *Monitor) ConnectionInfo(ctx context.Context, probeTimeout time.Duration) Info {
	online := m.IsOnline()
	link := m.Link()
	info := Info{
		Online:  online,
		Link:    link,
		Quality: ClassifyQuality(online, link.EffectiveType, link.Downlink),
	}
	if online {
		info.RealConnection = m.CheckRealConnection(ctx, probeTimeout)
	}
	return info
}
