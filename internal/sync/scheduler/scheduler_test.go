// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/salvacell/offsync/internal/network"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeEngine struct {
	mu       sync.Mutex
	triggers int
	cleans   int
	purged   int64
	cleanErr error
}

func (e *fakeEngine) Trigger() {
	e.mu.Lock()
	e.triggers++
	e.mu.Unlock()
}

func (e *fakeEngine) CleanSynced(context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleans++
	return e.purged, e.cleanErr
}

func (e *fakeEngine) Triggers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.triggers
}

func (e *fakeEngine) Cleans() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cleans
}

type fakeSweeper struct {
	mu    sync.Mutex
	calls int
}

func (s *fakeSweeper) Sweep(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return 1, nil
}

func (s *fakeSweeper) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// createTestScheduler creates a scheduler over a real monitor and a fake engine.
func createTestScheduler(t *testing.T, online bool, config *SchedulerConfig) (*fakeEngine, *network.Monitor, *fakeSweeper, *Scheduler) {
	t.Helper()
	engine := &fakeEngine{}
	monitor := network.NewMonitor(online, nil)
	sweeper := &fakeSweeper{}
	s := NewScheduler(engine, monitor, sweeper, config)
	t.Cleanup(s.Stop)
	return engine, monitor, sweeper, s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// =====================================================
// Config Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.StartupDelay != 2*time.Second {
		t.Errorf("StartupDelay = %v, want 2s", config.StartupDelay)
	}
	if config.PurgeInterval != 5*time.Minute {
		t.Errorf("PurgeInterval = %v, want 5m", config.PurgeInterval)
	}
	if config.SyncInterval != 0 {
		t.Errorf("SyncInterval = %v, want 0", config.SyncInterval)
	}
}

// TestNewScheduler_NilConfig verifies defaults are applied.
func TestNewScheduler_NilConfig(t *testing.T) {
	s := NewScheduler(&fakeEngine{}, network.NewMonitor(true, nil), nil, nil)

	if s.purgeInterval != 5*time.Minute {
		t.Errorf("purgeInterval = %v, want 5m", s.purgeInterval)
	}
	if s.IsRunning() {
		t.Error("new scheduler should not be running")
	}
}

// =====================================================
// Lifecycle Tests
// =====================================================

// TestStartupSync verifies a sync is triggered after the startup delay when online.
func TestStartupSync(t *testing.T) {
	engine, _, _, s := createTestScheduler(t, true, &SchedulerConfig{
		StartupDelay:  20 * time.Millisecond,
		PurgeInterval: time.Hour,
	})

	s.Start(context.Background())

	if engine.Triggers() != 0 {
		t.Error("trigger fired before the startup delay")
	}
	if !waitFor(t, func() bool { return engine.Triggers() == 1 }) {
		t.Errorf("triggers = %d, want 1", engine.Triggers())
	}
}

// TestStartupSync_Offline verifies no startup sync while offline.
func TestStartupSync_Offline(t *testing.T) {
	engine, _, _, s := createTestScheduler(t, false, &SchedulerConfig{
		StartupDelay:  5 * time.Millisecond,
		PurgeInterval: time.Hour,
	})

	s.Start(context.Background())
	time.Sleep(40 * time.Millisecond)

	if engine.Triggers() != 0 {
		t.Errorf("triggers = %d, want 0", engine.Triggers())
	}
}

// TestOnlineTransitionTriggersSync verifies reconnecting starts a sync.
func TestOnlineTransitionTriggersSync(t *testing.T) {
	engine, monitor, _, s := createTestScheduler(t, false, &SchedulerConfig{
		StartupDelay:  time.Hour,
		PurgeInterval: time.Hour,
	})

	s.Start(context.Background())
	monitor.SetOnline(true)

	if engine.Triggers() != 1 {
		t.Errorf("triggers = %d, want 1", engine.Triggers())
	}
	if s.GetStatus().Triggers != 1 {
		t.Errorf("status triggers = %d, want 1", s.GetStatus().Triggers)
	}

	monitor.SetOnline(false)
	if engine.Triggers() != 1 {
		t.Errorf("going offline should not trigger, got %d", engine.Triggers())
	}
}

// TestStop_RemovesListeners verifies transitions after Stop are ignored.
func TestStop_RemovesListeners(t *testing.T) {
	engine, monitor, _, s := createTestScheduler(t, false, &SchedulerConfig{
		StartupDelay:  time.Hour,
		PurgeInterval: time.Hour,
	})

	s.Start(context.Background())
	s.Stop()
	monitor.SetOnline(true)

	if engine.Triggers() != 0 {
		t.Errorf("triggers = %d, want 0 after Stop", engine.Triggers())
	}
	if s.IsRunning() {
		t.Error("scheduler still running after Stop")
	}

	// Stop is idempotent and the scheduler can be restarted.
	s.Stop()
	s.Start(context.Background())
	monitor.SetOnline(false)
	monitor.SetOnline(true)
	if engine.Triggers() != 1 {
		t.Errorf("triggers = %d, want 1 after restart", engine.Triggers())
	}
}

// TestStart_Idempotent verifies a second Start does not double-register.
func TestStart_Idempotent(t *testing.T) {
	engine, monitor, _, s := createTestScheduler(t, false, &SchedulerConfig{
		StartupDelay:  time.Hour,
		PurgeInterval: time.Hour,
	})

	s.Start(context.Background())
	s.Start(context.Background())
	monitor.SetOnline(true)

	if engine.Triggers() != 1 {
		t.Errorf("triggers = %d, want 1", engine.Triggers())
	}
}

// =====================================================
// Maintenance Tests
// =====================================================

// TestPurgeLoop verifies synced items and cache entries are swept periodically.
func TestPurgeLoop(t *testing.T) {
	engine, _, sweeper, s := createTestScheduler(t, true, &SchedulerConfig{
		StartupDelay:  time.Hour,
		PurgeInterval: 10 * time.Millisecond,
	})
	engine.purged = 2

	s.Start(context.Background())

	if !waitFor(t, func() bool { return engine.Cleans() >= 2 && sweeper.Calls() >= 2 }) {
		t.Fatalf("cleans = %d, sweeps = %d, want >= 2", engine.Cleans(), sweeper.Calls())
	}

	status := s.GetStatus()
	if status.LastPurge == nil {
		t.Error("LastPurge not recorded")
	}
	if status.PurgedItems < 4 {
		t.Errorf("PurgedItems = %d, want >= 4", status.PurgedItems)
	}
}

// TestPurge_ErrorDoesNotStopSweep verifies the cache is still swept when the
// queue purge fails.
func TestPurge_ErrorDoesNotStopSweep(t *testing.T) {
	engine, _, sweeper, s := createTestScheduler(t, true, nil)
	engine.cleanErr = errors.New("disk full")

	s.Purge(context.Background())

	if sweeper.Calls() != 1 {
		t.Errorf("sweeps = %d, want 1", sweeper.Calls())
	}
}

// TestPeriodicSync verifies the optional sync interval triggers while online only.
func TestPeriodicSync(t *testing.T) {
	engine, monitor, _, s := createTestScheduler(t, true, &SchedulerConfig{
		StartupDelay:  time.Hour,
		PurgeInterval: time.Hour,
		SyncInterval:  10 * time.Millisecond,
	})

	s.Start(context.Background())
	if !waitFor(t, func() bool { return engine.Triggers() >= 2 }) {
		t.Fatalf("triggers = %d, want >= 2", engine.Triggers())
	}

	monitor.SetOnline(false)
	time.Sleep(15 * time.Millisecond)
	before := engine.Triggers()
	time.Sleep(40 * time.Millisecond)
	if engine.Triggers() != before {
		t.Errorf("periodic sync fired while offline: %d -> %d", before, engine.Triggers())
	}
}

// TestContextCancelStopsLoops verifies cancelling the start context ends the loops.
func TestContextCancelStopsLoops(t *testing.T) {
	engine, _, _, s := createTestScheduler(t, true, &SchedulerConfig{
		StartupDelay:  time.Hour,
		PurgeInterval: time.Hour,
		SyncInterval:  5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	time.Sleep(20 * time.Millisecond)
	before := engine.Triggers()
	time.Sleep(30 * time.Millisecond)

	if engine.Triggers() != before {
		t.Errorf("triggers changed after cancel: %d -> %d", before, engine.Triggers())
	}
}
