// Package scheduler drives automatic sync: on reconnect, shortly after
// start-up, and on a periodic purge of synced queue items.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/salvacell/offsync/internal/errors"
	"github.com/salvacell/offsync/internal/logging"
)

// Engine is the part of the sync orchestrator the scheduler drives.
type Engine interface {
	Trigger()
	CleanSynced(ctx context.Context) (int64, error)
}

// Network reports connectivity and its transitions.
type Network interface {
	IsOnline() bool
	AddOnlineListener(fn func()) int
	RemoveOnlineListener(id int)
	AddOfflineListener(fn func()) int
	RemoveOfflineListener(id int)
}

// Sweeper removes expired cache entries.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine        Engine
	network       Network
	sweeper       Sweeper
	startupDelay  time.Duration
	purgeInterval time.Duration
	syncInterval  time.Duration

	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool
	onlineID  int
	offlineID int

	triggers    int
	lastPurge   time.Time
	purgedItems int64
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	StartupDelay  time.Duration // Delay before the first sync after Start (default: 2 seconds)
	PurgeInterval time.Duration // How often synced queue items are purged (default: 5 minutes)
	SyncInterval  time.Duration // Periodic sync while online; zero disables
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		StartupDelay:  2 * time.Second,
		PurgeInterval: 5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. sweeper may be nil.
func NewScheduler(engine Engine, network Network, sweeper Sweeper, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	purge := config.PurgeInterval
	if purge <= 0 {
		purge = DefaultSchedulerConfig().PurgeInterval
	}

	return &Scheduler{
		engine:        engine,
		network:       network,
		sweeper:       sweeper,
		startupDelay:  config.StartupDelay,
		purgeInterval: purge,
		syncInterval:  config.SyncInterval,
	}
}

// Start registers the connectivity listeners and starts the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.onlineID = s.network.AddOnlineListener(s.onOnline)
	s.offlineID = s.network.AddOfflineListener(s.onOffline)
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(2)
	go s.startupSync(ctx, stopCh)
	go s.purgeLoop(ctx, stopCh)

	if s.syncInterval > 0 {
		s.wg.Add(1)
		go s.periodicSyncLoop(ctx, stopCh)
	}

	logging.Info("Background sync scheduler started",
		map[string]interface{}{
			"startup_delay":  s.startupDelay.String(),
			"purge_interval": s.purgeInterval.String(),
			"sync_interval":  s.syncInterval.String(),
		})
}

// Stop removes the listeners and stops the loops gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.network.RemoveOnlineListener(s.onlineID)
	s.network.RemoveOfflineListener(s.offlineID)
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

func (s *Scheduler) onOnline() {
	logging.Info("Connection restored, starting sync", nil)
	s.trigger()
}

func (s *Scheduler) onOffline() {
	logging.Info("Connection lost, changes will be queued", nil)
}

func (s *Scheduler) trigger() {
	s.mu.Lock()
	s.triggers++
	s.mu.Unlock()
	s.engine.Trigger()
}

// startupSync triggers one sync after the startup delay when online.
func (s *Scheduler) startupSync(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	timer := time.NewTimer(s.startupDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-stopCh:
		return
	case <-timer.C:
		if s.network.IsOnline() {
			s.trigger()
		}
	}
}

// purgeLoop periodically removes synced queue items and expired cache rows.
func (s *Scheduler) purgeLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.Purge(ctx)
		}
	}
}

// periodicSyncLoop triggers a sync every interval while online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.network.IsOnline() {
				continue
			}
			s.trigger()
		}
	}
}

// Purge runs one maintenance sweep. Failures are logged, never returned,
// so a bad sweep does not stop the loop.
func (s *Scheduler) Purge(ctx context.Context) {
	purged, err := s.engine.CleanSynced(ctx)
	if err != nil {
		logging.ErrorWithCode("Failed to purge synced queue items", string(errors.CodeOf(err)), err, nil)
	}

	var swept int64
	if s.sweeper != nil {
		if swept, err = s.sweeper.Sweep(ctx); err != nil {
			logging.ErrorWithCode("Failed to sweep cache", string(errors.CodeOf(err)), err, nil)
		}
	}

	s.mu.Lock()
	s.lastPurge = time.Now()
	s.purgedItems += purged
	s.mu.Unlock()

	if purged > 0 || swept > 0 {
		logging.Info("Maintenance sweep completed",
			map[string]interface{}{"queue_purged": purged, "cache_swept": swept})
	}
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning   bool       `json:"isRunning"`
	IsOnline    bool       `json:"isOnline"`
	Triggers    int        `json:"triggers"`
	LastPurge   *time.Time `json:"lastPurge,omitempty"`
	PurgedItems int64      `json:"purgedItems"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:   s.isRunning,
		IsOnline:    s.network.IsOnline(),
		Triggers:    s.triggers,
		PurgedItems: s.purgedItems,
	}
	if !s.lastPurge.IsZero() {
		lp := s.lastPurge
		status.LastPurge = &lp
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
