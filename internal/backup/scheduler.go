package backup

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/salvacell/offsync/internal/errors"
	"github.com/salvacell/offsync/internal/logging"
)

// Snapshotter is the part of Exporter the scheduler drives.
type Snapshotter interface {
	Export(ctx context.Context) (*Manifest, error)
	Prune(ctx context.Context, keep int) (int, error)
}

// ScheduleConfig controls automatic backups.
type ScheduleConfig struct {
	Interval  time.Duration // zero disables automatic backups
	Retention int           // backups to keep after each run; zero keeps all
}

// Scheduler takes a backup every interval and applies the retention policy.
type Scheduler struct {
	exporter Snapshotter
	config   ScheduleConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	last    *Manifest
	runs    int
}

// NewScheduler creates a backup scheduler.
func NewScheduler(exporter Snapshotter, config ScheduleConfig) *Scheduler {
	if config.Retention < 0 {
		config.Retention = 0
	}
	return &Scheduler{exporter: exporter, config: config}
}

// Start begins periodic backups. It is a no-op when the interval is zero.
func (s *Scheduler) Start(ctx context.Context) {
	if s.config.Interval <= 0 {
		logging.Debug("Automatic backups disabled", nil)
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, stopCh)

	logging.Info("Backup scheduler started", map[string]interface{}{
		"interval":  s.config.Interval.String(),
		"retention": s.config.Retention,
	})
}

// Stop halts the loop and waits for an in-flight backup to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, _, err := s.RunOnce(ctx); err != nil {
				logging.ErrorWithCode("Scheduled backup failed", string(apperrors.CodeOf(err)), err, nil)
			}
		}
	}
}

// RunOnce takes one backup and prunes old ones. A failed prune is logged
// and does not fail the backup.
func (s *Scheduler) RunOnce(ctx context.Context) (*Manifest, int, error) {
	manifest, err := s.exporter.Export(ctx)
	if err != nil {
		return nil, 0, err
	}

	pruned := 0
	if s.config.Retention > 0 {
		if pruned, err = s.exporter.Prune(ctx, s.config.Retention); err != nil {
			logging.Warn("Backup retention failed", map[string]interface{}{"error": err.Error()})
		}
	}

	s.mu.Lock()
	s.last = manifest
	s.runs++
	s.mu.Unlock()

	logging.Info("Backup completed", map[string]interface{}{
		"key":     manifest.Key,
		"records": manifest.Records,
		"queue":   manifest.Queue,
		"pruned":  pruned,
	})
	return manifest, pruned, nil
}

// Last returns the manifest of the most recent scheduled backup, or nil.
func (s *Scheduler) Last() *Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Runs returns how many backups the scheduler has taken.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}
