// Package scheduler drives periodic maintenance jobs — command-tracker
// pruning and database backups — off cron-style schedules rather than bare
// tickers, so operators can configure a human-readable cadence (e.g.
// "0 */6 * * *" for backups) instead of a fixed Go duration.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sentryctl/fleet/internal/controlplane/cmdtracker"
)

// Config configures the maintenance job schedules. Schedule fields accept a
// standard 5-field cron expression or a descriptor such as "@every 1h"; a
// bare Go duration string (e.g. "1h") is rejected. Empty disables the job.
type Config struct {
	// PurgeSchedule drives cmdtracker.Tracker.Purge, bounding the in-memory
	// terminal-command set.
	PurgeSchedule string
	PurgeTTL      time.Duration

	// BackupSchedule drives migration.BackupDatabase followed by
	// CleanOldBackups.
	BackupSchedule  string
	BackupRetention time.Duration
}

// DefaultConfig returns sensible defaults: purge every hour, backup daily,
// retaining six days of backups.
func DefaultConfig() Config {
	return Config{
		PurgeSchedule:   "0 * * * *",
		PurgeTTL:        24 * time.Hour,
		BackupSchedule:  "0 3 * * *",
		BackupRetention: 6 * 24 * time.Hour,
	}
}

// job pairs a cron schedule with the work it triggers.
type job struct {
	name     string
	schedule cron.Schedule
	lastRun  time.Time
	run      func()
}

// Scheduler runs registered jobs on their cron schedules until Stop. It
// checks due jobs once a minute, which matches standard cron granularity.
type Scheduler struct {
	log   *zap.Logger
	mu    sync.Mutex
	jobs  []*job
	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. Backup/purge jobs are registered via Register*
// before Start.
func New(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{log: log.Named("scheduler")}
}

// RegisterPurge wires the command-tracker purge job if cfg.PurgeSchedule is
// set.
func (s *Scheduler) RegisterPurge(tracker *cmdtracker.Tracker, schedule string, ttl time.Duration) error {
	if schedule == "" {
		return nil
	}
	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, &job{
		name:     "cmdtracker_purge",
		schedule: spec,
		run: func() {
			removed := tracker.Purge(ttl)
			if removed > 0 {
				s.log.Info("purged stale commands", zap.Int("removed", removed))
			}
		},
	})
	s.mu.Unlock()
	return nil
}

// BackupFunc performs one backup-and-clean cycle, returning the backup path.
type BackupFunc func() (string, error)

// RegisterBackup wires a periodic database backup job if schedule is set.
// backup is expected to call migration.BackupDatabase then
// migration.CleanOldBackups.
func (s *Scheduler) RegisterBackup(schedule string, backup BackupFunc) error {
	if schedule == "" {
		return nil
	}
	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, &job{
		name:     "database_backup",
		schedule: spec,
		run: func() {
			path, err := backup()
			if err != nil {
				s.log.Warn("database backup failed", zap.Error(err))
				return
			}
			s.log.Info("database backup complete", zap.String("path", path))
		},
	})
	s.mu.Unlock()
	return nil
}

// Start begins the minute-resolution dispatch loop. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ticker = time.NewTicker(time.Minute)
	ticker := s.ticker
	now := time.Now().UTC()
	for _, j := range s.jobs {
		j.lastRun = now
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			case tick := <-ticker.C:
				s.runDue(tick.UTC())
			}
		}
	}()
}

// Stop halts the dispatch loop and waits for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) runDue(now time.Time) {
	s.mu.Lock()
	due := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if !j.schedule.Next(j.lastRun).After(now) {
			j.lastRun = now
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.log.Debug("running scheduled job", zap.String("job", j.name))
		j.run()
	}
}
