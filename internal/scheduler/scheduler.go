// Package scheduler wraps robfig/cron to drive the daemon's periodic jobs —
// the idle monitor tick and the unified coordinator's cleanup pass — from a
// single process-owned cron runner instead of ad hoc time.Ticker loops at
// the entrypoint.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/gaos-systems/apc-coordinator/internal/logging"
)

// Scheduler runs named jobs on cron schedules, skipping an overrunning job's
// next tick rather than letting two copies run concurrently.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	log    logging.Logger

	mu       sync.Mutex
	entryIDs map[string]cron.EntryID

	stopped  chan struct{}
	stopOnce sync.Once
}

// New builds a Scheduler with a seconds-enabled parser, matching the cron
// expressions used elsewhere in the daemon's configuration (e.g. "*/10 * * *
// * *" for a ten-second tick).
func New(log logging.Logger) *Scheduler {
	log = logging.OrNop(log)
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		cron:     cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		parser:   parser,
		log:      log,
		entryIDs: make(map[string]cron.EntryID),
		stopped:  make(chan struct{}),
	}
}

// AddFunc registers fn under name on the given cron spec. Re-registering an
// existing name replaces its previous schedule.
func (s *Scheduler) AddFunc(name, spec string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.entryIDs[name]; ok {
		s.cron.Remove(prev)
	}
	id, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("scheduler: register job %q: %w", name, err)
	}
	s.entryIDs[name] = id
	return nil
}

// Remove unregisters a previously added job by name; a no-op if unknown.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entryIDs[name]; ok {
		s.cron.Remove(id)
		delete(s.entryIDs, name)
	}
}

// Start begins running registered jobs and returns immediately; jobs fire on
// their own goroutines per robfig/cron's model.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started with %d jobs", s.JobCount())
}

// Run starts the scheduler and blocks until ctx is cancelled, then stops it.
func (s *Scheduler) Run(ctx context.Context) {
	s.Start()
	<-ctx.Done()
	s.Stop()
}

// Stop gracefully stops the cron runner, waiting for any in-flight job to
// finish. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.log.Info("scheduler stopping")
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		close(s.stopped)
		s.log.Info("scheduler stopped")
	})
}

// Done returns a channel closed once Stop has fully drained in-flight jobs.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// JobCount returns the number of currently registered jobs.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entryIDs)
}
