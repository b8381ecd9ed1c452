package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler owns the recurring triggers of tasks and subscriptions, keyed by
// an id chosen by the caller. There is at most one trigger per id.
type Scheduler struct {
	logger   *slog.Logger
	location *time.Location

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler constructs a scheduler evaluating cron expressions in location.
func NewScheduler(logger *slog.Logger, location *time.Location) *Scheduler {
	if location == nil {
		location = time.Local
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)
	return &Scheduler{
		logger:   logger,
		location: location,
		cron:     c,
		entries:  make(map[string]cron.EntryID),
	}
}

// Start begins the scheduling loop. Each tick runs its job on its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the loop. The returned context is done once in-flight jobs return.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RegisterCron replaces any trigger for id with one that calls fire on every
// tick of expr. With runImmediately, fire is also called once synchronously
// before RegisterCron returns.
func (s *Scheduler) RegisterCron(id, expr string, fire func(), runImmediately bool) error {
	schedule, err := ParseCron(expr)
	if err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}
	s.register(id, schedule, fire, runImmediately)
	s.logger.Debug("trigger registered", "id", id, "cron", expr)
	return nil
}

// RegisterInterval replaces any trigger for id with one firing every
// interval. Long intervals such as 28 days are computed from the previous
// tick, never by chaining short timers.
func (s *Scheduler) RegisterInterval(id string, interval IntervalSchedule, fire func(), runImmediately bool) error {
	d, err := interval.Duration()
	if err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}
	s.register(id, cron.Every(d), fire, runImmediately)
	s.logger.Debug("trigger registered", "id", id, "every", d.String())
	return nil
}

func (s *Scheduler) register(id string, schedule cron.Schedule, fire func(), runImmediately bool) {
	s.mu.Lock()
	if old, ok := s.entries[id]; ok {
		s.cron.Remove(old)
	}
	s.entries[id] = s.cron.Schedule(schedule, cron.FuncJob(fire))
	s.mu.Unlock()

	if runImmediately {
		fire()
	}
}

// Cancel removes the trigger for id. Unknown ids are ignored.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
		s.logger.Debug("trigger canceled", "id", id)
	}
}

// Has reports whether id has a registered trigger.
func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Len returns the number of registered triggers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Next returns the next fire time of id. It is zero until the loop has
// started, and ok is false for unknown ids.
func (s *Scheduler) Next(id string) (time.Time, bool) {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(entryID).Next, true
}
