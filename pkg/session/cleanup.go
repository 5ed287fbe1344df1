package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/harun/biblechat/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const DefaultSweepSchedule = "@every 1m"

// Evictor is the part of a store the janitor drives.
type Evictor interface {
	Evict(now time.Time) int
	Len() int
}

// Janitor runs store eviction on a cron schedule
type Janitor struct {
	store    Evictor
	schedule string
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewJanitor creates a janitor for store. An empty schedule uses DefaultSweepSchedule.
func NewJanitor(store Evictor, schedule string) *Janitor {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Janitor{
		store:    store,
		schedule: schedule,
		now:      time.Now,
	}
}

// Start schedules periodic sweeps
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return fmt.Errorf("janitor is already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() { j.SweepNow() }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", j.schedule, err)
	}
	c.Start()

	j.cron = c
	j.running = true

	log.Info().Str("schedule", j.schedule).Msg("Session janitor started")
	return nil
}

// Stop cancels the schedule and waits for an in-progress sweep
func (j *Janitor) Stop() error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return fmt.Errorf("janitor is not running")
	}
	c := j.cron
	j.cron = nil
	j.running = false
	j.mu.Unlock()

	<-c.Stop().Done()

	log.Info().Msg("Session janitor stopped")
	return nil
}

// IsRunning reports whether the schedule is active
func (j *Janitor) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// SweepNow evicts immediately and returns the number of sessions removed
func (j *Janitor) SweepNow() int {
	start := time.Now()
	removed := j.store.Evict(j.now())
	remaining := j.store.Len()
	observability.SetActiveSessions(remaining)

	if removed > 0 {
		log.Info().
			Int("removed", removed).
			Int("remaining", remaining).
			Dur("duration", time.Since(start)).
			Msg("Session sweep completed")
	}
	return removed
}
