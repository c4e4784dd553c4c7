// Package sweep periodically removes orphaned workspaces left behind by
// crashed or killed runs.
package sweep

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Cleaner removes workspaces older than maxAge and reports how many
type Cleaner interface {
	SweepOrphaned(maxAge time.Duration) int
}

// Sweeper runs the cleaner on a cron schedule
type Sweeper struct {
	cron    *cron.Cron
	cleaner Cleaner
	maxAge  time.Duration
}

// New creates a sweeper. schedule accepts standard cron expressions and
// descriptors like "@hourly" or "@every 30m".
func New(cleaner Cleaner, schedule string, maxAge time.Duration) (*Sweeper, error) {
	s := &Sweeper{
		cron:    cron.New(),
		cleaner: cleaner,
		maxAge:  maxAge,
	}
	if _, err := s.cron.AddFunc(schedule, s.runOnce); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins scheduled sweeping in the background
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for an in-flight sweep to finish
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// RunOnce performs one immediate sweep and returns the number of
// workspaces removed. Used at startup to clear leftovers from a crash.
func (s *Sweeper) RunOnce() int {
	return s.cleaner.SweepOrphaned(s.maxAge)
}

func (s *Sweeper) runOnce() {
	if n := s.RunOnce(); n > 0 {
		log.Printf("sweep: removed %d orphaned workspaces", n)
	}
}
