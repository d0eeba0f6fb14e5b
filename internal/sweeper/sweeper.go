// Package sweeper periodically deletes expired activation tokens and
// sessions. Expiry is enforced on read, so the sweep only reclaims storage.
package sweeper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/thejerf/abtime"
	"github.com/thejerf/suture/v4"
)

const tickerID = 1

// Sweepable deletes its expired rows and reports how many it removed.
type Sweepable interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Target names a Sweepable for logging.
type Target struct {
	Name string
	Sweepable
}

// Sweeper is a suture service.
type Sweeper struct {
	interval time.Duration
	clock    abtime.AbstractTime
	log      logrus.FieldLogger
	targets  []Target
}

func New(interval time.Duration, clock abtime.AbstractTime, log logrus.FieldLogger, targets ...Target) *Sweeper {
	if clock == nil {
		clock = abtime.NewRealTime()
	}
	return &Sweeper{
		interval: interval,
		clock:    clock,
		log:      log.WithField("component", "sweeper"),
		targets:  targets,
	}
}

func (s *Sweeper) String() string { return "sweeper" }

// Serve sweeps every interval until ctx is done.
func (s *Sweeper) Serve(ctx context.Context) error {
	if s.interval <= 0 {
		return suture.ErrDoNotRestart
	}
	ticker := s.clock.NewTicker(s.interval, tickerID)
	defer ticker.Stop()

	s.log.WithField("interval", s.interval).Info("sweeper started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Channel():
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs every target once. A failing target does not stop the
// others; it is retried on the next tick.
func (s *Sweeper) SweepOnce(ctx context.Context) map[string]int64 {
	removed := make(map[string]int64, len(s.targets))
	for _, t := range s.targets {
		n, err := t.SweepExpired(ctx)
		if err != nil {
			s.log.WithError(err).WithField("target", t.Name).Error("sweep failed")
			continue
		}
		removed[t.Name] = n
		if n > 0 {
			s.log.WithFields(logrus.Fields{"target": t.Name, "removed": n}).Info("expired rows removed")
		}
	}
	return removed
}
