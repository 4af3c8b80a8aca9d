package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// AutopilotEntry arms a mission for WorldID every time Spec fires.
type AutopilotEntry struct {
	Spec            string `json:"cron"`
	WorldID         int64  `json:"worldId"`
	DurationMinutes int    `json:"durationMinutes"`
}

type autopilotJob struct {
	entry    AutopilotEntry
	schedule cron.Schedule
}

// Autopilot schedules missions on recurring cron expressions. It only
// ever calls Schedule, so a mission already in flight or a degraded
// system simply skips that firing.
type Autopilot struct {
	sched  *Scheduler
	jobs   []autopilotJob
	logger *slog.Logger
}

// NewAutopilot parses every entry up front. An invalid expression or
// world id fails the whole set.
func NewAutopilot(sched *Scheduler, entries []AutopilotEntry, logger *slog.Logger) (*Autopilot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Autopilot{sched: sched, logger: logger}
	for i, e := range entries {
		s, err := cronParser.Parse(e.Spec)
		if err != nil {
			return nil, fmt.Errorf("autopilot entry %d: parse %q: %w", i, e.Spec, err)
		}
		if e.WorldID <= 0 {
			return nil, fmt.Errorf("autopilot entry %d: %w: world id must be positive", i, ErrInvalid)
		}
		a.jobs = append(a.jobs, autopilotJob{entry: e, schedule: s})
	}
	return a, nil
}

// Entries returns the configured entries.
func (a *Autopilot) Entries() []AutopilotEntry {
	out := make([]AutopilotEntry, len(a.jobs))
	for i, j := range a.jobs {
		out[i] = j.entry
	}
	return out
}

// Next returns the earliest firing strictly after t and the entries due
// at that instant. ok is false when there are no entries.
func (a *Autopilot) Next(t time.Time) (next time.Time, due []AutopilotEntry, ok bool) {
	for _, j := range a.jobs {
		n := j.schedule.Next(t)
		if n.IsZero() {
			continue
		}
		switch {
		case next.IsZero() || n.Before(next):
			next = n
			due = []AutopilotEntry{j.entry}
		case n.Equal(next):
			due = append(due, j.entry)
		}
	}
	return next, due, !next.IsZero()
}

// Fire tries to arm a mission for e. Conflict and NotReady are expected
// outcomes of a recurring schedule and are logged, not returned.
func (a *Autopilot) Fire(e AutopilotEntry) error {
	err := a.sched.Schedule(e.WorldID, nil, e.DurationMinutes)
	switch {
	case err == nil:
		a.logger.Info("autopilot armed mission", "cron", e.Spec, "world_id", e.WorldID)
		return nil
	case errors.Is(err, ErrConflict):
		a.logger.Info("autopilot skipped, mission already in progress", "cron", e.Spec, "world_id", e.WorldID)
		return nil
	case errors.Is(err, ErrNotReady):
		a.logger.Warn("autopilot skipped, system degraded", "cron", e.Spec, "world_id", e.WorldID)
		return nil
	default:
		a.logger.Error("autopilot schedule failed", "cron", e.Spec, "world_id", e.WorldID, "error", err)
		return err
	}
}

// Run sleeps until the next firing, fires every entry due then, and
// repeats until ctx is cancelled. It returns immediately when there
// are no entries.
func (a *Autopilot) Run(ctx context.Context) {
	if len(a.jobs) == 0 {
		return
	}
	a.logger.Info("autopilot started", "entries", len(a.jobs))

	for {
		now := a.sched.config.Clock()
		next, due, ok := a.Next(now)
		if !ok {
			a.logger.Warn("autopilot has no future firings, stopping")
			return
		}
		a.logger.Debug("autopilot waiting", "next", next.Format(time.RFC3339), "due", len(due))

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		for _, e := range due {
			a.Fire(e)
		}
	}
}
