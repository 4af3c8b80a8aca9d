// Package mission runs the single in-flight mission: it arms a mission
// on request, activates it at its start time, counts down and completes
// it at its end time or on an operator abort.
//
// Status is held in an atomic word so an abort can win any race with a
// concurrent tick through one compare-and-set. The remaining fields are
// guarded by a mutex and only ever leave the package as value
// snapshots.
//
// The session record in storage is eventually consistent with the
// in-memory status: open and close failures are logged and retried on
// later ticks, while gameplay treats the in-memory status as
// authoritative.
package mission

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/playertxt/internal/events"
)

// Defaults applied to zero Config fields.
const (
	DefaultTickInterval  = time.Second
	DefaultDuration      = 30 * time.Minute
	DefaultRecordTimeout = 10 * time.Second
)

// Config configures a Scheduler.
type Config struct {
	// TickInterval is the period of the lifecycle loop (default 1s).
	TickInterval time.Duration

	// DefaultDuration applies when Schedule is given zero minutes
	// (default 30m).
	DefaultDuration time.Duration

	// RecordTimeout bounds each session record call (default 10s).
	RecordTimeout time.Duration

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Bus receives lifecycle events. Optional.
	Bus *events.Bus

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Scheduler owns the mission state machine.
type Scheduler struct {
	recorder SessionRecorder
	gate     HealthGate
	config   Config
	logger   *slog.Logger

	state atomic.Int32

	mu           sync.Mutex
	worldID      int64
	start        time.Time
	end          time.Time
	remaining    int64
	recordID     *int64
	gen          uint64  // bumped by every Schedule
	openPending  bool    // RUNNING without a session record yet
	closePending []int64 // records whose close has not succeeded

	// recMu serialises session record I/O so a tick and an abort never
	// race on the same record.
	recMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an IDLE scheduler. A nil gate treats the system as
// always ready.
func New(recorder SessionRecorder, gate HealthGate, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = DefaultDuration
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = DefaultRecordTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		recorder: recorder,
		gate:     gate,
		config:   cfg,
		logger:   cfg.Logger,
		done:     make(chan struct{}),
	}
}

func (s *Scheduler) current() state {
	return state(s.state.Load())
}

// Schedule arms a mission for worldID. A nil start means now; zero
// minutes means the default duration. It returns immediately; the
// mission activates on a later tick.
//
// It fails with ErrConflict while a mission is WAITING or RUNNING, with
// ErrNotReady when the last health snapshot is not ONLINE and with
// ErrInvalid for a non-positive world or negative duration.
func (s *Scheduler) Schedule(worldID int64, start *time.Time, durationMinutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current()
	if cur == stateWaiting || cur == stateRunning {
		return ErrConflict
	}
	if s.gate != nil && !s.gate.Ready() {
		return ErrNotReady
	}
	if worldID <= 0 {
		return fmt.Errorf("%w: world id must be positive", ErrInvalid)
	}
	if durationMinutes < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrInvalid)
	}

	d := time.Duration(durationMinutes) * time.Minute
	if d == 0 {
		d = s.config.DefaultDuration
	}
	now := s.config.Clock()
	begin := now
	if start != nil && !start.IsZero() {
		begin = *start
	}

	s.worldID = worldID
	s.start = begin
	s.end = begin.Add(d)
	s.recordID = nil
	s.openPending = false
	s.gen++
	s.remaining = secondsUntil(begin, now)

	// Only Schedule leaves IDLE or COMPLETED, and it holds mu.
	if !s.state.CompareAndSwap(int32(cur), int32(stateWaiting)) {
		return ErrConflict
	}

	s.logger.Info("mission scheduled",
		"world_id", worldID,
		"start", begin.Format(time.RFC3339),
		"end", s.end.Format(time.RFC3339),
		"duration", d,
	)
	s.config.Bus.Publish(events.Event{
		Source:  events.SourceMission,
		Kind:    events.KindScheduled,
		Message: fmt.Sprintf("Mission scheduled: world %d at %s", worldID, begin.Format("15:04:05")),
		Data: map[string]any{
			"world_id": worldID,
			"start":    begin,
			"end":      s.end,
		},
	})
	return nil
}

// Abort forces an armed or running mission to COMPLETED. The status
// change is a single compare-and-set and is visible before Abort
// returns. An opened session record is then closed; a close failure is
// logged and retried by later ticks, not returned.
//
// The swap and the bookkeeping that follows happen under mu, so a
// concurrent Schedule cannot re-arm the mission before its record is
// queued for close.
func (s *Scheduler) Abort(ctx context.Context) error {
	s.mu.Lock()
	for {
		cur := s.current()
		if cur != stateWaiting && cur != stateRunning {
			s.mu.Unlock()
			return ErrNothingToAbort
		}
		if s.state.CompareAndSwap(int32(cur), int32(stateCompleted)) {
			break
		}
	}

	s.remaining = 0
	s.openPending = false
	if s.recordID != nil {
		s.closePending = append(s.closePending, *s.recordID)
	}
	worldID, recordID := s.worldID, s.recordID
	s.mu.Unlock()

	s.logger.Warn("mission aborted", "world_id", worldID, "session_record_id", ptrValue(recordID))
	s.config.Bus.Publish(events.Event{
		Source:  events.SourceMission,
		Kind:    events.KindAborted,
		Level:   events.LevelWarn,
		Message: "Mission aborted by operator",
		Data: map[string]any{
			"world_id":          worldID,
			"session_record_id": ptrValue(recordID),
		},
	})

	s.flushRecords(ctx)
	return nil
}

// Tick advances the lifecycle against the current clock: WAITING
// becomes RUNNING once the start time is reached and RUNNING becomes
// COMPLETED once the end time is reached. Pending session record work
// is attempted afterwards.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.config.Clock()

	var fired *events.Event
	s.mu.Lock()
	switch s.current() {
	case stateWaiting:
		if !now.Before(s.start) && s.state.CompareAndSwap(int32(stateWaiting), int32(stateRunning)) {
			s.openPending = true
			fired = &events.Event{
				Source:  events.SourceMission,
				Kind:    events.KindActivated,
				Message: "Mission is live",
				Data:    map[string]any{"world_id": s.worldID},
			}
		}
	case stateRunning:
		if !now.Before(s.end) && s.state.CompareAndSwap(int32(stateRunning), int32(stateCompleted)) {
			s.openPending = false
			if s.recordID != nil {
				s.closePending = append(s.closePending, *s.recordID)
			}
			fired = &events.Event{
				Source:  events.SourceMission,
				Kind:    events.KindCompleted,
				Message: "Mission complete",
				Data: map[string]any{
					"world_id":          s.worldID,
					"session_record_id": ptrValue(s.recordID),
				},
			}
		}
	}
	s.remaining = s.remainingAt(now)
	s.mu.Unlock()

	if fired != nil {
		s.logger.Info("mission "+fired.Kind, "world_id", fired.Data["world_id"])
		s.config.Bus.Publish(*fired)
	}

	s.flushRecords(ctx)
}

// remainingAt is the countdown for the current state. Caller holds mu.
func (s *Scheduler) remainingAt(now time.Time) int64 {
	switch s.current() {
	case stateWaiting:
		return secondsUntil(s.start, now)
	case stateRunning:
		return secondsUntil(s.end, now)
	}
	return 0
}

// flushRecords opens the running mission's session record if it still
// needs one and closes every record awaiting close. Failures stay
// pending for the next call.
func (s *Scheduler) flushRecords(ctx context.Context) {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	s.mu.Lock()
	open := s.openPending && s.current() == stateRunning
	gen, worldID := s.gen, s.worldID
	pending := slices.Clone(s.closePending)
	s.mu.Unlock()

	if open {
		if id, ok := s.openRecord(ctx, worldID); ok {
			s.mu.Lock()
			if gen == s.gen {
				s.recordID = &id
				s.openPending = false
			}
			// Aborted or replaced while the open was in flight.
			if gen != s.gen || s.current() != stateRunning {
				s.closePending = append(s.closePending, id)
				pending = append(pending, id)
			}
			s.mu.Unlock()
		}
	}

	for _, id := range pending {
		if !s.closeRecord(ctx, id) {
			continue
		}
		s.mu.Lock()
		s.closePending = slices.DeleteFunc(s.closePending, func(v int64) bool { return v == id })
		s.mu.Unlock()
	}
}

func (s *Scheduler) openRecord(ctx context.Context, worldID int64) (int64, bool) {
	rctx, cancel := context.WithTimeout(ctx, s.config.RecordTimeout)
	defer cancel()

	id, err := s.recorder.OpenSession(rctx, worldID)
	if err != nil {
		s.recordFailed("open", err)
		return 0, false
	}
	s.logger.Info("session record opened", "world_id", worldID, "session_record_id", id)
	return id, true
}

func (s *Scheduler) closeRecord(ctx context.Context, id int64) bool {
	rctx, cancel := context.WithTimeout(ctx, s.config.RecordTimeout)
	defer cancel()

	if err := s.recorder.CloseSession(rctx, id); err != nil {
		s.recordFailed("close", err, "session_record_id", id)
		return false
	}
	s.logger.Info("session record closed", "session_record_id", id)
	return true
}

func (s *Scheduler) recordFailed(op string, err error, attrs ...any) {
	s.logger.Warn("session record "+op+" failed, will retry",
		append([]any{"error", err}, attrs...)...)
	s.config.Bus.Publish(events.Event{
		Source:  events.SourceMission,
		Kind:    events.KindRecordFailed,
		Level:   events.LevelError,
		Message: fmt.Sprintf("Session record %s failed: %v", op, err),
		Data:    map[string]any{"op": op, "error": err.Error()},
	})
}

// Status returns a snapshot of the mission.
func (s *Scheduler) Status() Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Session{
		Status:           s.current().Status(),
		WorldID:          s.worldID,
		ScheduledStart:   s.start,
		ScheduledEnd:     s.end,
		RemainingSeconds: s.remaining,
	}
	if s.recordID != nil {
		id := *s.recordID
		snap.SessionRecordID = &id
	}
	return snap
}

// PendingCloses returns how many session records still await a
// successful close.
func (s *Scheduler) PendingCloses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.closePending)
}

// Run ticks every TickInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Start runs the tick loop in a background goroutine until ctx is
// cancelled or Stop is called. Start must be called at most once.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		defer close(s.done)
		s.Run(runCtx)
	}()
}

// Wait blocks until the tick loop exits.
func (s *Scheduler) Wait() {
	<-s.done
}

// Stop cancels the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("mission scheduler stopped")
}

// secondsUntil is floor(target-now) in seconds, never negative.
func secondsUntil(target, now time.Time) int64 {
	d := target.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}

func ptrValue(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
