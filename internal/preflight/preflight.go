// Package preflight samples the health of storage and of each provider
// role on a fixed period and publishes a single derived system mode.
//
// The monitor is the only writer of the health snapshot. Readers see
// whole snapshots swapped atomically, never a half-written update.
// Scheduling consults the latest snapshot but never triggers a probe,
// so arming a mission never waits on a network call.
package preflight

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/playertxt/internal/events"
	"github.com/nugget/playertxt/internal/provider"
)

// Mode is the derived system mode.
type Mode string

const (
	ModeOnline   Mode = "ONLINE"
	ModeDegraded Mode = "DEGRADED"
)

// Defaults applied to zero Config fields.
const (
	DefaultInterval     = 30 * time.Second
	DefaultProbeTimeout = 15 * time.Second
)

// StorageProber is the trivial round-trip used to test storage.
type StorageProber interface {
	Ping(ctx context.Context) error
}

// Verifier issues a canary request for a role. Verify must not panic
// and reports failures in its result.
type Verifier interface {
	Verify(ctx context.Context, role provider.Role) provider.VerifyResult
}

// Status is one health snapshot.
type Status struct {
	StorageUp     bool                     `json:"storageUp"`
	StorageError  string                   `json:"storageError,omitempty"`
	RoleUp        map[provider.Role]bool   `json:"roleUp"`
	RoleError     map[provider.Role]string `json:"roleError,omitempty"`
	LastCheckedAt time.Time                `json:"lastCheckedAt"`
	Mode          Mode                     `json:"mode"`
}

// Online reports whether s permits arming a mission.
func (s Status) Online() bool { return s.Mode == ModeOnline }

// derive computes the mode: ONLINE iff storage and the workhorse are up.
// The director is reported but does not gate the mode.
func derive(storageUp bool, roleUp map[provider.Role]bool) Mode {
	if storageUp && roleUp[provider.RoleWorkhorse] {
		return ModeOnline
	}
	return ModeDegraded
}

// Config configures a Monitor.
type Config struct {
	// Interval between probe cycles (default 30s).
	Interval time.Duration

	// ProbeTimeout bounds each individual probe (default 15s).
	ProbeTimeout time.Duration

	// Bus receives a mode_changed event on every mode transition. Optional.
	Bus *events.Bus

	// OnCycle is called with every new snapshot, from the monitor's
	// goroutine. Must not block. Optional.
	OnCycle func(Status)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Monitor owns the health snapshot.
type Monitor struct {
	storage  StorageProber
	verifier Verifier
	config   Config
	logger   *slog.Logger

	status atomic.Pointer[Status]

	// cycleMu serialises RunOnce so mode transitions are compared
	// against the snapshot this cycle replaces.
	cycleMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. The initial snapshot is DEGRADED with no
// probe results until the first cycle completes.
func New(storage StorageProber, verifier Verifier, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Monitor{
		storage:  storage,
		verifier: verifier,
		config:   cfg,
		logger:   cfg.Logger,
		done:     make(chan struct{}),
	}
	m.status.Store(&Status{
		RoleUp: map[provider.Role]bool{},
		Mode:   ModeDegraded,
	})
	return m
}

// Status returns the latest snapshot. The returned maps are owned by
// the snapshot; callers must not modify them.
func (m *Monitor) Status() Status {
	return *m.status.Load()
}

// Mode returns the latest derived mode.
func (m *Monitor) Mode() Mode {
	return m.status.Load().Mode
}

// Ready reports whether the latest snapshot is ONLINE.
func (m *Monitor) Ready() bool {
	return m.Mode() == ModeOnline
}

// RunOnce probes storage and every role concurrently, installs the new
// snapshot and returns it. A mode change is logged and published; a
// repeated mode is not.
func (m *Monitor) RunOnce(ctx context.Context) Status {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	next := Status{
		RoleUp:    make(map[provider.Role]bool, len(provider.Roles)),
		RoleError: make(map[provider.Role]string),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := m.probeStorage(ctx)
		mu.Lock()
		defer mu.Unlock()
		next.StorageUp = err == nil
		if err != nil {
			next.StorageError = err.Error()
		}
	}()

	for _, role := range provider.Roles {
		wg.Add(1)
		go func(role provider.Role) {
			defer wg.Done()
			res := m.verify(ctx, role)
			mu.Lock()
			defer mu.Unlock()
			next.RoleUp[role] = res.OK
			if !res.OK {
				next.RoleError[role] = res.Error
			}
		}(role)
	}
	wg.Wait()

	next.LastCheckedAt = time.Now()
	next.Mode = derive(next.StorageUp, next.RoleUp)

	prev := m.status.Swap(&next)
	m.logger.Debug("preflight cycle complete",
		"mode", next.Mode,
		"storage", next.StorageUp,
		"workhorse", next.RoleUp[provider.RoleWorkhorse],
		"director", next.RoleUp[provider.RoleDirector],
	)

	if prev.Mode != next.Mode {
		m.announce(prev.Mode, next)
	}
	if m.config.OnCycle != nil {
		m.config.OnCycle(next)
	}
	return next
}

func (m *Monitor) announce(from Mode, s Status) {
	attrs := []any{
		"from", from,
		"to", s.Mode,
		"storage", s.StorageUp,
		"workhorse", s.RoleUp[provider.RoleWorkhorse],
		"director", s.RoleUp[provider.RoleDirector],
	}
	level := events.LevelInfo
	msg := "System mode is now " + string(s.Mode)
	if s.Mode == ModeOnline {
		m.logger.Info("system mode changed", attrs...)
	} else {
		level = events.LevelWarn
		if s.StorageError != "" {
			attrs = append(attrs, "storage_error", s.StorageError)
		}
		if e := s.RoleError[provider.RoleWorkhorse]; e != "" {
			attrs = append(attrs, "workhorse_error", e)
		}
		m.logger.Warn("system mode changed", attrs...)
	}

	m.config.Bus.Publish(events.Event{
		Source:  events.SourcePreflight,
		Kind:    events.KindModeChanged,
		Level:   level,
		Message: msg,
		Data: map[string]any{
			"from":      string(from),
			"to":        string(s.Mode),
			"storage":   s.StorageUp,
			"workhorse": s.RoleUp[provider.RoleWorkhorse],
			"director":  s.RoleUp[provider.RoleDirector],
		},
	})
}

// probeStorage calls Ping with the probe timeout.
func (m *Monitor) probeStorage(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()
	return m.storage.Ping(probeCtx)
}

// verify calls Verify with the probe timeout.
func (m *Monitor) verify(ctx context.Context, role provider.Role) provider.VerifyResult {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()
	return m.verifier.Verify(probeCtx, role)
}

// Run probes immediately and then every Interval until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.RunOnce(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// Start runs the monitor in a background goroutine until ctx is
// cancelled or Stop is called. Start must be called at most once.
func (m *Monitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go func() {
		defer close(m.done)
		m.Run(runCtx)
	}()
}

// Wait blocks until the monitor goroutine exits.
func (m *Monitor) Wait() {
	<-m.done
}

// Stop cancels the monitor and waits for its goroutine to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}
