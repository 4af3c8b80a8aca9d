package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nugget/playertxt/internal/httpkit"
)

const (
	// DefaultTimeout bounds a call whose context carries no deadline.
	DefaultTimeout = 20 * time.Second

	defaultRetryDelay = 500 * time.Millisecond

	// VerifyPrompt and VerifySystem form the canary request.
	VerifyPrompt = `Say "Verified"`
	VerifySystem = "System Check"
)

// Call outcomes reported to an Observer.
const (
	OutcomeOK         = "ok"
	OutcomeUnroutable = "unroutable"
	OutcomeError      = "error"
)

// Observer is told about every routed call. It must not block.
type Observer func(role Role, kind Kind, outcome string, elapsed time.Duration)

// Router resolves roles to targets and dispatches calls to the matching
// adapter.
type Router struct {
	targets  atomic.Pointer[Targets]
	adapters map[Kind]Adapter
	timeout  time.Duration
	observe  Observer
	logger   *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithAdapter registers a for kind, replacing any default.
func WithAdapter(kind Kind, a Adapter) Option {
	return func(r *Router) { r.adapters[kind] = a }
}

// WithObserver installs a call observer, typically a metrics hook.
func WithObserver(o Observer) Option {
	return func(r *Router) { r.observe = o }
}

// NewRouter creates a router serving t. The three built-in adapters
// share one HTTP client unless overridden with WithAdapter.
func NewRouter(t Targets, opts ...Option) *Router {
	r := &Router{
		adapters: make(map[Kind]Adapter),
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.registerDefaults(httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithRetry(2, defaultRetryDelay),
		httpkit.WithLogger(r.logger),
	))
	r.targets.Store(&t)
	return r
}

// registerDefaults fills any kind not supplied by an option.
func (r *Router) registerDefaults(client *http.Client) {
	if _, ok := r.adapters[KindGemini]; !ok {
		r.adapters[KindGemini] = NewGemini(client, r.logger)
	}
	if _, ok := r.adapters[KindOpenRouter]; !ok {
		r.adapters[KindOpenRouter] = NewOpenRouter(client, r.logger)
	}
	if _, ok := r.adapters[KindOllama]; !ok {
		r.adapters[KindOllama] = NewOllama(client, r.logger)
	}
}

// Targets returns the current role targets.
func (r *Router) Targets() Targets {
	return *r.targets.Load()
}

// SetTargets replaces every role target at once. In-flight calls finish
// against the targets they started with.
func (r *Router) SetTargets(t Targets) {
	r.targets.Store(&t)
	r.logger.Info("provider targets updated",
		"workhorse", t.Workhorse.Kind,
		"workhorse_model", t.Workhorse.Model,
		"director", t.Director.Kind,
		"director_model", t.Director.Model,
	)
}

// Generate sends prompt under the system instruction to role's backend.
//
// A target missing a required credential fails with ErrUnroutable
// before any network I/O. A target naming a backend with no adapter
// fails with ErrUnknownProvider. Backend failures are returned as
// *Failure.
func (r *Router) Generate(ctx context.Context, role Role, prompt, system string) (string, error) {
	target, ok := r.Targets().For(role)
	if !ok {
		return "", fmt.Errorf("%q: %w", role, ErrUnknownRole)
	}

	adapter, ok := r.adapters[target.Kind]
	if !ok {
		r.report(role, target.Kind, OutcomeUnroutable, 0)
		return "", fmt.Errorf("%q: %w", target.Kind, ErrUnknownProvider)
	}
	if err := target.check(); err != nil {
		r.report(role, target.Kind, OutcomeUnroutable, 0)
		return "", err
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	text, err := adapter.Generate(ctx, target, prompt, system)
	elapsed := time.Since(start)
	if err != nil {
		r.report(role, target.Kind, OutcomeError, elapsed)
		r.logger.Warn("generation failed",
			"role", role,
			"provider", target.Kind,
			"model", target.Model,
			"elapsed", elapsed.Round(time.Millisecond),
			"error", err,
		)
		return "", &Failure{Provider: target.Kind, Role: role, Cause: err}
	}

	r.report(role, target.Kind, OutcomeOK, elapsed)
	r.logger.Debug("generation complete",
		"role", role,
		"provider", target.Kind,
		"model", target.Model,
		"elapsed", elapsed.Round(time.Millisecond),
		"response_len", len(text),
	)
	return text, nil
}

// VerifyResult is the outcome of a canary call.
type VerifyResult struct {
	Role     Role   `json:"role"`
	Provider Kind   `json:"provider"`
	OK       bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`

	// Cause is the underlying error when OK is false.
	Cause error `json:"-"`
}

// Verify sends the canary prompt to role's backend. It never returns an
// error; failures are reported in the result.
func (r *Router) Verify(ctx context.Context, role Role) VerifyResult {
	target, _ := r.Targets().For(role)
	res := VerifyResult{Role: role, Provider: target.Kind}

	text, err := r.Generate(ctx, role, VerifyPrompt, VerifySystem)
	if err != nil {
		res.Error = err.Error()
		res.Cause = err
		return res
	}
	res.OK = true
	res.Message = text
	return res
}

// ListModels queries kind's catalogue with the given credential and
// endpoint, independent of the configured targets.
func (r *Router) ListModels(ctx context.Context, kind Kind, credential, endpoint string) ([]string, error) {
	adapter, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%q: %w", kind, ErrUnknownProvider)
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	models, err := adapter.ListModels(ctx, credential, endpoint)
	if err != nil {
		if errors.Is(err, ErrUnroutable) {
			return nil, err
		}
		return nil, &Failure{Provider: kind, Cause: fmt.Errorf("list models: %w", err)}
	}
	return models, nil
}

// Embed returns a vector for text from the director's backend. Only
// gemini supports embeddings; any other director yields nil, nil so
// callers can degrade to non-semantic behaviour.
func (r *Router) Embed(ctx context.Context, text string) ([]float32, error) {
	target := r.Targets().Director
	if target.Kind != KindGemini {
		return nil, nil
	}
	if err := target.check(); err != nil {
		return nil, err
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	vec, err := r.adapters[KindGemini].Embed(ctx, target, text)
	if errors.Is(err, ErrEmbedUnsupported) {
		return nil, nil
	}
	if err != nil {
		return nil, &Failure{Provider: target.Kind, Role: RoleDirector, Cause: fmt.Errorf("embed: %w", err)}
	}
	return vec, nil
}

func (r *Router) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Router) report(role Role, kind Kind, outcome string, elapsed time.Duration) {
	if r.observe != nil {
		r.observe(role, kind, outcome, elapsed)
	}
}
