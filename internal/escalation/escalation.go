// Package escalation decides which provider role answers a free-form
// player command. Most commands stay on the fast workhorse tier; the
// policy escalates the ones that need the director.
package escalation

import (
	"context"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/playertxt/internal/provider"
)

// Command is what a policy sees of a player action.
type Command struct {
	PlayerID int64
	Text     string
	RoomName string
}

// Decision records why a role was selected.
type Decision struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	PlayerID  int64     `json:"player_id"`

	QueryLength  int      `json:"query_length"`
	RulesMatched []string `json:"rules_matched,omitempty"`

	Role      provider.Role `json:"role"`
	Reasoning string        `json:"reasoning"`

	// Filled in by RecordOutcome.
	LatencyMs int64 `json:"latency_ms,omitempty"`
	Success   *bool `json:"success,omitempty"`
}

// Policy picks the role for a command.
type Policy interface {
	Route(ctx context.Context, cmd Command) Decision
}

// Recorder is implemented by policies that want to learn how a routed
// call went.
type Recorder interface {
	RecordOutcome(id string, latency time.Duration, success bool)
}

// Config configures a RulePolicy.
type Config struct {
	// Keywords escalate a command to the director when any appears in
	// it, case-insensitively. Empty means never escalate.
	Keywords []string

	// MaxAuditLog is how many decisions to keep in memory (default 1000).
	MaxAuditLog int
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	RoleCounts    map[string]int64 `json:"role_counts"`
	KeywordCounts map[string]int64 `json:"keyword_counts"`
	Failures      int64            `json:"failures"`
	AvgLatencyMs  map[string]int64 `json:"avg_latency_ms"`
}

// RulePolicy escalates on configured keywords and keeps a bounded
// audit log of its decisions.
type RulePolicy struct {
	logger   *slog.Logger
	config   Config
	keywords []string

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// NewRulePolicy creates a keyword policy.
func NewRulePolicy(logger *slog.Logger, config Config) *RulePolicy {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	var kws []string
	for _, k := range config.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kws = append(kws, k)
		}
	}
	return &RulePolicy{
		logger:   logger,
		config:   config,
		keywords: kws,
		auditLog: make([]Decision, 0, min(config.MaxAuditLog, 64)),
		stats: Stats{
			RoleCounts:    make(map[string]int64),
			KeywordCounts: make(map[string]int64),
			AvgLatencyMs:  make(map[string]int64),
		},
	}
}

// Route selects the role for cmd.
func (p *RulePolicy) Route(ctx context.Context, cmd Command) Decision {
	d := Decision{
		ID:          newDecisionID(),
		Timestamp:   time.Now(),
		PlayerID:    cmd.PlayerID,
		QueryLength: len(cmd.Text),
		Role:        provider.RoleWorkhorse,
	}

	text := strings.ToLower(cmd.Text)
	for _, k := range p.keywords {
		if strings.Contains(text, k) {
			d.RulesMatched = append(d.RulesMatched, "keyword_"+k)
		}
	}

	if len(d.RulesMatched) > 0 {
		d.Role = provider.RoleDirector
		d.Reasoning = "Escalated to director: matched " + strings.Join(d.RulesMatched, ", ") + "."
	} else {
		d.Reasoning = "No escalation rule matched; workhorse."
	}

	p.record(d)

	p.logger.Debug("command routed",
		"decision_id", d.ID,
		"player_id", cmd.PlayerID,
		"role", d.Role,
		"reasoning", d.Reasoning,
	)
	return d
}

// RecordOutcome updates a decision with the result of the provider
// call it routed.
func (p *RulePolicy) RecordOutcome(id string, latency time.Duration, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := len(p.auditLog) - 1; i >= 0; i-- {
		if p.auditLog[i].ID != id {
			continue
		}
		ms := latency.Milliseconds()
		p.auditLog[i].LatencyMs = ms
		p.auditLog[i].Success = &success

		role := string(p.auditLog[i].Role)
		if prev, ok := p.stats.AvgLatencyMs[role]; ok {
			p.stats.AvgLatencyMs[role] = (prev + ms) / 2
		} else {
			p.stats.AvgLatencyMs[role] = ms
		}
		if !success {
			p.stats.Failures++
		}
		return
	}
}

func (p *RulePolicy) record(d Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.auditLog) >= p.config.MaxAuditLog {
		p.auditLog = p.auditLog[1:]
	}
	p.auditLog = append(p.auditLog, d)

	p.stats.TotalRequests++
	p.stats.RoleCounts[string(d.Role)]++
	for _, r := range d.RulesMatched {
		p.stats.KeywordCounts[strings.TrimPrefix(r, "keyword_")]++
	}
}

// AuditLog returns up to limit of the most recent decisions, oldest
// first. A non-positive limit returns them all.
func (p *RulePolicy) AuditLog(limit int) []Decision {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if limit <= 0 || limit > len(p.auditLog) {
		limit = len(p.auditLog)
	}
	start := len(p.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, p.auditLog[start:])
	return result
}

// Stats returns a copy of the routing statistics.
func (p *RulePolicy) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := p.stats
	s.RoleCounts = maps.Clone(p.stats.RoleCounts)
	s.KeywordCounts = maps.Clone(p.stats.KeywordCounts)
	s.AvgLatencyMs = maps.Clone(p.stats.AvgLatencyMs)
	return s
}

// Explain returns the decision with the given id, or nil if it has
// aged out of the audit log.
func (p *RulePolicy) Explain(id string) *Decision {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for i := len(p.auditLog) - 1; i >= 0; i-- {
		if p.auditLog[i].ID == id {
			d := p.auditLog[i]
			return &d
		}
	}
	return nil
}

func newDecisionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Fixed always answers with one role. It is used when escalation is
// disabled entirely.
type Fixed provider.Role

// Route implements Policy.
func (f Fixed) Route(ctx context.Context, cmd Command) Decision {
	return Decision{
		ID:          newDecisionID(),
		Timestamp:   time.Now(),
		PlayerID:    cmd.PlayerID,
		QueryLength: len(cmd.Text),
		Role:        provider.Role(f),
		Reasoning:   "Fixed role.",
	}
}
