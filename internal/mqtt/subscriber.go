package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/nugget/playertxt/internal/events"
)

const (
	// broadcastRateLimit caps inbound broadcasts per minute.
	broadcastRateLimit = 30

	// maxBroadcastLen bounds a single broadcast message in bytes.
	maxBroadcastLen = 500
)

// broadcastRelay turns broker messages on the broadcast topic into
// comms events. The payload is either plain text or a JSON object
// {"source": "...", "message": "..."}.
type broadcastRelay struct {
	bus     *events.Bus
	limiter *messageRateLimiter
	logger  *slog.Logger
}

func newBroadcastRelay(bus *events.Bus, logger *slog.Logger, limit int64, interval time.Duration) *broadcastRelay {
	return &broadcastRelay{
		bus:     bus,
		limiter: newMessageRateLimiter(limit, interval, logger),
		logger:  logger,
	}
}

// parseBroadcast extracts the sender and text from a payload. ok is
// false for empty or oversized messages.
func parseBroadcast(payload []byte) (source, message string, ok bool) {
	if len(payload) == 0 || len(payload) > maxBroadcastLen || !utf8.Valid(payload) {
		return "", "", false
	}

	var msg struct {
		Source  string `json:"source"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &msg); err == nil && msg.Message != "" {
		source, message = msg.Source, msg.Message
	} else {
		message = string(payload)
	}

	message = strings.TrimSpace(message)
	if source = strings.TrimSpace(source); source == "" {
		source = "Mission Control"
	}
	return source, message, message != ""
}

func (r *broadcastRelay) handle(payload []byte) {
	if !r.limiter.allow() {
		return
	}
	source, message, ok := parseBroadcast(payload)
	if !ok {
		r.logger.Debug("mqtt broadcast ignored", "payload_size", len(payload))
		return
	}
	r.bus.Publish(events.Event{
		Source:  events.SourceSystem,
		Kind:    events.KindBroadcast,
		Message: message,
		Data:    map[string]any{"sender": source},
	})
	r.logger.Info("mqtt broadcast relayed", "sender", source, "len", len(message))
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled,
// warning when messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			if dropped := r.dropped.Swap(0); dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow counts a message and reports whether it is within the limit.
func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
