package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/playertxt/internal/config"
	"github.com/nugget/playertxt/internal/events"
	"github.com/nugget/playertxt/internal/mission"
	"github.com/nugget/playertxt/internal/preflight"
)

// MissionSource supplies the mission snapshot.
type MissionSource interface {
	Status() mission.Session
}

// HealthSource supplies the health snapshot.
type HealthSource interface {
	Status() preflight.Status
}

// Publisher manages the MQTT connection, pushes mission state on a
// fixed interval and forwards lifecycle events as they happen.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	mission    MissionSource
	health     HealthSource
	bus        *events.Bus
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. health and bus may be nil.
func New(cfg config.MQTTConfig, instanceID string, ms MissionSource, hs HealthSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		mission:    ms,
		health:     hs,
		bus:        bus,
		logger:     logger,
	}
}

// Start connects to the MQTT broker and publishes until ctx is
// cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	relay := newBroadcastRelay(p.bus, p.logger, broadcastRateLimit, time.Minute)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.topic("availability"),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			p.subscribe(ctx, cm)
			p.publishStates(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID(p.instanceID),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if pr.Packet.Topic != p.topic("broadcast") {
						return false, nil
					}
					relay.handle(pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go relay.limiter.start(ctx)
	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" availability and disconnects. ctx bounds
// how long to wait.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) topic(suffix string) string {
	return p.cfg.TopicPrefix + "/" + suffix
}

func (p *Publisher) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := p.topic("broadcast")
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Debug("mqtt subscribed", "topic", topic)
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.topic("availability"),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(p.cfg.PublishIntervalSec) * time.Second)
	defer ticker.Stop()

	var evCh <-chan events.Event
	if p.bus != nil {
		ch := p.bus.Subscribe(32)
		defer p.bus.Unsubscribe(ch)
		evCh = ch
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx, p.cm)
		case e, ok := <-evCh:
			if !ok {
				evCh = nil
				continue
			}
			if e.Source != events.SourceMission {
				continue
			}
			p.publishEvent(ctx, e)
			// Push the new state now rather than on the next tick.
			p.publishStates(ctx, p.cm)
		}
	}
}

// statePayloads renders the retained state topics.
func statePayloads(ms MissionSource, hs HealthSource) (map[string][]byte, error) {
	out := make(map[string][]byte, 5)
	if ms != nil {
		s := ms.Status()
		snap, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("marshal mission state: %w", err)
		}
		out["mission/state"] = snap
		out["mission/status"] = []byte(s.Status)
		out["mission/remaining"] = []byte(strconv.FormatInt(s.RemainingSeconds, 10))
	}
	if hs != nil {
		out["health/mode"] = []byte(hs.Status().Mode)
	}
	return out, nil
}

func (p *Publisher) publishStates(ctx context.Context, cm *autopaho.ConnectionManager) {
	if cm == nil {
		return
	}
	states, err := statePayloads(p.mission, p.health)
	if err != nil {
		p.logger.Error("mqtt state render failed", "error", err)
		return
	}
	for suffix, payload := range states {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.topic(suffix),
			Payload: payload,
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "topic", suffix, "error", err)
		}
	}
	p.logger.Log(ctx, config.LevelTrace, "mqtt states published", "topics", len(states))
}

func (p *Publisher) publishEvent(ctx context.Context, e events.Event) {
	if p.cm == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.topic("events"),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		p.logger.Warn("mqtt event publish failed", "kind", e.Kind, "error", err)
	}
}
