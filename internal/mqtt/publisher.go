package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
)

// TurnSource reports the conversations that currently have a turn
// running. The scheduler satisfies it.
type TurnSource interface {
	Active() []string
}

// broker is the subset of the autopaho connection the publish loop
// needs.
type broker interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection and forwards turn events from
// the bus to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	turns      TurnSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, turns TurnSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		turns:      turns,
		logger:     logger,
	}
}

// Start connects to the MQTT broker and forwards events until ctx is
// cancelled. On every (re-)connect it publishes a birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	// Subscribe before connecting so no turn completes unseen.
	var sub <-chan events.Event
	if p.bus != nil {
		sub = p.bus.Subscribe(64)
		defer p.bus.Unsubscribe(sub)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
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

	p.run(ctx, cm, sub)
	return nil
}

// Stop publishes "offline" and closes the MQTT connection. The
// provided context controls how long to wait.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) clientID() string {
	id := p.cfg.ClientID
	if p.instanceID != "" {
		short := p.instanceID
		if len(short) > 8 {
			short = short[len(short)-8:]
		}
		id += "-" + short
	}
	return id
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) statusTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

func (p *Publisher) turnTopic(conversationID string) string {
	return p.cfg.TopicPrefix + "/turns/" + conversationID
}

func (p *Publisher) publishAvailability(ctx context.Context, b broker, status string) {
	if _, err := b.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Publish loop ---

func (p *Publisher) run(ctx context.Context, b broker, sub <-chan events.Event) {
	interval := p.cfg.StatusInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStatus(ctx, b)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			p.publishEvent(ctx, b, e)
		case <-ticker.C:
			p.publishStatus(ctx, b)
		}
	}
}

// turnMessage builds the publish for a turn_complete event. Other
// events, and events without a conversation, yield nil.
func (p *Publisher) turnMessage(e events.Event) (*paho.Publish, error) {
	if e.Kind != events.KindTurnComplete {
		return nil, nil
	}
	conv, _ := e.Data["conversation_id"].(string)
	if conv == "" {
		return nil, nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal turn event: %w", err)
	}
	return &paho.Publish{
		Topic:   p.turnTopic(conv),
		Payload: payload,
		QoS:     0,
	}, nil
}

func (p *Publisher) publishEvent(ctx context.Context, b broker, e events.Event) {
	msg, err := p.turnMessage(e)
	if err != nil {
		p.logger.Error("mqtt turn event dropped", "error", err)
		return
	}
	if msg == nil {
		return
	}
	if _, err := b.Publish(ctx, msg); err != nil {
		p.logger.Debug("mqtt turn publish failed", "topic", msg.Topic, "error", err)
		return
	}
	p.logger.Debug("mqtt turn published", "topic", msg.Topic)
}

// Status is the retained document on the status topic.
type Status struct {
	InstanceID    string   `json:"instance_id"`
	Version       string   `json:"version"`
	Uptime        string   `json:"uptime"`
	ActiveTurns   int      `json:"active_turns"`
	Conversations []string `json:"conversations"`
}

func (p *Publisher) status() Status {
	active := []string{}
	if p.turns != nil {
		active = append(active, p.turns.Active()...)
	}
	return Status{
		InstanceID:    p.instanceID,
		Version:       buildinfo.Version,
		Uptime:        buildinfo.Uptime().String(),
		ActiveTurns:   len(active),
		Conversations: active,
	}
}

func (p *Publisher) publishStatus(ctx context.Context, b broker) {
	payload, err := json.Marshal(p.status())
	if err != nil {
		p.logger.Error("mqtt marshal status", "error", err)
		return
	}
	if _, err := b.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt status publish failed", "error", err)
	}
}
