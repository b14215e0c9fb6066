// Package mqttbus implements bus.Bus on top of an MQTT broker using
// github.com/eclipse/paho.golang's autopaho connection manager — the
// same transport and connection-management pattern the teacher's
// internal/mqtt package uses for Home Assistant discovery. Channels
// map to MQTT topics 1:1; QoS defaults to at-most-once, matching
// spec.md's non-goals around guaranteed delivery.
package mqttbus

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/kosmosisdire/lcmware-go/bus"
)

// Config holds the settings needed to dial a broker.
type Config struct {
	// Broker is the broker URL, e.g. "tcp://localhost:1883" or
	// "mqtts://broker.example.com:8883".
	Broker string
	// ClientID identifies this connection to the broker. Auto-derived
	// if empty.
	ClientID string
	// Username/Password are optional broker credentials.
	Username string
	Password string
	// QoS is applied to every Publish/Subscribe call made through this
	// Bus. Defaults to 0 (at-most-once) when unset.
	QoS byte
	// ConnectTimeout bounds how long New waits for the initial
	// connection before returning control to the caller (the
	// connection continues retrying in the background regardless).
	ConnectTimeout time.Duration
}

// Bus is an MQTT-backed bus.Bus. It does not implement bus.Drainer:
// autopaho delivers messages asynchronously via its own connection
// goroutine, so runtime.Runtime's dispatch loop degrades to an idle
// wait for this transport rather than an active poll.
type Bus struct {
	cfg    Config
	logger *slog.Logger
	cm     *autopaho.ConnectionManager

	mu       sync.Mutex
	nextID   uint64
	subs     map[uint64]topicHandler
	byTopic  map[string]map[uint64]struct{}
	wireSubs map[string]int // topic -> reference count of wire-level MQTT subscriptions
}

type topicHandler struct {
	topic   string
	handler bus.Handler
}

// New dials broker and returns a connected Bus. It blocks for up to
// cfg.ConnectTimeout waiting for the first connection; on timeout it
// logs a warning and returns the Bus anyway, since autopaho keeps
// retrying in the background (mirrors mqtt.Publisher.Start).
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	brokerURL, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	b := &Bus{
		cfg:      cfg,
		logger:   logger,
		subs:     make(map[uint64]topicHandler),
		byTopic:  make(map[string]map[uint64]struct{}),
		wireSubs: make(map[string]int),
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqttbus connected", "broker", cfg.Broker)
			b.resubscribeAll(cm)
		},
		OnConnectError: func(err error) {
			logger.Warn("mqttbus connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		b.dispatch(pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		logger.Warn("mqttbus initial connection timed out, will retry in background", "error", err)
	}

	return b, nil
}

func (b *Bus) dispatch(topic string, payload []byte) {
	b.mu.Lock()
	set := b.byTopic[topic]
	handlers := make([]bus.Handler, 0, len(set))
	for id := range set {
		handlers = append(handlers, b.subs[id].handler)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("mqttbus handler panicked", "topic", topic, "panic", r)
				}
			}()
			h(topic, payload)
		}()
	}
}

func (b *Bus) resubscribeAll(cm *autopaho.ConnectionManager) {
	b.mu.Lock()
	topics := make([]string, 0, len(b.wireSubs))
	for t := range b.wireSubs {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: t, QoS: b.cfg.QoS}},
		}); err != nil {
			b.logger.Error("mqttbus resubscribe failed", "topic", t, "error", err)
		}
	}
}

// Publish sends payload to channel with the configured QoS.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   channel,
		Payload: payload,
		QoS:     b.cfg.QoS,
	})
	if err != nil {
		return fmt.Errorf("mqttbus publish %q: %w", channel, err)
	}
	return nil
}

type mqttSubscription struct {
	bus     *Bus
	id      uint64
	channel string
}

func (s *mqttSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	if set, ok := s.bus.byTopic[s.channel]; ok {
		delete(set, s.id)
		if len(set) == 0 {
			delete(s.bus.byTopic, s.channel)
		}
	}
	s.bus.wireSubs[s.channel]--
	last := s.bus.wireSubs[s.channel] <= 0
	if last {
		delete(s.bus.wireSubs, s.channel)
	}
	cm := s.bus.cm
	s.bus.mu.Unlock()

	if last && cm != nil {
		if _, err := cm.Unsubscribe(context.Background(), &paho.Unsubscribe{
			Topics: []string{s.channel},
		}); err != nil {
			return fmt.Errorf("mqttbus unsubscribe %q: %w", s.channel, err)
		}
	}
	return nil
}

// Subscribe registers handler for channel, issuing an MQTT SUBSCRIBE
// for the topic the first time it is requested and reusing the wire
// subscription for subsequent local subscribers of the same channel.
func (b *Bus) Subscribe(channel string, handler bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = topicHandler{topic: channel, handler: handler}
	if b.byTopic[channel] == nil {
		b.byTopic[channel] = make(map[uint64]struct{})
	}
	b.byTopic[channel][id] = struct{}{}
	needsWireSub := b.wireSubs[channel] == 0
	b.wireSubs[channel]++
	cm := b.cm
	qos := b.cfg.QoS
	b.mu.Unlock()

	if needsWireSub {
		if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: channel, QoS: qos}},
		}); err != nil {
			return nil, fmt.Errorf("mqttbus subscribe %q: %w", channel, err)
		}
	}

	return &mqttSubscription{bus: b, id: id, channel: channel}, nil
}

// SubscriptionCount reports the number of live local subscriptions
// across all channels. It implements bus.SubscriptionCounter.
func (b *Bus) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (b *Bus) AwaitConnection(ctx context.Context) error {
	return b.cm.AwaitConnection(ctx)
}

// Disconnect closes the broker connection.
func (b *Bus) Disconnect(ctx context.Context) error {
	return b.cm.Disconnect(ctx)
}
