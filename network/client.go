// Package network owns the broker connection: a paho MQTT client, the
// bounded outbound queue and the report surface used by every component.
package network

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edinburghhacklab/mqtt-dali-controller/telemetry"
)

const (
	// MaxQueuedMessages bounds the outbound queue; the oldest message is
	// dropped on overflow and the drop count is published on recovery.
	MaxQueuedMessages = 1000
	// MaxMessageSize caps topic plus payload of one outbound message.
	MaxMessageSize = 512
)

// Settings configures the broker connection.
type Settings struct {
	Broker         string
	ClientIDPrefix string
	TopicPrefix    string
	IRCChannel     string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// Message is one queued outbound publish.
type Message struct {
	Topic   string
	Payload string
	Retain  bool
}

// Client is the broker connection. Publish and Report enqueue without
// blocking; a drainer goroutine flushes the queue while connected.
type Client struct {
	settings  Settings
	collector telemetry.Collector
	logger    zerolog.Logger
	deviceID  string

	onConnect func()
	onMessage func(topic string, payload []byte)

	client mqtt.Client

	mu      sync.Mutex
	queue   []Message
	dropped uint64
	sendCh  chan struct{}
}

// New builds the client. The persistent client id is derived from the
// machine's unique id so reconnects resume the same broker session.
func New(settings Settings, collector telemetry.Collector, logger zerolog.Logger) (*Client, error) {
	if settings.Broker == "" {
		return nil, fmt.Errorf("network: broker address is required")
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	c := &Client{
		settings:  settings,
		collector: collector,
		logger:    logger.With().Str("component", "network").Logger(),
		deviceID:  settings.ClientIDPrefix + hardwareID(),
		sendCh:    make(chan struct{}, 1),
	}
	return c, nil
}

// hardwareID returns a stable unique id for this controller, falling back to
// a random one when the platform does not provide it.
func hardwareID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if raw, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(raw)); id != "" {
				return id
			}
		}
	}
	return uuid.NewString()
}

// SetHandlers registers the connect and message callbacks. Must be called
// before Start.
func (c *Client) SetHandlers(onConnect func(), onMessage func(topic string, payload []byte)) {
	c.onConnect = onConnect
	c.onMessage = onMessage
}

// DeviceID returns the persistent client id.
func (c *Client) DeviceID() string { return c.deviceID }

// Connected reports whether the broker session is up.
func (c *Client) Connected() bool {
	return c.client != nil && c.client.IsConnectionOpen()
}

// Start connects to the broker and runs the outbound drainer until the
// context is cancelled. The initial connection is retried by paho.
func (c *Client) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.settings.Broker)
	opts.SetClientID(c.deviceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOrderMatters(true)
	if c.settings.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.settings.ConnectTimeout)
	}
	if c.settings.KeepAlive > 0 {
		opts.SetKeepAlive(c.settings.KeepAlive)
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		c.logger.Info().Str("broker", c.settings.Broker).Msg("mqtt: connected")
		if c.onConnect != nil {
			c.onConnect()
		}
		c.kick()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn().Err(err).Msg("mqtt: connection lost")
	})
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		if c.onMessage != nil {
			c.onMessage(msg.Topic(), msg.Payload())
		}
	})

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	go c.drain(ctx)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("network: connect %s: %w", c.settings.Broker, err)
	}
	return nil
}

// Close disconnects from the broker.
func (c *Client) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

// Subscribe subscribes at QoS 0; the broker is best effort.
func (c *Client) Subscribe(topic string) {
	token := c.client.Subscribe(topic, 0, nil)
	go func() {
		if token.Wait() && token.Error() != nil {
			c.logger.Error().Err(token.Error()).Str("topic", topic).Msg("mqtt: subscribe failed")
		}
	}()
}

// Publish enqueues an outbound message. Oversized messages are rejected;
// when the queue is full the oldest entry is dropped.
func (c *Client) Publish(topic, payload string, retain bool) {
	if len(topic)+len(payload) > MaxMessageSize {
		c.collector.IncOversizedMessage()
		c.logger.Warn().Str("topic", topic).Int("size", len(topic)+len(payload)).Msg("mqtt: message too large")
		return
	}
	c.mu.Lock()
	if len(c.queue) >= MaxQueuedMessages {
		c.queue = c.queue[1:]
		c.dropped++
		c.collector.IncQueueDropped(1)
	}
	c.queue = append(c.queue, Message{Topic: topic, Payload: payload, Retain: retain})
	c.mu.Unlock()
	c.kick()
}

// Report publishes a one-shot human-readable report line, mirrored to the
// IRC gateway channel when one is configured.
func (c *Client) Report(tag, message string) {
	c.logger.Info().Str("tag", tag).Msg(message)
	c.Publish(c.settings.TopicPrefix+"/report", tag+": "+message, false)
	if c.settings.IRCChannel != "" {
		c.Publish("irc/send/"+c.settings.IRCChannel, message, false)
	}
}

func (c *Client) kick() {
	select {
	case c.sendCh <- struct{}{}:
	default:
	}
}

// drain flushes the outbound queue while the connection is up. After a
// period with drops, the count is reported once the queue recovers.
func (c *Client) drain(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.sendCh:
		case <-ticker.C:
		}
		for c.Connected() {
			c.mu.Lock()
			if len(c.queue) == 0 {
				dropped := c.dropped
				c.dropped = 0
				c.mu.Unlock()
				if dropped > 0 {
					c.Publish(c.settings.TopicPrefix+"/dropped_messages", strconv.FormatUint(dropped, 10), false)
				}
				break
			}
			msg := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			token := c.client.Publish(msg.Topic, 0, msg.Retain, []byte(msg.Payload))
			if token.Wait() && token.Error() != nil {
				c.logger.Error().Err(token.Error()).Str("topic", msg.Topic).Msg("mqtt: publish failed")
			}
		}
	}
}
