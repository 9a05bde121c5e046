package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bryanchriswhite/EdgeStreamer/internal/config"
	"github.com/bryanchriswhite/EdgeStreamer/internal/logger"
)

// Client owns the broker connection and wires the command handler and
// telemetry reporter to it.
type Client struct {
	cfg    config.MQTTConfig
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64

	handler  *Handler
	reporter *Reporter
}

// NewClient creates an unconnected client for pipe.
func NewClient(cfg config.MQTTConfig, pipe Pipeline) *Client {
	c := &Client{cfg: cfg}
	c.handler = NewHandler(pipe, c, cfg.ResponseTopic)
	c.reporter = NewReporter(pipe, c, cfg.TelemetryTopic, cfg.Format, time.Duration(cfg.IntervalMs)*time.Millisecond)
	return c
}

// Connect establishes the connection and subscribes to the command topic.
func (c *Client) Connect() error {
	log := logger.WithComponent("mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(c.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(client mqtt.Client) {
		c.setConnected(true)
		log.Info().Str("broker", c.cfg.Broker).Str("client_id", c.cfg.ClientID).Msg("MQTT connection established")
		// Subscriptions do not survive a reconnect with a clean session.
		token := client.Subscribe(c.cfg.CommandTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			c.handler.HandleMessage(msg.Payload())
		})
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", c.cfg.CommandTopic).Msg("Command subscription failed")
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.setConnected(false)
		log.Warn().Err(err).Str("broker", c.cfg.Broker).Msg("MQTT connection lost, will auto-reconnect")
	}

	c.client = mqtt.NewClient(opts)

	log.Info().Str("broker", c.cfg.Broker).Msg("Connecting to MQTT broker")
	token := c.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

// Run processes commands and publishes telemetry until ctx is done.
func (c *Client) Run(ctx context.Context) {
	go c.reporter.Run(ctx)
	c.handler.Run(ctx)
}

// Publish implements Publisher.
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.isConnected() {
		c.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := c.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		c.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		c.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	c.mu.Lock()
	c.published++
	c.mu.Unlock()
	return nil
}

// Disconnect closes the MQTT connection
func (c *Client) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Unsubscribe(c.cfg.CommandTopic).WaitTimeout(time.Second)
		c.client.Disconnect(250)
		logger.WithComponent("mqtt").Info().Msg("MQTT disconnected")
	}
	c.setConnected(false)
}

// Counts returns published and failed publish totals.
func (c *Client) Counts() (published, errors uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published, c.errors
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) isConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) countError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}
