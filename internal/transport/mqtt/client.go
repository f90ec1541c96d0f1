// Package mqtt adapts the paho client to transport.Client.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"consultease/sync-service/internal/transport"
)

type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

type subscription struct {
	pattern string
	qos     byte
	handler transport.Handler
}

type Client struct {
	opts   Options
	client paho.Client

	mu            sync.RWMutex
	connected     bool
	subscriptions []subscription
}

func New(opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	return &Client{opts: opts}
}

// Connect dials the broker. Reconnects are left to paho; subscriptions are
// re-registered on every (re)connect.
func (c *Client) Connect(ctx context.Context) error {
	po := paho.NewClientOptions()
	broker := c.opts.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	po.AddBroker(broker)
	po.SetClientID(c.opts.ClientID)
	if c.opts.Username != "" {
		po.SetUsername(c.opts.Username)
		po.SetPassword(c.opts.Password)
	}
	po.SetAutoReconnect(true)
	po.SetConnectRetry(true)
	po.SetConnectRetryInterval(2 * time.Second)
	po.SetMaxReconnectInterval(30 * time.Second)
	po.OnConnect = func(pc paho.Client) {
		c.setConnected(true)
		slog.Info("mqtt connection established", "broker", broker, "client_id", c.opts.ClientID)
		c.resubscribe(pc)
	}
	po.OnConnectionLost = func(_ paho.Client, err error) {
		c.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	c.client = paho.NewClient(po)
	slog.Info("connecting to mqtt broker", "broker", broker)

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(c.opts.ConnectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

// Publish is fire-and-forget: the token is not waited on. A token that has
// already failed is reported; later failures are only logged.
func (c *Client) Publish(_ context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if c.client == nil || !c.isConnected() {
		return transport.ErrNotConnected
	}
	token := c.client.Publish(topic, qos, retain, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish %s: %w", topic, err)
		}
		return nil
	default:
	}
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			slog.Warn("mqtt publish failed after hand-off", "topic", topic, "error", err)
		}
	}()
	return nil
}

func (c *Client) Subscribe(pattern string, qos byte, handler transport.Handler) error {
	c.mu.Lock()
	c.subscriptions = append(c.subscriptions, subscription{pattern: pattern, qos: qos, handler: handler})
	c.mu.Unlock()
	if c.client == nil || !c.isConnected() {
		return nil
	}
	return c.subscribe(c.client, pattern, qos, handler)
}

func (c *Client) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	c.setConnected(false)
}

func (c *Client) resubscribe(pc paho.Client) {
	c.mu.RLock()
	subs := make([]subscription, len(c.subscriptions))
	copy(subs, c.subscriptions)
	c.mu.RUnlock()
	for _, sub := range subs {
		if err := c.subscribe(pc, sub.pattern, sub.qos, sub.handler); err != nil {
			slog.Error("mqtt subscribe failed", "pattern", sub.pattern, "error", err)
		}
	}
}

func (c *Client) subscribe(pc paho.Client, pattern string, qos byte, handler transport.Handler) error {
	token := pc.Subscribe(pattern, qos, func(_ paho.Client, msg paho.Message) {
		handler(context.Background(), msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.opts.ConnectTimeout) {
		return fmt.Errorf("mqtt subscribe %s: timeout", pattern)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", pattern, err)
	}
	slog.Info("mqtt subscribed", "pattern", pattern, "qos", qos)
	return nil
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

var _ transport.Client = (*Client)(nil)
