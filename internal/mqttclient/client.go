package mqttclient

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

type MessageHandler func(topic string, payload []byte)

// Subscription pairs a topic filter with its QoS. Ingestion subscribes at
// QoS 2, the relay at QoS 1.
type Subscription struct {
	Topic string
	QoS   byte
}

type Client struct {
	conn      mqtt.Client
	subs      []Subscription
	connected atomic.Bool
	log       zerolog.Logger
	handler   MessageHandler
}

type Options struct {
	BrokerURL  string
	Role       string // client ID is "<role>-<NNNNN>"
	Subs       []Subscription
	Username   string
	Password   string
	CACertPath string
	Handler    MessageHandler
	Log        zerolog.Logger

	// Ordered serializes handler callbacks on the broker read loop. The
	// ingester needs this: a blocked handler then stalls unconsumed broker
	// reads instead of spawning one goroutine per undrained message. The
	// relay only publishes and leaves it off.
	Ordered bool
}

// Connect dials the broker and keeps the session alive. Subscriptions are
// re-established on every (re)connect; the broker sees a 3s retry cadence
// after a drop.
func Connect(opts Options) (*Client, error) {
	c := &Client{
		subs:    opts.Subs,
		log:     opts.Log,
		handler: opts.Handler,
	}

	clientOpts, err := clientOptions(opts, c)
	if err != nil {
		return nil, err
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

func clientOptions(opts Options, c *Client) (*mqtt.ClientOptions, error) {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(ClientID(opts.Role)).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(3 * time.Second).
		SetMaxReconnectInterval(3 * time.Second).
		SetOrderMatters(opts.Ordered).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}
	if opts.CACertPath != "" {
		tlsCfg, err := caTLSConfig(opts.CACertPath)
		if err != nil {
			return nil, err
		}
		clientOpts.SetTLSConfig(tlsCfg)
	}
	return clientOpts, nil
}

// ClientID builds "<role>-<NNNNN>" with a 5-digit suffix derived from wall
// time, so restarts never collide with a lingering broker session.
func ClientID(role string) string {
	return fmt.Sprintf("%s-%05d", role, time.Now().UnixNano()%100000)
}

// SharedSubs prefixes each topic with the MQTT v5 shared-subscription group
// so only one ingester in the group receives each message.
func SharedSubs(group string, subs []Subscription) []Subscription {
	out := make([]Subscription, len(subs))
	for i, s := range subs {
		out[i] = Subscription{Topic: fmt.Sprintf("$share/%s/%s", group, s.Topic), QoS: s.QoS}
	}
	return out
}

// Publish sends one message and waits up to timeout for the broker ack.
func (c *Client) Publish(topic string, qos byte, retained bool, payload string, timeout time.Duration) error {
	token := c.conn.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(timeout) {
		return errors.New("publish timed out")
	}
	return token.Error()
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)

	if len(c.subs) == 0 {
		c.log.Info().Msg("mqtt connected")
		return
	}

	topics := make([]string, len(c.subs))
	filters := make(map[string]byte, len(c.subs))
	for i, s := range c.subs {
		topics[i] = s.Topic
		filters[s.Topic] = s.QoS
	}
	c.log.Info().Strs("topics", topics).Msg("mqtt connected, subscribing")

	token := client.SubscribeMultiple(filters, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Msg("mqtt subscribe failed")
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if c.handler != nil {
		c.handler(msg.Topic(), msg.Payload())
		return
	}
	c.log.Debug().
		Str("topic", msg.Topic()).
		Int("payload_size", len(msg.Payload())).
		Msg("mqtt message received")
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}

func caTLSConfig(path string) (*tls.Config, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates parsed from %s", path)
	}
	return &tls.Config{RootCAs: pool}, nil
}
