package command

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// PahoConfig holds the broker connection settings.
type PahoConfig struct {
	Broker         string
	Username       string
	Password       string
	TLS            bool
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	// OpTimeout bounds subscribe, unsubscribe and publish acknowledgements.
	OpTimeout time.Duration
}

// PahoBroker opens MQTT sessions with the Eclipse Paho client.
type PahoBroker struct {
	cfg PahoConfig
}

// NewPahoBroker creates a broker factory.
func NewPahoBroker(cfg PahoConfig) *PahoBroker {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.OpTimeout == 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	return &PahoBroker{cfg: cfg}
}

// NewClient builds an unconnected session. Paho's own reconnect is disabled;
// the channel owns the retry policy.
func (b *PahoBroker) NewClient(opts ClientOptions) BrokerClient {
	mo := mqtt.NewClientOptions()
	mo.AddBroker(b.cfg.Broker)
	mo.SetClientID(opts.ClientID)

	if b.cfg.Username != "" {
		mo.SetUsername(b.cfg.Username)
		mo.SetPassword(b.cfg.Password)
	}

	if b.cfg.TLS {
		mo.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	mo.SetAutoReconnect(false)
	mo.SetConnectRetry(false)
	mo.SetCleanSession(true)
	mo.SetConnectTimeout(b.cfg.ConnectTimeout)
	mo.SetKeepAlive(b.cfg.KeepAlive)

	mo.SetOnConnectHandler(func(client mqtt.Client) {
		log.Debug().
			Str("clientID", opts.ClientID).
			Msg("MQTT client connected")
	})

	mo.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().
			Err(err).
			Str("clientID", opts.ClientID).
			Msg("MQTT connection lost")
		if opts.OnConnectionLost != nil {
			opts.OnConnectionLost(err)
		}
	})

	return &pahoClient{client: mqtt.NewClient(mo), opTimeout: b.cfg.OpTimeout}
}

type pahoClient struct {
	client    mqtt.Client
	opTimeout time.Duration
}

func (c *pahoClient) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		// paho keeps the handshake running; close the session once it settles
		go func() {
			<-token.Done()
			c.Disconnect()
		}()
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (c *pahoClient) Subscribe(topic string, qos byte, handler func(Message)) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) {
		handler(Message{Topic: m.Topic(), Payload: m.Payload()})
	})
	return c.wait(token, "subscribe "+topic)
}

func (c *pahoClient) Unsubscribe(topic string) error {
	return c.wait(c.client.Unsubscribe(topic), "unsubscribe "+topic)
}

func (c *pahoClient) Publish(topic string, qos byte, payload []byte) error {
	return c.wait(c.client.Publish(topic, qos, false, payload), "publish "+topic)
}

func (c *pahoClient) Disconnect() {
	if c.client.IsConnected() || c.client.IsConnectionOpen() {
		c.client.Disconnect(250)
	}
}

func (c *pahoClient) wait(token mqtt.Token, op string) error {
	if !token.WaitTimeout(c.opTimeout) {
		return fmt.Errorf("mqtt %s: timed out after %s", op, c.opTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt %s: %w", op, err)
	}
	return nil
}
