// Package mqttc wraps the paho MQTT client behind the small surface the
// gateway needs: one persistent session, QoS-1 publishes safe for
// concurrent use, and wildcard subscriptions.
package mqttc

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// Publisher is the outbound surface consumed by the dispatcher and the
// session engine.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MessageHandler receives one inbound message.
type MessageHandler func(topic string, payload []byte)

// Config carries broker connection settings.
type Config struct {
	Host     string `long:"host" env:"HOST" default:"localhost" description:"Broker host"`
	Port     int    `long:"port" env:"PORT" default:"1883" description:"Broker port"`
	Username string `long:"username" env:"USERNAME" description:"Broker username"`
	Password string `long:"password" env:"PASSWORD" description:"Broker password"`
	ClientID string `long:"client-id" env:"CLIENT_ID" default:"fieldscout-gateway" description:"Broker client identifier"`
}

// Client is the shared broker session.
type Client struct {
	inner mqtt.Client
}

const (
	connectTimeout = 30 * time.Second
	publishTimeout = 10 * time.Second
)

// Dial connects to the broker with auto-reconnect. Subscriptions are
// re-established by the caller's OnConnect hook after reconnects.
func Dial(cfg Config, onConnect func(*Client)) (*Client, error) {
	var c = new(Client)
	var opts = mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithField("error", err).Warn("broker connection lost")
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			log.Info("broker connected")
			if onConnect != nil {
				onConnect(c)
			}
		})

	c.inner = mqtt.NewClient(opts)
	var token = c.inner.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("broker connect timed out after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}
	return c, nil
}

// Publish sends one message and waits for broker acceptance.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	var token = c.inner.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out after %s", topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a wildcard subscription. Handlers run on the paho
// dispatch pool and may block on database and storage calls.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	var token = c.inner.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("subscribe to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports the live state of the broker session.
func (c *Client) IsConnected() bool { return c.inner.IsConnected() }

// Close disconnects, allowing in-flight work a short grace period.
func (c *Client) Close() {
	c.inner.Disconnect(250)
}
