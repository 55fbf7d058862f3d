// ABOUTME: MQTT implementation of Conn backed by eclipse/paho.mqtt.golang.
// ABOUTME: Connects over mutual TLS and waits on broker acknowledgements with context support.

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/2389/jobagent/internal/config"
)

// qosAtLeastOnce is used for every publish and subscription.
const qosAtLeastOnce byte = 1

// NewMQTTDialer returns a DialFunc that connects to the configured broker.
func NewMQTTDialer(cfg config.BrokerConfig, logger *slog.Logger) DialFunc {
	return func(ctx context.Context, clientID string) (Conn, error) {
		tlsConfig, err := loadTLSConfig(cfg)
		if err != nil {
			return nil, err
		}

		opts := mqtt.NewClientOptions().
			AddBroker(fmt.Sprintf("tls://%s:%d", cfg.Endpoint, cfg.Port)).
			SetClientID(clientID).
			SetTLSConfig(tlsConfig).
			SetCleanSession(cfg.CleanSession).
			SetKeepAlive(cfg.KeepAlive).
			SetAutoReconnect(true).
			SetResumeSubs(true).
			// Callbacks may run concurrently; nothing downstream relies on ordering.
			SetOrderMatters(false).
			SetConnectionLostHandler(func(_ mqtt.Client, err error) {
				logger.Warn("broker connection lost", "client_id", clientID, "error", err)
			}).
			SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
				logger.Info("reconnecting to broker", "client_id", clientID)
			})

		client := mqtt.NewClient(opts)
		if err := wait(ctx, client.Connect()); err != nil {
			client.Disconnect(0)
			return nil, fmt.Errorf("connecting to %s: %w", cfg.Endpoint, err)
		}

		return &mqttConn{client: client, logger: logger}, nil
	}
}

// loadTLSConfig builds the mutual TLS configuration from certificate files.
func loadTLSConfig(cfg config.BrokerConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName: cfg.Endpoint,
		MinVersion: tls.VersionTLS12,
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// mqttConn adapts a paho client to Conn.
type mqttConn struct {
	client mqtt.Client
	logger *slog.Logger
}

func (c *mqttConn) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := wait(ctx, c.client.Publish(topic, qosAtLeastOnce, false, payload)); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

func (c *mqttConn) Subscribe(ctx context.Context, topic string, handler func(topic string, payload []byte)) error {
	token := c.client.Subscribe(topic, qosAtLeastOnce, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if err := wait(ctx, token); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	// The broker reports per-topic refusals in the SUBACK rather than as a token error.
	if sub, ok := token.(*mqtt.SubscribeToken); ok {
		if code, found := sub.Result()[topic]; found && code == 0x80 {
			return fmt.Errorf("subscribing to %s: refused by broker", topic)
		}
	}

	c.logger.Debug("subscribed", "topic", topic)
	return nil
}

func (c *mqttConn) Unsubscribe(ctx context.Context, topics ...string) error {
	if err := wait(ctx, c.client.Unsubscribe(topics...)); err != nil {
		return fmt.Errorf("unsubscribing: %w", err)
	}
	return nil
}

func (c *mqttConn) Close() {
	// Allow in-flight work a moment to complete before the socket closes.
	c.client.Disconnect(250)
}

// wait blocks until the token completes or ctx is done.
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("waiting for broker acknowledgement: %w", ctx.Err())
	}
}
