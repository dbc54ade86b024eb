package mqttlink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// BrokerConfig holds the connection settings for a direct broker connection.
type BrokerConfig struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string
}

// PahoTransport is a Transport over a direct paho broker connection, used
// when the process talks to the broker itself instead of going through the
// native stack.
type PahoTransport struct {
	client mqtt.Client
	logger *slog.Logger
}

func NewPahoTransport(cfg BrokerConfig) *PahoTransport {
	logger := slog.Default().With("component", "mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("broker connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("connected to broker", "host", cfg.Host, "port", cfg.Port)
	})

	return &PahoTransport{
		client: mqtt.NewClient(opts),
		logger: logger,
	}
}

// Connect blocks until the initial connection attempt resolves. Later drops
// are handled by paho's auto-reconnect.
func (p *PahoTransport) Connect(ctx context.Context) error {
	token := p.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("broker connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	return nil
}

func (p *PahoTransport) Subscribe(ctx context.Context, topic string, qos byte, handler func(topic string, payload []byte)) error {
	token := p.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (p *PahoTransport) Unsubscribe(topic string) error {
	token := p.client.Unsubscribe(topic)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

func (p *PahoTransport) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	token := p.client.Publish(topic, qos, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (p *PahoTransport) Close() {
	p.client.Disconnect(250)
}
