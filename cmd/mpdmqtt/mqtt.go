package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Message is an incoming broker message with its full topic.
type Message struct {
	Topic   string
	Payload string
}

// Broker is the MQTT capability the daemon drives.
type Broker interface {
	Publisher

	// Subscribe registers pattern; matching messages arrive on Messages in
	// broker order.
	Subscribe(pattern string) error
	Messages() <-chan Message

	// Lost fires once when the session drops.
	Lost() <-chan error

	Close() error
}

// mqttBroker implements Broker with paho. Automatic reconnect is disabled;
// the supervisor owns reconnects so that every new session is followed by a
// full republish.
type mqttBroker struct {
	client  paho.Client
	qos     byte
	timeout time.Duration
	logger  *slog.Logger

	msgs chan Message
	lost chan error
	done chan struct{}
	once sync.Once
}

// mqttClientID returns the configured id, or a random "mpdmqtt-xxxxxxxx".
func mqttClientID(configured string) string {
	if configured != "" {
		return configured
	}
	return "mpdmqtt-" + uuid.NewString()[:8]
}

// DialMQTT connects to cfg.BrokerURL. The connect is bounded by
// cfg.TimeoutMS and by ctx.
func DialMQTT(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (Broker, error) {
	b := &mqttBroker{
		qos:     byte(cfg.QoS),
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		logger:  logger,
		msgs:    make(chan Message, 64),
		lost:    make(chan error, 1),
		done:    make(chan struct{}),
	}

	clientID := mqttClientID(cfg.ClientID)
	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectTimeout(b.timeout).
		SetWriteTimeout(b.timeout).
		SetKeepAlive(time.Duration(cfg.KeepAliveSec) * time.Second).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			select {
			case b.lost <- err:
			default:
			}
		})

	b.client = paho.NewClient(opts)

	if err := b.wait(ctx, b.client.Connect()); err != nil {
		b.client.Disconnect(0)
		return nil, fmt.Errorf("connect %s: %w", cfg.BrokerURL, err)
	}

	logger.Debug("mqtt connected", "broker", cfg.BrokerURL, "client_id", clientID)
	return b, nil
}

// wait blocks until tok completes, the broker timeout elapses or ctx ends.
func (b *mqttBroker) wait(ctx context.Context, tok paho.Token) error {
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", b.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *mqttBroker) Publish(ctx context.Context, topic, payload string, retain bool) error {
	if !b.client.IsConnectionOpen() {
		return errors.New("not connected")
	}
	return b.wait(ctx, b.client.Publish(topic, b.qos, retain, payload))
}

// Subscribe registers pattern. Incoming messages are handed over by deliver.
func (b *mqttBroker) Subscribe(pattern string) error {
	tok := b.client.Subscribe(pattern, b.qos, func(_ paho.Client, m paho.Message) {
		b.deliver(Message{Topic: m.Topic(), Payload: string(m.Payload())})
	})
	if err := b.wait(context.Background(), tok); err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	b.logger.Debug("mqtt subscribed", "pattern", pattern)
	return nil
}

// deliver queues m for the daemon loop. With ordered delivery paho calls it
// on its router goroutine, which also handles acks for our own publishes, so
// it never blocks: a message that finds the queue full is dropped.
func (b *mqttBroker) deliver(m Message) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.msgs <- m:
		return true
	default:
		b.logger.Warn("mqtt command queue full, dropping message", "topic", m.Topic)
		return false
	}
}

func (b *mqttBroker) Messages() <-chan Message { return b.msgs }

func (b *mqttBroker) Lost() <-chan error { return b.lost }

func (b *mqttBroker) Close() error {
	b.once.Do(func() {
		close(b.done)
		b.client.Disconnect(250)
	})
	return nil
}
