package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttQoS            = 1
	mqttConnectTimeout = 10 * time.Second
	mqttSubscribeWait  = 5 * time.Second
	mqttQuiesceMS      = 250
)

// Transport is the publish/subscribe connection the orchestrator drives.
// Implementations must not reconnect on their own; the orchestrator owns
// the connection state machine.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	// Publish hands the message to the client and returns without waiting
	// for the broker. Only immediate failures are returned.
	Publish(topic, payload string, retained bool) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	// ConnectionLost delivers one value per unexpected disconnect.
	ConnectionLost() <-chan error
}

// pahoTransport implements Transport on the Eclipse Paho client.
type pahoTransport struct {
	client mqtt.Client
	lost   chan error
	logger *slog.Logger
}

// newPahoTransport configures the client, including the last will that
// marks the bridge offline when the connection drops without a clean
// disconnect.
func newPahoTransport(cfg MQTTConfig, willTopic string, logger *slog.Logger) *pahoTransport {
	t := &pahoTransport{
		lost:   make(chan error, 1),
		logger: logger.With("component", "mqtt"),
	}

	opts := mqtt.NewClientOptions().
		AddBroker("tcp://"+net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.Keepalive).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(mqttConnectTimeout).
		SetOrderMatters(false).
		SetWill(willTopic, payloadOffline, mqttQoS, true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case t.lost <- err:
			default:
			}
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	t.client = mqtt.NewClient(opts)
	return t
}

func (t *pahoTransport) Connect(ctx context.Context) error {
	// Drop a loss notification left over from the previous session.
	select {
	case <-t.lost:
	default:
	}

	tok := t.client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		t.client.Disconnect(0)
		return ctx.Err()
	}
}

func (t *pahoTransport) Disconnect() {
	if t.client.IsConnected() {
		t.client.Disconnect(mqttQuiesceMS)
	}
}

func (t *pahoTransport) Publish(topic, payload string, retained bool) error {
	tok := t.client.Publish(topic, mqttQoS, retained, payload)
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			t.logger.Warn("publish failed", "topic", topic, "error", err)
		}
	}()
	return nil
}

func (t *pahoTransport) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	tok := t.client.Subscribe(topic, mqttQoS, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Topic(), m.Payload())
	})
	if !tok.WaitTimeout(mqttSubscribeWait) {
		return fmt.Errorf("mqtt subscribe %s: timed out", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	return nil
}

func (t *pahoTransport) ConnectionLost() <-chan error { return t.lost }
