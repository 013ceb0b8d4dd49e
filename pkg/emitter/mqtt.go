// Package emitter publishes processing outcomes to an MQTT broker.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"fitsproc/internal/models"
)

// ErrNotConnected is returned by Publish before Connect succeeds or while
// the client is reconnecting.
var ErrNotConnected = errors.New("mqtt not connected")

// Options configure the broker connection.
type Options struct {
	Broker         string // host:port
	ClientID       string
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTTEmitter publishes ProcessingOutcome records as msgpack.
type MQTTEmitter struct {
	opts   Options
	client mqtt.Client
	logger *slog.Logger

	mu        sync.RWMutex
	published uint64
	errors    uint64
	connected bool
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

// New creates an emitter. Nothing is dialed until Connect.
func New(opts Options, logger *slog.Logger) *MQTTEmitter {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	return &MQTTEmitter{opts: opts, logger: logger.With("component", "emitter")}
}

// Connect establishes the broker connection. The client reconnects on its
// own afterwards.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.opts.Broker))
	opts.SetClientID(e.opts.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("mqtt connection established", "broker", e.opts.Broker, "client_id", e.opts.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("mqtt connection lost, will auto-reconnect", "broker", e.opts.Broker, "error", err)
	}

	e.client = mqtt.NewClient(opts)
	e.logger.Info("connecting to mqtt broker", "broker", e.opts.Broker)

	if err := wait(ctx, e.client.Connect(), e.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Publish sends one outcome to the configured topic.
func (e *MQTTEmitter) Publish(ctx context.Context, outcome models.ProcessingOutcome) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	payload, err := Encode(outcome)
	if err != nil {
		e.countError()
		return err
	}

	token := e.client.Publish(e.opts.Topic, e.opts.QoS, false, payload)
	if err := wait(ctx, token, e.opts.PublishTimeout); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	e.logger.Debug("outcome published", "topic", e.opts.Topic, "task", outcome.TaskID, "size", len(payload))
	return nil
}

// Disconnect closes the broker connection.
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.logger.Info("mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{Connected: e.connected, Published: e.published, Errors: e.errors}
}

// Encode renders an outcome as the msgpack payload sent on the wire.
func Encode(outcome models.ProcessingOutcome) ([]byte, error) {
	payload, err := msgpack.Marshal(&outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outcome: %w", err)
	}
	return payload, nil
}

// Decode is the inverse of Encode, for subscribers.
func Decode(payload []byte) (models.ProcessingOutcome, error) {
	var outcome models.ProcessingOutcome
	if err := msgpack.Unmarshal(payload, &outcome); err != nil {
		return outcome, fmt.Errorf("failed to unmarshal outcome: %w", err)
	}
	return outcome, nil
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
