package main

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// ConnState is the transport connection state owned by the Orchestrator.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "invalid"
	}
}

// Orchestrator owns the transport lifecycle: connecting, availability,
// re-announcing state after (re)connects, and turning inbound messages into
// queued commands. It is also the MQTT Publisher for the daemon loop.
type Orchestrator struct {
	transport Transport
	prefix    string
	store     *Store
	commands  *commandQueue
	logger    *slog.Logger

	minDelay time.Duration
	maxDelay time.Duration

	// swapped out in tests
	jitter func(max time.Duration) time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	mu       sync.Mutex
	state    ConnState
	onChange func(ConnState)

	// pubMu orders the connect announce against daemon batches, so a
	// value committed after the announce snapshot is never overwritten
	// by the older announced one.
	pubMu sync.Mutex
}

func NewOrchestrator(t Transport, cfg MQTTConfig, store *Store, commands *commandQueue, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		transport: t,
		prefix:    strings.TrimSuffix(cfg.TopicPrefix, "/"),
		store:     store,
		commands:  commands,
		logger:    logger.With("component", "orchestrator"),
		minDelay:  cfg.Reconnect.MinDelay,
		maxDelay:  cfg.Reconnect.MaxDelay,
		jitter:    fullJitter,
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

func fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}

// State returns the current connection state.
func (o *Orchestrator) State() ConnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s ConnState) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	cb := o.onChange
	o.mu.Unlock()

	if prev != s {
		o.logger.Info("connection state", "from", prev.String(), "to", s.String())
		if cb != nil {
			cb(s)
		}
	}
}

func (o *Orchestrator) topic(suffix string) string {
	if o.prefix == "" {
		return suffix
	}
	return o.prefix + "/" + suffix
}

// backoff returns the wait before the given (0-based) retry attempt:
// a uniformly random duration up to min(max, min*2^attempt).
func (o *Orchestrator) backoff(attempt int) time.Duration {
	ceiling := o.minDelay
	for i := 0; i < attempt && ceiling < o.maxDelay; i++ {
		ceiling *= 2
	}
	if ceiling > o.maxDelay {
		ceiling = o.maxDelay
	}
	return o.jitter(ceiling)
}

// Run drives the connection until ctx is canceled. Connection failures are
// never returned; they are retried forever.
func (o *Orchestrator) Run(ctx context.Context) error {
	attempt := 0
	reconnecting := false

	for {
		if reconnecting {
			o.setState(StateReconnecting)
		} else {
			o.setState(StateConnecting)
		}

		err := o.transport.Connect(ctx)
		if err == nil {
			err = o.onConnected()
			if err != nil {
				o.transport.Disconnect()
			}
		}
		if ctx.Err() != nil {
			o.shutdown(err == nil)
			return nil
		}
		if err != nil {
			wait := o.backoff(attempt)
			attempt++
			o.logger.Warn("mqtt connection failed", "error", err, "attempt", attempt, "retry_in", wait)
			if o.sleep(ctx, wait) != nil {
				o.shutdown(false)
				return nil
			}
			continue
		}

		attempt = 0
		select {
		case <-ctx.Done():
			o.shutdown(true)
			return nil
		case err := <-o.transport.ConnectionLost():
			o.store.SetAvailable(false)
			o.logger.Warn("mqtt connection lost", "error", err)
			reconnecting = true
		}
	}
}

// onConnected subscribes, marks the bridge online and republishes every
// known attribute so retained values on the broker match current state.
func (o *Orchestrator) onConnected() error {
	for _, suffix := range CommandTopics() {
		if err := o.transport.Subscribe(o.topic(suffix), o.handleMessage); err != nil {
			return err
		}
	}

	o.setState(StateConnected)
	o.store.SetAvailable(true)

	if err := o.transport.Publish(o.topic(topicAvailability), payloadOnline, true); err != nil {
		return err
	}
	o.pubMu.Lock()
	changes := o.store.Announce()
	o.publish(changes)
	o.pubMu.Unlock()
	o.logger.Info("mqtt connected, state announced", "attributes", len(changes))
	return nil
}

func (o *Orchestrator) shutdown(connected bool) {
	if connected {
		if err := o.transport.Publish(o.topic(topicAvailability), payloadOffline, true); err != nil {
			o.logger.Warn("offline publish failed", "error", err)
		}
		o.transport.Disconnect()
	}
	o.store.SetAvailable(false)
	o.setState(StateDisconnected)
}

// PublishChanges implements Publisher. Changes made while disconnected are
// dropped here; the next connect announces the full state anyway.
func (o *Orchestrator) PublishChanges(changes []Change) {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()
	if o.State() != StateConnected {
		return
	}
	o.publish(changes)
}

func (o *Orchestrator) publish(changes []Change) {
	for _, c := range changes {
		if err := o.transport.Publish(o.topic(c.Topic), c.Value, true); err != nil {
			o.logger.Warn("publish failed", "topic", c.Topic, "error", err)
		}
	}
}

// handleMessage runs on the transport's delivery goroutine. It only parses
// and enqueues.
func (o *Orchestrator) handleMessage(topic string, payload []byte) {
	suffix := strings.TrimPrefix(topic, o.topic(""))
	cmd, err := ParseCommand(suffix, payload, o.now())
	if err != nil {
		o.logger.Warn("command dropped", "topic", topic, "error", err)
		return
	}
	if !o.commands.Enqueue(cmd) {
		o.logger.Warn("command queue full or closed, dropping command",
			"command_id", cmd.ID, "kind", string(cmd.Kind))
		return
	}
	o.logger.Debug("command queued", "command_id", cmd.ID, "kind", string(cmd.Kind))
}
