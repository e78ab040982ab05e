package main

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ============================================================================
// Central Daemon Loop
// ============================================================================
//
// Every adapter (CEC monitor, MPRIS watcher, IPC socket) pushes raw events
// onto one ordered channel. runDaemon is the only consumer, so the
// normalizer, arbitrator and store are single-writer and see events in
// arrival order.
//
// Command execution does not happen here: the dispatcher runs on its own
// goroutine and its results come back as provider events.
//
// ============================================================================

// Publisher receives every batch of changed attributes.
type Publisher interface {
	PublishChanges(changes []Change)
}

// multiPublisher fans a batch out to several publishers in order.
type multiPublisher []Publisher

func (m multiPublisher) PublishChanges(changes []Change) {
	for _, p := range m {
		if p != nil {
			p.PublishChanges(changes)
		}
	}
}

// Pipeline is the synchronous core: Normalizer -> Arbitrator -> Store.
type Pipeline struct {
	normalizer *Normalizer
	arbitrator *Arbitrator
	store      *Store
	logger     *slog.Logger
}

func NewPipeline(n *Normalizer, a *Arbitrator, s *Store, logger *slog.Logger) *Pipeline {
	return &Pipeline{normalizer: n, arbitrator: a, store: s, logger: logger}
}

// Ingest processes one raw event and returns the attributes to publish.
// Bad events are logged and produce no changes.
func (p *Pipeline) Ingest(ev TimedEvent) []Change {
	internal, err := p.normalizer.Normalize(ev.Event, ev.At)
	if err != nil {
		if errors.Is(err, ErrIgnoredEvent) {
			p.logger.Debug("event ignored", "error", err)
		} else {
			p.logger.Warn("event dropped", "error", err)
		}
		return nil
	}

	delta := p.arbitrator.Apply(internal)
	changes := p.store.Commit(delta, ev.At)
	if len(changes) > 0 {
		st := p.store.Snapshot()
		p.logger.Debug("state changed",
			"changes", len(changes),
			"source", string(st.ActiveSource),
			"backend", st.ActiveBackend,
			"playback", string(st.Playback),
		)
	}
	return changes
}

// Tick runs the periodic work: staleness eviction and flushing held values.
func (p *Pipeline) Tick(now time.Time) []Change {
	var changes []Change
	if delta, evicted := p.arbitrator.EvictStale(now); len(evicted) > 0 {
		for _, id := range evicted {
			p.logger.Info("backend evicted as stale", "backend", id)
		}
		changes = append(changes, p.store.Commit(delta, now)...)
	}
	return append(changes, p.store.Flush(now)...)
}

// runDaemon consumes events until ctx is canceled or the channel closes.
//
// Shutdown semantics:
//   - Exits when ctx is canceled
//   - Exits cleanly when the events channel is closed
func runDaemon(
	ctx context.Context,
	events <-chan TimedEvent,
	pipeline *Pipeline,
	publisher Publisher,
	tickInterval time.Duration,
	logger *slog.Logger,
) {
	if tickInterval <= 0 {
		tickInterval = defaultTickInterval
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	publish := func(changes []Change) {
		if len(changes) > 0 && publisher != nil {
			publisher.PublishChanges(changes)
		}
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			return

		case ev, ok := <-events:
			if !ok {
				logger.Info("daemon stopping (events channel closed)")
				return
			}
			publish(pipeline.Ingest(ev))

		case now := <-ticker.C:
			publish(pipeline.Tick(now))
		}
	}
}

// eventEmitter returns the callback adapters use to put raw events on the
// ingestion channel. Events are stamped on arrival. The send blocks until
// there is room or ctx is done.
func eventEmitter(ctx context.Context, events chan<- TimedEvent) func(RawEvent) bool {
	return func(ev RawEvent) bool {
		select {
		case events <- TimedEvent{Event: ev, At: time.Now()}:
			return true
		case <-ctx.Done():
			return false
		}
	}
}
