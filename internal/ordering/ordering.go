// Package ordering buffers replicated events until their causal
// dependencies have been delivered, then exposes them in a
// dependency-respecting order.
package ordering

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/meshsync/internal/crdt"
	"github.com/devrev/meshsync/internal/errors"
	"github.com/devrev/meshsync/internal/metrics"
	"github.com/devrev/meshsync/internal/model"
)

// TimeoutPolicy decides what happens to a pending event whose dependency
// never arrives within the ordering timeout.
type TimeoutPolicy string

const (
	// TimeoutForce delivers the event without its missing dependencies
	TimeoutForce TimeoutPolicy = "force"
	// TimeoutDrop discards the event
	TimeoutDrop TimeoutPolicy = "drop"
)

// Config holds event ordering configuration
type Config struct {
	MaxPending      int
	OrderingTimeout time.Duration
	Retention       time.Duration
	SweepInterval   time.Duration
	OnTimeout       TimeoutPolicy
}

type pendingEvent struct {
	event    model.Event
	enqueued time.Time
}

// logEntry is a delivered event indexed by its delivery position. The
// position is max(own timestamp, positions of all dependencies), so a
// dependency always sorts at or before its dependents; the delivery
// sequence number breaks position ties in delivery order.
type logEntry struct {
	pos         uint64
	seq         uint64
	deliveredAt time.Time
	event       model.Event
}

func lessLogEntry(a, b logEntry) bool {
	if a.pos != b.pos {
		return a.pos < b.pos
	}
	return a.seq < b.seq
}

// EventOrdering is the causal delivery buffer. Each substructure is
// guarded independently so unrelated operations never serialize on each
// other.
type EventOrdering struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	logMu sync.RWMutex
	log   *btree.BTreeG[logEntry]
	seq   uint64

	pendingMu sync.Mutex
	pending   map[uuid.UUID]pendingEvent

	deliveredMu sync.RWMutex
	delivered   map[uuid.UUID]uint64 // event id -> delivery position

	clocksMu sync.RWMutex
	clocks   map[string]crdt.VectorClock

	deliveries chan model.Event
}

// New creates an event ordering buffer
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *EventOrdering {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 10000
	}
	if cfg.OrderingTimeout <= 0 {
		cfg.OrderingTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.OnTimeout == "" {
		cfg.OnTimeout = TimeoutDrop
	}

	return &EventOrdering{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		log:        btree.NewG(32, lessLogEntry),
		pending:    make(map[uuid.UUID]pendingEvent),
		delivered:  make(map[uuid.UUID]uint64),
		clocks:     make(map[string]crdt.VectorClock),
		deliveries: make(chan model.Event, cfg.MaxPending),
	}
}

// Deliveries returns the channel of events delivered in causal order.
// Consumers must drain it promptly: submissions fail with backpressure
// while it is full, and cascaded deliveries block until it drains.
func (o *EventOrdering) Deliveries() <-chan model.Event {
	return o.deliveries
}

// SubmitEvent accepts an event for causal delivery. It fails fast with a
// backpressure error once the pending buffer or the delivery queue is
// full; the caller decides retry versus drop. Resubmitting a delivered
// event is an idempotent no-op.
func (o *EventOrdering) SubmitEvent(event model.Event) error {
	o.metrics.EventsSubmittedTotal.Inc()

	o.deliveredMu.RLock()
	_, dup := o.delivered[event.ID]
	o.deliveredMu.RUnlock()
	if dup {
		return nil
	}

	if o.depsSatisfied(event) {
		if len(o.deliveries) >= cap(o.deliveries) {
			o.metrics.BackpressureTotal.Inc()
			return errors.Backpressure("delivery queue", len(o.deliveries), cap(o.deliveries))
		}
		o.deliver(event)
		o.checkPendingDeliveries()
		return nil
	}

	// The limit check and the insert stay under one lock hold so
	// concurrent submitters cannot overshoot the buffer.
	o.pendingMu.Lock()
	if len(o.pending) >= o.cfg.MaxPending {
		o.pendingMu.Unlock()
		o.metrics.BackpressureTotal.Inc()
		return errors.Backpressure("pending events", len(o.pending), o.cfg.MaxPending)
	}
	o.pending[event.ID] = pendingEvent{event: event, enqueued: time.Now()}
	o.metrics.EventsPending.Set(float64(len(o.pending)))
	o.pendingMu.Unlock()

	return nil
}

func (o *EventOrdering) depsSatisfied(event model.Event) bool {
	if len(event.Dependencies) == 0 {
		return true
	}
	o.deliveredMu.RLock()
	defer o.deliveredMu.RUnlock()
	for _, dep := range event.Dependencies {
		if _, ok := o.delivered[dep]; !ok {
			return false
		}
	}
	return true
}

// deliver appends the event to the delivered log, marks it delivered and
// merges its vector clock into the per-node clock table. Once an event
// is marked delivered its notification must not be lost, so the channel
// send blocks rather than drops when the consumer falls behind.
func (o *EventOrdering) deliver(event model.Event) {
	pos := event.Timestamp

	o.deliveredMu.Lock()
	if _, ok := o.delivered[event.ID]; ok {
		o.deliveredMu.Unlock()
		return
	}
	for _, dep := range event.Dependencies {
		if depPos, ok := o.delivered[dep]; ok && depPos > pos {
			pos = depPos
		}
	}
	o.delivered[event.ID] = pos
	o.deliveredMu.Unlock()

	o.logMu.Lock()
	o.seq++
	o.log.ReplaceOrInsert(logEntry{
		pos:         pos,
		seq:         o.seq,
		deliveredAt: time.Now(),
		event:       event,
	})
	o.logMu.Unlock()

	o.clocksMu.Lock()
	clock := o.clocks[event.NodeID]
	clock.Merge(event.VectorClock)
	o.clocks[event.NodeID] = clock
	o.clocksMu.Unlock()

	o.metrics.EventsDeliveredTotal.Inc()

	o.deliveries <- event
}

// checkPendingDeliveries re-checks all pending events and delivers any
// whose dependencies are now fully satisfied, cascading until a fixpoint.
func (o *EventOrdering) checkPendingDeliveries() {
	for {
		var ready []model.Event

		o.pendingMu.Lock()
		for id, pe := range o.pending {
			if o.depsSatisfied(pe.event) {
				ready = append(ready, pe.event)
				delete(o.pending, id)
			}
		}
		o.metrics.EventsPending.Set(float64(len(o.pending)))
		o.pendingMu.Unlock()

		if len(ready) == 0 {
			return
		}

		sort.Slice(ready, func(i, j int) bool {
			return ready[i].Timestamp < ready[j].Timestamp
		})
		for _, event := range ready {
			o.deliver(event)
		}
	}
}

// GetOrderedEvents returns all delivered events with timestamp >= since,
// ordered by delivery position. An event is never returned before any
// event listed in its dependencies.
func (o *EventOrdering) GetOrderedEvents(since uint64) []model.Event {
	o.logMu.RLock()
	defer o.logMu.RUnlock()

	var out []model.Event
	o.log.AscendGreaterOrEqual(logEntry{pos: since}, func(entry logEntry) bool {
		if entry.event.Timestamp >= since {
			out = append(out, entry.event)
		}
		return true
	})
	return out
}

// NodeClock returns a copy of the merged vector clock observed for nodeID
func (o *EventOrdering) NodeClock(nodeID string) crdt.VectorClock {
	o.clocksMu.RLock()
	defer o.clocksMu.RUnlock()
	return o.clocks[nodeID].Clone()
}

// PendingCount returns the number of events awaiting dependencies
func (o *EventOrdering) PendingCount() int {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	return len(o.pending)
}

// DeliveredCount returns the number of delivered events still retained
func (o *EventOrdering) DeliveredCount() int {
	o.logMu.RLock()
	defer o.logMu.RUnlock()
	return o.log.Len()
}

// Run drives timeout and retention sweeps until ctx is canceled
func (o *EventOrdering) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("event ordering stopped")
			return nil
		case <-ticker.C:
			o.sweepPending()
			o.pruneDelivered()
		}
	}
}

// sweepPending applies the timeout policy to events whose dependencies
// never arrived. The outcome is always observable via metric and log.
func (o *EventOrdering) sweepPending() {
	cutoff := time.Now().Add(-o.cfg.OrderingTimeout)

	var expired []model.Event
	o.pendingMu.Lock()
	for id, pe := range o.pending {
		if pe.enqueued.Before(cutoff) {
			expired = append(expired, pe.event)
			delete(o.pending, id)
		}
	}
	o.metrics.EventsPending.Set(float64(len(o.pending)))
	o.pendingMu.Unlock()

	if len(expired) == 0 {
		return
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].Timestamp < expired[j].Timestamp
	})

	for _, event := range expired {
		switch o.cfg.OnTimeout {
		case TimeoutForce:
			o.logger.Warn("ordering timeout, force-delivering without dependencies",
				zap.String("event_id", event.ID.String()),
				zap.String("node_id", event.NodeID),
				zap.Int("missing_deps", len(event.Dependencies)))
			o.metrics.OrderingTimeoutsTotal.WithLabelValues("forced").Inc()
			o.deliver(event)
		default:
			o.logger.Warn("ordering timeout, dropping event",
				zap.String("event_id", event.ID.String()),
				zap.String("node_id", event.NodeID),
				zap.Int("missing_deps", len(event.Dependencies)))
			o.metrics.OrderingTimeoutsTotal.WithLabelValues("dropped").Inc()
		}
	}
	o.checkPendingDeliveries()
}

// pruneDelivered evicts stably delivered events past the retention window
func (o *EventOrdering) pruneDelivered() {
	if o.cfg.Retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-o.cfg.Retention)

	var stale []logEntry
	o.logMu.Lock()
	o.log.Ascend(func(entry logEntry) bool {
		if entry.deliveredAt.Before(cutoff) {
			stale = append(stale, entry)
		}
		return true
	})
	for _, entry := range stale {
		o.log.Delete(entry)
	}
	o.logMu.Unlock()

	if len(stale) == 0 {
		return
	}

	o.deliveredMu.Lock()
	for _, entry := range stale {
		delete(o.delivered, entry.event.ID)
	}
	o.deliveredMu.Unlock()

	o.metrics.EventsPrunedTotal.Add(float64(len(stale)))
	o.logger.Debug("pruned delivered events", zap.Int("count", len(stale)))
}
