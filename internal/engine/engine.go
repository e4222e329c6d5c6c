package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/meshsync/internal/crdt"
	"github.com/devrev/meshsync/internal/errors"
	"github.com/devrev/meshsync/internal/metrics"
	"github.com/devrev/meshsync/internal/model"
	"github.com/devrev/meshsync/internal/ordering"
	"github.com/devrev/meshsync/internal/resolver"
)

// Strategy selects how an operation is executed and replicated.
type Strategy int

const (
	// Optimistic executes immediately and replicates with no dependencies.
	Optimistic Strategy = iota
	// Pessimistic serializes execution under a per-target lock.
	Pessimistic
	// Eventual defers execution to the periodic batch drain.
	Eventual
	// Causal delays execution until causal dependencies are delivered.
	Causal
	// Hybrid dispatches per operation type: Create is optimistic, Delete
	// is pessimistic, Update and Merge are causal, custom types are
	// eventual.
	Hybrid
)

func (s Strategy) String() string {
	switch s {
	case Optimistic:
		return "optimistic"
	case Pessimistic:
		return "pessimistic"
	case Eventual:
		return "eventual"
	case Causal:
		return "causal"
	case Hybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a config string onto a Strategy. The empty string
// selects Hybrid.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "optimistic":
		return Optimistic, nil
	case "pessimistic":
		return Pessimistic, nil
	case "eventual":
		return Eventual, nil
	case "causal":
		return Causal, nil
	case "hybrid", "":
		return Hybrid, nil
	default:
		return Hybrid, fmt.Errorf("unknown sync strategy %q", name)
	}
}

// Storage executes operations durably. Implementations must be
// idempotent: the engine provides at-least-once delivery and retries
// failed executions.
type Storage interface {
	Execute(ctx context.Context, op model.SyncOperation) error
}

// Broadcaster disseminates an encoded event to the cluster. The engine
// broadcasts locally originated events once they clear causal delivery.
type Broadcaster interface {
	Broadcast(ctx context.Context, payload []byte) error
}

// Config holds engine tuning knobs.
type Config struct {
	NodeID          string
	Strategy        Strategy
	MaxOperationLog int
	MaxBatchSize    int
	SyncInterval    time.Duration
	MaxRetries      int
	LockShards      int
}

// targetState is the engine's latest observed state for one target key.
type targetState struct {
	clock       crdt.VectorClock
	value       []byte
	timestamp   uint64
	nodeID      string
	lastEventID uuid.UUID
	hasEvent    bool
}

// Engine orchestrates operation application. It owns the ordering
// buffer and the conflict resolver by composition; neither holds a
// reference back.
type Engine struct {
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	storage  Storage
	ordering *ordering.EventOrdering
	resolver *resolver.Resolver
	// nil broadcaster means single-node operation
	broadcaster Broadcaster

	clockMu sync.Mutex
	clock   crdt.VectorClock

	stateMu sync.RWMutex
	state   map[string]*targetState

	logMu   sync.Mutex
	opLog   []model.SyncOperation
	retries map[uuid.UUID]int

	locks *lockTable
}

// New constructs an engine. The ordering buffer's Run loop is driven by
// the engine's own Run, so callers start a single goroutine group.
func New(cfg Config, storage Storage, ord *ordering.EventOrdering, res *resolver.Resolver, bc Broadcaster, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if cfg.MaxOperationLog <= 0 {
		cfg.MaxOperationLog = 100000
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.LockShards <= 0 {
		cfg.LockShards = 64
	}

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		storage:     storage,
		ordering:    ord,
		resolver:    res,
		broadcaster: bc,
		clock:       crdt.NewVectorClock(),
		state:       make(map[string]*targetState),
		retries:     make(map[uuid.UUID]int),
		locks:       newLockTable(cfg.LockShards),
	}

	logger.Info("sync engine initialized",
		zap.String("node_id", cfg.NodeID),
		zap.String("strategy", cfg.Strategy.String()),
		zap.Int("max_operation_log", cfg.MaxOperationLog),
		zap.Int("max_batch_size", cfg.MaxBatchSize),
		zap.Duration("sync_interval", cfg.SyncInterval))

	return e
}

// strategyFor resolves the effective strategy for one operation.
func (e *Engine) strategyFor(op model.SyncOperation) Strategy {
	if e.cfg.Strategy != Hybrid {
		return e.cfg.Strategy
	}
	switch op.Type {
	case model.OpCreate:
		return Optimistic
	case model.OpDelete:
		return Pessimistic
	case model.OpUpdate, model.OpMerge:
		return Causal
	default:
		return Eventual
	}
}

// Apply submits a local operation. Optimistic, pessimistic and causal
// failures surface synchronously; eventual failures surface through
// logs and metrics at drain time.
func (e *Engine) Apply(ctx context.Context, op model.SyncOperation) error {
	if op.Target == "" {
		return errors.InvalidArgument("operation target must not be empty", nil)
	}
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if op.SourceNode == "" {
		op.SourceNode = e.cfg.NodeID
	}
	if op.Timestamp == 0 {
		op.Timestamp = uint64(time.Now().UnixMicro())
	}
	op.VectorClock = e.tick()

	strategy := e.strategyFor(op)

	var err error
	switch strategy {
	case Optimistic:
		err = e.applyOptimistic(ctx, op)
	case Pessimistic:
		err = e.applyPessimistic(ctx, op)
	case Eventual:
		err = e.enqueue(op)
	case Causal:
		err = e.applyCausal(op)
	default:
		err = errors.InvalidOperation(string(op.Type), "no strategy mapping")
	}

	if err != nil {
		e.metrics.OperationFailuresTotal.WithLabelValues(strategy.String()).Inc()
		return err
	}
	e.metrics.OperationsAppliedTotal.WithLabelValues(strategy.String()).Inc()
	return nil
}

// tick advances the local clock and returns a snapshot to embed in the
// operation.
func (e *Engine) tick() crdt.VectorClock {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	e.clock.Increment(e.cfg.NodeID)
	return e.clock.Clone()
}

func (e *Engine) mergeClock(other crdt.VectorClock) {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	e.clock.Merge(other)
}

// LocalClock returns a snapshot of the node's vector clock.
func (e *Engine) LocalClock() crdt.VectorClock {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	return e.clock.Clone()
}

func (e *Engine) applyOptimistic(ctx context.Context, op model.SyncOperation) error {
	if err := e.storage.Execute(ctx, op); err != nil {
		return errors.Sync("optimistic execution failed", err)
	}
	if err := e.enqueue(op); err != nil {
		return err
	}
	return e.submitLocalEvent(op, nil)
}

func (e *Engine) applyPessimistic(ctx context.Context, op model.SyncOperation) error {
	e.locks.lock(op.Target)
	defer e.locks.unlock(op.Target)

	if err := e.storage.Execute(ctx, op); err != nil {
		return errors.Sync("pessimistic execution failed", err)
	}
	e.recordApplied(op, uuid.Nil)
	return e.submitLocalEvent(op, nil)
}

// applyCausal depends on the most recent event seen for the target, so
// delivery (local and remote) waits until that predecessor has been
// delivered.
func (e *Engine) applyCausal(op model.SyncOperation) error {
	var deps []uuid.UUID
	e.stateMu.RLock()
	if st, ok := e.state[op.Target]; ok && st.hasEvent {
		deps = []uuid.UUID{st.lastEventID}
	}
	e.stateMu.RUnlock()
	return e.submitLocalEvent(op, deps)
}

// submitLocalEvent wraps an operation as an event and hands it to the
// ordering buffer. Backpressure surfaces to the caller.
func (e *Engine) submitLocalEvent(op model.SyncOperation, deps []uuid.UUID) error {
	payload, err := model.EncodeOperation(op)
	if err != nil {
		return err
	}
	event := model.Event{
		ID:           uuid.New(),
		Timestamp:    op.Timestamp,
		VectorClock:  op.VectorClock.Clone(),
		NodeID:       e.cfg.NodeID,
		Payload:      payload,
		Dependencies: deps,
	}
	return e.ordering.SubmitEvent(event)
}

// HandleRemoteEvent feeds an event received from a peer into the
// ordering buffer. Duplicates are absorbed there.
func (e *Engine) HandleRemoteEvent(event model.Event) error {
	return e.ordering.SubmitEvent(event)
}

// enqueue appends to the operation log, rejecting with backpressure
// when full. Accepted operations are never silently discarded.
func (e *Engine) enqueue(op model.SyncOperation) error {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	if len(e.opLog) >= e.cfg.MaxOperationLog {
		e.metrics.BackpressureTotal.Inc()
		return errors.Backpressure("operation_log", len(e.opLog), e.cfg.MaxOperationLog)
	}
	e.opLog = append(e.opLog, op)
	e.metrics.OperationLogSize.Set(float64(len(e.opLog)))
	return nil
}

// OperationLogLen reports the number of queued operations.
func (e *Engine) OperationLogLen() int {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	return len(e.opLog)
}

// TargetState returns the latest applied value for a target key.
func (e *Engine) TargetState(target string) ([]byte, bool) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	st, ok := e.state[target]
	if !ok {
		return nil, false
	}
	value := make([]byte, len(st.value))
	copy(value, st.value)
	return value, true
}

// Conflicts returns the resolver's audit log.
func (e *Engine) Conflicts() []resolver.ConflictRecord {
	return e.resolver.Records()
}

// Run drives the batch drain, the causal delivery consumer, and the
// ordering buffer's sweep loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.ordering.Run(ctx) })
	g.Go(func() error { return e.drainLoop(ctx) })
	g.Go(func() error { return e.consumeDeliveries(ctx) })
	return g.Wait()
}

func (e *Engine) drainLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Final drain so a graceful shutdown does not strand
			// queued operations.
			e.drain(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.C:
			e.drain(ctx)
		}
	}
}

// drain executes up to MaxBatchSize queued operations in FIFO order.
// An operation leaves the log only after Execute returns success or the
// retry budget is exhausted; failures in between keep it at the head.
func (e *Engine) drain(ctx context.Context) {
	e.logMu.Lock()
	n := len(e.opLog)
	if n == 0 {
		e.logMu.Unlock()
		return
	}
	if n > e.cfg.MaxBatchSize {
		n = e.cfg.MaxBatchSize
	}
	batch := make([]model.SyncOperation, n)
	copy(batch, e.opLog[:n])
	e.logMu.Unlock()

	e.metrics.BatchDrainsTotal.Inc()

	// Only the drain loop removes from the head, so batch still maps
	// onto opLog[:n] when we reacquire the lock.
	keep := make([]model.SyncOperation, 0, n)
	for _, op := range batch {
		err := e.storage.Execute(ctx, op)
		if err == nil {
			e.metrics.BatchedOperationsTotal.Inc()
			e.recordApplied(op, uuid.Nil)
			e.logMu.Lock()
			delete(e.retries, op.ID)
			e.logMu.Unlock()
			continue
		}

		e.logMu.Lock()
		e.retries[op.ID]++
		attempts := e.retries[op.ID]
		e.logMu.Unlock()

		if attempts >= e.cfg.MaxRetries {
			e.metrics.OperationsDroppedTotal.Inc()
			e.logger.Error("dropping operation after retry budget exhausted",
				zap.String("operation_id", op.ID.String()),
				zap.String("target", op.Target),
				zap.Int("attempts", attempts),
				zap.Error(err))
			e.logMu.Lock()
			delete(e.retries, op.ID)
			e.logMu.Unlock()
			continue
		}

		e.logger.Warn("batch execution failed, will retry",
			zap.String("operation_id", op.ID.String()),
			zap.String("target", op.Target),
			zap.Int("attempts", attempts),
			zap.Error(err))
		keep = append(keep, op)
	}

	e.logMu.Lock()
	e.opLog = append(keep, e.opLog[n:]...)
	e.metrics.OperationLogSize.Set(float64(len(e.opLog)))
	e.logMu.Unlock()
}

func (e *Engine) consumeDeliveries(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-e.ordering.Deliveries():
			if !ok {
				return nil
			}
			e.applyDelivered(ctx, event)
		}
	}
}

// applyDelivered executes a causally delivered event against storage,
// resolving conflicts when the event's clock is concurrent with the
// last applied state for the same target.
func (e *Engine) applyDelivered(ctx context.Context, event model.Event) {
	op, err := model.DecodeOperation(event.Payload)
	if err != nil {
		e.logger.Error("dropping undecodable delivered event",
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
		return
	}

	e.locks.lock(op.Target)
	defer e.locks.unlock(op.Target)

	e.stateMu.RLock()
	st, exists := e.state[op.Target]
	var existing *targetState
	if exists {
		snapshot := *st
		existing = &snapshot
	}
	e.stateMu.RUnlock()

	appliedTS, appliedNode := op.Timestamp, op.SourceNode
	if exists {
		switch existing.clock.Compare(op.VectorClock) {
		case crdt.After, crdt.Equal:
			// Already subsumed by applied state. The pessimistic and
			// batched paths record state before their event is
			// consumed here, so locally originated events routinely
			// land in this branch; they still have to reach peers.
			e.broadcastLocal(ctx, event)
			return
		case crdt.Concurrent:
			resolved, rerr := e.resolver.Resolve(ctx, []resolver.ConflictValue{
				{Value: existing.value, Timestamp: existing.timestamp, NodeID: existing.nodeID},
				{Value: op.Payload, Timestamp: op.Timestamp, NodeID: op.SourceNode},
			})
			if rerr != nil {
				e.logger.Error("conflict resolution failed",
					zap.String("target", op.Target),
					zap.Error(rerr))
				return
			}
			op.Payload = resolved
			// State keeps the winning write's identity so later
			// resolutions rank against the same key the storage
			// newer-guard uses.
			if existing.timestamp > appliedTS ||
				(existing.timestamp == appliedTS && existing.nodeID > appliedNode) {
				appliedTS = existing.timestamp
				appliedNode = existing.nodeID
			}
		}
	}

	if err := e.storage.Execute(ctx, op); err != nil {
		e.logger.Error("delivered event execution failed",
			zap.String("event_id", event.ID.String()),
			zap.String("target", op.Target),
			zap.Error(err))
		return
	}

	e.mergeClock(event.VectorClock)
	rec := op
	rec.Timestamp = appliedTS
	rec.SourceNode = appliedNode
	e.recordAppliedWithPayload(rec, event.ID, op.Payload)

	e.broadcastLocal(ctx, event)
}

// broadcastLocal disseminates a locally originated event to peers.
// Remote events are not re-broadcast by the engine; the gossip layer
// forwards those itself.
func (e *Engine) broadcastLocal(ctx context.Context, event model.Event) {
	if event.NodeID != e.cfg.NodeID || e.broadcaster == nil {
		return
	}
	encoded, err := model.EncodeEvent(event)
	if err != nil {
		e.logger.Error("failed to encode event for broadcast", zap.Error(err))
		return
	}
	if err := e.broadcaster.Broadcast(ctx, encoded); err != nil {
		e.logger.Warn("event broadcast failed",
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
	}
}

func (e *Engine) recordApplied(op model.SyncOperation, eventID uuid.UUID) {
	e.recordAppliedWithPayload(op, eventID, op.Payload)
}

// recordAppliedWithPayload updates the per-target state used for
// conflict detection and causal dependency tracking.
func (e *Engine) recordAppliedWithPayload(op model.SyncOperation, eventID uuid.UUID, payload []byte) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	st, ok := e.state[op.Target]
	if !ok {
		st = &targetState{clock: crdt.NewVectorClock()}
		e.state[op.Target] = st
	}
	st.clock.Merge(op.VectorClock)
	st.value = payload
	st.timestamp = op.Timestamp
	st.nodeID = op.SourceNode
	if eventID != uuid.Nil {
		st.lastEventID = eventID
		st.hasEvent = true
	}
}
