package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/meshsync/internal/crdt"
	"github.com/devrev/meshsync/internal/errors"
	"github.com/devrev/meshsync/internal/metrics"
	"github.com/devrev/meshsync/internal/model"
	"github.com/devrev/meshsync/internal/ordering"
	"github.com/devrev/meshsync/internal/resolver"
)

// fakeStorage records executed operations and can be told to fail a
// number of times before succeeding.
type fakeStorage struct {
	mu       sync.Mutex
	executed []model.SyncOperation
	failures int
}

func (s *fakeStorage) Execute(_ context.Context, op model.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("injected storage failure")
	}
	s.executed = append(s.executed, op)
	return nil
}

func (s *fakeStorage) executedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executed)
}

func (s *fakeStorage) lastExecuted() model.SyncOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executed[len(s.executed)-1]
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (b *fakeBroadcaster) Broadcast(_ context.Context, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads = append(b.payloads, payload)
	return nil
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.payloads)
}

type testEngine struct {
	engine   *Engine
	storage  *fakeStorage
	ordering *ordering.EventOrdering
	bc       *fakeBroadcaster
}

func newTestEngine(t *testing.T, cfg Config) *testEngine {
	t.Helper()
	if cfg.NodeID == "" {
		cfg.NodeID = "node1"
	}
	m := metrics.New(cfg.NodeID, prometheus.NewRegistry())
	logger := zap.NewNop()
	ord := ordering.New(ordering.Config{}, logger, m)
	res := resolver.New(resolver.LastWriteWins, logger, m)
	storage := &fakeStorage{}
	bc := &fakeBroadcaster{}
	return &testEngine{
		engine:   New(cfg, storage, ord, res, bc, logger, m),
		storage:  storage,
		ordering: ord,
		bc:       bc,
	}
}

// drainDeliveries pulls any immediately available delivered events and
// applies them, standing in for the Run loop's consumer.
func (te *testEngine) drainDeliveries(ctx context.Context) {
	for {
		select {
		case event := <-te.ordering.Deliveries():
			te.engine.applyDelivered(ctx, event)
		default:
			return
		}
	}
}

func op(typ model.OperationType, target, payload string) model.SyncOperation {
	return model.SyncOperation{Type: typ, Target: target, Payload: []byte(payload)}
}

func TestOptimisticExecutesImmediately(t *testing.T) {
	te := newTestEngine(t, Config{Strategy: Optimistic})

	require.NoError(t, te.engine.Apply(context.Background(), op(model.OpCreate, "key1", "v1")))

	assert.Equal(t, 1, te.storage.executedCount())
	assert.Equal(t, 1, te.engine.OperationLogLen())
}

func TestEventualDefersToDrain(t *testing.T) {
	te := newTestEngine(t, Config{Strategy: Eventual})

	require.NoError(t, te.engine.Apply(context.Background(), op(model.OpUpdate, "key1", "v1")))
	assert.Equal(t, 0, te.storage.executedCount())
	assert.Equal(t, 1, te.engine.OperationLogLen())

	te.engine.drain(context.Background())
	assert.Equal(t, 1, te.storage.executedCount())
	assert.Equal(t, 0, te.engine.OperationLogLen())
}

func TestHybridDispatchByOperationType(t *testing.T) {
	te := newTestEngine(t, Config{Strategy: Hybrid})

	assert.Equal(t, Optimistic, te.engine.strategyFor(op(model.OpCreate, "k", "")))
	assert.Equal(t, Pessimistic, te.engine.strategyFor(op(model.OpDelete, "k", "")))
	assert.Equal(t, Causal, te.engine.strategyFor(op(model.OpUpdate, "k", "")))
	assert.Equal(t, Causal, te.engine.strategyFor(op(model.OpMerge, "k", "")))
	assert.Equal(t, Eventual, te.engine.strategyFor(op("compact", "k", "")))
}

func TestPessimisticExecutesUnderLock(t *testing.T) {
	te := newTestEngine(t, Config{Strategy: Pessimistic})

	require.NoError(t, te.engine.Apply(context.Background(), op(model.OpDelete, "key1", "")))
	assert.Equal(t, 1, te.storage.executedCount())
}

func TestOperationLogBackpressure(t *testing.T) {
	te := newTestEngine(t, Config{Strategy: Eventual, MaxOperationLog: 2})

	require.NoError(t, te.engine.Apply(context.Background(), op(model.OpUpdate, "k1", "v")))
	require.NoError(t, te.engine.Apply(context.Background(), op(model.OpUpdate, "k2", "v")))

	err := te.engine.Apply(context.Background(), op(model.OpUpdate, "k3", "v"))
	require.Error(t, err)
	assert.True(t, errors.IsBackpressure(err))
	assert.Equal(t, 2, te.engine.OperationLogLen())
}

func TestDrainRetriesThenDrops(t *testing.T) {
	te := newTestEngine(t, Config{Strategy: Eventual, MaxRetries: 2})
	te.storage.failures = 10

	require.NoError(t, te.engine.Apply(context.Background(), op(model.OpUpdate, "key1", "v1")))

	// First failure keeps the operation queued.
	te.engine.drain(context.Background())
	assert.Equal(t, 1, te.engine.OperationLogLen())

	// Second failure exhausts the retry budget and drops it.
	te.engine.drain(context.Background())
	assert.Equal(t, 0, te.engine.OperationLogLen())
	assert.Equal(t, 0, te.storage.executedCount())
}

func TestDrainCommitBarrierPreservesFIFO(t *testing.T) {
	te := newTestEngine(t, Config{Strategy: Eventual, MaxBatchSize: 2})

	for i := 0; i < 3; i++ {
		require.NoError(t, te.engine.Apply(context.Background(),
			op(model.OpUpdate, fmt.Sprintf("key%d", i), "v")))
	}

	te.engine.drain(context.Background())
	assert.Equal(t, 2, te.storage.executedCount())
	assert.Equal(t, 1, te.engine.OperationLogLen())

	te.engine.drain(context.Background())
	assert.Equal(t, 3, te.storage.executedCount())
	assert.Equal(t, "key2", te.storage.lastExecuted().Target)
}

func TestCausalAppliesOnDelivery(t *testing.T) {
	te := newTestEngine(t, Config{Strategy: Causal})
	ctx := context.Background()

	require.NoError(t, te.engine.Apply(ctx, op(model.OpUpdate, "key1", "v1")))
	assert.Equal(t, 0, te.storage.executedCount())

	te.drainDeliveries(ctx)
	require.Equal(t, 1, te.storage.executedCount())
	assert.Equal(t, "key1", te.storage.lastExecuted().Target)

	value, ok := te.engine.TargetState("key1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), value)
}

func TestCausalLocalEventIsBroadcast(t *testing.T) {
	te := newTestEngine(t, Config{Strategy: Causal})
	ctx := context.Background()

	require.NoError(t, te.engine.Apply(ctx, op(model.OpUpdate, "key1", "v1")))
	te.drainDeliveries(ctx)

	require.Equal(t, 1, te.bc.count())
	event, err := model.DecodeEvent(te.bc.payloads[0])
	require.NoError(t, err)
	assert.Equal(t, "node1", event.NodeID)
}

func TestPessimisticOperationIsBroadcast(t *testing.T) {
	te := newTestEngine(t, Config{Strategy: Pessimistic})
	ctx := context.Background()

	// Pessimistic apply records state before its event is delivered, so
	// the consumer sees an Equal clock; the event must still go out.
	require.NoError(t, te.engine.Apply(ctx, op(model.OpDelete, "key1", "")))
	te.drainDeliveries(ctx)

	require.Equal(t, 1, te.bc.count())
	event, err := model.DecodeEvent(te.bc.payloads[0])
	require.NoError(t, err)
	assert.Equal(t, "node1", event.NodeID)
}

func TestOptimisticBroadcastSurvivesBatchDrain(t *testing.T) {
	te := newTestEngine(t, Config{Strategy: Optimistic})
	ctx := context.Background()

	require.NoError(t, te.engine.Apply(ctx, op(model.OpCreate, "key1", "v1")))

	// The batch drain records state before the delivery is consumed.
	te.engine.drain(ctx)
	te.drainDeliveries(ctx)

	assert.Equal(t, 1, te.bc.count())
}

func TestRemoteEventFeedsOrdering(t *testing.T) {
	te := newTestEngine(t, Config{Strategy: Causal})
	ctx := context.Background()

	remote := op(model.OpUpdate, "key1", "remote-value")
	remote.ID = uuid.New()
	remote.SourceNode = "node2"
	remote.Timestamp = 50
	remote.VectorClock = crdt.VectorClock{Entries: map[string]uint64{"node2": 1}}
	payload, err := model.EncodeOperation(remote)
	require.NoError(t, err)

	require.NoError(t, te.engine.HandleRemoteEvent(model.Event{
		ID:          uuid.New(),
		Timestamp:   50,
		VectorClock: remote.VectorClock.Clone(),
		NodeID:      "node2",
		Payload:     payload,
	}))
	te.drainDeliveries(ctx)

	assert.Equal(t, 1, te.storage.executedCount())
	// Remote-origin events are not re-broadcast by the engine.
	assert.Equal(t, 0, te.bc.count())
}

func TestConcurrentDeliveryResolvesConflict(t *testing.T) {
	te := newTestEngine(t, Config{Strategy: Causal})
	ctx := context.Background()

	// Local write establishes state under clock {node1: 1}.
	require.NoError(t, te.engine.Apply(ctx, op(model.OpUpdate, "key1", "local")))
	te.drainDeliveries(ctx)
	require.Equal(t, 1, te.storage.executedCount())

	// A remote write under {node2: 1} is concurrent with the local one;
	// last-write-wins keeps the higher timestamp.
	remote := op(model.OpUpdate, "key1", "remote")
	remote.SourceNode = "node2"
	remote.Timestamp = uint64(time.Now().UnixMicro()) + 1000000
	remote.VectorClock = crdt.VectorClock{Entries: map[string]uint64{"node2": 1}}
	payload, err := model.EncodeOperation(remote)
	require.NoError(t, err)

	require.NoError(t, te.engine.HandleRemoteEvent(model.Event{
		ID:          uuid.New(),
		Timestamp:   remote.Timestamp,
		VectorClock: remote.VectorClock.Clone(),
		NodeID:      "node2",
		Payload:     payload,
	}))
	te.drainDeliveries(ctx)

	require.Equal(t, 2, te.storage.executedCount())
	assert.Equal(t, []byte("remote"), te.storage.lastExecuted().Payload)

	records := te.engine.Conflicts()
	require.Len(t, records, 1)
	assert.Equal(t, "last_write_wins", records[0].StrategyUsed)
}

func TestResolvedStateKeepsWinningKey(t *testing.T) {
	te := newTestEngine(t, Config{Strategy: Causal})
	ctx := context.Background()

	deliverRemote := func(remote model.SyncOperation) {
		payload, err := model.EncodeOperation(remote)
		require.NoError(t, err)
		require.NoError(t, te.engine.HandleRemoteEvent(model.Event{
			ID:          uuid.New(),
			Timestamp:   remote.Timestamp,
			VectorClock: remote.VectorClock.Clone(),
			NodeID:      remote.SourceNode,
			Payload:     payload,
		}))
		te.drainDeliveries(ctx)
	}

	require.NoError(t, te.engine.Apply(ctx, op(model.OpUpdate, "key1", "local-winner")))
	te.drainDeliveries(ctx)
	now := uint64(time.Now().UnixMicro())

	// A concurrent remote write that loses last-write-wins must not
	// re-stamp the state with its own timestamp, or the next, newer
	// loser would wrongly win against it.
	older := op(model.OpUpdate, "key1", "older-value")
	older.ID = uuid.New()
	older.SourceNode = "node2"
	older.Timestamp = now - 10_000_000
	older.VectorClock = crdt.VectorClock{Entries: map[string]uint64{"node2": 1}}
	deliverRemote(older)

	mid := op(model.OpUpdate, "key1", "mid-value")
	mid.ID = uuid.New()
	mid.SourceNode = "node2"
	mid.Timestamp = now - 5_000_000
	mid.VectorClock = crdt.VectorClock{Entries: map[string]uint64{"node2": 2}}
	deliverRemote(mid)

	value, ok := te.engine.TargetState("key1")
	require.True(t, ok)
	assert.Equal(t, []byte("local-winner"), value)
	assert.Len(t, te.engine.Conflicts(), 2)
}

func TestStaleDeliveryIsSkipped(t *testing.T) {
	te := newTestEngine(t, Config{Strategy: Causal})
	ctx := context.Background()

	require.NoError(t, te.engine.Apply(ctx, op(model.OpUpdate, "key1", "current")))
	te.drainDeliveries(ctx)
	require.Equal(t, 1, te.storage.executedCount())

	// An event whose clock is dominated by applied state is subsumed.
	stale := op(model.OpUpdate, "key1", "stale")
	stale.SourceNode = "node1"
	stale.Timestamp = 1
	stale.VectorClock = crdt.NewVectorClock()
	payload, err := model.EncodeOperation(stale)
	require.NoError(t, err)

	require.NoError(t, te.engine.HandleRemoteEvent(model.Event{
		ID:          uuid.New(),
		Timestamp:   1,
		VectorClock: crdt.NewVectorClock(),
		NodeID:      "node2",
		Payload:     payload,
	}))
	te.drainDeliveries(ctx)

	assert.Equal(t, 1, te.storage.executedCount())
}

func TestLocalClockAdvancesPerOperation(t *testing.T) {
	te := newTestEngine(t, Config{Strategy: Eventual})

	require.NoError(t, te.engine.Apply(context.Background(), op(model.OpUpdate, "k", "v")))
	require.NoError(t, te.engine.Apply(context.Background(), op(model.OpUpdate, "k", "v")))

	assert.Equal(t, uint64(2), te.engine.LocalClock().Get("node1"))
}

func TestParseEngineStrategy(t *testing.T) {
	s, err := ParseStrategy("pessimistic")
	require.NoError(t, err)
	assert.Equal(t, Pessimistic, s)

	s, err = ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, Hybrid, s)

	_, err = ParseStrategy("bogus")
	assert.Error(t, err)
}
