package gossip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/meshsync/internal/metrics"
	"github.com/devrev/meshsync/internal/transport"
	"github.com/devrev/meshsync/internal/util/workerpool"
)

type recordingSender struct {
	mu    sync.Mutex
	sends []transport.Envelope
	peers []string
}

func (s *recordingSender) Send(peerID string, env transport.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = append(s.peers, peerID)
	s.sends = append(s.sends, env)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

func (s *recordingSender) envelopeAt(i int) transport.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends[i]
}

type staticPeers []string

func (p staticPeers) BroadcastTargets() []string {
	out := make([]string, len(p))
	copy(out, p)
	return out
}

type testGossip struct {
	protocol *Protocol
	sender   *recordingSender
	pool     *workerpool.Pool

	mu        sync.Mutex
	delivered [][]byte
}

func newTestGossip(t *testing.T, cfg Config, peers []string) *testGossip {
	t.Helper()
	if cfg.NodeID == "" {
		cfg.NodeID = "node1"
	}
	tg := &testGossip{
		sender: &recordingSender{},
		pool:   workerpool.New(workerpool.Config{Name: "gossip-test"}, zap.NewNop()),
	}
	t.Cleanup(func() { _ = tg.pool.Stop(time.Second) })

	handler := func(payload []byte) {
		tg.mu.Lock()
		tg.delivered = append(tg.delivered, payload)
		tg.mu.Unlock()
	}
	m := metrics.New(cfg.NodeID, prometheus.NewRegistry())
	tg.protocol = New(cfg, NewMemoryDedup(), staticPeers(peers), tg.sender, handler, tg.pool, zap.NewNop(), m)
	return tg
}

func (tg *testGossip) deliveredCount() int {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return len(tg.delivered)
}

func TestBroadcastSendsToFanoutSubset(t *testing.T) {
	tg := newTestGossip(t, Config{Fanout: 2}, []string{"a", "b", "c", "d", "e"})

	require.NoError(t, tg.protocol.Broadcast(context.Background(), []byte("hello")))

	assert.Eventually(t, func() bool { return tg.sender.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestBroadcastWithFewerPeersThanFanout(t *testing.T) {
	tg := newTestGossip(t, Config{Fanout: 3}, []string{"a"})

	require.NoError(t, tg.protocol.Broadcast(context.Background(), []byte("hello")))

	assert.Eventually(t, func() bool { return tg.sender.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHandleMessageDeliversAndForwards(t *testing.T) {
	tg := newTestGossip(t, Config{Fanout: 2, MessageTTL: 5}, []string{"a", "b", "c"})

	msg := Message{ID: uuid.New(), Source: "node2", Hops: 0, Payload: []byte("payload")}
	require.NoError(t, tg.protocol.HandleMessage(context.Background(), msg))

	assert.Equal(t, 1, tg.deliveredCount())
	assert.Eventually(t, func() bool { return tg.sender.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestDuplicateMessageForwardedExactlyOnce(t *testing.T) {
	tg := newTestGossip(t, Config{Fanout: 1, MessageTTL: 5}, []string{"a"})

	msg := Message{ID: uuid.New(), Source: "node2", Payload: []byte("payload")}
	require.NoError(t, tg.protocol.HandleMessage(context.Background(), msg))
	require.NoError(t, tg.protocol.HandleMessage(context.Background(), msg))

	assert.Eventually(t, func() bool { return tg.sender.count() == 1 }, time.Second, 5*time.Millisecond)
	// Give any stray forward a chance to land before the final check.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tg.sender.count())
	assert.Equal(t, 1, tg.deliveredCount())
}

func TestHopBudgetStopsForwarding(t *testing.T) {
	tg := newTestGossip(t, Config{Fanout: 2, MessageTTL: 3}, []string{"a", "b"})

	msg := Message{ID: uuid.New(), Source: "node2", Hops: 2, Payload: []byte("payload")}
	require.NoError(t, tg.protocol.HandleMessage(context.Background(), msg))

	// Delivered locally but hops reached the TTL, so no re-dissemination.
	assert.Equal(t, 1, tg.deliveredCount())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, tg.sender.count())
}

func TestOwnBroadcastEchoIsDropped(t *testing.T) {
	tg := newTestGossip(t, Config{Fanout: 1, MessageTTL: 5}, []string{"a"})

	require.NoError(t, tg.protocol.Broadcast(context.Background(), []byte("payload")))
	assert.Eventually(t, func() bool { return tg.sender.count() == 1 }, time.Second, 5*time.Millisecond)

	echo, err := DecodeMessage(tg.sender.envelopeAt(0).Body)
	require.NoError(t, err)
	require.NoError(t, tg.protocol.HandleMessage(context.Background(), echo))

	assert.Equal(t, 0, tg.deliveredCount())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tg.sender.count())
}

func TestBroadcastRateLimit(t *testing.T) {
	tg := newTestGossip(t, Config{Fanout: 1, BroadcastRate: 1, BroadcastBurst: 1}, []string{"a"})

	require.NoError(t, tg.protocol.Broadcast(context.Background(), []byte("one")))
	err := tg.protocol.Broadcast(context.Background(), []byte("two"))
	assert.Error(t, err)
}

func TestMemoryDedupExpiry(t *testing.T) {
	d := NewMemoryDedup()

	seen, err := d.MarkSeen(context.Background(), "id1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = d.MarkSeen(context.Background(), "id1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, seen)

	time.Sleep(15 * time.Millisecond)
	seen, err = d.MarkSeen(context.Background(), "id1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{ID: uuid.New(), Source: "node1", Hops: 2, Payload: []byte("data")}
	data, err := EncodeMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, msg.Hops, decoded.Hops)
	assert.Equal(t, msg.Payload, decoded.Payload)
}
