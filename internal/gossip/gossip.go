// Package gossip implements epidemic broadcast: hop-limited flooding to
// a random fanout subset of peers, with time-bounded deduplication so
// re-deliveries are idempotent.
package gossip

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devrev/meshsync/internal/crdt"
	"github.com/devrev/meshsync/internal/errors"
	"github.com/devrev/meshsync/internal/metrics"
	"github.com/devrev/meshsync/internal/transport"
	"github.com/devrev/meshsync/internal/util/workerpool"
)

// Message is the unit of dissemination. Hops counts forwarding steps
// taken so far; once it reaches the TTL the message stops spreading.
type Message struct {
	ID          uuid.UUID        `json:"id"`
	Source      string           `json:"source"`
	Hops        int              `json:"hops"`
	Payload     []byte           `json:"payload"`
	VectorClock crdt.VectorClock `json:"vector_clock"`
}

// EncodeMessage serializes a message for the envelope body.
func EncodeMessage(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Codec("failed to encode gossip message", err)
	}
	return data, nil
}

// DecodeMessage deserializes an envelope body.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, errors.Codec("failed to decode gossip message", err)
	}
	return msg, nil
}

// DedupStore tracks message ids within a time window. MarkSeen reports
// whether the id was already present; marking is atomic with the check
// so two concurrent deliveries of the same id produce exactly one
// forward.
type DedupStore interface {
	MarkSeen(ctx context.Context, id string, ttl time.Duration) (seen bool, err error)
}

// PeerProvider supplies the current broadcast targets, typically the
// membership layer's active view.
type PeerProvider interface {
	BroadcastTargets() []string
}

// Handler consumes a gossip payload exactly once per message id.
type Handler func(payload []byte)

// Config holds gossip tuning knobs.
type Config struct {
	NodeID     string
	Fanout     int
	MessageTTL int
	SeenTTL    time.Duration
	// BroadcastRate caps locally originated broadcasts per second;
	// zero disables limiting.
	BroadcastRate float64
	BroadcastBurst int
}

// Protocol implements the broadcast and handle sides of gossip.
type Protocol struct {
	cfg     Config
	dedup   DedupStore
	peers   PeerProvider
	sender  transport.Sender
	handler Handler
	pool    *workerpool.Pool
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Metrics

	randMu sync.Mutex
	rand   *rand.Rand
}

func New(cfg Config, dedup DedupStore, peers PeerProvider, sender transport.Sender, handler Handler, pool *workerpool.Pool, logger *zap.Logger, m *metrics.Metrics) *Protocol {
	if cfg.Fanout <= 0 {
		cfg.Fanout = 3
	}
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = 5
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = 60 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.BroadcastRate > 0 {
		burst := cfg.BroadcastBurst
		if burst <= 0 {
			burst = int(cfg.BroadcastRate)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.BroadcastRate), burst)
	}

	logger.Info("gossip protocol initialized",
		zap.String("node_id", cfg.NodeID),
		zap.Int("fanout", cfg.Fanout),
		zap.Int("message_ttl", cfg.MessageTTL),
		zap.Duration("seen_ttl", cfg.SeenTTL))

	return &Protocol{
		cfg:     cfg,
		dedup:   dedup,
		peers:   peers,
		sender:  sender,
		handler: handler,
		pool:    pool,
		limiter: limiter,
		logger:  logger,
		metrics: m,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Broadcast originates a message and sends it to a random fanout subset
// of current peers. The local node marks its own id seen so an echo
// from a peer is not reprocessed.
func (p *Protocol) Broadcast(ctx context.Context, payload []byte) error {
	return p.BroadcastWithClock(ctx, payload, crdt.NewVectorClock())
}

// BroadcastWithClock attaches ordering metadata for the receiving
// layer; gossip itself imposes no cross-broadcast order.
func (p *Protocol) BroadcastWithClock(ctx context.Context, payload []byte, clock crdt.VectorClock) error {
	if p.limiter != nil && !p.limiter.Allow() {
		p.metrics.GossipDroppedTotal.Inc()
		return errors.Backpressure("gossip_broadcast", 0, 0)
	}

	msg := Message{
		ID:          uuid.New(),
		Source:      p.cfg.NodeID,
		Payload:     payload,
		VectorClock: clock,
	}
	if _, err := p.dedup.MarkSeen(ctx, msg.ID.String(), p.cfg.SeenTTL); err != nil {
		p.logger.Warn("dedup store unavailable on broadcast",
			zap.String("message_id", msg.ID.String()),
			zap.Error(err))
	}

	p.metrics.GossipMessagesTotal.WithLabelValues("out").Inc()
	p.disseminate(msg)
	return nil
}

// HandleMessage processes a message received from a peer: drop if seen,
// otherwise deliver locally and re-disseminate while hop budget lasts.
func (p *Protocol) HandleMessage(ctx context.Context, msg Message) error {
	p.metrics.GossipMessagesTotal.WithLabelValues("in").Inc()

	seen, err := p.dedup.MarkSeen(ctx, msg.ID.String(), p.cfg.SeenTTL)
	if err != nil {
		// Prefer possible duplicate delivery over a lost message.
		p.logger.Warn("dedup store unavailable, treating message as new",
			zap.String("message_id", msg.ID.String()),
			zap.Error(err))
	}
	if seen {
		p.metrics.GossipDedupHitsTotal.Inc()
		return nil
	}

	if p.handler != nil {
		p.handler(msg.Payload)
	}

	msg.Hops++
	if msg.Hops < p.cfg.MessageTTL {
		p.disseminate(msg)
	}
	return nil
}

// disseminate fans the message out to a fresh random peer subset. Sends
// run on the pool; a full queue drops the send, which the protocol's
// redundancy absorbs.
func (p *Protocol) disseminate(msg Message) {
	targets := p.selectPeers()
	if len(targets) == 0 {
		return
	}

	body, err := EncodeMessage(msg)
	if err != nil {
		p.logger.Error("failed to encode gossip message", zap.Error(err))
		return
	}
	env := transport.Envelope{Kind: transport.KindGossip, From: p.cfg.NodeID, Body: body}

	for _, peer := range targets {
		peer := peer
		ok := p.pool.TrySubmit(workerpool.Task{
			ID: msg.ID.String(),
			Fn: func(context.Context) error {
				return p.sender.Send(peer, env)
			},
		})
		if !ok {
			p.metrics.GossipDroppedTotal.Inc()
		}
	}
}

// selectPeers picks a random fanout-sized subset of the current peers.
func (p *Protocol) selectPeers() []string {
	peers := p.peers.BroadcastTargets()
	if len(peers) <= p.cfg.Fanout {
		return peers
	}
	p.randMu.Lock()
	p.rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	p.randMu.Unlock()
	return peers[:p.cfg.Fanout]
}
