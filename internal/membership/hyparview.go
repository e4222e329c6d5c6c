// Package membership maintains bounded active and passive peer views
// (HyParView). The active view feeds gossip's fanout targets; the
// passive view is a repair pool refreshed by periodic shuffles.
package membership

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/meshsync/internal/errors"
	"github.com/devrev/meshsync/internal/metrics"
	"github.com/devrev/meshsync/internal/transport"
)

// NodeInfo identifies a peer.
type NodeInfo struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

type joinBody struct {
	Node NodeInfo `json:"node"`
}

type forwardJoinBody struct {
	Node NodeInfo `json:"node"`
	TTL  int      `json:"ttl"`
}

type shuffleBody struct {
	Nodes []NodeInfo `json:"nodes"`
}

type disconnectBody struct {
	Node NodeInfo `json:"node"`
}

// view is a bounded peer set that remembers insertion order so the
// oldest entry can be evicted.
type view struct {
	capacity int
	nodes    []NodeInfo
	index    map[string]struct{}
}

func newView(capacity int) *view {
	return &view{capacity: capacity, index: make(map[string]struct{})}
}

func (v *view) contains(id string) bool {
	_, ok := v.index[id]
	return ok
}

func (v *view) full() bool { return len(v.nodes) >= v.capacity }

// add appends if absent and below capacity.
func (v *view) add(n NodeInfo) bool {
	if v.contains(n.ID) || v.full() {
		return false
	}
	v.nodes = append(v.nodes, n)
	v.index[n.ID] = struct{}{}
	return true
}

// addEvicting appends if absent, evicting the oldest entry when full.
func (v *view) addEvicting(n NodeInfo) {
	if v.contains(n.ID) {
		return
	}
	if v.full() {
		oldest := v.nodes[0]
		v.nodes = v.nodes[1:]
		delete(v.index, oldest.ID)
	}
	v.nodes = append(v.nodes, n)
	v.index[n.ID] = struct{}{}
}

func (v *view) remove(id string) bool {
	if !v.contains(id) {
		return false
	}
	delete(v.index, id)
	for i, n := range v.nodes {
		if n.ID == id {
			v.nodes = append(v.nodes[:i], v.nodes[i+1:]...)
			break
		}
	}
	return true
}

func (v *view) random(rng *rand.Rand) (NodeInfo, bool) {
	if len(v.nodes) == 0 {
		return NodeInfo{}, false
	}
	return v.nodes[rng.Intn(len(v.nodes))], true
}

// sample returns up to k distinct random members.
func (v *view) sample(rng *rand.Rand, k int) []NodeInfo {
	if k > len(v.nodes) {
		k = len(v.nodes)
	}
	perm := rng.Perm(len(v.nodes))
	out := make([]NodeInfo, 0, k)
	for _, i := range perm[:k] {
		out = append(out, v.nodes[i])
	}
	return out
}

func (v *view) snapshot() []NodeInfo {
	out := make([]NodeInfo, len(v.nodes))
	copy(out, v.nodes)
	return out
}

// Config holds membership tuning knobs.
type Config struct {
	Self            NodeInfo
	ActiveViewSize  int
	PassiveViewSize int
	ShuffleInterval time.Duration
	ForwardJoinTTL  int
}

// Protocol is the HyParView state machine. Views are guarded by one
// mutex; sends happen outside it.
type Protocol struct {
	cfg     Config
	sender  transport.Sender
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	active  *view
	passive *view
	rand    *rand.Rand
}

func New(cfg Config, sender transport.Sender, logger *zap.Logger, m *metrics.Metrics) *Protocol {
	if cfg.ActiveViewSize <= 0 {
		cfg.ActiveViewSize = 5
	}
	if cfg.PassiveViewSize <= 0 {
		cfg.PassiveViewSize = 30
	}
	if cfg.ShuffleInterval <= 0 {
		cfg.ShuffleInterval = 10 * time.Second
	}
	if cfg.ForwardJoinTTL <= 0 {
		cfg.ForwardJoinTTL = 3
	}

	logger.Info("membership protocol initialized",
		zap.String("node_id", cfg.Self.ID),
		zap.Int("active_view_size", cfg.ActiveViewSize),
		zap.Int("passive_view_size", cfg.PassiveViewSize),
		zap.Duration("shuffle_interval", cfg.ShuffleInterval))

	return &Protocol{
		cfg:     cfg,
		sender:  sender,
		logger:  logger,
		metrics: m,
		active:  newView(cfg.ActiveViewSize),
		passive: newView(cfg.PassiveViewSize),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Join introduces this node to the overlay through a contact peer. The
// contact goes straight into the active view; a bounded random walk
// advertises us deeper into the network.
func (p *Protocol) Join(contact NodeInfo) error {
	if contact.ID == p.cfg.Self.ID {
		return errors.InvalidArgument("cannot join through self", nil)
	}

	p.mu.Lock()
	if !p.active.add(contact) && !p.active.contains(contact.ID) {
		p.passive.addEvicting(contact)
	}
	p.updateGauges()
	p.mu.Unlock()

	env, err := encodeEnvelope(transport.KindForwardJoin, p.cfg.Self.ID,
		forwardJoinBody{Node: p.cfg.Self, TTL: p.cfg.ForwardJoinTTL})
	if err != nil {
		return err
	}
	if err := p.sender.Send(contact.ID, env); err != nil {
		return errors.Sync("failed to send join to contact", err)
	}

	p.logger.Info("joined overlay via contact",
		zap.String("contact", contact.ID))
	return nil
}

// HandleEnvelope dispatches a membership message received from a peer.
func (p *Protocol) HandleEnvelope(env transport.Envelope) error {
	switch env.Kind {
	case transport.KindJoin:
		var body joinBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return errors.Codec("failed to decode join", err)
		}
		p.handleJoin(body.Node)
		return nil
	case transport.KindForwardJoin:
		var body forwardJoinBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return errors.Codec("failed to decode forward join", err)
		}
		return p.handleForwardJoin(body.Node, body.TTL)
	case transport.KindShuffle:
		var body shuffleBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return errors.Codec("failed to decode shuffle", err)
		}
		p.handleShuffle(body.Nodes)
		return nil
	case transport.KindDisconnect:
		var body disconnectBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return errors.Codec("failed to decode disconnect", err)
		}
		p.HandleDisconnect(body.Node.ID)
		return nil
	default:
		return errors.InvalidArgument("unknown membership envelope kind: "+env.Kind, nil)
	}
}

// handleJoin inserts the node into the active view, overflowing into
// the passive view; a full passive view drops the node, which shuffles
// later repair.
func (p *Protocol) handleJoin(node NodeInfo) {
	if node.ID == p.cfg.Self.ID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active.contains(node.ID) {
		return
	}
	if p.active.add(node) {
		p.passive.remove(node.ID)
		p.logger.Debug("peer added to active view", zap.String("peer", node.ID))
	} else if p.passive.add(node) {
		p.logger.Debug("peer added to passive view", zap.String("peer", node.ID))
	}
	p.updateGauges()
}

// handleForwardJoin continues the random walk or absorbs the node when
// the walk ends here.
func (p *Protocol) handleForwardJoin(node NodeInfo, ttl int) error {
	if ttl <= 0 || node.ID == p.cfg.Self.ID {
		p.handleJoin(node)
		return nil
	}

	p.mu.Lock()
	next, ok := p.active.random(p.rand)
	for attempts := 0; ok && next.ID == node.ID && attempts < 3; attempts++ {
		next, ok = p.active.random(p.rand)
	}
	p.mu.Unlock()

	if !ok || next.ID == node.ID {
		p.handleJoin(node)
		return nil
	}

	env, err := encodeEnvelope(transport.KindForwardJoin, p.cfg.Self.ID,
		forwardJoinBody{Node: node, TTL: ttl - 1})
	if err != nil {
		return err
	}
	if err := p.sender.Send(next.ID, env); err != nil {
		// Walk broke; keep the node ourselves rather than lose it.
		p.handleJoin(node)
	}
	return nil
}

// Shuffle sends a random passive sample plus self to one random active
// peer.
func (p *Protocol) Shuffle() error {
	p.mu.Lock()
	target, ok := p.active.random(p.rand)
	if !ok {
		p.mu.Unlock()
		return nil
	}
	sample := p.passive.sample(p.rand, p.cfg.PassiveViewSize/2)
	p.mu.Unlock()

	sample = append(sample, p.cfg.Self)
	env, err := encodeEnvelope(transport.KindShuffle, p.cfg.Self.ID, shuffleBody{Nodes: sample})
	if err != nil {
		return err
	}
	if err := p.sender.Send(target.ID, env); err != nil {
		return errors.Sync("failed to send shuffle", err)
	}
	return nil
}

// handleShuffle merges received nodes into the passive view, evicting
// oldest entries past capacity.
func (p *Protocol) handleShuffle(nodes []NodeInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range nodes {
		if n.ID == p.cfg.Self.ID || p.active.contains(n.ID) {
			continue
		}
		p.passive.addEvicting(n)
	}
	p.updateGauges()
}

// HandleDisconnect drops a peer from the active view and promotes a
// random passive member to keep the view filled.
func (p *Protocol) HandleDisconnect(nodeID string) {
	p.mu.Lock()
	removed := p.active.remove(nodeID)
	var promoted NodeInfo
	var hasPromoted bool
	if removed && !p.active.full() {
		if candidate, ok := p.passive.random(p.rand); ok {
			p.passive.remove(candidate.ID)
			p.active.add(candidate)
			promoted, hasPromoted = candidate, true
		}
	}
	p.updateGauges()
	p.mu.Unlock()

	if !removed {
		return
	}
	p.logger.Info("peer disconnected", zap.String("peer", nodeID))

	if hasPromoted {
		p.logger.Info("promoted passive peer to active view",
			zap.String("peer", promoted.ID))
		env, err := encodeEnvelope(transport.KindJoin, p.cfg.Self.ID, joinBody{Node: p.cfg.Self})
		if err == nil {
			if serr := p.sender.Send(promoted.ID, env); serr != nil {
				p.logger.Warn("failed to notify promoted peer",
					zap.String("peer", promoted.ID),
					zap.Error(serr))
			}
		}
	}
}

// Run drives the periodic shuffle until ctx is cancelled.
func (p *Protocol) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ShuffleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Shuffle(); err != nil {
				p.logger.Warn("shuffle failed", zap.Error(err))
			}
		}
	}
}

// BroadcastTargets returns the active view's peer ids for gossip
// fanout.
func (p *Protocol) BroadcastTargets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.active.nodes))
	for _, n := range p.active.nodes {
		out = append(out, n.ID)
	}
	return out
}

// ActiveView returns a copy of the active view.
func (p *Protocol) ActiveView() []NodeInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active.snapshot()
}

// PassiveView returns a copy of the passive view.
func (p *Protocol) PassiveView() []NodeInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.passive.snapshot()
}

// updateGauges is called with p.mu held.
func (p *Protocol) updateGauges() {
	p.metrics.ActiveViewSize.Set(float64(len(p.active.nodes)))
	p.metrics.PassiveViewSize.Set(float64(len(p.passive.nodes)))
}

func encodeEnvelope(kind, from string, body any) (transport.Envelope, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return transport.Envelope{}, errors.Codec("failed to encode membership message", err)
	}
	return transport.Envelope{Kind: kind, From: from, Body: data}, nil
}
