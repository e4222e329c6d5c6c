// Package cluster carries envelopes between nodes over memberlist. It
// is the transport collaborator: gossip and membership hand it encoded
// envelopes and receive inbound ones through registered handlers.
package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/devrev/meshsync/internal/errors"
	"github.com/devrev/meshsync/internal/metrics"
	"github.com/devrev/meshsync/internal/transport"
	"github.com/devrev/meshsync/internal/util/workerpool"
)

// Handler consumes an inbound envelope of one kind.
type Handler func(env transport.Envelope)

// Config holds cluster transport settings.
type Config struct {
	NodeID         string
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// Cluster wraps memberlist and routes envelopes by kind. Inbound
// messages are dispatched on a worker pool so memberlist's receive
// goroutine never blocks on protocol work.
type Cluster struct {
	cfg     Config
	list    *memberlist.Memberlist
	pool    *workerpool.Pool
	logger  *zap.Logger
	metrics *metrics.Metrics

	// handlerMu guards the callbacks below; memberlist's receive
	// goroutines read them concurrently with registration.
	handlerMu sync.RWMutex
	handlers  map[string]Handler
	// onLeave is invoked with the departed node's name.
	onLeave func(nodeID string)
}

// New creates the cluster transport and joins any seed nodes. Handlers
// are registered after construction and before Join traffic arrives in
// practice; unrouted envelopes are dropped with a log.
func New(cfg Config, pool *workerpool.Pool, logger *zap.Logger, m *metrics.Metrics) (*Cluster, error) {
	c := &Cluster{
		cfg:      cfg,
		pool:     pool,
		logger:   logger,
		metrics:  m,
		handlers: make(map[string]Handler),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	if cfg.BindPort > 0 {
		mlConfig.BindPort = cfg.BindPort
	}
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = &delegate{cluster: c}
	mlConfig.Events = &eventDelegate{cluster: c}
	mlConfig.LogOutput = zapWriter{logger: logger}

	list, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, errors.Internal("failed to create memberlist", err)
	}
	c.list = list

	if len(cfg.SeedNodes) > 0 {
		if _, jerr := list.Join(cfg.SeedNodes); jerr != nil {
			logger.Warn("failed to join some seed nodes",
				zap.Strings("seeds", cfg.SeedNodes),
				zap.Error(jerr))
		}
	}

	logger.Info("cluster transport started",
		zap.String("node_id", cfg.NodeID),
		zap.Int("bind_port", cfg.BindPort),
		zap.Int("seed_nodes", len(cfg.SeedNodes)))
	return c, nil
}

// RegisterHandler routes inbound envelopes of the given kind.
func (c *Cluster) RegisterHandler(kind string, h Handler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[kind] = h
}

// OnLeave registers the callback for departed members.
func (c *Cluster) OnLeave(fn func(nodeID string)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onLeave = fn
}

// Send delivers an envelope reliably to the named member.
func (c *Cluster) Send(peerID string, env transport.Envelope) error {
	var target *memberlist.Node
	for _, member := range c.list.Members() {
		if member.Name == peerID {
			target = member
			break
		}
	}
	if target == nil {
		return errors.UnknownPeer(peerID)
	}

	data, err := transport.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := c.list.SendReliable(target, data); err != nil {
		return errors.Sync("failed to send to peer", err).WithDetail("peer_id", peerID)
	}
	return nil
}

// Members returns the names of currently known members.
func (c *Cluster) Members() []string {
	members := c.list.Members()
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Name)
	}
	c.metrics.ClusterMembers.Set(float64(len(out)))
	return out
}

// AddressOf resolves a member name to its advertised address.
func (c *Cluster) AddressOf(peerID string) (string, bool) {
	for _, m := range c.list.Members() {
		if m.Name == peerID {
			return m.Address(), true
		}
	}
	return "", false
}

// Shutdown leaves the cluster gracefully.
func (c *Cluster) Shutdown(timeout time.Duration) error {
	if err := c.list.Leave(timeout); err != nil {
		c.logger.Warn("failed to leave cluster cleanly", zap.Error(err))
	}
	return c.list.Shutdown()
}

func (c *Cluster) dispatch(data []byte) {
	env, err := transport.DecodeEnvelope(data)
	if err != nil {
		c.logger.Warn("dropping undecodable envelope", zap.Error(err))
		return
	}

	c.handlerMu.RLock()
	handler, ok := c.handlers[env.Kind]
	c.handlerMu.RUnlock()
	if !ok {
		c.logger.Warn("dropping unrouted envelope",
			zap.String("kind", env.Kind),
			zap.String("from", env.From))
		return
	}

	ok = c.pool.TrySubmit(workerpool.Task{
		ID: env.Kind,
		Fn: func(context.Context) error {
			handler(env)
			return nil
		},
	})
	if !ok {
		c.logger.Warn("dropping envelope, dispatch queue full",
			zap.String("kind", env.Kind))
	}
}

// delegate implements memberlist.Delegate; only NotifyMsg carries
// protocol traffic, the state-sync hooks are unused.
type delegate struct {
	cluster *Cluster
}

func (d *delegate) NodeMeta(limit int) []byte                  { return nil }
func (d *delegate) NotifyMsg(data []byte)                      { d.cluster.dispatch(data) }
func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *delegate) LocalState(join bool) []byte                { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool)     {}

// eventDelegate implements memberlist.EventDelegate.
type eventDelegate struct {
	cluster *Cluster
}

func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.cluster.logger.Info("member joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Address()))
	d.cluster.metrics.ClusterMembers.Set(float64(d.cluster.list.NumMembers()))
}

func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.cluster.logger.Info("member left", zap.String("node_id", node.Name))
	d.cluster.metrics.ClusterMembers.Set(float64(d.cluster.list.NumMembers()))
	d.cluster.handlerMu.RLock()
	onLeave := d.cluster.onLeave
	d.cluster.handlerMu.RUnlock()
	if onLeave != nil {
		onLeave(node.Name)
	}
}

func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.cluster.logger.Debug("member updated", zap.String("node_id", node.Name))
}

// zapWriter adapts memberlist's log output onto zap.
type zapWriter struct {
	logger *zap.Logger
}

func (w zapWriter) Write(p []byte) (int, error) {
	w.logger.Debug("memberlist", zap.ByteString("line", p))
	return len(p), nil
}
