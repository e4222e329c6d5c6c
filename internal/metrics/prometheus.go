package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a sync node. Counters are
// fire-and-forget and never block the hot path.
type Metrics struct {
	// Sync engine metrics
	OperationsAppliedTotal *prometheus.CounterVec
	OperationFailuresTotal *prometheus.CounterVec
	OperationsDroppedTotal prometheus.Counter
	BatchDrainsTotal       prometheus.Counter
	BatchedOperationsTotal prometheus.Counter
	OperationLogSize       prometheus.Gauge
	BackpressureTotal      prometheus.Counter

	// Event ordering metrics
	EventsSubmittedTotal  prometheus.Counter
	EventsDeliveredTotal  prometheus.Counter
	EventsPending         prometheus.Gauge
	OrderingTimeoutsTotal *prometheus.CounterVec
	EventsPrunedTotal     prometheus.Counter

	// Conflict resolution metrics
	ConflictsResolvedTotal *prometheus.CounterVec
	SemanticFallbacksTotal prometheus.Counter

	// Gossip metrics
	GossipMessagesTotal  *prometheus.CounterVec
	GossipDedupHitsTotal prometheus.Counter
	GossipDroppedTotal   prometheus.Counter

	// Membership metrics
	ActiveViewSize  prometheus.Gauge
	PassiveViewSize prometheus.Gauge
	ClusterMembers  prometheus.Gauge
}

// New creates and registers all Prometheus metrics against reg
func New(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		OperationsAppliedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "meshsync",
			Subsystem:   "engine",
			Name:        "operations_applied_total",
			Help:        "Total number of operations applied, by strategy",
			ConstLabels: labels,
		}, []string{"strategy"}),
		OperationFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "meshsync",
			Subsystem:   "engine",
			Name:        "operation_failures_total",
			Help:        "Total number of operation failures, by strategy",
			ConstLabels: labels,
		}, []string{"strategy"}),
		OperationsDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "meshsync",
			Subsystem:   "engine",
			Name:        "operations_dropped_total",
			Help:        "Operations dropped after exhausting execution retries",
			ConstLabels: labels,
		}),
		BatchDrainsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "meshsync",
			Subsystem:   "engine",
			Name:        "batch_drains_total",
			Help:        "Total number of operation log batch drains",
			ConstLabels: labels,
		}),
		BatchedOperationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "meshsync",
			Subsystem:   "engine",
			Name:        "batched_operations_total",
			Help:        "Total number of operations executed by batch drains",
			ConstLabels: labels,
		}),
		OperationLogSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "meshsync",
			Subsystem:   "engine",
			Name:        "operation_log_size",
			Help:        "Current number of operations queued in the operation log",
			ConstLabels: labels,
		}),
		BackpressureTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "meshsync",
			Subsystem:   "engine",
			Name:        "backpressure_rejections_total",
			Help:        "Submissions rejected because a bounded buffer was full",
			ConstLabels: labels,
		}),

		EventsSubmittedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "meshsync",
			Subsystem:   "ordering",
			Name:        "events_submitted_total",
			Help:        "Total number of events submitted for causal ordering",
			ConstLabels: labels,
		}),
		EventsDeliveredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "meshsync",
			Subsystem:   "ordering",
			Name:        "events_delivered_total",
			Help:        "Total number of events delivered in causal order",
			ConstLabels: labels,
		}),
		EventsPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "meshsync",
			Subsystem:   "ordering",
			Name:        "events_pending",
			Help:        "Events buffered awaiting causal dependencies",
			ConstLabels: labels,
		}),
		OrderingTimeoutsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "meshsync",
			Subsystem:   "ordering",
			Name:        "timeouts_total",
			Help:        "Pending events that exceeded the ordering timeout, by action taken",
			ConstLabels: labels,
		}, []string{"action"}),
		EventsPrunedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "meshsync",
			Subsystem:   "ordering",
			Name:        "events_pruned_total",
			Help:        "Delivered events pruned past the retention window",
			ConstLabels: labels,
		}),

		ConflictsResolvedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "meshsync",
			Subsystem:   "resolver",
			Name:        "conflicts_resolved_total",
			Help:        "Total number of conflicts resolved, by strategy",
			ConstLabels: labels,
		}, []string{"strategy"}),
		SemanticFallbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "meshsync",
			Subsystem:   "resolver",
			Name:        "semantic_fallbacks_total",
			Help:        "Semantic merges that fell back to last-write-wins",
			ConstLabels: labels,
		}),

		GossipMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "meshsync",
			Subsystem:   "gossip",
			Name:        "messages_total",
			Help:        "Gossip messages processed, by direction",
			ConstLabels: labels,
		}, []string{"direction"}),
		GossipDedupHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "meshsync",
			Subsystem:   "gossip",
			Name:        "dedup_hits_total",
			Help:        "Gossip messages dropped as already seen",
			ConstLabels: labels,
		}),
		GossipDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "meshsync",
			Subsystem:   "gossip",
			Name:        "dropped_total",
			Help:        "Gossip forwards skipped by the rate limiter",
			ConstLabels: labels,
		}),

		ActiveViewSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "meshsync",
			Subsystem:   "membership",
			Name:        "active_view_size",
			Help:        "Current number of peers in the active view",
			ConstLabels: labels,
		}),
		PassiveViewSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "meshsync",
			Subsystem:   "membership",
			Name:        "passive_view_size",
			Help:        "Current number of peers in the passive view",
			ConstLabels: labels,
		}),
		ClusterMembers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "meshsync",
			Subsystem:   "cluster",
			Name:        "members",
			Help:        "Members currently known to the wire transport",
			ConstLabels: labels,
		}),
	}
}
