// Package resolver merges concurrently-written values under a selectable
// strategy and keeps an audit log of every resolution.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/meshsync/internal/errors"
	"github.com/devrev/meshsync/internal/metrics"
)

// Strategy selects how conflicting values are merged
type Strategy int

const (
	// LastWriteWins deterministically picks the value with the greatest
	// (timestamp, node ID) key
	LastWriteWins Strategy = iota
	// MultiValueRegister returns all conflicting values, encoded, for
	// client-side resolution
	MultiValueRegister
	// SemanticMerge delegates conflicting values to an external
	// completion collaborator
	SemanticMerge
	// Custom dispatches to a named built-in resolution function
	Custom
)

// String returns the strategy name used in config, logs and metrics
func (s Strategy) String() string {
	switch s {
	case LastWriteWins:
		return "last_write_wins"
	case MultiValueRegister:
		return "multi_value_register"
	case SemanticMerge:
		return "semantic_merge"
	case Custom:
		return "custom"
	default:
		return "unknown"
	}
}

// ParseStrategy parses a strategy name from configuration
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "last_write_wins", "":
		return LastWriteWins, nil
	case "multi_value_register":
		return MultiValueRegister, nil
	case "semantic_merge":
		return SemanticMerge, nil
	case "custom":
		return Custom, nil
	default:
		return LastWriteWins, errors.InvalidArgument(fmt.Sprintf("unknown conflict strategy %q", name), nil)
	}
}

// ConflictValue is one side of a conflict. Timestamp and NodeID give
// last-write-wins a deterministic total order.
type ConflictValue struct {
	Value     []byte `json:"value"`
	Timestamp uint64 `json:"timestamp"`
	NodeID    string `json:"node_id"`
}

// ConflictRecord is an append-only audit entry for one resolution
type ConflictRecord struct {
	ID                uuid.UUID         `json:"id"`
	Timestamp         int64             `json:"timestamp"`
	ConflictingValues [][]byte          `json:"conflicting_values"`
	Resolution        []byte            `json:"resolution"`
	StrategyUsed      string            `json:"strategy_used"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Completer is the external semantic-merge collaborator, typically an LLM
// completion service.
type Completer interface {
	Complete(ctx context.Context, prompt string) ([]byte, error)
}

// AuditSink receives conflict records for durable auditing
type AuditSink interface {
	Append(ctx context.Context, record ConflictRecord) error
}

const (
	maxConflictLog   = 10000
	auditSinkTimeout = 5 * time.Second
)

// Resolver merges conflicting values. LastWriteWins, MultiValueRegister
// and Custom are pure; SemanticMerge is only deterministic if the external
// collaborator is.
type Resolver struct {
	strategy   Strategy
	customName string
	completer  Completer
	sink       AuditSink
	logger     *zap.Logger
	metrics    *metrics.Metrics

	logMu sync.Mutex
	log   []ConflictRecord
}

// Option configures optional resolver collaborators
type Option func(*Resolver)

// WithCompleter sets the semantic-merge collaborator
func WithCompleter(c Completer) Option {
	return func(r *Resolver) { r.completer = c }
}

// WithCustomName selects the built-in function used by the Custom strategy
func WithCustomName(name string) Option {
	return func(r *Resolver) { r.customName = name }
}

// WithAuditSink tees conflict records to a durable sink
func WithAuditSink(sink AuditSink) Option {
	return func(r *Resolver) { r.sink = sink }
}

// New creates a conflict resolver
func New(strategy Strategy, logger *zap.Logger, m *metrics.Metrics, opts ...Option) *Resolver {
	r := &Resolver{
		strategy: strategy,
		logger:   logger,
		metrics:  m,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve merges the conflicting values under the configured strategy and
// appends a ConflictRecord. Values must already be copied out of any
// guarded structure; Resolve may call external collaborators.
func (r *Resolver) Resolve(ctx context.Context, values []ConflictValue) ([]byte, error) {
	if len(values) == 0 {
		return nil, errors.Sync("no values to resolve", nil)
	}

	strategyUsed := r.strategy.String()
	var resolution []byte
	var err error

	switch r.strategy {
	case LastWriteWins:
		resolution = lastWriteWins(values)

	case MultiValueRegister:
		resolution, err = encodeMultiValue(values)

	case SemanticMerge:
		resolution, err = r.semanticMerge(ctx, values)
		if err != nil {
			// Never block convergence on an external dependency.
			r.logger.Warn("semantic merge failed, falling back to last-write-wins",
				zap.Error(err))
			r.metrics.SemanticFallbacksTotal.Inc()
			strategyUsed = LastWriteWins.String()
			resolution, err = lastWriteWins(values), nil
		}

	case Custom:
		resolution, err = r.customResolve(values)

	default:
		return nil, errors.Sync(fmt.Sprintf("unsupported conflict strategy %d", r.strategy), nil)
	}

	if err != nil {
		return nil, err
	}

	r.logConflict(ctx, values, resolution, strategyUsed)
	r.metrics.ConflictsResolvedTotal.WithLabelValues(strategyUsed).Inc()
	return resolution, nil
}

// lastWriteWins picks the value with the greatest (timestamp, node ID) key
func lastWriteWins(values []ConflictValue) []byte {
	winner := values[0]
	for _, v := range values[1:] {
		if v.Timestamp > winner.Timestamp ||
			(v.Timestamp == winner.Timestamp && v.NodeID > winner.NodeID) {
			winner = v
		}
	}
	return winner.Value
}

// encodeMultiValue packages all conflicting values for the client
func encodeMultiValue(values []ConflictValue) ([]byte, error) {
	raw := make([][]byte, len(values))
	for i, v := range values {
		raw[i] = v.Value
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Codec("failed to encode multi-value result", err)
	}
	return encoded, nil
}

func (r *Resolver) semanticMerge(ctx context.Context, values []ConflictValue) ([]byte, error) {
	if r.completer == nil {
		return nil, errors.Sync("no completion collaborator configured", nil)
	}

	var versions []string
	for i, v := range values {
		versions = append(versions, fmt.Sprintf("Version %d: %s", i+1, string(v.Value)))
	}

	prompt := fmt.Sprintf(
		"Semantically merge these conflicting values into a single coherent result:\n\n%s",
		strings.Join(versions, "\n\n"))

	content, err := r.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, errors.Sync("semantic merge completion failed", err)
	}
	return content, nil
}

// customResolve dispatches to the built-in registry. Unknown names fall
// back to last-write-wins.
func (r *Resolver) customResolve(values []ConflictValue) ([]byte, error) {
	switch r.customName {
	case "numeric_sum":
		var sum int64
		for _, v := range values {
			n, err := strconv.ParseInt(strings.TrimSpace(string(v.Value)), 10, 64)
			if err != nil {
				continue
			}
			sum += n
		}
		return []byte(strconv.FormatInt(sum, 10)), nil

	case "set_union":
		union := make(map[string]struct{})
		for _, v := range values {
			var items []string
			if err := json.Unmarshal(v.Value, &items); err != nil {
				continue
			}
			for _, item := range items {
				union[item] = struct{}{}
			}
		}
		result := make([]string, 0, len(union))
		for item := range union {
			result = append(result, item)
		}
		sort.Strings(result)
		encoded, err := json.Marshal(result)
		if err != nil {
			return nil, errors.Codec("failed to encode set union", err)
		}
		return encoded, nil

	default:
		r.logger.Debug("unknown custom strategy, falling back to last-write-wins",
			zap.String("name", r.customName))
		return lastWriteWins(values), nil
	}
}

// logConflict appends an audit record, dropping the oldest half once the
// in-memory log exceeds its cap.
func (r *Resolver) logConflict(ctx context.Context, values []ConflictValue, resolution []byte, strategy string) {
	raw := make([][]byte, len(values))
	for i, v := range values {
		raw[i] = v.Value
	}
	record := ConflictRecord{
		ID:                uuid.New(),
		Timestamp:         time.Now().UnixMicro(),
		ConflictingValues: raw,
		Resolution:        resolution,
		StrategyUsed:      strategy,
	}

	r.logMu.Lock()
	r.log = append(r.log, record)
	if len(r.log) > maxConflictLog {
		r.log = append([]ConflictRecord(nil), r.log[maxConflictLog/2:]...)
	}
	r.logMu.Unlock()

	if r.sink != nil {
		go func() {
			sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditSinkTimeout)
			defer cancel()
			if err := r.sink.Append(sinkCtx, record); err != nil {
				r.logger.Warn("failed to append conflict record to audit sink",
					zap.String("record_id", record.ID.String()),
					zap.Error(err))
			}
		}()
	}
}

// Records returns a copy of the in-memory conflict log
func (r *Resolver) Records() []ConflictRecord {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	out := make([]ConflictRecord, len(r.log))
	copy(out, r.log)
	return out
}
