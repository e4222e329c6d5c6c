// Package store holds the optional external backing stores: the
// Postgres conflict audit sink and the Redis gossip dedup store.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/meshsync/internal/errors"
	"github.com/devrev/meshsync/internal/resolver"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS conflict_audit (
	id           UUID PRIMARY KEY,
	node_id      TEXT NOT NULL,
	resolved_at  TIMESTAMPTZ NOT NULL,
	strategy     TEXT NOT NULL,
	conflicting  JSONB NOT NULL,
	resolution   BYTEA NOT NULL,
	metadata     JSONB
)`

// PostgresAudit persists conflict records durably, beyond the
// resolver's capped in-memory log.
type PostgresAudit struct {
	pool   *pgxpool.Pool
	nodeID string
	logger *zap.Logger
}

// NewPostgresAudit connects and ensures the audit table exists.
func NewPostgresAudit(ctx context.Context, dsn, nodeID string, logger *zap.Logger) (*PostgresAudit, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Storage("invalid postgres dsn", err)
	}
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Storage("failed to connect to postgres", err)
	}
	if _, err := pool.Exec(ctx, auditSchema); err != nil {
		pool.Close()
		return nil, errors.Storage("failed to create audit table", err)
	}

	logger.Info("postgres audit sink connected", zap.String("node_id", nodeID))
	return &PostgresAudit{pool: pool, nodeID: nodeID, logger: logger}, nil
}

// Append implements resolver.AuditSink.
func (p *PostgresAudit) Append(ctx context.Context, record resolver.ConflictRecord) error {
	conflicting, err := json.Marshal(record.ConflictingValues)
	if err != nil {
		return errors.Codec("failed to encode conflicting values", err)
	}
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return errors.Codec("failed to encode record metadata", err)
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO conflict_audit (id, node_id, resolved_at, strategy, conflicting, resolution, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		record.ID,
		p.nodeID,
		time.UnixMicro(record.Timestamp),
		record.StrategyUsed,
		conflicting,
		record.Resolution,
		metadata,
	)
	if err != nil {
		return errors.Storage("failed to insert conflict record", err)
	}
	return nil
}

func (p *PostgresAudit) Close() {
	p.pool.Close()
}
