package storage

import (
	"context"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/devrev/meshsync/internal/errors"
	"github.com/devrev/meshsync/internal/model"
)

var recordsBucket = []byte("records")

// Bolt is the embedded durable backend. One bucket maps target keys to
// JSON-encoded Records; the newer-guard runs inside the update
// transaction so replays are idempotent under concurrency.
type Bolt struct {
	db     *bolt.DB
	logger *zap.Logger
}

func NewBolt(path string, logger *zap.Logger) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Storage("failed to open bolt database", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(recordsBucket)
		return berr
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Storage("failed to create records bucket", err)
	}

	logger.Info("bolt storage opened", zap.String("path", path))
	return &Bolt{db: db, logger: logger}, nil
}

func (b *Bolt) Execute(_ context.Context, op model.SyncOperation) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(recordsBucket)
		key := []byte(op.Target)

		if existing := bucket.Get(key); existing != nil {
			var rec Record
			if uerr := json.Unmarshal(existing, &rec); uerr != nil {
				return uerr
			}
			if !newer(op, rec) {
				return nil
			}
		}

		rec := Record{
			Payload:   op.Payload,
			Timestamp: op.Timestamp,
			NodeID:    op.SourceNode,
			Deleted:   op.Type == model.OpDelete,
		}
		encoded, merr := json.Marshal(rec)
		if merr != nil {
			return merr
		}
		return bucket.Put(key, encoded)
	})
	if err != nil {
		return errors.Storage("failed to execute operation", err)
	}
	return nil
}

func (b *Bolt) Get(_ context.Context, target string) (Record, bool, error) {
	var rec Record
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(recordsBucket).Get([]byte(target))
		if data == nil {
			return nil
		}
		if uerr := json.Unmarshal(data, &rec); uerr != nil {
			return uerr
		}
		found = !rec.Deleted
		return nil
	})
	if err != nil {
		return Record{}, false, errors.Storage("failed to read record", err)
	}
	if !found {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
