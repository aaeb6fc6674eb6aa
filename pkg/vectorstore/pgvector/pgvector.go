// Package pgvector serves entity embeddings from a Postgres table with the
// pgvector extension.
package pgvector

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/corpus"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/leaselock"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/vectorstore"
)

const (
	DefaultTable     = "entity_embeddings"
	defaultBatchSize = 500
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store implements vectorstore.Store on a pgvector table keyed by entity id.
type Store struct {
	conn      pgxIConn
	table     string
	batchSize int
}

type Option func(*Store)

// WithTable overrides the table name.
func WithTable(name string) Option {
	return func(s *Store) {
		s.table = name
	}
}

// WithBatchSize sets how many rows are upserted per round trip.
func WithBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func New(conn pgxIConn, opts ...Option) *Store {
	s := &Store{conn: conn, table: DefaultTable, batchSize: defaultBatchSize}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// EnsureSchema creates the extension and the embedding table.
func (s *Store) EnsureSchema(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dim)
	}
	if _, err := s.conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	sql := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id        text PRIMARY KEY,
    embedding vector(%d) NOT NULL
)`, s.ident(), dim)
	if _, err := s.conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to create embedding table: %w", err)
	}
	return nil
}

// Nearest orders by cosine distance and reports 1 - distance as similarity.
func (s *Store) Nearest(ctx context.Context, vec []float32, k int) ([]vectorstore.Match, error) {
	if k <= 0 {
		return nil, nil
	}
	sql := fmt.Sprintf(`SELECT id, 1 - (embedding <=> $1) AS similarity
FROM %s
ORDER BY embedding <=> $1, id
LIMIT $2`, s.ident())

	rows, err := s.conn.Query(ctx, sql, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (vectorstore.Match, error) {
		var m vectorstore.Match
		err := row.Scan(&m.ID, &m.Similarity)
		return m, err
	})
}

// Upsert writes the embeddings of entities in batches. Entities without an
// embedding are skipped. It returns the number of rows written.
func (s *Store) Upsert(ctx context.Context, entities []corpus.Entity) (int, error) {
	sql := fmt.Sprintf(`INSERT INTO %s (id, embedding) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding`, s.ident())

	written := 0
	batch := &pgx.Batch{}
	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		n := batch.Len()
		if err := s.conn.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		written += n
		batch = &pgx.Batch{}
		return nil
	}

	for _, e := range entities {
		if len(e.Embedding) == 0 {
			continue
		}
		batch.Queue(sql, e.ID, pgvector.NewVector(e.Embedding))
		if batch.Len() >= s.batchSize {
			if err := flush(); err != nil {
				return written, fmt.Errorf("failed to upsert embeddings: %w", err)
			}
		}
	}
	if err := flush(); err != nil {
		return written, fmt.Errorf("failed to upsert embeddings: %w", err)
	}
	return written, nil
}

// Sync creates the table and upserts the snapshot embeddings while holding
// a lease, so that concurrently starting replicas do not write the same
// rows at once.
func (s *Store) Sync(ctx context.Context, locks leaselock.Locker, entities []corpus.Entity) error {
	dim := 0
	for _, e := range entities {
		if len(e.Embedding) > 0 {
			dim = len(e.Embedding)
			break
		}
	}
	if dim == 0 {
		logger.Warn("[VectorStore] Snapshot has no entity embeddings, nothing to sync")
		return nil
	}

	key := "vectorstore:sync:" + s.table
	opts := leaselock.Options{TTL: 2 * time.Minute, Wait: true, Poll: time.Second, Jitter: 500 * time.Millisecond}
	return locks.WithLease(ctx, key, opts, func(ctx context.Context) error {
		start := time.Now()
		if err := s.EnsureSchema(ctx, dim); err != nil {
			return err
		}
		n, err := s.Upsert(ctx, entities)
		if err != nil {
			return err
		}
		logger.Info("[VectorStore] Entity embeddings synced", "table", s.table, "rows", n, "duration", time.Since(start))
		return nil
	})
}
