package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"example.com/labeler/internal/domain"
	"example.com/labeler/internal/storage"
	"github.com/jackc/pgx/v5"
)

// insertLockKey is the pg_advisory_xact_lock key that serialises seq
// assignment across every process writing to the same database.
const insertLockKey int64 = 0x6c6162656c73 // "labels"

// Store is the PostgreSQL label log.
type Store struct {
	db *DB
	mu sync.Mutex
}

var _ storage.Store = (*Store)(nil)

// Open connects, applies migrations and returns a ready store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStorage, err)
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", domain.ErrStorage, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// Ready performs a single store read.
func (s *Store) Ready(ctx context.Context) error {
	var one int
	if err := s.db.Pool.QueryRow(ctx, "SELECT 1 FROM labels LIMIT 1").Scan(&one); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: ready: %w", domain.ErrStorage, err)
	}
	return nil
}

// Insert appends a signed label. The seq is max(seq)+1 computed under an
// advisory transaction lock, so seqs are gap-free and commit in order.
func (s *Store) Insert(ctx context.Context, l domain.Label) (int64, error) {
	if err := storage.CheckInsert(l); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %w", domain.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", insertLockKey); err != nil {
		return 0, fmt.Errorf("%w: lock: %w", domain.ErrStorage, err)
	}

	var seq int64
	err = tx.QueryRow(ctx, `
INSERT INTO labels (seq, src, uri, cid, val, neg, cts, exp, sig)
SELECT COALESCE(MAX(seq), 0) + 1, $1::text, $2::text, $3::text, $4::text, $5::boolean, $6::text, $7::text, $8::bytea
FROM labels
RETURNING seq`,
		l.Src, l.URI, nullable(l.CID), l.Val, l.Neg, l.Cts, nullable(l.Exp), l.Sig,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("%w: insert: %w", domain.ErrStorage, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: commit: %w", domain.ErrStorage, err)
	}
	return seq, nil
}

// Query returns rows after f.Cursor matching the filter, in seq order.
func (s *Store) Query(ctx context.Context, f storage.Filter) (storage.Page, error) {
	cond := "WHERE seq > $1"
	args := []any{f.Cursor}
	idx := 2

	if len(f.Patterns) > 0 {
		ors := make([]string, 0, len(f.Patterns))
		for _, p := range f.Patterns {
			if p.Prefix {
				ors = append(ors, fmt.Sprintf(`uri LIKE $%d ESCAPE '\'`, idx))
				args = append(args, escapeLike(p.Value)+"%")
			} else {
				ors = append(ors, fmt.Sprintf("uri = $%d", idx))
				args = append(args, p.Value)
			}
			idx++
		}
		cond += " AND (" + strings.Join(ors, " OR ") + ")"
	}
	if len(f.Sources) > 0 {
		cond += fmt.Sprintf(" AND src = ANY($%d::text[])", idx)
		args = append(args, f.Sources)
		idx++
	}

	sql := fmt.Sprintf(`
SELECT seq, src, uri, COALESCE(cid, ''), val, neg, cts, COALESCE(exp, ''), sig
FROM labels
%s
ORDER BY seq ASC
LIMIT $%d`, cond, idx)
	args = append(args, f.Limit)

	rows, err := s.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return storage.Page{}, fmt.Errorf("%w: query: %w", domain.ErrStorage, err)
	}
	defer rows.Close()

	var out []domain.Label
	for rows.Next() {
		l := domain.Label{Ver: domain.LabelVersion}
		if err := rows.Scan(&l.Seq, &l.Src, &l.URI, &l.CID, &l.Val, &l.Neg, &l.Cts, &l.Exp, &l.Sig); err != nil {
			return storage.Page{}, fmt.Errorf("%w: scan label: %w", domain.ErrStorage, err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return storage.Page{}, fmt.Errorf("%w: query: %w", domain.ErrStorage, err)
	}
	return storage.Page{Labels: out, Next: storage.NextCursor(out, f.Cursor)}, nil
}

func (s *Store) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.Pool.QueryRow(ctx, "SELECT COALESCE(MAX(seq), 0) FROM labels").Scan(&seq); err != nil {
		return 0, fmt.Errorf("%w: latest seq: %w", domain.ErrStorage, err)
	}
	return seq, nil
}

// nullable maps an absent optional field to NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
