// Package sqlite is the embedded label log, used for development, the
// CLI and tests. The path is either ":memory:" or a database file.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"example.com/labeler/internal/domain"
	"example.com/labeler/internal/storage"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// MemoryPath selects a private in-memory database.
const MemoryPath = ":memory:"

// labelRow is the persisted form of a label.
type labelRow struct {
	Seq int64   `gorm:"column:seq;primaryKey;autoIncrement:false"`
	Src string  `gorm:"column:src;not null;index"`
	URI string  `gorm:"column:uri;not null;index"`
	CID *string `gorm:"column:cid"`
	Val string  `gorm:"column:val;not null"`
	Neg bool    `gorm:"column:neg;not null;default:false"`
	Cts string  `gorm:"column:cts;not null"`
	Exp *string `gorm:"column:exp"`
	Sig []byte  `gorm:"column:sig;not null"`
}

func (labelRow) TableName() string { return "labels" }

// Store is the SQLite label log.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	mu     sync.Mutex
}

var _ storage.Store = (*Store)(nil)

// New opens the database at path, creating parent directories as needed.
func New(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	memory := path == "" || path == MemoryPath
	var dsn string
	if memory {
		// Each store gets its own named shared-cache database so tests
		// running in parallel never see each other's rows.
		dsn = fmt.Sprintf("file:labels-%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		dir := filepath.Dir(path)
		if _, err := os.Stat(dir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: read data dir: %w", domain.ErrStorage, err)
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("%w: create data dir: %w", domain.ErrStorage, err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", domain.ErrStorage, path, err)
	}
	if memory {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrStorage, err)
		}
		// The database lives as long as one connection stays open.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}

	logger.Debug("creating table", "component", "storage", "table", labelRow{}.TableName())
	if err := db.AutoMigrate(&labelRow{}); err != nil {
		return nil, fmt.Errorf("%w: migrate: %w", domain.ErrStorage, err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ready performs a single store read.
func (s *Store) Ready(ctx context.Context) error {
	var rows []labelRow
	if err := s.db.WithContext(ctx).Limit(1).Find(&rows).Error; err != nil {
		return fmt.Errorf("%w: ready: %w", domain.ErrStorage, err)
	}
	return nil
}

// Insert appends a signed label with seq = max(seq)+1, inside one
// transaction and under the store mutex.
func (s *Store) Insert(ctx context.Context, l domain.Label) (int64, error) {
	if err := storage.CheckInsert(l); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row := toRow(l)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int64
		if err := tx.Model(&labelRow{}).Select("COALESCE(MAX(seq), 0)").Scan(&last).Error; err != nil {
			return err
		}
		row.Seq = last + 1
		return tx.Create(&row).Error
	})
	if err != nil {
		return 0, fmt.Errorf("%w: insert: %w", domain.ErrStorage, err)
	}
	return row.Seq, nil
}

// Query returns rows after f.Cursor matching the filter, in seq order.
func (s *Store) Query(ctx context.Context, f storage.Filter) (storage.Page, error) {
	q := s.db.WithContext(ctx).Where("seq > ?", f.Cursor)
	if len(f.Patterns) > 0 {
		ors := make([]string, 0, len(f.Patterns))
		args := make([]any, 0, 2*len(f.Patterns))
		for _, p := range f.Patterns {
			if p.Prefix {
				// LIKE is case-insensitive in SQLite; compare the prefix directly.
				ors = append(ors, "substr(uri, 1, ?) = ?")
				args = append(args, utf8.RuneCountInString(p.Value), p.Value)
			} else {
				ors = append(ors, "uri = ?")
				args = append(args, p.Value)
			}
		}
		q = q.Where("("+strings.Join(ors, " OR ")+")", args...)
	}
	if len(f.Sources) > 0 {
		q = q.Where("src IN ?", f.Sources)
	}

	var rows []labelRow
	if err := q.Order("seq ASC").Limit(f.Limit).Find(&rows).Error; err != nil {
		return storage.Page{}, fmt.Errorf("%w: query: %w", domain.ErrStorage, err)
	}
	out := make([]domain.Label, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLabel())
	}
	return storage.Page{Labels: out, Next: storage.NextCursor(out, f.Cursor)}, nil
}

func (s *Store) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.WithContext(ctx).Model(&labelRow{}).Select("COALESCE(MAX(seq), 0)").Scan(&seq).Error; err != nil {
		return 0, fmt.Errorf("%w: latest seq: %w", domain.ErrStorage, err)
	}
	return seq, nil
}

func toRow(l domain.Label) labelRow {
	row := labelRow{
		Src: l.Src,
		URI: l.URI,
		Val: l.Val,
		Neg: l.Neg,
		Cts: l.Cts,
		Sig: l.Sig,
	}
	if l.CID != "" {
		row.CID = &l.CID
	}
	if l.Exp != "" {
		row.Exp = &l.Exp
	}
	return row
}

func (r labelRow) toLabel() domain.Label {
	l := domain.Label{
		Seq: r.Seq,
		Ver: domain.LabelVersion,
		Src: r.Src,
		URI: r.URI,
		Val: r.Val,
		Neg: r.Neg,
		Cts: r.Cts,
		Sig: r.Sig,
	}
	if r.CID != nil {
		l.CID = *r.CID
	}
	if r.Exp != nil {
		l.Exp = *r.Exp
	}
	return l
}
