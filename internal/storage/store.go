// Package storage defines the append-only label log contract shared by
// the PostgreSQL and SQLite backends.
package storage

import (
	"context"
	"fmt"

	"example.com/labeler/internal/domain"
)

// Filter selects rows for Query. Zero Patterns or Sources means no
// filtering on that column.
type Filter struct {
	Patterns []Pattern
	Sources  []string
	Cursor   int64
	Limit    int
}

// Page is one page of rows in ascending seq order. Next is the seq of the
// last row, or the request cursor when the page is empty.
type Page struct {
	Labels []domain.Label
	Next   int64
}

// Reader is the read side of the label log.
type Reader interface {
	Query(ctx context.Context, f Filter) (Page, error)
	LatestSeq(ctx context.Context) (int64, error)
}

// Store is the append-only label log. There is no update or
// delete: corrections are new rows.
type Store interface {
	Reader
	Insert(ctx context.Context, l domain.Label) (int64, error)
	Ready(ctx context.Context) error
	Close() error
}

// CheckInsert rejects rows that must never reach the log.
func CheckInsert(l domain.Label) error {
	if len(l.Sig) == 0 {
		return fmt.Errorf("%w: refusing to store unsigned label", domain.ErrBadRequest)
	}
	return nil
}

// NextCursor returns the seq of the last label, or cursor if there is none.
func NextCursor(labels []domain.Label, cursor int64) int64 {
	if len(labels) == 0 {
		return cursor
	}
	return labels[len(labels)-1].Seq
}
