// Package query answers point-in-time label lookups.
package query

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"example.com/labeler/internal/domain"
	"example.com/labeler/internal/metrics"
	"example.com/labeler/internal/moderation"
	"example.com/labeler/internal/storage"
)

const (
	DefaultLimit = 50
	MaxLimit     = 250
)

// Params are the raw request parameters. Cursor and Limit are kept as
// strings so malformed values are reported instead of defaulted.
type Params struct {
	URIPatterns []string
	Sources     []string
	Cursor      string
	Limit       string
}

// Result is one page of active labels. Cursor advances over raw rows,
// so a page may hold fewer labels than it scanned.
type Result struct {
	Cursor int64
	Labels []domain.Label
}

type Service struct {
	store   storage.Reader
	now     func() time.Time
	metrics *metrics.Metrics
}

func NewService(store storage.Reader, m *metrics.Metrics) *Service {
	return &Service{store: store, now: time.Now, metrics: m}
}

// WithClock replaces the resolver's notion of now.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ParseParams validates p into a store filter.
func ParseParams(p Params) (storage.Filter, error) {
	f := storage.Filter{Limit: DefaultLimit}

	if p.Limit != "" {
		n, err := strconv.Atoi(p.Limit)
		if err != nil {
			return storage.Filter{}, fmt.Errorf("%w: limit must be an integer", domain.ErrBadRequest)
		}
		if n < 1 || n > MaxLimit {
			return storage.Filter{}, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrBadRequest, MaxLimit)
		}
		f.Limit = n
	}

	if p.Cursor != "" {
		c, err := strconv.ParseInt(p.Cursor, 10, 64)
		if err != nil || c < 0 {
			return storage.Filter{}, fmt.Errorf("%w: cursor must be a non-negative integer", domain.ErrBadRequest)
		}
		f.Cursor = c
	}

	patterns, err := storage.ParsePatterns(p.URIPatterns)
	if err != nil {
		return storage.Filter{}, err
	}
	f.Patterns = patterns
	for _, src := range p.Sources {
		if src != "" {
			f.Sources = append(f.Sources, src)
		}
	}
	return f, nil
}

// Query returns the labels in effect among the next page of matching rows.
func (s *Service) Query(ctx context.Context, p Params) (Result, error) {
	defer s.metrics.ObserveQuery(time.Now())

	f, err := ParseParams(p)
	if err != nil {
		return Result{}, err
	}
	page, err := s.store.Query(ctx, f)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Cursor: page.Next,
		Labels: moderation.Active(page.Labels, s.now()),
	}, nil
}
