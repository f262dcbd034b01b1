// Package issuance turns moderator decisions into signed, committed and
// broadcast labels.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"example.com/labeler/internal/domain"
	"example.com/labeler/internal/metrics"
	"example.com/labeler/internal/signing"
)

// Inserter is the part of the label store issuance writes to.
type Inserter interface {
	Insert(ctx context.Context, l domain.Label) (int64, error)
}

// Publisher receives every committed label.
type Publisher interface {
	Publish(l domain.Label)
}

// Issuer creates labels. A nil signer is allowed; Create then fails with
// domain.ErrConfiguration.
type Issuer struct {
	store   Inserter
	signer  *signing.Signer
	sign    func(domain.UnsignedLabel) (domain.Label, error)
	hub     Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics

	// mu keeps hub delivery in commit order.
	mu sync.Mutex
}

func NewIssuer(store Inserter, signer *signing.Signer, hub Publisher, logger *slog.Logger, m *metrics.Metrics) *Issuer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	i := &Issuer{
		store:   store,
		signer:  signer,
		hub:     hub,
		logger:  logger.With("component", "issuance"),
		metrics: m,
	}
	if signer != nil {
		i.sign = signer.Sign
	}
	return i
}

// Create validates, signs and persists u, then publishes the stored row.
// The returned label carries its assigned seq.
func (i *Issuer) Create(ctx context.Context, u domain.UnsignedLabel) (domain.Label, error) {
	l, err := i.create(ctx, u)
	if err != nil {
		i.metrics.IssueFailed(errorKind(err))
		return domain.Label{}, err
	}
	return l, nil
}

func (i *Issuer) create(ctx context.Context, u domain.UnsignedLabel) (domain.Label, error) {
	if i.signer == nil {
		return domain.Label{}, fmt.Errorf("%w: signing key not configured", domain.ErrConfiguration)
	}
	if errs := domain.ValidateLabel(&u); len(errs) > 0 {
		return domain.Label{}, &domain.ValidationError{Fields: errs}
	}
	l, err := i.sign(u)
	if err != nil {
		return domain.Label{}, fmt.Errorf("signing label: %w", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	seq, err := i.store.Insert(ctx, l)
	if err != nil {
		return domain.Label{}, err
	}
	l.Seq = seq
	if i.hub != nil {
		i.hub.Publish(l)
	}

	i.metrics.LabelIssued()
	i.logger.Info("label issued", "seq", seq, "src", l.Src, "uri", l.URI, "val", l.Val, "neg", l.Neg)
	return l, nil
}

// BatchError reports how far a batch got before failing.
type BatchError struct {
	Index     int
	Committed int
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("label %d: %v (%d committed)", e.Index, e.Err, e.Committed)
}

func (e *BatchError) Unwrap() error { return e.Err }

// CreateBatch validates every item up front, then creates them in order.
// On failure it returns the labels already committed together with a
// *BatchError.
func (i *Issuer) CreateBatch(ctx context.Context, us []domain.UnsignedLabel) ([]domain.Label, error) {
	if i.signer == nil {
		return nil, fmt.Errorf("%w: signing key not configured", domain.ErrConfiguration)
	}
	if err := domain.ValidateBatch(us, domain.MaxBatch); err != nil {
		return nil, err
	}
	out := make([]domain.Label, 0, len(us))
	for idx, u := range us {
		l, err := i.Create(ctx, u)
		if err != nil {
			return out, &BatchError{Index: idx, Committed: len(out), Err: err}
		}
		out = append(out, l)
	}
	return out, nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrBadRequest):
		return "bad_request"
	case errors.Is(err, domain.ErrConfiguration):
		return "configuration"
	case errors.Is(err, domain.ErrStorage):
		return "storage"
	default:
		return "other"
	}
}
