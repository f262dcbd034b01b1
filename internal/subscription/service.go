// Package subscription streams the label log to one consumer: a replay
// from the consumer's cursor followed by live labels from the hub.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"example.com/labeler/internal/broadcast"
	"example.com/labeler/internal/domain"
	"example.com/labeler/internal/lexicon"
	"example.com/labeler/internal/metrics"
	"example.com/labeler/internal/storage"
)

// DefaultPageSize bounds the rows held in memory per backfill read.
const DefaultPageSize = 500

var (
	ErrFutureCursor    = errors.New("cursor is ahead of the label log")
	ErrConsumerTooSlow = errors.New("consumer fell behind the live stream")
)

// Sink is the transport side of one subscription. Calls come from a
// single goroutine.
type Sink interface {
	SendLabel(ctx context.Context, l domain.Label) error
	SendInfo(ctx context.Context, name, message string) error
	SendError(ctx context.Context, name, message string) error
}

type Config struct {
	// PageSize is the number of rows read per backfill query.
	PageSize int
	// MaxBackfill caps the rows replayed for an old cursor; 0 means no cap.
	MaxBackfill int64
}

type Service struct {
	store   storage.Reader
	hub     *broadcast.Hub
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewService(store storage.Reader, hub *broadcast.Hub, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Service {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		store:   store,
		hub:     hub,
		cfg:     cfg,
		logger:  logger.With("component", "subscription"),
		metrics: m,
	}
}

// ParseCursor parses the handshake cursor; empty means 0.
func ParseCursor(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	c, err := strconv.ParseInt(s, 10, 64)
	if err != nil || c < 0 {
		return 0, fmt.Errorf("%w: cursor must be a non-negative integer", domain.ErrBadRequest)
	}
	return c, nil
}

// Serve runs one subscription until ctx ends, the sink fails or the hub
// drops it. Every label with seq > cursor is sent exactly once, in seq
// order.
func (s *Service) Serve(ctx context.Context, cursor int64, sink Sink) error {
	log := s.logger.With("cursor", cursor)

	latest, err := s.store.LatestSeq(ctx)
	if err != nil {
		_ = sink.SendError(ctx, lexicon.ErrorInternal, "failed to read label log")
		return err
	}
	if cursor > latest {
		_ = sink.SendError(ctx, lexicon.ErrorFutureCursor, fmt.Sprintf("cursor %d is ahead of the latest seq %d", cursor, latest))
		return fmt.Errorf("%w: %w", domain.ErrBadRequest, ErrFutureCursor)
	}
	if s.cfg.MaxBackfill > 0 && latest-cursor > s.cfg.MaxBackfill {
		from := latest - s.cfg.MaxBackfill
		msg := fmt.Sprintf("cursor %d is too old; replaying from seq %d", cursor, from)
		if err := sink.SendInfo(ctx, lexicon.InfoOutdatedCursor, msg); err != nil {
			return s.deliveryFailed(err)
		}
		log.Info("outdated cursor", "from", from)
		cursor = from
	}

	// Register before the replay so that nothing committed during it
	// is missed; the overlap is removed by seq below.
	sub := s.hub.Register()
	defer s.hub.Remove(sub)
	s.metrics.SubscriptionStarted()
	log = log.With("subscriber", sub.ID())
	log.Debug("subscription started", "latest", latest)

	last, err := s.backfill(ctx, cursor, sink)
	if err != nil {
		return err
	}
	log.Debug("backfill complete", "seq", last)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l := <-sub.C():
			if l.Seq > last+1 {
				// Rows committed by another writer on the same store
				// never pass through this hub; read them back first.
				if last, err = s.backfill(ctx, last, sink); err != nil {
					return err
				}
			}
			if l.Seq <= last {
				continue
			}
			if err := sink.SendLabel(ctx, l); err != nil {
				return s.deliveryFailed(err)
			}
			s.metrics.FrameSent(metrics.PhaseLive)
			last = l.Seq
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				_ = sink.SendError(ctx, lexicon.ErrorConsumerTooSlow, fmt.Sprintf("reconnect with cursor %d", last))
				return fmt.Errorf("%w: %w", ErrConsumerTooSlow, err)
			}
			return nil
		}
	}
}

// backfill sends every stored row after cursor and returns the last seq sent.
func (s *Service) backfill(ctx context.Context, cursor int64, sink Sink) (int64, error) {
	last := cursor
	for {
		page, err := s.store.Query(ctx, storage.Filter{Cursor: last, Limit: s.cfg.PageSize})
		if err != nil {
			s.metrics.SubscriberDropped(metrics.DropStorage)
			_ = sink.SendError(ctx, lexicon.ErrorInternal, "failed to read label log")
			return last, err
		}
		for _, l := range page.Labels {
			if err := sink.SendLabel(ctx, l); err != nil {
				return last, s.deliveryFailed(err)
			}
			s.metrics.FrameSent(metrics.PhaseBackfill)
			last = l.Seq
		}
		if len(page.Labels) < s.cfg.PageSize {
			return last, nil
		}
	}
}

func (s *Service) deliveryFailed(err error) error {
	s.metrics.SubscriberDropped(metrics.DropTransport)
	return fmt.Errorf("%w: %w", domain.ErrDelivery, err)
}
