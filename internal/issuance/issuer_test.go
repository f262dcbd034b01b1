package issuance

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"example.com/labeler/internal/broadcast"
	"example.com/labeler/internal/domain"
	"example.com/labeler/internal/moderation"
	"example.com/labeler/internal/signing"
	"example.com/labeler/internal/storage"
	"example.com/labeler/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *sqlite.Store
	hub    *broadcast.Hub
	signer *signing.Signer
	issuer *Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(sqlite.MemoryPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	signer, err := signing.GenerateSigner()
	require.NoError(t, err)
	hub := broadcast.NewHub(64, nil, nil)
	t.Cleanup(hub.Close)
	return &fixture{
		store:  store,
		hub:    hub,
		signer: signer,
		issuer: NewIssuer(store, signer, hub, nil, nil),
	}
}

func unsigned(val, cts string) domain.UnsignedLabel {
	return domain.UnsignedLabel{
		Src: "did:example:mod",
		URI: "at://did:example:alice/post/1",
		Val: val,
		Cts: cts,
	}
}

func TestCreateSignsPersistsPublishes(t *testing.T) {
	f := newFixture(t)
	sub := f.hub.Register()

	l, err := f.issuer.Create(context.Background(), unsigned("spam", "2025-01-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), l.Seq)
	require.NoError(t, signing.Verify(f.signer.PublicKey(), l))

	page, err := f.store.Query(context.Background(), storage.Filter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Labels, 1)
	assert.Equal(t, l, page.Labels[0])

	select {
	case got := <-sub.C():
		assert.Equal(t, l, got)
	case <-time.After(time.Second):
		t.Fatal("label was not published")
	}
}

func TestCreateWithoutSigner(t *testing.T) {
	f := newFixture(t)
	iss := NewIssuer(f.store, nil, f.hub, nil, nil)
	_, err := iss.Create(context.Background(), unsigned("spam", "2025-01-01T00:00:00Z"))
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	latest, err := f.store.LatestSeq(context.Background())
	require.NoError(t, err)
	assert.Zero(t, latest)
}

func TestCreateValidates(t *testing.T) {
	f := newFixture(t)
	_, err := f.issuer.Create(context.Background(), unsigned("", "yesterday"))
	require.ErrorIs(t, err, domain.ErrBadRequest)

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []domain.FieldError{
		{Field: "val", Msg: "required"},
		{Field: "cts", Msg: "must be an RFC 3339 datetime"},
	}, verr.Fields)
}

type failingStore struct{}

func (failingStore) Insert(context.Context, domain.Label) (int64, error) {
	return 0, fmt.Errorf("%w: disk full", domain.ErrStorage)
}

func TestStorageFailureIsNotPublished(t *testing.T) {
	f := newFixture(t)
	sub := f.hub.Register()
	iss := NewIssuer(failingStore{}, f.signer, f.hub, nil, nil)

	_, err := iss.Create(context.Background(), unsigned("spam", "2025-01-01T00:00:00Z"))
	assert.ErrorIs(t, err, domain.ErrStorage)
	assert.Empty(t, sub.C())
}

func TestSigningFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	sub := f.hub.Register()
	iss := NewIssuer(f.store, f.signer, f.hub, nil, nil)
	iss.sign = func(domain.UnsignedLabel) (domain.Label, error) {
		return domain.Label{}, errors.New("cbor: unsupported type")
	}

	_, err := iss.Create(context.Background(), unsigned("spam", "2025-01-01T00:00:00Z"))
	require.ErrorContains(t, err, "signing label")
	assert.NotErrorIs(t, err, domain.ErrConfiguration)
	assert.NotErrorIs(t, err, domain.ErrBadRequest)
	assert.Equal(t, "other", errorKind(err))
	assert.Empty(t, sub.C())

	latest, err := f.store.LatestSeq(context.Background())
	require.NoError(t, err)
	assert.Zero(t, latest)
}

func TestNegationScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	first, err := f.issuer.Create(ctx, unsigned("spam", "2025-01-01T00:00:00Z"))
	require.NoError(t, err)

	active := func() []domain.Label {
		page, err := f.store.Query(ctx, storage.Filter{Limit: 50})
		require.NoError(t, err)
		return moderation.Active(page.Labels, now)
	}
	assert.Equal(t, []domain.Label{first}, active())

	neg := unsigned("spam", "2025-01-02T00:00:00Z")
	neg.Neg = true
	second, err := f.issuer.Create(ctx, neg)
	require.NoError(t, err)
	assert.Empty(t, active())

	page, err := f.store.Query(ctx, storage.Filter{Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, []domain.Label{first, second}, page.Labels)
}

func TestCreateBatch(t *testing.T) {
	f := newFixture(t)
	sub := f.hub.Register()
	batch := []domain.UnsignedLabel{
		unsigned("spam", "2025-01-01T00:00:00Z"),
		unsigned("nsfw", "2025-01-01T00:00:00Z"),
		unsigned("gore", "2025-01-01T00:00:00Z"),
	}
	got, err := f.issuer.CreateBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, l := range got {
		assert.Equal(t, int64(i+1), l.Seq)
		assert.Equal(t, l, <-sub.C())
	}
}

func TestCreateBatchRejectsInvalidItemsUpFront(t *testing.T) {
	f := newFixture(t)
	batch := []domain.UnsignedLabel{
		unsigned("spam", "2025-01-01T00:00:00Z"),
		unsigned("", "2025-01-01T00:00:00Z"),
	}
	_, err := f.issuer.CreateBatch(context.Background(), batch)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "labels[1].val", verr.Fields[0].Field)

	latest, err := f.store.LatestSeq(context.Background())
	require.NoError(t, err)
	assert.Zero(t, latest, "nothing is committed when validation fails")
}

type flakyStore struct {
	inner Inserter
	fail  int
	calls int
}

func (s *flakyStore) Insert(ctx context.Context, l domain.Label) (int64, error) {
	s.calls++
	if s.calls == s.fail {
		return 0, fmt.Errorf("%w: connection reset", domain.ErrStorage)
	}
	return s.inner.Insert(ctx, l)
}

func TestCreateBatchReportsPartialCommit(t *testing.T) {
	f := newFixture(t)
	iss := NewIssuer(&flakyStore{inner: f.store, fail: 2}, f.signer, f.hub, nil, nil)
	batch := []domain.UnsignedLabel{
		unsigned("a", "2025-01-01T00:00:00Z"),
		unsigned("b", "2025-01-01T00:00:00Z"),
		unsigned("c", "2025-01-01T00:00:00Z"),
	}
	got, err := iss.CreateBatch(context.Background(), batch)
	require.Error(t, err)
	assert.Len(t, got, 1)

	var berr *BatchError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, 1, berr.Index)
	assert.Equal(t, 1, berr.Committed)
	assert.ErrorIs(t, err, domain.ErrStorage)
}
