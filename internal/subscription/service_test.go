package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"example.com/labeler/internal/broadcast"
	"example.com/labeler/internal/domain"
	"example.com/labeler/internal/issuance"
	"example.com/labeler/internal/lexicon"
	"example.com/labeler/internal/signing"
	"example.com/labeler/internal/storage"
	"example.com/labeler/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type frame struct {
	kind    string
	label   domain.Label
	name    string
	message string
}

// recordSink captures frames and optionally runs a hook before each label.
type recordSink struct {
	frames  chan frame
	onLabel func(domain.Label)
	fail    error
}

func newSink() *recordSink {
	return &recordSink{frames: make(chan frame, 1024)}
}

func (s *recordSink) SendLabel(_ context.Context, l domain.Label) error {
	if s.fail != nil {
		return s.fail
	}
	if s.onLabel != nil {
		s.onLabel(l)
	}
	s.frames <- frame{kind: lexicon.TypeLabels, label: l}
	return nil
}

func (s *recordSink) SendInfo(_ context.Context, name, message string) error {
	s.frames <- frame{kind: lexicon.TypeInfo, name: name, message: message}
	return nil
}

func (s *recordSink) SendError(_ context.Context, name, message string) error {
	s.frames <- frame{kind: lexicon.TypeError, name: name, message: message}
	return nil
}

func (s *recordSink) next(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return frame{}
	}
}

func (s *recordSink) labels(t *testing.T, n int) []int64 {
	t.Helper()
	out := make([]int64, 0, n)
	for len(out) < n {
		f := s.next(t)
		require.Equal(t, lexicon.TypeLabels, f.kind, "unexpected %s frame %s", f.kind, f.name)
		out = append(out, f.label.Seq)
	}
	return out
}

type env struct {
	store  *sqlite.Store
	hub    *broadcast.Hub
	signer *signing.Signer
	issuer *issuance.Issuer
}

func newEnv(t *testing.T, buffer int) *env {
	t.Helper()
	store, err := sqlite.New(sqlite.MemoryPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	signer, err := signing.GenerateSigner()
	require.NoError(t, err)
	hub := broadcast.NewHub(buffer, nil, nil)
	return &env{store: store, hub: hub, signer: signer, issuer: issuance.NewIssuer(store, signer, hub, nil, nil)}
}

func unsigned(val string, neg bool) domain.UnsignedLabel {
	return domain.UnsignedLabel{
		Src: "did:example:mod",
		URI: "at://did:example:alice/post/1",
		Val: val,
		Neg: neg,
		Cts: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func (e *env) issue(t *testing.T, val string, neg bool) domain.Label {
	t.Helper()
	l, err := e.issuer.Create(context.Background(), unsigned(val, neg))
	require.NoError(t, err)
	return l
}

// serve runs Serve in the background and returns a stop function that
// cancels it and reports its error.
func serve(t *testing.T, svc *Service, cursor int64, sink Sink) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, cursor, sink) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Serve did not return")
			return nil
		}
	}
}

func seqRange(from, to int64) []int64 {
	out := make([]int64, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestParseCursor(t *testing.T) {
	for in, want := range map[string]int64{"": 0, "0": 0, "42": 42} {
		got, err := ParseCursor(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	for _, in := range []string{"-1", "abc", "1.5"} {
		_, err := ParseCursor(in)
		assert.ErrorIs(t, err, domain.ErrBadRequest, in)
	}
}

func TestBackfillThenLive(t *testing.T) {
	e := newEnv(t, 64)
	for i := 0; i < 7; i++ {
		e.issue(t, fmt.Sprintf("v%d", i), false)
	}
	svc := NewService(e.store, e.hub, Config{PageSize: 3}, nil, nil)
	sink := newSink()
	stop := serve(t, svc, 0, sink)

	assert.Equal(t, seqRange(1, 7), sink.labels(t, 7))
	require.Eventually(t, func() bool { return e.hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		e.issue(t, "live", false)
	}
	assert.Equal(t, seqRange(8, 12), sink.labels(t, 5))

	assert.ErrorIs(t, stop(), context.Canceled)
	assert.Zero(t, e.hub.Len())
	assert.Empty(t, sink.frames)
}

func TestResumeFromCursor(t *testing.T) {
	e := newEnv(t, 64)
	for i := 0; i < 5; i++ {
		e.issue(t, "spam", false)
	}
	svc := NewService(e.store, e.hub, Config{}, nil, nil)
	sink := newSink()
	stop := serve(t, svc, 3, sink)
	assert.Equal(t, []int64{4, 5}, sink.labels(t, 2))
	_ = stop()
}

func TestCursorAtHeadSendsOnlyLive(t *testing.T) {
	e := newEnv(t, 64)
	e.issue(t, "spam", false)
	svc := NewService(e.store, e.hub, Config{}, nil, nil)
	sink := newSink()
	stop := serve(t, svc, 1, sink)

	require.Eventually(t, func() bool { return e.hub.Len() == 1 }, time.Second, 5*time.Millisecond)
	e.issue(t, "spam", false)
	assert.Equal(t, []int64{2}, sink.labels(t, 1))
	_ = stop()
}

// insertDirect commits a signed label without publishing it, as another
// process sharing the database would.
func (e *env) insertDirect(t *testing.T, val string) int64 {
	t.Helper()
	l, err := e.signer.Sign(unsigned(val, false))
	require.NoError(t, err)
	seq, err := e.store.Insert(context.Background(), l)
	require.NoError(t, err)
	return seq
}

func TestLiveFillsRowsFromOtherWriters(t *testing.T) {
	e := newEnv(t, 64)
	e.issue(t, "spam", false)
	svc := NewService(e.store, e.hub, Config{PageSize: 2}, nil, nil)
	sink := newSink()
	stop := serve(t, svc, 0, sink)

	assert.Equal(t, []int64{1}, sink.labels(t, 1))
	require.Eventually(t, func() bool { return e.hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.Equal(t, int64(2), e.insertDirect(t, "other"))
	require.Equal(t, int64(3), e.insertDirect(t, "other"))
	require.Equal(t, int64(4), e.insertDirect(t, "other"))
	e.issue(t, "spam", false)
	e.issue(t, "spam", false)

	assert.Equal(t, seqRange(2, 6), sink.labels(t, 5))
	assert.ErrorIs(t, stop(), context.Canceled)
	assert.Empty(t, sink.frames)
}

func TestLabelsIssuedDuringBackfillArriveOnce(t *testing.T) {
	e := newEnv(t, 64)
	for i := 0; i < 10; i++ {
		e.issue(t, "old", false)
	}
	svc := NewService(e.store, e.hub, Config{PageSize: 2}, nil, nil)

	sink := newSink()
	var once sync.Once
	sink.onLabel = func(l domain.Label) {
		if l.Seq == 3 {
			// Commit and publish while the replay is still on page two.
			once.Do(func() {
				for i := 0; i < 5; i++ {
					if _, err := e.issuer.Create(context.Background(), unsigned("new", false)); err != nil {
						t.Error(err)
					}
				}
			})
		}
	}
	stop := serve(t, svc, 0, sink)

	assert.Equal(t, seqRange(1, 15), sink.labels(t, 15))
	e.issue(t, "after", false)
	assert.Equal(t, []int64{16}, sink.labels(t, 1))

	_ = stop()
	assert.Empty(t, sink.frames, "no label is delivered twice")
}

func TestBackfillIncludesNegations(t *testing.T) {
	e := newEnv(t, 64)
	first := e.issue(t, "spam", false)
	second := e.issue(t, "spam", true)

	svc := NewService(e.store, e.hub, Config{}, nil, nil)
	sink := newSink()
	stop := serve(t, svc, 0, sink)

	got := []domain.Label{sink.next(t).label, sink.next(t).label}
	assert.Equal(t, []domain.Label{first, second}, got)
	assert.True(t, got[1].Neg)
	_ = stop()
}

func TestFutureCursor(t *testing.T) {
	e := newEnv(t, 64)
	e.issue(t, "spam", false)
	svc := NewService(e.store, e.hub, Config{}, nil, nil)
	sink := newSink()

	err := svc.Serve(context.Background(), 5, sink)
	assert.ErrorIs(t, err, ErrFutureCursor)
	assert.ErrorIs(t, err, domain.ErrBadRequest)

	f := sink.next(t)
	assert.Equal(t, lexicon.TypeError, f.kind)
	assert.Equal(t, lexicon.ErrorFutureCursor, f.name)
	assert.Zero(t, e.hub.Len())
}

func TestOutdatedCursor(t *testing.T) {
	e := newEnv(t, 64)
	for i := 0; i < 10; i++ {
		e.issue(t, "spam", false)
	}
	svc := NewService(e.store, e.hub, Config{MaxBackfill: 4}, nil, nil)
	sink := newSink()
	stop := serve(t, svc, 0, sink)

	f := sink.next(t)
	assert.Equal(t, lexicon.TypeInfo, f.kind)
	assert.Equal(t, lexicon.InfoOutdatedCursor, f.name)
	assert.Equal(t, seqRange(7, 10), sink.labels(t, 4))
	_ = stop()
}

type failingReader struct {
	storage.Reader
}

func (failingReader) Query(context.Context, storage.Filter) (storage.Page, error) {
	return storage.Page{}, fmt.Errorf("%w: disk gone", domain.ErrStorage)
}

func TestBackfillStorageErrorIsFatal(t *testing.T) {
	e := newEnv(t, 64)
	e.issue(t, "spam", false)
	svc := NewService(failingReader{Reader: e.store}, e.hub, Config{}, nil, nil)
	sink := newSink()

	err := svc.Serve(context.Background(), 0, sink)
	assert.ErrorIs(t, err, domain.ErrStorage)
	f := sink.next(t)
	assert.Equal(t, lexicon.TypeError, f.kind)
	assert.Equal(t, lexicon.ErrorInternal, f.name)
	assert.Zero(t, e.hub.Len())
}

func TestSinkFailureEndsSubscription(t *testing.T) {
	e := newEnv(t, 64)
	e.issue(t, "spam", false)
	svc := NewService(e.store, e.hub, Config{}, nil, nil)
	sink := newSink()
	sink.fail = errors.New("broken pipe")

	err := svc.Serve(context.Background(), 0, sink)
	assert.ErrorIs(t, err, domain.ErrDelivery)
	assert.Zero(t, e.hub.Len())
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	e := newEnv(t, 1)
	svc := NewService(e.store, e.hub, Config{}, nil, nil)

	gate := make(chan struct{})
	entered := make(chan struct{}, 8)
	sink := newSink()
	sink.onLabel = func(domain.Label) {
		entered <- struct{}{}
		<-gate
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, 0, sink) }()
	require.Eventually(t, func() bool { return e.hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	// The first label blocks in the sink, the second fills the buffer,
	// the third overflows it.
	e.issue(t, "a", false)
	<-entered
	e.issue(t, "b", false)
	e.issue(t, "c", false)
	close(gate)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConsumerTooSlow)
		assert.ErrorIs(t, err, domain.ErrDelivery)
	case <-time.After(5 * time.Second):
		t.Fatal("slow consumer was not disconnected")
	}

	var last frame
	for len(sink.frames) > 0 {
		last = <-sink.frames
	}
	assert.Equal(t, lexicon.TypeError, last.kind)
	assert.Equal(t, lexicon.ErrorConsumerTooSlow, last.name)
}
