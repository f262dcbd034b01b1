// Package storagetest holds the behaviour every storage.Store backend
// must share. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"example.com/labeler/internal/domain"
	"example.com/labeler/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. The store is closed by Run.
type Factory func(t *testing.T) storage.Store

// Label returns a signed-looking label for uri. Stores never verify
// signatures, so a fixed placeholder is enough.
func Label(src, uri, val string) domain.Label {
	return domain.Label{
		Ver: domain.LabelVersion,
		Src: src,
		URI: uri,
		Val: val,
		Cts: "2025-01-02T03:04:05.000Z",
		Sig: []byte{1, 2, 3},
	}
}

// Run executes the conformance suite against fresh stores from newStore.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"InsertAssignsMonotonicSeq", testInsertMonotonic},
		{"ConcurrentInsertsGapFree", testConcurrentInserts},
		{"RejectsUnsigned", testRejectsUnsigned},
		{"RoundTripsOptionalFields", testRoundTrip},
		{"QueryFilters", testQueryFilters},
		{"QueryPagination", testPagination},
		{"LatestSeqAndReady", testLatestSeq},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tc.fn(t, s)
		})
	}
}

func testInsertMonotonic(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		seq, err := s.Insert(ctx, Label("did:example:alice", fmt.Sprintf("at://did:example:bob/app.bsky.feed.post/%d", i), "spam"))
		require.NoError(t, err)
		assert.Equal(t, int64(i), seq)
	}
}

func testConcurrentInserts(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const n = 40
	seqs := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, err := s.Insert(ctx, Label("did:example:alice", fmt.Sprintf("at://x/%d", i), "spam"))
			assert.NoError(t, err)
			seqs <- seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool, n)
	for seq := range seqs {
		assert.False(t, seen[seq], "duplicate seq %d", seq)
		seen[seq] = true
	}
	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[i], "missing seq %d", i)
	}
}

func testRejectsUnsigned(t *testing.T, s storage.Store) {
	l := Label("did:example:alice", "at://x/1", "spam")
	l.Sig = nil
	_, err := s.Insert(context.Background(), l)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBadRequest))

	latest, err := s.LatestSeq(context.Background())
	require.NoError(t, err)
	assert.Zero(t, latest)
}

func testRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	l := Label("did:example:alice", "at://x/1", "nsfw")
	l.CID = "bafyreigh2akiscaildc"
	l.Neg = true
	l.Exp = "2030-01-01T00:00:00Z"
	seq, err := s.Insert(ctx, l)
	require.NoError(t, err)

	plain := Label("did:example:alice", "at://x/2", "spam")
	_, err = s.Insert(ctx, plain)
	require.NoError(t, err)

	page, err := s.Query(ctx, storage.Filter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Labels, 2)

	l.Seq = seq
	assert.Equal(t, l, page.Labels[0])
	assert.Equal(t, "", page.Labels[1].CID)
	assert.Equal(t, "", page.Labels[1].Exp)
	assert.False(t, page.Labels[1].Neg)
	assert.Equal(t, int64(domain.LabelVersion), page.Labels[1].Ver)
}

func testQueryFilters(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rows := []domain.Label{
		Label("did:example:alice", "at://did:example:abc/app.bsky.feed.post/123", "spam"),
		Label("did:example:alice", "at://did:example:xyz/app.bsky.feed.post/123", "spam"),
		Label("did:example:carol", "at://did:example:abc/app.bsky.feed.post/456", "nsfw"),
		Label("did:example:carol", "at://did:example:ABC/app.bsky.feed.post/789", "nsfw"),
		Label("did:example:alice", "at://did:example:abc_def/x", "spam"),
		Label("did:example:alice", "at://did:example:abc%/x", "spam"),
	}
	for _, r := range rows {
		_, err := s.Insert(ctx, r)
		require.NoError(t, err)
	}

	cases := []struct {
		name     string
		patterns []string
		sources  []string
	}{
		{name: "no filter"},
		{name: "prefix", patterns: []string{"at://did:example:abc/app.bsky.feed.post/*"}},
		{name: "exact", patterns: []string{"at://did:example:xyz/app.bsky.feed.post/123"}},
		{name: "or patterns", patterns: []string{"at://did:example:xyz/*", "at://did:example:abc/app.bsky.feed.post/456"}},
		{name: "like metacharacters are literal", patterns: []string{"at://did:example:abc_*"}},
		{name: "percent is literal", patterns: []string{"at://did:example:abc%*"}},
		{name: "sources", sources: []string{"did:example:carol"}},
		{name: "sources and patterns", patterns: []string{"at://did:example:abc/*"}, sources: []string{"did:example:alice"}},
		{name: "unknown source", sources: []string{"did:example:nobody"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ps, err := storage.ParsePatterns(tc.patterns)
			require.NoError(t, err)
			page, err := s.Query(ctx, storage.Filter{Patterns: ps, Sources: tc.sources, Limit: 100})
			require.NoError(t, err)

			var want []string
			for _, r := range rows {
				if storage.MatchAny(ps, r.URI) && (len(tc.sources) == 0 || slices.Contains(tc.sources, r.Src)) {
					want = append(want, r.URI)
				}
			}
			var got []string
			for _, l := range page.Labels {
				got = append(got, l.URI)
			}
			assert.Equal(t, want, got)
		})
	}
}

func testPagination(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		val := "scam"
		if i%2 == 0 {
			val = "spam"
		}
		_, err := s.Insert(ctx, Label("did:example:alice", fmt.Sprintf("at://did:example:bob/app.bsky.feed.post/%d", i), val))
		require.NoError(t, err)
	}
	ps, err := storage.ParsePatterns([]string{"at://did:example:bob/app.bsky.feed.post/*"})
	require.NoError(t, err)

	page, err := s.Query(ctx, storage.Filter{Patterns: ps, Sources: []string{"did:example:alice"}, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, page.Labels, 5)
	assert.Equal(t, int64(5), page.Next)

	var cursor int64
	var total int
	for pages := 0; ; pages++ {
		require.Less(t, pages, 10, "pagination did not terminate")
		page, err := s.Query(ctx, storage.Filter{Cursor: cursor, Limit: 3})
		require.NoError(t, err)
		for _, l := range page.Labels {
			assert.Greater(t, l.Seq, cursor)
		}
		if len(page.Labels) == 0 {
			assert.Equal(t, cursor, page.Next)
			break
		}
		total += len(page.Labels)
		cursor = page.Next
	}
	assert.Equal(t, 10, total)
}

func testLatestSeq(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.Ready(ctx))

	latest, err := s.LatestSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, latest)

	for i := 0; i < 3; i++ {
		_, err := s.Insert(ctx, Label("did:example:alice", "at://x/1", "spam"))
		require.NoError(t, err)
	}
	latest, err = s.LatestSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)
}
