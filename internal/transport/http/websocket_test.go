package transporthttp

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"example.com/labeler/internal/config"
	"example.com/labeler/internal/lexicon"
	"example.com/labeler/internal/signing"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) dial(t *testing.T, rawQuery string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + subscribeLabelsPath
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func readFrame(t *testing.T, conn *websocket.Conn, enc lexicon.Encoding) lexicon.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	if enc == lexicon.EncodingCBOR {
		assert.Equal(t, websocket.BinaryMessage, mt)
	} else {
		assert.Equal(t, websocket.TextMessage, mt)
	}
	f, err := lexicon.DecodeFrame(enc, data)
	require.NoError(t, err)
	return f
}

func labelBody(uri string, neg bool) string {
	return fmt.Sprintf(`{"src":"did:example:mod","uri":%q,"val":"spam","neg":%t}`, uri, neg)
}

func TestSubscribeBackfillAndLive(t *testing.T) {
	for _, enc := range []lexicon.Encoding{lexicon.EncodingJSON, lexicon.EncodingCBOR} {
		t.Run(string(enc), func(t *testing.T) {
			e := newTestEnv(t)
			for i := 1; i <= 3; i++ {
				e.create(t, labelBody(fmt.Sprintf("at://x/%d", i), false))
			}

			conn, _, err := e.dial(t, "cursor=0&encoding="+string(enc))
			require.NoError(t, err)
			for want := int64(1); want <= 3; want++ {
				f := readFrame(t, conn, enc)
				require.Equal(t, lexicon.TypeLabels, f.Type)
				assert.Equal(t, want, f.Labels.Seq)
				require.Len(t, f.Labels.Labels, 1)
				require.NoError(t, signing.Verify(e.signer.PublicKey(), f.Labels.Labels[0].ToLabel(f.Labels.Seq)))
			}

			require.Eventually(t, func() bool { return e.hub.Len() == 1 }, time.Second, 5*time.Millisecond)
			e.create(t, labelBody("at://x/1", true))
			f := readFrame(t, conn, enc)
			require.Equal(t, lexicon.TypeLabels, f.Type)
			assert.Equal(t, int64(4), f.Labels.Seq)
			assert.True(t, f.Labels.Labels[0].Neg)

			require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
			require.Eventually(t, func() bool { return e.hub.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
		})
	}
}

func TestSubscribeBadCursorRejectedBeforeUpgrade(t *testing.T) {
	e := newTestEnv(t)
	for _, q := range []string{"cursor=abc", "cursor=-1", "encoding=xml"} {
		_, resp, err := e.dial(t, q)
		require.ErrorIs(t, err, websocket.ErrBadHandshake, q)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
		_ = resp.Body.Close()
	}
}

func TestSubscribeFutureCursor(t *testing.T) {
	e := newTestEnv(t)
	e.create(t, labelBody("at://x/1", false))

	conn, _, err := e.dial(t, "cursor=10")
	require.NoError(t, err)
	f := readFrame(t, conn, lexicon.EncodingJSON)
	require.Equal(t, lexicon.TypeError, f.Type)
	assert.Equal(t, lexicon.ErrorFutureCursor, f.Error.Error)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestSubscribeDropsPeerThatStopsAnsweringPings(t *testing.T) {
	e := newTestEnv(t, withConfig(func(c *config.Config) {
		c.PingInterval = 100 * time.Millisecond
		c.WriteTimeout = 100 * time.Millisecond
	}))

	// Without a read loop the client never answers pings.
	_, _, err := e.dial(t, "cursor=0")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.hub.Len() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeKeepsPeerThatAnswersPings(t *testing.T) {
	e := newTestEnv(t, withConfig(func(c *config.Config) {
		c.PingInterval = 100 * time.Millisecond
		c.WriteTimeout = 100 * time.Millisecond
	}))

	conn, _, err := e.dial(t, "cursor=0")
	require.NoError(t, err)
	// ReadMessage runs the default ping handler, which replies with a pong.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	require.Eventually(t, func() bool { return e.hub.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return e.hub.Len() == 0 }, time.Second, 10*time.Millisecond)
}
