package transporthttp

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"example.com/labeler/internal/domain"
	"example.com/labeler/internal/lexicon"
	"example.com/labeler/internal/subscription"
	"github.com/gorilla/websocket"
)

// Clients only send control frames; anything larger is a protocol error.
const maxClientMessage = 512

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The label stream is public and read-only.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleSubscribeLabels validates the handshake, upgrades the connection
// and streams labels until either side ends the subscription.
func (d *ServerDeps) HandleSubscribeLabels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cursor, err := subscription.ParseCursor(q.Get("cursor"))
	if err != nil {
		WriteError(w, err)
		return
	}
	enc, err := lexicon.ParseEncoding(q.Get("encoding"))
	if err != nil {
		WriteError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		d.logger().Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	log := d.logger().With("component", "subscribe", "remote", r.RemoteAddr, "cursor", cursor)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	writeTimeout, pingInterval := d.Cfg.WriteTimeout, d.Cfg.PingInterval
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	sink := &wsSink{conn: conn, enc: enc, writeTimeout: writeTimeout}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		readLoop(conn, pingInterval+writeTimeout)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		sink.pingLoop(ctx, pingInterval)
	}()

	err = d.Subs.Serve(ctx, cursor, sink)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Debug("subscription closed")
		sink.close(websocket.CloseNormalClosure, "")
	case errors.Is(err, domain.ErrBadRequest):
		log.Info("subscription rejected", "error", err)
		sink.close(websocket.ClosePolicyViolation, "")
	case errors.Is(err, domain.ErrDelivery):
		log.Info("subscription dropped", "error", err)
		sink.close(websocket.CloseTryAgainLater, "")
	default:
		log.Error("subscription failed", "error", err)
		sink.close(websocket.CloseInternalServerErr, "")
	}

	cancel()
	_ = conn.Close()
	wg.Wait()
}

// readLoop discards client messages and returns once the client goes
// away or stops answering pings for longer than pongWait.
func readLoop(conn *websocket.Conn, pongWait time.Duration) {
	conn.SetReadLimit(maxClientMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// wsSink writes frames to one websocket. Data frames come from the
// subscription goroutine only; pings and the close frame use
// WriteControl, which may run concurrently with it.
type wsSink struct {
	conn         *websocket.Conn
	enc          lexicon.Encoding
	writeTimeout time.Duration
}

func (s *wsSink) SendLabel(_ context.Context, l domain.Label) error {
	b, err := lexicon.EncodeLabels(s.enc, l)
	if err != nil {
		return err
	}
	return s.write(b)
}

func (s *wsSink) SendInfo(_ context.Context, name, message string) error {
	b, err := lexicon.EncodeInfo(s.enc, name, message)
	if err != nil {
		return err
	}
	return s.write(b)
}

func (s *wsSink) SendError(_ context.Context, name, message string) error {
	b, err := lexicon.EncodeError(s.enc, name, message)
	if err != nil {
		return err
	}
	return s.write(b)
}

func (s *wsSink) write(b []byte) error {
	mt := websocket.TextMessage
	if s.enc == lexicon.EncodingCBOR {
		mt = websocket.BinaryMessage
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(mt, b)
}

func (s *wsSink) pingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *wsSink) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
}
