package channel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Latchkey-Labs/latchkey-go/pkg/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebsocketOpener opens trusted surfaces over a websocket connection to a
// running approval daemon. The application's origin travels in the dial
// request's Origin header; SurfaceOrigin is attached to every inbound
// message so the channel can enforce its origin check.
type WebsocketOpener struct {
	// URL is the surface's channel endpoint, e.g. ws://localhost:9700/channel
	URL string
	// AppOrigin is sent as the Origin header when dialing
	AppOrigin string
	// SurfaceOrigin is the origin inbound messages are attributed to
	SurfaceOrigin string

	Logger *zap.Logger
}

// Open dials the surface endpoint and starts reading inbound frames.
func (o *WebsocketOpener) Open(ctx context.Context) (Surface, error) {
	header := http.Header{}
	if o.AppOrigin != "" {
		header.Set("Origin", o.AppOrigin)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, o.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial trusted surface at %s (status %d): %w", o.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial trusted surface at %s: %w", o.URL, err)
	}

	ws := &websocketSurface{
		conn:    conn,
		origin:  o.SurfaceOrigin,
		inbound: make(chan Inbound, 16),
		logger:  o.Logger,
	}
	go ws.readLoop()
	return ws, nil
}

// websocketSurface adapts one websocket connection to the Surface
// interface. Writes are serialized; the read loop owns the inbound channel
// and closes it when the connection drops.
type websocketSurface struct {
	conn    *websocket.Conn
	origin  string
	inbound chan Inbound
	logger  *zap.Logger

	writeMu sync.Mutex
	closed  sync.Once
}

func (w *websocketSurface) Post(env *types.Envelope) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to write to trusted surface: %w", err)
	}
	return nil
}

func (w *websocketSurface) Inbound() <-chan Inbound {
	return w.inbound
}

// Focus is a no-op for a websocket surface; there is no window to raise.
func (w *websocketSurface) Focus() {}

func (w *websocketSurface) Close() error {
	var err error
	w.closed.Do(func() {
		w.writeMu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}

func (w *websocketSurface) readLoop() {
	defer close(w.inbound)
	for {
		var env types.Envelope
		if err := w.conn.ReadJSON(&env); err != nil {
			if w.logger != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.logger.Sugar().Debugw("Trusted surface read ended", "error", err)
			}
			return
		}
		w.inbound <- Inbound{Origin: w.origin, Envelope: &env}
	}
}
