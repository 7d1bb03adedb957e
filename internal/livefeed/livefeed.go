// Package livefeed is a ready-made notify consumer (spec.md §4.8's
// expansion) that fans rendered message batches out to every connected
// websocket viewer, backed by github.com/gorilla/websocket. It
// registers like any other internal/notifyhost consumer via
// RegisterPlugin; the HTTP upgrade endpoint it needs is exposed as an
// http.Handler the way the teacher's internal/web package exposes its
// chat UI — mount it on a mux with RegisterRoutes and let cmd/msghubd
// own the actual *http.Server.
//
// internal/homeassistant's WSClient is the only other place this
// module reaches for gorilla/websocket, but it dials outbound as a
// client; there is no server-side Upgrader example anywhere in the
// corpus, so the accept loop and per-connection write pump below are
// written from gorilla/websocket's own documented usage rather than
// adapted from an existing file — noted in DESIGN.md.
package livefeed

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/homehub/msghub/internal/notifyhost"
	"github.com/homehub/msghub/internal/render"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

// Plugin is a notifyhost.Consumer that upgrades HTTP connections to
// websockets and forwards every notify Dispatch to all currently
// connected viewers as a JSON batch.
type Plugin struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	viewers map[*viewer]struct{}
}

// Batch is the JSON envelope written to each connected viewer.
type Batch struct {
	Event string         `json:"event"`
	Views []*render.View `json:"views"`
}

// New creates a Plugin. checkOrigin, if non-nil, is used as the
// upgrader's CheckOrigin; a nil value accepts same-origin requests only,
// matching gorilla/websocket's own default.
func New(logger *slog.Logger, checkOrigin func(r *http.Request) bool) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{
		logger:  logger,
		viewers: make(map[*viewer]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeHTTP upgrades the request to a websocket connection and begins
// fanning dispatched batches out to it until the client disconnects.
func (p *Plugin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("livefeed: upgrade failed", "error", err)
		return
	}

	v := &viewer{conn: conn, send: make(chan Batch, sendBuffer)}
	p.mu.Lock()
	p.viewers[v] = struct{}{}
	p.mu.Unlock()

	go p.writePump(v)
	go p.readPump(v)
}

// RegisterRoutes mounts the upgrade endpoint on mux at path, the same
// "package owns a handler, caller owns the mux" shape as
// internal/web.RegisterRoutes.
func (p *Plugin) RegisterRoutes(mux *http.ServeMux, path string) {
	mux.Handle(path, p)
}

// OnNotifications satisfies notifyhost.Consumer: every dispatch is
// JSON-encoded once and fanned out to all connected viewers' send
// channels. A viewer whose channel is full is dropped rather than
// allowed to stall the dispatch.
func (p *Plugin) OnNotifications(ctx notifyhost.Ctx, event string, views []*render.View) {
	batch := Batch{Event: event, Views: views}

	p.mu.Lock()
	viewers := make([]*viewer, 0, len(p.viewers))
	for v := range p.viewers {
		viewers = append(viewers, v)
	}
	p.mu.Unlock()

	for _, v := range viewers {
		select {
		case v.send <- batch:
		default:
			p.logger.Warn("livefeed: viewer send buffer full, dropping connection")
			p.drop(v)
		}
	}
}

// ViewerCount returns the number of currently connected viewers, for
// diagnostics.
func (p *Plugin) ViewerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.viewers)
}

func (p *Plugin) drop(v *viewer) {
	p.mu.Lock()
	_, ok := p.viewers[v]
	delete(p.viewers, v)
	p.mu.Unlock()
	if ok {
		close(v.send)
		v.conn.Close()
	}
}

type viewer struct {
	conn *websocket.Conn
	send chan Batch
}

// writePump serializes all writes to the connection: one batch at a
// time, plus periodic pings to detect a dead peer, matching the
// read/write-deadline discipline gorilla/websocket's docs prescribe for
// any server-side handler.
func (p *Plugin) writePump(v *viewer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.drop(v)
	}()

	for {
		select {
		case batch, ok := <-v.send:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				v.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(batch)
			if err != nil {
				p.logger.Warn("livefeed: failed to marshal batch", "error", err)
				continue
			}
			if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains and discards inbound frames (this feed is
// write-only), applying the standard pong-refreshed read deadline so a
// silent peer is eventually dropped.
func (p *Plugin) readPump(v *viewer) {
	defer p.drop(v)
	v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		v.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := v.conn.NextReader(); err != nil {
			return
		}
	}
}
