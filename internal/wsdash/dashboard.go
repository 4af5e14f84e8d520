// Package wsdash is an optional read-only browser dashboard: it upgrades a
// single HTTP route to a websocket and re-emits the engine's event stream as
// JSON frames, independent of the binary façade protocol. Grounded on
// internal/fabric's websocket upgrade/ping-keepalive pattern, trimmed to a
// read-only broadcast since a dashboard viewer never issues engine calls.
package wsdash

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/backend/internal/engineapi"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wireEvent is the JSON-friendly projection of an engineapi.Event: the
// struct's unused fields for the event's Kind are simply omitted by
// omitempty rather than wire-tagged, since this transport has no
// schema-evolution contract to preserve.
type wireEvent struct {
	Kind    string                        `json:"kind"`
	Queue   []uint64                      `json:"queue,omitempty"`
	Items   map[uint64]json.RawMessage    `json:"items,omitempty"`
	Running []uint64                      `json:"running,omitempty"`
	Bool    *bool                         `json:"bool,omitempty"`
	LogLine string                        `json:"log_line,omitempty"`
}

// Dashboard relays one engine's event bus to any number of connected
// websocket viewers.
type Dashboard struct {
	logger *slog.Logger

	mu      sync.Mutex
	viewers map[*viewer]struct{}
}

type viewer struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a Dashboard. Call Run to start relaying engine events; call
// HandleWebSocket as an http.HandlerFunc to accept viewers.
func New(logger *slog.Logger) *Dashboard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dashboard{
		logger:  logger,
		viewers: make(map[*viewer]struct{}),
	}
}

// Run drains events until the channel closes, broadcasting each as JSON to
// every connected viewer. Meant to run in its own goroutine for the
// lifetime of the engine subscription.
func (d *Dashboard) Run(events <-chan engineapi.Event) {
	for ev := range events {
		body, err := json.Marshal(toWireEvent(ev))
		if err != nil {
			d.logger.Warn("wsdash: failed to marshal event", "error", err)
			continue
		}
		d.broadcast(body)
	}
}

func toWireEvent(ev engineapi.Event) wireEvent {
	w := wireEvent{Kind: ev.Kind.String()}
	switch ev.Kind {
	case engineapi.EventQueueChanged:
		w.Queue = ev.Queue
	case engineapi.EventRunningIdsChanged:
		w.Running = ev.Running
	case engineapi.EventAutoProcessingStateChanged:
		b := ev.Bool
		w.Bool = &b
	case engineapi.EventNewCommandLineOutput:
		if ev.Log != nil {
			w.LogLine = ev.Log.Message
		}
	case engineapi.EventRunListChanged:
		items := make(map[uint64]json.RawMessage, len(ev.Items))
		for id, it := range ev.Items {
			body, err := json.Marshal(it)
			if err != nil {
				continue
			}
			items[id] = body
		}
		w.Items = items
	}
	return w
}

// HandleWebSocket upgrades the request and registers the connection as a
// viewer until it disconnects. It never reads application messages from
// the viewer; the dashboard is strictly one-directional.
func (d *Dashboard) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn("wsdash: upgrade failed", "error", err)
		return
	}

	v := &viewer{conn: conn, send: make(chan []byte, 64)}
	d.mu.Lock()
	d.viewers[v] = struct{}{}
	d.mu.Unlock()

	go d.writePump(v)
	d.readPump(v)
}

func (d *Dashboard) readPump(v *viewer) {
	defer d.remove(v)
	v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		v.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (d *Dashboard) writePump(v *viewer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		v.conn.Close()
	}()

	for {
		select {
		case body, ok := <-v.send:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				v.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := v.conn.WriteMessage(websocket.TextMessage, body); err != nil {
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

func (d *Dashboard) broadcast(body []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for v := range d.viewers {
		select {
		case v.send <- body:
		default:
			// Slow viewer; drop rather than block the relay goroutine.
		}
	}
}

func (d *Dashboard) remove(v *viewer) {
	d.mu.Lock()
	_, ok := d.viewers[v]
	delete(d.viewers, v)
	d.mu.Unlock()
	if ok {
		close(v.send)
	}
}
