package rideworker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Control protocol, host -> worker:
//
//	SKIP_WAITING   promote a waiting generation immediately
//	CLEANUP_CACHE  run the size-bounded dynamic store eviction
//	SYNC           a deferred-sync tag fired (tag field)
//	NAVIGATE       this window moved to a new location (url field)
//	NOTIFICATION_CLICK  a displayed notification was clicked (action field)
//
// Worker -> host: UPDATE_AVAILABLE, NOTIFY, FOCUS_WINDOW, OPEN_WINDOW.
// Unrecognized message types are ignored.
const (
	msgSkipWaiting       = "SKIP_WAITING"
	msgCleanupCache      = "CLEANUP_CACHE"
	msgSync              = "SYNC"
	msgNavigate          = "NAVIGATE"
	msgNotificationClick = "NOTIFICATION_CLICK"
	msgUpdateAvailable   = "UPDATE_AVAILABLE"
	msgNotify            = "NOTIFY"
	msgFocusWindow       = "FOCUS_WINDOW"
	msgOpenWindow        = "OPEN_WINDOW"
)

type channelMessage struct {
	Type         string               `json:"type"`
	Tag          string               `json:"tag,omitempty"`
	URL          string               `json:"url,omitempty"`
	Action       string               `json:"action,omitempty"`
	Version      string               `json:"version,omitempty"`
	Notification *NotificationPayload `json:"notification,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hubConn is one connected host window. out is never closed: broadcasts may
// race a disconnect, so the write loop is stopped through done instead and
// any straggler messages are left for the GC.
type hubConn struct {
	ws   *websocket.Conn
	out  chan []byte
	done chan struct{}

	mu       sync.Mutex
	location string
}

func (c *hubConn) Location() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.location
}

func (c *hubConn) setLocation(url string) {
	c.mu.Lock()
	c.location = url
	c.mu.Unlock()
}

// send drops the message when the connection is gone or its buffer is full;
// a stalled window must not block the worker.
func (c *hubConn) send(msg channelMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.out <- b:
	default:
	}
}

// Hub tracks connected host windows and fans worker events out to them.
type Hub struct {
	log          *zap.Logger
	writeTimeout time.Duration

	mu    sync.Mutex
	conns map[*hubConn]struct{}
}

func newHub(log *zap.Logger) *Hub {
	return &Hub{log: log, writeTimeout: 5 * time.Second, conns: map[*hubConn]struct{}{}}
}

func (h *Hub) add(c *hubConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *hubConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func (h *Hub) snapshot() []*hubConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *Hub) Broadcast(msg channelMessage) {
	for _, c := range h.snapshot() {
		c.send(msg)
	}
}

// ServeWS upgrades the request and pumps inbound control messages into
// onMessage until the host disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, onMessage func(ctx context.Context, c *hubConn, msg channelMessage)) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &hubConn{ws: ws, out: make(chan []byte, 64), done: make(chan struct{}), location: "/"}
	h.add(c)
	go h.writeLoop(c)

	defer func() {
		h.remove(c)
		close(c.done)
	}()

	for {
		_, b, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg channelMessage
		if err := json.Unmarshal(b, &msg); err != nil {
			continue
		}
		onMessage(r.Context(), c, msg)
	}
}

func (h *Hub) writeLoop(c *hubConn) {
	defer c.ws.Close()
	for {
		select {
		case <-c.done:
			return
		case b := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

// ---- host surfaces backed by the hub ----

// hubNotifier shows notifications by pushing them to every connected window.
type hubNotifier struct {
	hub *Hub
}

func (n *hubNotifier) Show(ctx context.Context, p NotificationPayload) error {
	n.hub.Broadcast(channelMessage{Type: msgNotify, Notification: &p})
	return nil
}

// hubWindows treats each channel connection as one open application window.
type hubWindows struct {
	hub *Hub
	log *zap.Logger
}

type hubWindow struct {
	conn *hubConn
}

func (w *hubWindow) URL() string { return w.conn.Location() }

func (w *hubWindow) Focus(ctx context.Context) error {
	w.conn.send(channelMessage{Type: msgFocusWindow})
	return nil
}

func (hw *hubWindows) Windows(ctx context.Context) ([]WindowClient, error) {
	conns := hw.hub.snapshot()
	out := make([]WindowClient, 0, len(conns))
	for _, c := range conns {
		out = append(out, &hubWindow{conn: c})
	}
	return out, nil
}

func (hw *hubWindows) Open(ctx context.Context, url string) (WindowClient, error) {
	conns := hw.hub.snapshot()
	if len(conns) == 0 {
		hw.log.Info("no window connected to open target", zap.String("url", url))
		return nil, nil
	}
	c := conns[0]
	c.send(channelMessage{Type: msgOpenWindow, URL: url})
	return &hubWindow{conn: c}, nil
}
