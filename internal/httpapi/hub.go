package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/boxpilot/internal/model"
)

const (
	subscriberBuffer = 64
	writeWait        = 5 * time.Second
	pingPeriod       = 30 * time.Second
)

// Event is one message on the /api/events stream.
type Event struct {
	Type     string          `json:"type"` // "probe_result" | "progress"
	ServerID string          `json:"server_id,omitempty"`
	Mode     model.ProbeMode `json:"mode,omitempty"`
	// Value is the smoothed latency in ms, or -1 when the probe failed.
	Value *float64 `json:"value,omitempty"`
	Done  int      `json:"done,omitempty"`
	Total int      `json:"total,omitempty"`
	Time  string   `json:"time"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan Event
}

// Hub fans scheduler results out to websocket subscribers. It implements
// monitor.Sink. A subscriber that cannot keep up loses events rather than
// slowing the scheduler down.
type Hub struct {
	upgrader websocket.Upgrader
	log      logrus.FieldLogger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log:  log.WithField("component", "events"),
		subs: make(map[*subscriber]struct{}),
	}
}

func (h *Hub) OnProbeResult(serverID string, mode model.ProbeMode, value float64) {
	metricsIncProbeResult(mode, value >= 0)
	v := value
	h.broadcast(Event{Type: "probe_result", ServerID: serverID, Mode: mode, Value: &v})
}

func (h *Hub) OnProgress(done, total int) {
	h.broadcast(Event{Type: "progress", Done: done, Total: total})
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) broadcast(ev Event) {
	ev.Time = time.Now().UTC().Format(time.RFC3339Nano)
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.send <- ev:
		default:
			metricsIncDroppedEvent()
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	s := &subscriber{conn: c, send: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	metricsSetSubscribers(n)
	h.log.WithField("subscribers", n).Debug("subscriber connected")

	go h.writeLoop(s)
	h.readLoop(s)
}

// readLoop discards client frames; it returns when the connection closes.
func (h *Hub) readLoop(s *subscriber) {
	defer h.remove(s)
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(s *subscriber) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer s.conn.Close()
	for {
		select {
		case ev, ok := <-s.send:
			if !ok {
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, s)
	close(s.send)
	n := len(h.subs)
	h.mu.Unlock()
	metricsSetSubscribers(n)
	h.log.WithField("subscribers", n).Debug("subscriber disconnected")
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		h.remove(s)
	}
}
