package api

import (
	"net/http"
	"sync"

	"github.com/Futs/kuroibara-sub003/internal/scheduler"
)

// wsMessage is the additive progress push, one per persisted DownloadJob
// transition.
type wsMessage struct {
	JobID           string  `json:"job_id"`
	Status          string  `json:"status"`
	BytesDone       int64   `json:"bytes_done"`
	BytesTotal      int64   `json:"bytes_total"`
	ProgressPercent float64 `json:"progress_percent"`
}

// wsHub fans scheduler.Event out to every connected WebSocket client,
// mirroring the teacher's wsClients map of per-connection buffered
// channels with a non-blocking broadcast.
type wsHub struct {
	mu      sync.RWMutex
	clients map[chan wsMessage]struct{}
}

func newWSHub() *wsHub {
	return &wsHub{clients: make(map[chan wsMessage]struct{})}
}

func (h *wsHub) register() chan wsMessage {
	ch := make(chan wsMessage, 100)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *wsHub) unregister(ch chan wsMessage) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *wsHub) broadcast(msg wsMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
			// client too slow, drop this update rather than block the pump
		}
	}
}

// pump translates scheduler events into wsMessage broadcasts until events
// closes (scheduler shutdown).
func (h *wsHub) pump(events <-chan scheduler.Event) {
	for ev := range events {
		h.broadcast(wsMessage{
			JobID:           ev.JobID,
			Status:          string(ev.Status),
			BytesDone:       ev.BytesDone,
			BytesTotal:      ev.BytesTotal,
			ProgressPercent: ev.ProgressPercent,
		})
	}
}

func (s *Server) handleDownloadsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	client := s.hub.register()
	defer func() {
		s.hub.unregister(client)
		conn.Close()
	}()

	go func() {
		for msg := range client {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()

	// drain pings/closes; this connection never expects inbound messages
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
