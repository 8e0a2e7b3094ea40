package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatdock/agentd/internal/notify"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // widget origins vary; secure via proxy
}

// StreamHandler pushes conversation events (typing, messages, run outcomes)
// to the widget and dashboard over a websocket.
type StreamHandler struct {
	mgr *notify.Manager
}

// NewStreamHandler creates the websocket stream handler.
func NewStreamHandler(mgr *notify.Manager) *StreamHandler {
	return &StreamHandler{mgr: mgr}
}

// RegisterRoutes registers the /stream/ws endpoint.
func (h *StreamHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/ws", h.handleWS)
}

func (h *StreamHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Optional filters
	typeFilter := map[string]struct{}{}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				typeFilter[t] = struct{}{}
			}
		}
	}
	var lastSeq uint64
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastSeq = n
		}
	}

	ch := h.mgr.Subscribe(conversationID, 256)
	defer h.mgr.Unsubscribe(conversationID, ch)

	// Replay the backlog a reconnecting widget missed
	if lastSeq > 0 {
		for _, ev := range h.mgr.ReplaySince(conversationID, lastSeq) {
			if len(typeFilter) > 0 {
				if _, ok := typeFilter[ev.Type]; !ok {
					continue
				}
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// Reader pump (discard client messages)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Writer pump
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if len(typeFilter) > 0 {
				if _, ok := typeFilter[ev.Type]; !ok {
					continue
				}
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
