package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const keepaliveInterval = 15 * time.Second

// handleEvents streams a session's event log as server-sent events. The
// ?since_seq=N parameter replays everything after N before going live, so a
// reconnecting consumer resumes without a gap.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.store.Get(r.Context(), sessionID); err != nil {
		writeStoreError(w, err)
		return
	}

	sinceSeq := int64(0)
	if raw := r.URL.Query().Get("since_seq"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid since_seq")
			return
		}
		sinceSeq = n
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, err := s.store.EventLog().Subscribe(r.Context(), sessionID, sinceSeq)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("session %s: encode event: %v", sessionID, err)
				continue
			}
			if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is token-authenticated; cross-origin browser clients are
	// expected.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket streams the same event feed over a WebSocket, one JSON
// event per text message.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.store.Get(r.Context(), sessionID); err != nil {
		writeStoreError(w, err)
		return
	}

	sinceSeq := int64(0)
	if raw := r.URL.Query().Get("since_seq"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
			sinceSeq = n
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("session %s: websocket upgrade: %v", sessionID, err)
		return
	}
	defer func() { _ = conn.Close() }()

	sub, err := s.store.EventLog().Subscribe(r.Context(), sessionID, sinceSeq)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"))
		return
	}
	defer sub.Close()

	// Drain reads so close frames and pings are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
