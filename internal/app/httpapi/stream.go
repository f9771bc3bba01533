package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
	streamPongTimeout  = 60 * time.Second
)

var errBadReplay = errors.New("replay must be a non-negative integer")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// events streams lottery events as JSON text frames. A "replay" query
// parameter first sends up to that many retained events.
func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	replay := 0
	if raw := r.URL.Query().Get("replay"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errBadReplay)
			return
		}
		replay = n
	}

	hub := h.app.Events
	feed, cancel := hub.Subscribe(64)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The read loop only services control frames and notices disconnects.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if replay > 0 {
		for _, evt := range hub.Recent(replay) {
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-feed:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		}
	}
}
