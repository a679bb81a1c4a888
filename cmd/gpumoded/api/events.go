package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/onkernel/gpumode/lib/logger"
)

const (
	eventBuffer  = 16
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Only reachable through the unix socket
		return true
	},
}

// EventsHandler streams daemon events as JSON text frames until the client
// goes away. Clients never send anything but control frames.
func (s *ApiService) EventsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := logger.FromContext(ctx)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.ErrorContext(ctx, "websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	// Subscribe before the reader starts so a fast disconnect still unsubscribes.
	ch := s.Events.Subscribe(ctx, eventBuffer)
	log.DebugContext(ctx, "event stream opened")

	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.DebugContext(ctx, "event stream closed")
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(e); err != nil {
				log.DebugContext(ctx, "event stream write failed", "error", err)
				return
			}
		}
	}
}
