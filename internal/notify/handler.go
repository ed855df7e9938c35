package notify

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Subscribers only receive; any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeHTTP upgrades the request and subscribes the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := newClient(h, conn)
	if !h.add(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
