package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/meshtalk/meshtalk/backend/internal/signaling"
)

// Configure the websocket upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024, // 64 KB
	WriteBufferSize: 64 * 1024, // 64 KB

	// Browser and CLI clients connect from anywhere.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewRouter wires the relay endpoints onto a fresh mux.
func NewRouter(hub *signaling.Hub, log *logrus.Entry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthCheckHandler)
	mux.HandleFunc("/ws", ServeWs(hub, log))
	mux.HandleFunc("GET /rooms/{code}", ServeRoom(hub))
	return mux
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Relay server is healthy."))
}

// ServeWs returns an http.HandlerFunc that upgrades to a relay connection.
// The wire format is chosen once per connection with ?wire=json|msgpack.
func ServeWs(hub *signaling.Hub, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		codec, err := signaling.CodecFor(r.URL.Query().Get("wire"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Warn("failed to upgrade connection")
			return
		}

		client := signaling.NewClient(hub, conn, codec, log.WithFields(logrus.Fields{
			"remote": r.RemoteAddr,
			"wire":   codec.Name(),
		}))
		if !hub.Register(client) {
			conn.Close()
			return
		}

		go client.WritePump()
		go client.ReadPump()
	}
}

// ServeRoom lists the participants of one room as JSON.
func ServeRoom(hub *signaling.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := hub.Lookup(r.Context(), r.PathValue("code"))
		switch {
		case errors.Is(err, signaling.ErrRoomNotFound):
			http.Error(w, "room not found", http.StatusNotFound)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	}
}
