package dashboard

import (
	"encoding/json"
	"log"
	"time"

	"github.com/rc-construcoes/rcsync/internal/bus"
)

// Handler relays bus events to the dashboard server.
type Handler struct {
	server *Server
	logger *log.Logger
	unsub  func()
}

// NewHandler creates a relay. Attach subscribes it to the bus.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// Attach subscribes to every bus topic; each event becomes one broadcast
// frame.
func (h *Handler) Attach(b *bus.Bus) {
	h.unsub = b.SubscribeAll(func(ev bus.Event) {
		var data json.RawMessage
		if ev.Data != nil {
			var err error
			data, err = json.Marshal(ev.Data)
			if err != nil {
				h.logger.Printf("failed to marshal %s event: %v", ev.Topic, err)
				return
			}
		}
		h.server.Broadcast(Message{
			Topic:     ev.Topic,
			Timestamp: time.Now(),
			Data:      data,
		})
	})
}

// Detach unsubscribes from the bus.
func (h *Handler) Detach() {
	if h.unsub != nil {
		h.unsub()
		h.unsub = nil
	}
}
