package events

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// Hub manages observer connections and fans lifecycle events out to all of
// them. It is safe for concurrent use; run the event loop with Run in a
// dedicated goroutine.
type Hub struct {
	clients     map[string]*Client
	register    chan *Client
	unregister  chan *Client
	broadcast   chan []byte
	snapshotReq chan *Client
	snapshot    SnapshotFunc
	logger      zerolog.Logger
}

func NewHub(snapshot SnapshotFunc, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:     make(map[string]*Client),
		register:    make(chan *Client, 16),
		unregister:  make(chan *Client, 16),
		broadcast:   make(chan []byte, 256),
		snapshotReq: make(chan *Client, 16),
		snapshot:    snapshot,
		logger:      logger.With().Str("component", "events-hub").Logger(),
	}
}

// Run is the hub's main loop. Newly registered observers immediately receive
// a snapshot frame so they reconcile without replaying missed events.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client.ID] = client
			h.logger.Debug().Str("client", client.ID).Str("user", client.UserID).Msg("observer registered")
			h.sendSnapshot(client)

		case client := <-h.unregister:
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
			}
			h.logger.Debug().Str("client", client.ID).Msg("observer unregistered")

		case client := <-h.snapshotReq:
			h.sendSnapshot(client)

		case msg := <-h.broadcast:
			for _, client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// Slow consumer: drop rather than block the hub.
				}
			}
		}
	}
}

// Publish encodes the event and enqueues it for delivery to every observer
// connected at publish time. Disconnected observers are not retried.
func (h *Hub) Publish(ev LifecycleEvent) {
	data, err := json.Marshal(Frame{Kind: "event", Event: &ev})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal lifecycle event")
		return
	}
	h.broadcast <- data
}

// Register enqueues a new observer for addition to the hub.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister enqueues an observer for removal.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// RequestSnapshot enqueues an on-demand snapshot for the observer.
func (h *Hub) RequestSnapshot(c *Client) {
	h.snapshotReq <- c
}

func (h *Hub) sendSnapshot(c *Client) {
	if h.snapshot == nil {
		return
	}
	plugins := h.snapshot()
	if plugins == nil {
		plugins = []PluginStatus{}
	}
	data, err := json.Marshal(Frame{Kind: "snapshot", Plugins: plugins})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal snapshot")
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn().Str("client", c.ID).Msg("snapshot dropped for slow observer")
	}
}
