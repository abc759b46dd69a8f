// Package ws fans provisioning job events out to streaming subscribers over
// websockets or SSE.
package ws

import (
	"encoding/json"
	"sync"

	"github.com/Yamkia/webnexagent/internal/domain"
)

// Event is one frame on a job stream. Line events carry a single log line;
// status events mark a transition and, on terminal states, the outcome.
type Event struct {
	JobID  string           `json:"job_id"`
	Kind   string           `json:"kind"` // "line" or "status"
	Line   string           `json:"line,omitempty"`
	Status domain.JobStatus `json:"status,omitempty"`
	URL    string           `json:"url,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by job ID.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

type message struct {
	jobID   string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	jobID  string
	client Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.jobID]; !ok {
				h.clients[sub.jobID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.jobID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.jobID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.jobID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.jobID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.jobID)
				}
			}
		}
	}
}

// Register adds a client to a job stream.
func (h *Hub) Register(jobID string, client Subscriber) {
	h.register <- subscription{jobID: jobID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(jobID string, client Subscriber) {
	h.unreg <- subscription{jobID: jobID, client: client}
}

// Broadcast sends payload to all subscribers of a job.
func (h *Hub) Broadcast(jobID string, payload []byte) {
	h.broadcast <- message{jobID: jobID, payload: payload}
}

// Publish marshals an event and broadcasts it on its job's stream. Marshal
// failures are silently dropped; Event has no unmarshalable fields.
func (h *Hub) Publish(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.Broadcast(event.JobID, payload)
}
