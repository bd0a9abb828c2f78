package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/editalflow/api/internal/model"
)

// Client is one socket subscribed to a job's events.
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub fans job events out to the sockets subscribed to that job.
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	logger *slog.Logger
	mu     sync.RWMutex
	stop   context.CancelFunc
	// quit is closed when Run returns.
	quit chan struct{}
}

// BroadcastMessage is an encoded event addressed to one job's subscribers.
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		logger:     logger,
		quit:       make(chan struct{}),
	}
}

// Run is the hub's main loop; it returns when ctx ends, closing every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.quit)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for jobID, clients := range h.clients {
				for client := range clients {
					close(client.Send)
				}
				delete(h.clients, jobID)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "job_id", client.JobID)

		case client := <-h.unregister:
			h.remove(client)
			h.logger.Debug("client unregistered", "job_id", client.JobID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					// Slow reader; drop it rather than stall other jobs.
					close(client.Send)
					delete(h.clients[msg.JobID], client)
				}
			}
			if len(h.clients[msg.JobID]) == 0 {
				delete(h.clients, msg.JobID)
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; ok {
		delete(clients, client)
		close(client.Send)
		if len(clients) == 0 {
			delete(h.clients, client.JobID)
		}
	}
}

// Start runs the hub loop in the background.
func (h *Hub) Start(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	go h.Run(ctx)
	return nil
}

func (h *Hub) Shutdown(ctx context.Context) error {
	if h.stop == nil {
		return nil
	}
	h.stop()
	select {
	case <-h.quit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribers reports how many sockets are watching a job.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
		close(client.Send)
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

func (h *Hub) PublishProgress(msg model.WSProgressMessage) {
	msg.Type = model.WSMessageTypeProgress
	h.publish(msg.JobID, msg)
}

func (h *Hub) PublishComplete(msg model.WSCompleteMessage) {
	msg.Type = model.WSMessageTypeComplete
	h.publish(msg.JobID, msg)
}

func (h *Hub) PublishError(msg model.WSErrorMessage) {
	msg.Type = model.WSMessageTypeError
	h.publish(msg.JobID, msg)
}

// publish never blocks the pipeline: when the hub is backed up the event is
// dropped, and subscribers catch up from the next one or from a status query.
func (h *Hub) publish(jobID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal websocket message", "job_id", jobID, "error", err)
		return
	}
	select {
	case h.broadcast <- &BroadcastMessage{JobID: jobID, Message: data}:
	default:
		h.logger.Warn("websocket broadcast buffer full, dropping event", "job_id", jobID)
	}
}

// HandleConnection serves one subscriber until it disconnects. initial, if
// set, is sent before any live event.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string, initial []byte) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, 256),
	}
	if initial != nil {
		client.Send <- initial
	}

	h.Register(client)
	defer h.Unregister(client)

	// Only the writer goroutine touches the connection for writes.
	pong := make(chan struct{}, 1)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-pong:
				data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
				if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", "job_id", jobID, "error", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			select {
			case pong <- struct{}{}:
			default:
			}
		}
	}
}
