package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Bldg-7/airsentry/internal/bus"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 54 * time.Second // 90% of feedPongWait
	feedQueueSize  = 64
)

// feedEnvelope frames one bus event for websocket delivery.
type feedEnvelope struct {
	Channel string    `json:"channel"`
	Event   bus.Event `json:"event"`
}

// Feed fans bus events out to websocket observers. A client that cannot
// keep up is disconnected rather than allowed to stall the broadcast.
type Feed struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*feedClient]struct{}
	closed  bool
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func NewFeed(logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*feedClient]struct{}),
	}
}

// ServeWS upgrades the request and keeps the client attached until it
// disconnects or falls behind.
func (f *Feed) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("feed upgrade failed", zap.Error(err))
		return
	}

	client := &feedClient{
		conn: conn,
		send: make(chan []byte, feedQueueSize),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.clients[client] = struct{}{}
	total := len(f.clients)
	f.mu.Unlock()

	f.logger.Info("feed client attached",
		zap.String("remote", conn.RemoteAddr().String()),
		zap.Int("clients", total),
	)

	go client.writePump()
	client.readPump(f)
}

// Broadcast delivers one event to every attached client. Clients with a
// full queue are dropped.
func (f *Feed) Broadcast(kind bus.Kind, ev bus.Event) {
	payload, err := json.Marshal(feedEnvelope{Channel: string(kind), Event: ev})
	if err != nil {
		f.logger.Error("feed marshal failed", zap.Error(err))
		return
	}

	f.mu.Lock()
	var stalled []*feedClient
	for client := range f.clients {
		select {
		case client.send <- payload:
		default:
			stalled = append(stalled, client)
		}
	}
	for _, client := range stalled {
		delete(f.clients, client)
	}
	f.mu.Unlock()

	for _, client := range stalled {
		f.logger.Warn("feed client dropped, queue full",
			zap.String("remote", client.conn.RemoteAddr().String()),
		)
		client.close()
	}
}

// Clients reports the number of attached observers.
func (f *Feed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Close detaches every client; further upgrades are refused.
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	clients := make([]*feedClient, 0, len(f.clients))
	for client := range f.clients {
		clients = append(clients, client)
		delete(f.clients, client)
	}
	f.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

func (f *Feed) detach(client *feedClient) {
	f.mu.Lock()
	delete(f.clients, client)
	f.mu.Unlock()
	client.close()
}

func (c *feedClient) close() {
	c.once.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// readPump discards inbound frames; the feed is one-way. It exists to
// observe close frames and pong replies.
func (c *feedClient) readPump(f *Feed) {
	defer f.detach(c)

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
