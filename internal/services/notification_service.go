package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/modbus-monitor/backend/internal/monitor"
	"github.com/modbus-monitor/backend/internal/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
)

// Client represents a websocket client connection
type Client struct {
	conn *websocket.Conn
	send chan []byte
}

// NotificationService bridges the monitoring update stream to
// websocket clients. It holds one subscription on the broadcaster;
// per-client delivery is buffered, and a client that cannot keep up
// is disconnected rather than allowed to stall the stream.
type NotificationService struct {
	poller     *monitor.Poller
	caster     *monitor.Broadcaster
	logger     *utils.Logger
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mutex      sync.RWMutex
}

// NewNotificationService creates the service. Run must be started for
// updates to reach clients.
func NewNotificationService(poller *monitor.Poller, caster *monitor.Broadcaster, logger *utils.Logger) *NotificationService {
	return &NotificationService{
		poller:     poller,
		caster:     caster,
		logger:     logger.Named("notifications"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run subscribes to the monitoring stream and fans updates out to
// connected clients until the context is cancelled
func (s *NotificationService) Run(ctx context.Context) {
	defer close(s.done)
	sub := s.caster.Subscribe()
	defer s.caster.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return

		case client := <-s.register:
			s.mutex.Lock()
			s.clients[client] = true
			s.mutex.Unlock()
			s.greet(client)
			s.logger.Debug("websocket client registered")

		case client := <-s.unregister:
			s.mutex.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
			}
			s.mutex.Unlock()
			s.logger.Debug("websocket client unregistered")

		case update, ok := <-sub.Updates():
			if !ok {
				s.closeAll()
				return
			}
			s.broadcast(&update)
		}
	}
}

// RegisterClient attaches an upgraded websocket connection and starts
// its read/write pumps
func (s *NotificationService) RegisterClient(conn *websocket.Conn) *Client {
	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
	}
	select {
	case s.register <- client:
	case <-s.done:
		conn.Close()
		return nil
	}

	go s.readPump(client)
	go s.writePump(client)
	return client
}

// detach hands a client back to the hub for removal. It never blocks
// past hub shutdown; closeAll already released the client's channel.
func (s *NotificationService) detach(client *Client) {
	select {
	case s.unregister <- client:
	case <-s.done:
	}
}

// greet sends the current snapshot and active alerts to a freshly
// connected client, so it never has to wait for the next tick to
// render something.
func (s *NotificationService) greet(client *Client) {
	snap := s.poller.Snapshot()
	s.sendToClient(client, &monitor.Update{Type: monitor.UpdateSnapshot, Snapshot: &snap})

	active := s.poller.Engine().ActiveEvents()
	if len(active) > 0 {
		s.sendToClient(client, &monitor.Update{Type: monitor.UpdateAlertsChanged, ActiveAlerts: active})
	}
}

// broadcast fans one update out to every connected client
func (s *NotificationService) broadcast(update *monitor.Update) {
	s.mutex.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mutex.RUnlock()

	for _, client := range clients {
		s.sendToClient(client, update)
	}
}

// sendToClient queues one update for a client. A full buffer means the
// client has stopped consuming; it is dropped.
func (s *NotificationService) sendToClient(client *Client, update *monitor.Update) {
	payload, err := json.Marshal(update)
	if err != nil {
		s.logger.Error("failed to marshal update",
			utils.Error(err),
			utils.String("type", string(update.Type)))
		return
	}

	select {
	case client.send <- payload:
	default:
		s.mutex.Lock()
		if _, ok := s.clients[client]; ok {
			delete(s.clients, client)
			close(client.send)
		}
		s.mutex.Unlock()
		s.logger.Warn("client buffer full, connection closed")
	}
}

func (s *NotificationService) closeAll() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for client := range s.clients {
		close(client.send)
		delete(s.clients, client)
	}
}

// readPump drains inbound frames. Clients do not command the monitor
// over the socket; the pump exists to run the pong handler and detect
// closure.
func (s *NotificationService) readPump(client *Client) {
	defer func() {
		s.detach(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("unexpected websocket close", utils.Error(err))
			}
			return
		}
	}
}

// writePump flushes queued updates to the client and keeps the
// connection alive with pings
func (s *NotificationService) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
