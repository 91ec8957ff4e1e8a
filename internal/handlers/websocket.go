package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"micro-casino/internal/models"
	"micro-casino/internal/services"
)

const (
	writeWait      = 10 * time.Second
	clientSendSize = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WebSocketHandler struct {
	mines  *services.MinesService
	redis  *services.RedisService
	hub    *WebSocketHub
	logger *zap.Logger
}

// WebSocketHub fans live bet events out to every connected client.
type WebSocketHub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	unicast    chan delivery
	done       chan struct{}
	logger     *zap.Logger
}

type delivery struct {
	client *Client
	data   []byte
}

type Client struct {
	Username string
	Conn     *websocket.Conn
	send     chan []byte
}

type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func NewWebSocketHandler(mines *services.MinesService, redisService *services.RedisService, logger *zap.Logger) *WebSocketHandler {
	hub := &WebSocketHub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 100),
		unicast:    make(chan delivery),
		done:       make(chan struct{}),
		logger:     logger,
	}

	return &WebSocketHandler{
		mines:  mines,
		redis:  redisService,
		hub:    hub,
		logger: logger,
	}
}

// Run relays the live bet channel to connected clients until ctx is done.
func (h *WebSocketHandler) Run(ctx context.Context) {
	go h.hub.run(ctx)

	sub := h.redis.Subscribe(ctx, services.ChannelLiveBets)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event models.LiveBetEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				h.logger.Warn("dropping malformed live bet", zap.Error(err))
				continue
			}
			data, err := json.Marshal(Message{Type: "LIVE_BET", Data: event})
			if err != nil {
				continue
			}
			select {
			case h.hub.broadcast <- data:
			default:
				h.logger.Warn("live bet broadcast queue full, dropping event")
			}
		}
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade to websocket", zap.Error(err))
		return
	}

	client := &Client{
		Username: username,
		Conn:     conn,
		send:     make(chan []byte, clientSendSize),
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		conn.Close()
		return
	}
	go client.writePump()

	defer func() {
		select {
		case h.hub.unregister <- client:
		case <-h.hub.done:
		}
		conn.Close()
	}()

	h.sendBalance(c.Request.Context(), client)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket error", zap.String("username", username), zap.Error(err))
			}
			break
		}

		h.handleMessage(c.Request.Context(), client, &msg)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, client *Client, msg *Message) {
	switch msg.Type {
	case "PING":
		h.hub.sendTo(client, Message{
			Type: "PONG",
			Data: gin.H{"timestamp": time.Now().Unix()},
		})
	case "BALANCE":
		h.sendBalance(ctx, client)
	}
}

func (h *WebSocketHandler) sendBalance(ctx context.Context, client *Client) {
	balance, err := h.mines.GetBalance(ctx, client.Username)
	if err != nil {
		h.logger.Warn("failed to get balance for websocket", zap.String("username", client.Username), zap.Error(err))
		return
	}

	h.hub.sendTo(client, Message{
		Type: "BALANCE_UPDATE",
		Data: balance,
	})
}

// sendTo queues msg for one client. Only the hub touches client.send, so a
// client evicted in the meantime is skipped instead of written to.
func (hub *WebSocketHub) sendTo(client *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case hub.unicast <- delivery{client: client, data: data}:
	case <-hub.done:
	}
}

// writePump is the only writer on the connection.
func (c *Client) writePump() {
	for data := range c.send {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (hub *WebSocketHub) run(ctx context.Context) {
	defer close(hub.done)
	for {
		select {
		case <-ctx.Done():
			for client := range hub.clients {
				close(client.send)
			}
			hub.clients = map[*Client]struct{}{}
			return

		case client := <-hub.register:
			hub.clients[client] = struct{}{}
			hub.logger.Debug("client registered", zap.String("username", client.Username))

		case client := <-hub.unregister:
			if _, ok := hub.clients[client]; ok {
				delete(hub.clients, client)
				close(client.send)
				hub.logger.Debug("client unregistered", zap.String("username", client.Username))
			}

		case d := <-hub.unicast:
			if _, ok := hub.clients[d.client]; ok {
				select {
				case d.client.send <- d.data:
				default:
				}
			}

		case data := <-hub.broadcast:
			for client := range hub.clients {
				select {
				case client.send <- data:
				default:
					// Slow consumer; drop it rather than stall the feed.
					delete(hub.clients, client)
					close(client.send)
				}
			}
		}
	}
}
