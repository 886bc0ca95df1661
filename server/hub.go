package main

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puyokura/cmppaccount/model"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local tool
	},
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub
	id  string

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	// Throttles enrol and reset attempts.
	limiter *rate.Limiter

	mu      sync.Mutex
	user    *model.User // Signed-in user, nil until enrolment succeeds
	captcha string      // Text of the last issued captcha
	closed  bool
	log     *logrus.Entry
}

// Hub maintains the set of active clients and broadcasts pushes to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	store      *Store
	config     *Config
	log        *logrus.Entry
	mu         sync.Mutex
}

func NewHub(store *Store, config *Config, log *logrus.Entry) *Hub {
	return &Hub{
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		store:      store,
		config:     config,
		log:        log,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			client.log.Info("client connected")
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()
			client.log.Info("client disconnected")
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.queue(message) {
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// queue hands a frame to the write pump. A full or closed client is dropped.
func (c *Client) queue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("read failed")
			}
			break
		}

		var msg model.ActionMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.log.WithError(err).Warn("invalid JSON")
			continue
		}
		if msg.Component != model.Component {
			c.log.WithField("target", msg.Component).Debug("ignoring message for other component")
			continue
		}

		c.handleAction(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One envelope per frame; the client decodes frames individually.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveWs handles websocket requests from the peer.
func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.WithError(err).Warn("upgrade failed")
		return
	}

	perMinute := hub.config.attemptsPerMinute()
	if perMinute <= 0 {
		perMinute = 1
	}
	id := uuid.NewString()
	client := &Client{
		hub:     hub,
		id:      id,
		conn:    conn,
		send:    make(chan []byte, 256),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		log:     hub.log.WithField("client", id),
	}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

func (h *Hub) findClient(id string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if client.id == id {
			return client
		}
	}
	return nil
}

// PushTo sends a server-initiated message to one client.
func (h *Hub) PushTo(id string, msg model.ActionMessage) bool {
	client := h.findClient(id)
	if client == nil {
		return false
	}
	return client.deliver(msg)
}

// Broadcast sends a server-initiated message to every client.
func (h *Hub) Broadcast(msg model.ActionMessage) {
	bytes, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).Error("cannot encode broadcast")
		return
	}
	h.broadcast <- bytes
}

// ClientInfo describes a connection for the console.
type ClientInfo struct {
	ID       string
	Username string
}

func (h *Hub) Clients() []ClientInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	infos := make([]ClientInfo, 0, len(h.clients))
	for client := range h.clients {
		info := ClientInfo{ID: client.id}
		if u := client.currentUser(); u != nil {
			info.Username = u.Username
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
