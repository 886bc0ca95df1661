package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puyokura/cmppaccount/model"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPort = "8999"
	writeWait   = 10 * time.Second
)

// Conn is a websocket connection to the account manager.
type Conn struct {
	mu      sync.RWMutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	log     *logrus.Entry
}

func NewConn(log *logrus.Entry) *Conn {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Conn{log: log.WithField("component", "conn")}
}

// Connect dials host, replacing any existing connection. A host without a port
// uses DefaultPort.
func (c *Conn) Connect(ctx context.Context, host string) error {
	c.Disconnect()

	if !strings.Contains(host, ":") {
		host = host + ":" + DefaultPort
	}

	u := url.URL{Scheme: "ws", Host: host, Path: "/ws"}
	c.log.Infof("connecting to %s", u.String())

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	c.conn = ws
	c.mu.Unlock()
	return nil
}

// Connected reports whether a connection is open.
func (c *Conn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Disconnect closes the connection if one is open.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	ws := c.conn
	c.conn = nil
	c.mu.Unlock()

	if ws == nil {
		return
	}
	c.writeMu.Lock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	ws.Close()
	c.log.Info("disconnected")
}

// Send writes msg as a JSON text frame.
func (c *Conn) Send(msg model.ActionMessage) error {
	c.mu.RLock()
	ws := c.conn
	c.mu.RUnlock()
	if ws == nil {
		return ErrNotConnected
	}

	bytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, bytes); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// ReadMessage blocks for the next inbound message. A read error closes the
// connection. Frames that are not valid envelopes are skipped.
func (c *Conn) ReadMessage() (model.ActionMessage, error) {
	for {
		c.mu.RLock()
		ws := c.conn
		c.mu.RUnlock()
		if ws == nil {
			return model.ActionMessage{}, ErrNotConnected
		}

		_, data, err := ws.ReadMessage()
		if err != nil {
			c.dropIfCurrent(ws)
			return model.ActionMessage{}, fmt.Errorf("read message: %w", err)
		}

		var msg model.ActionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Warn("invalid frame")
			continue
		}
		return msg, nil
	}
}

func (c *Conn) dropIfCurrent(ws *websocket.Conn) {
	c.mu.Lock()
	if c.conn == ws {
		c.conn = nil
	}
	c.mu.Unlock()
	ws.Close()
}

// Listen reads messages into d until the connection fails or ctx is done.
func (c *Conn) Listen(ctx context.Context, d Dispatcher) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Disconnect()
		case <-stop:
		}
	}()
	for {
		msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		d.Dispatch(msg)
	}
}
