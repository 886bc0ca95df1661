package main

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/puyokura/cmppaccount/channel"
	"github.com/puyokura/cmppaccount/model"
	"github.com/sirupsen/logrus"
)

const connectTimeout = 10 * time.Second

type Network struct {
	conn *channel.Conn
	bus  *channel.Bus
	log  *logrus.Entry
}

func NewNetwork(timeout time.Duration, log *logrus.Entry) *Network {
	conn := channel.NewConn(log)
	return &Network{
		conn: conn,
		bus:  channel.NewBus(conn, timeout, log),
		log:  log,
	}
}

// connectionMsg reports a new connection. gen identifies it so reads from an
// older connection can be told apart.
type connectionMsg struct {
	host string
	gen  int
}

// inboundMsg is sent after a message has been dispatched into the bus.
type inboundMsg struct {
	msg model.ActionMessage
	gen int
}

type disconnectedMsg struct {
	err error
	gen int
}

type errMsg error

func (n *Network) Connect(host string, gen int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := n.conn.Connect(ctx, host); err != nil {
			return errMsg(err)
		}
		return connectionMsg{host: host, gen: gen}
	}
}

func (n *Network) Disconnect() {
	n.conn.Disconnect()
}

func (n *Network) Connected() bool {
	return n.conn.Connected()
}

// WaitForMessage reads the next message, hands it to the bus and reports it.
// Flows settle on this goroutine, never on the UI loop.
func (n *Network) WaitForMessage(gen int) tea.Cmd {
	return func() tea.Msg {
		msg, err := n.conn.ReadMessage()
		if err != nil {
			return disconnectedMsg{err: err, gen: gen}
		}
		n.log.WithField("action", msg.Action).Debug("inbound")
		n.bus.Dispatch(msg)
		return inboundMsg{msg: msg, gen: gen}
	}
}

// Close cancels everything outstanding and drops the connection.
func (n *Network) Close() {
	n.bus.Close()
	n.conn.Disconnect()
}
