package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	pongTimeout        = 60 * time.Second
)

// WSClient manages the observer WebSocket connection to an instance.
// Observers never write data frames; the server pings and the read loop
// answers.
type WSClient struct {
	url   string
	token string

	mu    sync.Mutex
	conn  *websocket.Conn
	seq   uint64
	delay time.Duration
}

// NewWSClient creates a client that connects to the given WebSocket URL.
func NewWSClient(url, token string) *WSClient {
	return &WSClient{url: url, token: token, delay: reconnectBaseDelay}
}

// --- Bubble Tea messages ---

// WSConnectedMsg is sent when the WebSocket connects.
type WSConnectedMsg struct{}

// WSDisconnectedMsg is sent when the connection drops.
type WSDisconnectedMsg struct{ Err error }

// WSRetryMsg reports a failed dial before the next attempt.
type WSRetryMsg struct {
	Err   error
	Delay time.Duration
}

// WSSnapshotMsg delivers a full aggregation snapshot.
type WSSnapshotMsg struct{ Payload Snapshot }

// WSEventMsg delivers a gift echo.
type WSEventMsg struct{ Payload GiftEvent }

// WSCatalogMsg delivers a replacement gift catalog.
type WSCatalogMsg struct{ Payload []CatalogEntry }

// Listen returns a Bubble Tea command that makes one connection attempt.
// A failed attempt sleeps for the current backoff and reports WSRetryMsg
// so the caller can schedule the next one.
func (c *WSClient) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		if ctx.Err() != nil {
			return nil
		}

		header := http.Header{}
		if c.token != "" {
			header.Set("Authorization", "Bearer "+c.token)
		}
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
		if err != nil {
			if resp != nil {
				err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
			}
			c.mu.Lock()
			delay := c.delay
			c.delay = min(c.delay*2, reconnectMaxDelay)
			c.mu.Unlock()

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			return WSRetryMsg{Err: err, Delay: delay}
		}

		c.mu.Lock()
		c.conn = conn
		c.seq = 0
		c.delay = reconnectBaseDelay
		c.mu.Unlock()

		return WSConnectedMsg{}
	}
}

// ReadLoop returns a Bubble Tea command that reads the next message from
// the connection. It should be re-issued after every delivered message.
func (c *WSClient) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return WSDisconnectedMsg{Err: fmt.Errorf("no connection")}
		}

		conn.SetPingHandler(func(appData string) error {
			conn.SetReadDeadline(time.Now().Add(pongTimeout))
			return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		})
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
				conn.Close()
				return WSDisconnectedMsg{Err: err}
			}

			var msg WSMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}

			c.mu.Lock()
			c.seq = msg.Seq
			c.mu.Unlock()

			if teaMsg := Decode(msg); teaMsg != nil {
				return teaMsg
			}
		}
	}
}

// Reconnect drops the current connection so the read loop reports a
// disconnect and the caller dials again, which yields a fresh snapshot.
func (c *WSClient) Reconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return conn.Close()
}

// Close shuts the connection down for good.
func (c *WSClient) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Seq returns the last seen sequence number.
func (c *WSClient) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Decode maps a wire message to its Bubble Tea message. Unknown types and
// malformed payloads yield nil.
func Decode(msg WSMessage) tea.Msg {
	switch msg.Type {
	case MsgSnapshot:
		var p Snapshot
		if json.Unmarshal(msg.Payload, &p) == nil {
			return WSSnapshotMsg{Payload: p}
		}
	case MsgEventEcho:
		var p GiftEvent
		if json.Unmarshal(msg.Payload, &p) == nil {
			return WSEventMsg{Payload: p}
		}
	case MsgCatalog:
		var p []CatalogEntry
		if json.Unmarshal(msg.Payload, &p) == nil {
			return WSCatalogMsg{Payload: p}
		}
	}
	return nil
}
