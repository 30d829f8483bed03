package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/trialogue/pkg/protocol"
)

const (
	// writeTimeout is the ack window: a frame not written within it is
	// abandoned along with the connection.
	writeTimeout = 5 * time.Second

	// sendQueueSize bounds the per-client outbound buffer. Token streams
	// are chatty, so this is generous.
	sendQueueSize = 512
)

// Client is one WebSocket session.
type Client struct {
	id     string
	addr   string
	conn   *websocket.Conn
	server *Server

	send       chan interface{} // protocol.EventFrame / protocol.ResponseFrame
	msgLimiter *rate.Limiter

	mu            sync.Mutex
	userID        string
	lastActivity  time.Time
	subscriptions map[string]bool
	closed        bool
}

func NewClient(conn *websocket.Conn, addr string, s *Server) *Client {
	return &Client{
		id:            uuid.NewString(),
		addr:          addr,
		conn:          conn,
		server:        s,
		send:          make(chan interface{}, sendQueueSize),
		msgLimiter:    newMessageLimiter(s.cfg.MaxMessagesPerMinute),
		lastActivity:  time.Now(),
		subscriptions: make(map[string]bool),
	}
}

// UserID returns the identity bound by the connect method ("" if none yet).
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) setUserID(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

func (c *Client) addSubscription(discussionID string) {
	c.mu.Lock()
	c.subscriptions[discussionID] = true
	c.mu.Unlock()
}

func (c *Client) subscriptionList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		out = append(out, id)
	}
	return out
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Run pumps the connection until it closes. The write pump owns the
// connection's write side; the read loop dispatches inbound frames in
// arrival order.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readLoop(ctx)
}

func (c *Client) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(int64(c.server.cfg.MaxPayloadBytes))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("client read error", "id", c.id, "error", err)
			}
			return
		}
		c.touch()

		if !c.msgLimiter.Allow() {
			c.SendEvent(*protocol.NewEvent(protocol.EventError, map[string]interface{}{
				"code":       protocol.ErrCodeRateLimited,
				"message":    "message rate limit exceeded",
				"retryAfter": 60,
			}))
			continue
		}

		var frame protocol.MethodFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Method == "" {
			c.SendResponse(protocol.ResponseFrame{
				ID: frame.ID,
				OK: false,
				Error: &protocol.ErrorBody{
					Code:    protocol.ErrCodeInvalid,
					Message: "malformed frame: expected {id?, method, params?}",
				},
			})
			continue
		}

		// Inbound frames for one session run in arrival order.
		c.server.router.Dispatch(ctx, c, frame)
	}
}

func (c *Client) writePump() {
	for frame := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(frame); err != nil {
			slog.Debug("client write failed", "id", c.id, "error", err)
			c.conn.Close()
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.conn.Close()
}

// SendEvent queues an event frame. A full queue drops the frame rather than
// stalling every other subscriber behind one slow reader.
func (c *Client) SendEvent(ev protocol.EventFrame) {
	c.enqueue(ev)
}

// SendResponse queues a method response (the per-frame ack).
func (c *Client) SendResponse(resp protocol.ResponseFrame) {
	c.enqueue(resp)
}

// enqueue holds the mutex across the closed check AND the channel send: the
// send is non-blocking, and Close closes the channel under the same mutex,
// so a send on a closed channel cannot be interleaved.
func (c *Client) enqueue(frame interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		slog.Warn("client send queue full, dropping frame", "id", c.id)
	}
}

// Close shuts the outbound queue; the write pump closes the socket.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
