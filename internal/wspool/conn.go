package wspool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tickflow/internal/channel"
	"tickflow/logger"
	"tickflow/models"
)

// streamConn is one feed connection. The production implementation dials
// the broker; tests substitute fakes.
type streamConn interface {
	ID() int
	Start(ctx context.Context)
	Subscribe(ctx context.Context, tokens []uint32, mode models.StreamMode) error
	Unsubscribe(ctx context.Context, tokens []uint32) error
	Tokens() []uint32
	Count() int
	Connected() bool
	LastMessage() time.Time
	Close(grace time.Duration)
}

// wsConn owns one gorilla websocket session: dial with backoff, resubscribe
// on connect, binary read loop, graceful close. All writes to the socket go
// through writeMu.
type wsConn struct {
	id        int
	accountID string
	url       string
	batchSize int
	channels  *channel.Channels
	backoff   Backoff
	log       *logger.Entry

	mu      sync.Mutex
	tokens  map[uint32]models.StreamMode
	conn    *websocket.Conn
	lastMsg time.Time
	writeMu sync.Mutex
	done    chan struct{}
	closing bool
}

func newWSConn(id int, accountID, url string, batchSize int, channels *channel.Channels) *wsConn {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &wsConn{
		id:        id,
		accountID: accountID,
		url:       url,
		batchSize: batchSize,
		channels:  channels,
		backoff:   defaultBackoff(),
		tokens:    make(map[uint32]models.StreamMode),
		done:      make(chan struct{}),
		log: logger.GetLogger().WithComponent("ws_conn").
			WithAccount(accountID).WithFields(logger.Fields{"connection_id": id}),
	}
}

func (c *wsConn) ID() int { return c.id }

// Start runs the dial/read loop until the context is cancelled or the
// connection is closed.
func (c *wsConn) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *wsConn) run(ctx context.Context) {
	defer close(c.done)
	attempt := 0
	for {
		if ctx.Err() != nil || c.isClosing() {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			attempt++
			wait := c.backoff.Next(attempt)
			c.log.WithError(err).WithFields(logger.Fields{"attempt": attempt, "retry_in": wait.String()}).Warn("websocket dial failed")
			c.channels.SendError(channel.StreamError{AccountID: c.accountID, ConnectionID: c.id, Err: err, At: time.Now()})
			if sleepCtx(ctx, wait) {
				return
			}
			continue
		}
		attempt = 0

		c.mu.Lock()
		c.conn = conn
		c.lastMsg = time.Now()
		c.mu.Unlock()
		c.log.Info("websocket connected")

		if err := c.resubscribe(ctx); err != nil {
			c.log.WithError(err).Warn("resubscribe after connect failed")
		}

		err = c.readLoop(ctx, conn)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil || c.isClosing() {
			return
		}
		if err != nil {
			c.log.WithError(err).Warn("websocket read loop ended")
			c.channels.SendError(channel.StreamError{AccountID: c.accountID, ConnectionID: c.id, Err: err, At: time.Now()})
		}
	}
}

func (c *wsConn) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.lastMsg = time.Now()
		c.mu.Unlock()

		if msgType != websocket.BinaryMessage || len(data) < 2 {
			// Heartbeats are one-byte binary frames; text frames carry
			// postbacks and error notices.
			if msgType == websocket.TextMessage {
				c.log.WithFields(logger.Fields{"payload": string(data)}).Debug("text message from feed")
			}
			continue
		}
		received := time.Now()
		for _, tick := range parseFrame(data, received) {
			tick.AccountID = c.accountID
			tick.ConnectionID = c.id
			if c.channels.SendRaw(ctx, tick) {
				logger.IncrementTickIngested(len(data))
			}
		}
	}
}

// resubscribe replays the full desired set after a (re)connect.
func (c *wsConn) resubscribe(ctx context.Context) error {
	c.mu.Lock()
	byMode := make(map[models.StreamMode][]uint32)
	for token, mode := range c.tokens {
		byMode[mode] = append(byMode[mode], token)
	}
	c.mu.Unlock()

	for mode, tokens := range byMode {
		if err := c.sendSubscribe(ctx, tokens, mode); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers tokens on this connection and pushes native subscribe
// frames when connected. Membership is recorded first so a reconnect replays
// it; the caller rolls back on error.
func (c *wsConn) Subscribe(ctx context.Context, tokens []uint32, mode models.StreamMode) error {
	c.mu.Lock()
	for _, t := range tokens {
		c.tokens[t] = mode
	}
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	if err := c.sendSubscribe(ctx, tokens, mode); err != nil {
		c.mu.Lock()
		for _, t := range tokens {
			delete(c.tokens, t)
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe drops tokens from tracking after the native attempt. A
// disconnected socket counts as success since the tokens will not be
// replayed.
func (c *wsConn) Unsubscribe(ctx context.Context, tokens []uint32) error {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()

	var err error
	if connected {
		err = c.sendFrames(ctx, tokens, func(chunk []uint32) interface{} {
			return subscribeMessage{Action: "unsubscribe", Tokens: chunk}
		})
	}
	c.mu.Lock()
	for _, t := range tokens {
		delete(c.tokens, t)
	}
	c.mu.Unlock()
	return err
}

func (c *wsConn) sendSubscribe(ctx context.Context, tokens []uint32, mode models.StreamMode) error {
	if err := c.sendFrames(ctx, tokens, func(chunk []uint32) interface{} {
		return subscribeMessage{Action: "subscribe", Tokens: chunk}
	}); err != nil {
		return err
	}
	return c.sendFrames(ctx, tokens, func(chunk []uint32) interface{} {
		return newModeMessage(mode, chunk)
	})
}

// sendFrames writes one JSON frame per batch-size chunk of tokens.
func (c *wsConn) sendFrames(ctx context.Context, tokens []uint32, frame func([]uint32) interface{}) error {
	for start := 0; start < len(tokens); start += c.batchSize {
		end := start + c.batchSize
		if end > len(tokens) {
			end = len(tokens)
		}
		if err := c.writeJSON(ctx, frame(tokens[start:end])); err != nil {
			return err
		}
	}
	return nil
}

func (c *wsConn) writeJSON(ctx context.Context, v interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("connection %d not established", c.id)
	}
	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	return conn.WriteJSON(v)
}

func (c *wsConn) Tokens() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint32, 0, len(c.tokens))
	for t := range c.tokens {
		out = append(out, t)
	}
	return out
}

func (c *wsConn) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tokens)
}

func (c *wsConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *wsConn) LastMessage() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMsg
}

func (c *wsConn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// Close sends a close frame, waits up to grace for the read loop to exit,
// then forces the socket shut.
func (c *wsConn) Close(grace time.Duration) {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
	}

	select {
	case <-c.done:
	case <-time.After(grace):
		c.log.Warn("graceful close timed out, forcing shutdown")
		if conn != nil {
			conn.Close()
		}
	}
}

// sleepCtx waits the duration and reports whether the context was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
