// Package signaling drives the external rendezvous broker: a WebSocket
// conversation that pairs two peers and carries the SDP/ICE exchange
// needed to open the data channel between them.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beamlink/beamlink/pkg/protocol"
)

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Client is a connection to the rendezvous broker.
type Client struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	peerID   string
	sendChan chan protocol.Envelope
	done     chan struct{}
	writeMu  sync.Mutex

	mu      sync.Mutex
	inbox   chan protocol.Envelope
	readErr error
}

// Dial connects to the broker and announces this peer's identity.
func Dial(ctx context.Context, brokerURL, peerID string, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	c := &Client{
		conn:     conn,
		logger:   logger,
		peerID:   peerID,
		sendChan: make(chan protocol.Envelope, 256),
		done:     make(chan struct{}),
		inbox:    make(chan protocol.Envelope, 64),
	}

	go c.writeLoop()
	go c.readLoop()

	hello, err := protocol.NewEnvelope(protocol.SignalHello, protocol.Hello{PeerID: peerID})
	if err != nil {
		c.Close()
		return nil, err
	}
	hello.From = peerID
	if err := c.send(hello); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// PeerID returns this peer's identity at the broker.
func (c *Client) PeerID() string {
	return c.peerID
}

func (c *Client) send(env protocol.Envelope) error {
	select {
	case c.sendChan <- env:
		return nil
	case <-c.done:
		return fmt.Errorf("signaling connection closed")
	}
}

// writeLoop serialises writes to the WebSocket connection.
func (c *Client) writeLoop() {
	defer close(c.done)
	for env := range c.sendChan {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := c.conn.WriteJSON(env)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Error("signaling write error", "error", err)
			return
		}
	}
}

// readLoop parses envelopes off the socket into the inbox.
func (c *Client) readLoop() {
	defer close(c.inbox)
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("signaling read error", "error", err)
			}
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid JSON envelope", "error", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			c.logger.Warn("invalid envelope", "error", err)
			continue
		}
		c.inbox <- env
	}
}

// next returns the next inbound envelope, honoring ctx.
func (c *Client) next(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env, ok := <-c.inbox:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return protocol.Envelope{}, fmt.Errorf("signaling closed: %w", err)
		}
		return env, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// Close closes the broker connection.
func (c *Client) Close() error {
	select {
	case <-c.done:
	default:
		close(c.sendChan)
		<-c.done
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Close()
}
