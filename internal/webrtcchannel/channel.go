// Package webrtcchannel adapts a pion data channel to the engine's
// reliable ordered message channel contract.
package webrtcchannel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// highWaterMark pauses sends when bufferedAmount exceeds it.
	highWaterMark = 1 << 20
	// lowWaterMark resumes sends when bufferedAmount drops below it.
	lowWaterMark = 256 * 1024

	openTimeout = 30 * time.Second
)

var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// NewPeerConnection creates a PeerConnection configured with public
// STUN servers.
func NewPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
	return webrtc.NewPeerConnection(config)
}

// CreateDataChannel creates the single ordered, reliable data channel
// the transfer protocol runs on.
func CreateDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel("transfer", &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
}

// Channel wraps a pion DataChannel with watermark backpressure and
// implements the remote engine's channel contract.
type Channel struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	logger *slog.Logger

	sendReady chan struct{}
	openCh    chan struct{}
	openOnce  sync.Once

	mu        sync.Mutex
	closed    bool
	onMessage func([]byte)
	onClose   func()
}

// New wraps an established PeerConnection and DataChannel.
func New(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, logger *slog.Logger) *Channel {
	c := &Channel{
		pc:        pc,
		dc:        dc,
		logger:    logger,
		sendReady: make(chan struct{}, 1),
		openCh:    make(chan struct{}),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case c.sendReady <- struct{}{}:
		default:
		}
	})

	dc.OnOpen(func() {
		c.openOnce.Do(func() { close(c.openCh) })
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})

	dc.OnClose(func() {
		c.mu.Lock()
		fn := c.onClose
		alreadyClosed := c.closed
		c.closed = true
		c.mu.Unlock()
		if fn != nil && !alreadyClosed {
			fn()
		}
	})

	return c
}

// OnMessage registers the inbound message handler. Must be set before
// the peer starts sending.
func (c *Channel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnClose registers the close handler.
func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// WaitOpen blocks until the data channel opens.
func (c *Channel) WaitOpen(ctx context.Context) error {
	select {
	case <-c.openCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(openTimeout):
		return errors.New("timeout waiting for data channel to open")
	}
}

// Send transmits one message, blocking while the SCTP buffer is above
// the high watermark.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("data channel closed")
	}

	if c.dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-c.sendReady:
		case <-time.After(openTimeout):
			return errors.New("send stalled above high watermark")
		}
	}

	if err := c.dc.Send(data); err != nil {
		return fmt.Errorf("data channel send: %w", err)
	}
	return nil
}

// Close closes the data channel and its peer connection. Idempotent;
// safe to call after a transport-side close.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.dc.Close()
	return c.pc.Close()
}
