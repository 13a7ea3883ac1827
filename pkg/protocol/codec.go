package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// frameDelimiter terminates every control record on the wire. Payload
// runs are length-delimited instead, so the sequence is never
// interpreted inside a payload.
var frameDelimiter = []byte{0x00, 0x00, 0x00, 0x00}

var (
	// ErrMalformedFrame indicates a control record that failed to parse.
	ErrMalformedFrame = errors.New("malformed control frame")
	// ErrTruncatedPayload indicates the stream ended inside a payload run.
	ErrTruncatedPayload = errors.New("truncated payload")
)

// EncodeFrame serialises a control record and appends the frame delimiter.
func EncodeFrame(frameType string, payload any) ([]byte, error) {
	frame, err := NewFrame(frameType, payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return append(data, frameDelimiter...), nil
}

// Codec splits an incoming byte stream into control frames and
// exact-length payload runs. It starts in control mode; BeginPayload
// switches it to payload mode for the next n bytes, after which it
// reverts to control mode on its own.
type Codec struct {
	buf       []byte
	remaining int64
}

// BeginPayload declares that the next n stream bytes are opaque payload.
// A zero n leaves the codec in control mode.
func (c *Codec) BeginPayload(n int64) {
	c.remaining = n
}

// InPayload reports whether the codec is currently consuming payload bytes.
func (c *Codec) InPayload() bool {
	return c.remaining > 0
}

// Buffered returns the number of bytes held but not yet dispatched.
func (c *Codec) Buffered() int {
	return len(c.buf)
}

// Ingest appends p to the internal buffer and dispatches as much of it
// as possible: payload-mode bytes go to onPayload, complete control
// records go to onFrame. A frame handler may call BeginPayload to
// switch mode; bytes already buffered are then re-dispatched as
// payload, so payload immediately following a metadata record in the
// same read is handled correctly.
func (c *Codec) Ingest(p []byte, onFrame func(Frame) error, onPayload func([]byte) error) error {
	c.buf = append(c.buf, p...)

	for {
		if c.remaining > 0 {
			if len(c.buf) == 0 {
				return nil
			}
			n := c.remaining
			if int64(len(c.buf)) < n {
				n = int64(len(c.buf))
			}
			chunk := c.buf[:n]
			c.buf = c.buf[n:]
			c.remaining -= n
			if err := onPayload(chunk); err != nil {
				return err
			}
			continue
		}

		idx := bytes.Index(c.buf, frameDelimiter)
		if idx < 0 {
			return nil
		}
		raw := c.buf[:idx]
		c.buf = c.buf[idx+len(frameDelimiter):]

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if frame.Type == "" {
			return fmt.Errorf("%w: missing type", ErrMalformedFrame)
		}
		if err := onFrame(frame); err != nil {
			return err
		}
	}
}

// CloseStream reports whether the stream may end here. It returns
// ErrTruncatedPayload when EOF arrives inside a payload run.
func (c *Codec) CloseStream() error {
	if c.remaining > 0 {
		return fmt.Errorf("%w: %d bytes missing", ErrTruncatedPayload, c.remaining)
	}
	return nil
}
