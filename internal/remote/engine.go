package remote

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/beamlink/beamlink/internal/bufpool"
	"github.com/beamlink/beamlink/internal/transfer"
	"github.com/beamlink/beamlink/pkg/protocol"
)

const (
	// flushThreshold is the buffered byte count that triggers a disk flush.
	flushThreshold = 1 << 20
	// writeQueueDepth bounds in-flight flushes per transfer.
	writeQueueDepth = 5
	// ackPollInterval paces the sender's window waits.
	ackPollInterval = 50 * time.Millisecond
	// chunkAckWait bounds the wait for a window-opening ACK.
	chunkAckWait = 5 * time.Second
	// finalAckWait bounds the wait for the last ACK of a file.
	finalAckWait = 3 * time.Second
	// drainWait bounds the write-queue drain on file-complete.
	drainWait = 10 * time.Second
	// closeGrace lets in-flight messages flush after a disconnect request.
	closeGrace = 100 * time.Millisecond
)

// ErrChannelClosed indicates the datagram channel is gone.
var ErrChannelClosed = errors.New("channel closed")

// Engine drives both halves of the remote protocol on one channel.
type Engine struct {
	// Mode labels connection events for the host application.
	Mode transfer.Mode

	opts    transfer.Options
	logger  *slog.Logger
	events  *transfer.Events
	ch      Channel
	saveDir string
	pool    *bufpool.Pool

	mu     sync.Mutex
	acks   map[string]int
	files  map[string]*remoteFile
	closed bool
}

// NewEngine wraps an established channel. saveDir is where incoming
// files are materialised.
func NewEngine(opts transfer.Options, logger *slog.Logger, events *transfer.Events, ch Channel, saveDir string) *Engine {
	opts = opts.WithDefaults()
	return &Engine{
		opts:    opts,
		logger:  logger,
		events:  events,
		Mode:    transfer.ModeReceiver,
		ch:      ch,
		saveDir: saveDir,
		pool:    bufpool.New(opts.RemoteChunkSize),
		acks:    make(map[string]int),
		files:   make(map[string]*remoteFile),
	}
}

// Close requests a disconnect from the peer, waits the flush grace,
// and tears the channel down. Idempotent.
func (e *Engine) Close(reason string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	files := e.files
	e.files = make(map[string]*remoteFile)
	e.mu.Unlock()

	if data, err := encodeRecord(protocol.RemoteDisconnect, protocol.DisconnectRequest{Reason: reason, Mode: "remote"}); err == nil {
		if err := e.ch.Send(data); err == nil {
			time.Sleep(closeGrace)
		}
	}
	e.ch.Close()

	for _, rf := range files {
		rf.abandon()
	}
	e.logger.Info("remote channel closed", "reason", reason)
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func encodeRecord(recordType string, payload any) ([]byte, error) {
	frame, err := protocol.NewFrame(recordType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}

// HandleMessage dispatches one inbound channel message. The channel
// owner calls this for every message, in delivery order.
func (e *Engine) HandleMessage(data []byte) {
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		e.logger.Warn("undecodable channel message", "error", err)
		return
	}

	switch frame.Type {
	case protocol.RemoteChunkAck:
		e.handleChunkAck(frame)
	case protocol.RemoteFileMeta:
		e.handleFileMeta(frame)
	case protocol.RemoteFileChunk:
		e.handleFileChunk(frame)
	case protocol.RemoteFileComplete:
		e.handleFileComplete(frame)
	case protocol.RemoteDisconnect:
		e.handleDisconnect(frame)
	default:
		e.logger.Warn("unexpected channel record", "type", frame.Type)
	}
}

func (e *Engine) handleDisconnect(frame protocol.Frame) {
	var req protocol.DisconnectRequest
	if err := frame.DecodePayload(&req); err != nil {
		return
	}
	e.logger.Info("peer requested disconnect", "reason", req.Reason)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	files := e.files
	e.files = make(map[string]*remoteFile)
	e.mu.Unlock()

	time.Sleep(closeGrace)
	e.ch.Close()
	for _, rf := range files {
		rf.abandon()
	}
	e.events.EmitConnectionLost(transfer.ConnectionLost{Mode: e.Mode, Reason: req.Reason})
}
