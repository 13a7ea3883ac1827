package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/beamlink/beamlink/internal/code"
	"github.com/beamlink/beamlink/internal/progress"
	"github.com/beamlink/beamlink/internal/transfer"
	"github.com/beamlink/beamlink/pkg/protocol"
)

var (
	// ErrInvalidCode indicates the sender rejected the session code.
	ErrInvalidCode = errors.New("invalid connection code")
	// ErrRemote indicates a fatal error frame from the sender.
	ErrRemote = errors.New("remote error")
	// ErrProtocolViolation indicates an unexpected frame order.
	ErrProtocolViolation = errors.New("protocol violation")
)

// Receiver connects to a sender, authenticates, and materialises the
// incoming files under its save directory.
type Receiver struct {
	opts   transfer.Options
	logger *slog.Logger
	events *transfer.Events

	mu      sync.Mutex
	conn    net.Conn
	saveDir string
	closed  bool
}

// NewReceiver creates a disconnected receiver.
func NewReceiver(opts transfer.Options, logger *slog.Logger, events *transfer.Events) *Receiver {
	return &Receiver{
		opts:   opts.WithDefaults(),
		logger: logger,
		events: events,
	}
}

// Connect dials the sender, submits the session code, and waits for
// the handshake outcome. On success the receive loop runs until the
// socket closes.
func (r *Receiver) Connect(ctx context.Context, address string, port int, sessionCode, saveDir string) error {
	dialer := net.Dialer{Timeout: r.opts.AuthTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, fmt.Sprintf("%d", port)))
	if err != nil {
		return fmt.Errorf("connect %s:%d: %w", address, port, err)
	}

	r.mu.Lock()
	r.conn = conn
	r.saveDir = saveDir
	r.closed = false
	r.mu.Unlock()

	auth := protocol.Auth{Code: code.Normalize(sessionCode)}
	data, err := protocol.EncodeFrame(protocol.FrameAuth, auth)
	if err != nil {
		conn.Close()
		return err
	}
	if _, err := conn.Write(data); err != nil {
		conn.Close()
		return fmt.Errorf("write auth: %w", err)
	}

	authCh := make(chan error, 1)
	go r.run(conn, authCh)

	select {
	case err := <-authCh:
		if err != nil {
			conn.Close()
			return err
		}
	case <-time.After(r.opts.AuthTimeout):
		conn.Close()
		return fmt.Errorf("handshake timed out after %s", r.opts.AuthTimeout)
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}

	r.events.EmitConnectionStatus(transfer.ConnectionStatus{Connected: true, Mode: transfer.ModeReceiver})
	r.logger.Info("connected to sender", "address", address, "port", port)
	return nil
}

// Disconnect destroys the socket. Idempotent.
func (r *Receiver) Disconnect() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.closed = true
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// fileSink is the in-flight state for the file currently on the wire.
type fileSink struct {
	meta     protocol.TransferMetadata
	tmp      *os.File
	tmpPath  string
	received int64
	meter    *progress.Meter
	throttle *progress.Throttle
}

// run drives the handshake wait and then the mixed control/payload
// receive loop. authCh resolves exactly once with the handshake result.
func (r *Receiver) run(conn net.Conn, authCh chan<- error) {
	codec := &protocol.Codec{}
	authed := false
	var sink *fileSink

	fail := func(err error) {
		if sink != nil && sink.tmp != nil {
			sink.tmp.Close()
			os.Remove(sink.tmpPath)
		}
		if !authed {
			authCh <- err
			return
		}
		r.logger.Warn("receive loop failed", "error", err)
		r.events.EmitTransferError(err.Error())
		conn.Close()
	}

	onFrame := func(f protocol.Frame) error {
		if !authed {
			switch f.Type {
			case protocol.FrameAuthSuccess:
				authed = true
				authCh <- nil
			case protocol.FrameError:
				var ef protocol.ErrorFrame
				if err := f.DecodePayload(&ef); err != nil {
					return err
				}
				if ef.Message == invalidCodeMessage {
					return ErrInvalidCode
				}
				return fmt.Errorf("%w: %s", ErrRemote, ef.Message)
			}
			// Anything else before the handshake outcome is ignored.
			return nil
		}

		switch f.Type {
		case protocol.FrameMetadata:
			if sink != nil {
				return fmt.Errorf("%w: metadata inside an open file", ErrProtocolViolation)
			}
			var meta protocol.TransferMetadata
			if err := f.DecodePayload(&meta); err != nil {
				return err
			}
			next, err := r.beginFile(meta)
			if err != nil {
				return err
			}
			sink = next
			codec.BeginPayload(meta.FileSize)
			return nil

		case protocol.FrameFileEnd:
			if sink == nil {
				return fmt.Errorf("%w: file-end without metadata", ErrProtocolViolation)
			}
			if err := r.finishFile(conn, sink); err != nil {
				return err
			}
			sink = nil
			return nil

		case protocol.FrameError:
			var ef protocol.ErrorFrame
			if err := f.DecodePayload(&ef); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s", ErrRemote, ef.Message)

		default:
			return fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, f.Type)
		}
	}

	onPayload := func(p []byte) error {
		if sink == nil {
			return fmt.Errorf("%w: payload without metadata", ErrProtocolViolation)
		}
		return r.appendPayload(sink, p)
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if ierr := codec.Ingest(buf[:n], onFrame, onPayload); ierr != nil {
				fail(ierr)
				return
			}
		}
		if err != nil {
			if serr := codec.CloseStream(); serr != nil {
				fail(serr)
				return
			}
			if !authed {
				authCh <- fmt.Errorf("connection closed during handshake: %w", err)
				return
			}
			r.handleClose(conn, err)
			return
		}
	}
}

func (r *Receiver) handleClose(conn net.Conn, err error) {
	r.mu.Lock()
	expected := r.closed || r.conn == nil
	r.conn = nil
	r.mu.Unlock()

	conn.Close()
	if expected {
		return
	}
	r.events.EmitConnectionLost(transfer.ConnectionLost{Mode: transfer.ModeReceiver, Reason: disconnectReason(err)})
	r.logger.Info("sender disconnected", "reason", disconnectReason(err))
}

// beginFile opens the temporary sink for one incoming file. Files are
// streamed to a partial file and renamed on completion, so the
// collision check happens at write time.
func (r *Receiver) beginFile(meta protocol.TransferMetadata) (*fileSink, error) {
	if err := transfer.ValidateFilename(meta.FileName); err != nil {
		return nil, err
	}
	if meta.FileSize < 0 || meta.CurrentFile < 1 || meta.CurrentFile > meta.TotalFiles {
		return nil, fmt.Errorf("%w: bad metadata for %s", ErrProtocolViolation, meta.FileName)
	}

	r.mu.Lock()
	dir := r.saveDir
	r.mu.Unlock()

	tmp, err := os.CreateTemp(dir, ".beamlink-partial-*")
	if err != nil {
		return nil, fmt.Errorf("create partial file: %w", err)
	}

	meter := progress.NewMeter()
	meter.Start(meta.FileSize)

	r.logger.Info("receiving file", "name", meta.FileName, "size", meta.FileSize,
		"current", meta.CurrentFile, "total", meta.TotalFiles)

	return &fileSink{
		meta:     meta,
		tmp:      tmp,
		tmpPath:  tmp.Name(),
		meter:    meter,
		throttle: progress.NewThrottle(),
	}, nil
}

func (r *Receiver) appendPayload(sink *fileSink, p []byte) error {
	if _, err := sink.tmp.Write(p); err != nil {
		return fmt.Errorf("write partial file: %w", err)
	}
	sink.received += int64(len(p))
	sink.meter.Add(len(p))

	stats := sink.meter.Snapshot()
	if sink.throttle.ShouldEmit(stats.Percent) {
		r.events.EmitProgress(transfer.Progress{
			FileName:      sink.meta.FileName,
			Progress:      stats.Percent,
			ReceivedBytes: sink.received,
			TotalBytes:    sink.meta.FileSize,
			CurrentFile:   sink.meta.CurrentFile,
			TotalFiles:    sink.meta.TotalFiles,
			SpeedBps:      stats.RateBps,
		})
	}
	return nil
}

// finishFile makes the received bytes durable under a collision-free
// name and acknowledges with file-saved.
func (r *Receiver) finishFile(conn net.Conn, sink *fileSink) error {
	if sink.received != sink.meta.FileSize {
		sink.tmp.Close()
		os.Remove(sink.tmpPath)
		return fmt.Errorf("%w: got %d of %d bytes for %s",
			ErrProtocolViolation, sink.received, sink.meta.FileSize, sink.meta.FileName)
	}
	if err := sink.tmp.Sync(); err != nil {
		sink.tmp.Close()
		os.Remove(sink.tmpPath)
		return fmt.Errorf("sync %s: %w", sink.meta.FileName, err)
	}
	if err := sink.tmp.Close(); err != nil {
		os.Remove(sink.tmpPath)
		return fmt.Errorf("close %s: %w", sink.meta.FileName, err)
	}

	r.mu.Lock()
	dir := r.saveDir
	r.mu.Unlock()

	savePath, err := transfer.UniqueSavePath(dir, sink.meta.FileName)
	if err != nil {
		os.Remove(sink.tmpPath)
		return err
	}
	if err := os.Rename(sink.tmpPath, savePath); err != nil {
		os.Remove(sink.tmpPath)
		return fmt.Errorf("rename to %s: %w", savePath, err)
	}

	r.events.EmitFileReceived(transfer.FileReceived{
		FileName:    filepath.Base(savePath),
		FileSize:    sink.meta.FileSize,
		SavePath:    savePath,
		CurrentFile: sink.meta.CurrentFile,
		TotalFiles:  sink.meta.TotalFiles,
	})
	r.logger.Info("file saved", "path", savePath, "size", sink.meta.FileSize)

	data, err := protocol.EncodeFrame(protocol.FrameFileSaved, nil)
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write file-saved: %w", err)
	}

	if sink.meta.CurrentFile == sink.meta.TotalFiles {
		r.events.EmitTransferComplete()
	}
	return nil
}
