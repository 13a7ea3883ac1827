// Package local implements the LAN TCP session: the sender's listener,
// the code handshake, and the framed per-file transfer loops.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/beamlink/beamlink/internal/bufpool"
	"github.com/beamlink/beamlink/internal/code"
	"github.com/beamlink/beamlink/internal/netutil"
	"github.com/beamlink/beamlink/internal/progress"
	"github.com/beamlink/beamlink/internal/transfer"
	"github.com/beamlink/beamlink/pkg/protocol"
)

const invalidCodeMessage = "Invalid connection code"

// settleDelay separates the final payload byte from the file-end frame
// so slow consumers observe the terminal progress tick first.
const settleDelay = 100 * time.Millisecond

var (
	// ErrSenderActive indicates Start was called on a live session.
	ErrSenderActive = errors.New("sender already active")
	// ErrBindFailed indicates the TCP listener could not bind.
	ErrBindFailed = errors.New("bind failed")
	// ErrNoPeer indicates SendFiles was called without an authenticated peer.
	ErrNoPeer = errors.New("no authenticated peer")
)

// Advertiser is the discovery surface the sender drives: published
// while idle and listening, withdrawn otherwise.
type Advertiser interface {
	Publish(instance string, port int, hostname, version string) error
	Unpublish()
}

// ConnectionInfo is emitted by the sender when its listener binds.
type ConnectionInfo struct {
	Address  string
	Port     int
	Code     string
	Hostname string
}

type senderState int

const (
	stateIdle senderState = iota
	stateListening
	stateAuthed
	stateSending
	stateTerminated
)

// Sender owns the listener, the single accepted receiver, and the
// ordered per-file send loop.
type Sender struct {
	opts    transfer.Options
	logger  *slog.Logger
	events  *transfer.Events
	adv     Advertiser
	pool    *bufpool.Pool
	Version string

	mu       sync.Mutex
	state    senderState
	stopping bool
	listener net.Listener
	conn     net.Conn
	info     ConnectionInfo
	savedCh  chan struct{}
}

// NewSender creates an idle sender.
func NewSender(opts transfer.Options, logger *slog.Logger, events *transfer.Events, adv Advertiser) *Sender {
	opts = opts.WithDefaults()
	return &Sender{
		opts:    opts,
		logger:  logger,
		events:  events,
		adv:     adv,
		pool:    bufpool.New(opts.LocalChunkSize),
		Version: "dev",
	}
}

// Start binds the TCP listener, generates the session code, and begins
// advertising. Only one session may be active per Sender.
func (s *Sender) Start() (ConnectionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateIdle {
		return ConnectionInfo{}, ErrSenderActive
	}

	sessionCode, err := code.Generate()
	if err != nil {
		return ConnectionInfo{}, err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return ConnectionInfo{}, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	address, err := netutil.LocalIPv4()
	if err != nil {
		address = "127.0.0.1"
	}
	hostname := netutil.Hostname()
	port := listener.Addr().(*net.TCPAddr).Port

	s.listener = listener
	s.state = stateListening
	s.stopping = false
	s.info = ConnectionInfo{
		Address:  address,
		Port:     port,
		Code:     sessionCode,
		Hostname: hostname,
	}

	if err := s.adv.Publish(hostname, port, hostname, s.Version); err != nil {
		// Advertising is best-effort; it is retried at the next idle
		// transition.
		s.logger.Warn("advertising publish failed", "error", err)
	}

	go s.acceptLoop(listener)

	s.logger.Info("sender listening", "address", address, "port", port)
	return s.info, nil
}

// Stop tears down advertising, the accepted socket, and the listener.
// Idempotent.
func (s *Sender) Stop() {
	s.mu.Lock()
	if s.state == stateTerminated || s.state == stateIdle {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.state = stateTerminated
	listener := s.listener
	conn := s.conn
	s.listener = nil
	s.conn = nil
	s.mu.Unlock()

	s.adv.Unpublish()
	if conn != nil {
		conn.Close()
	}
	if listener != nil {
		listener.Close()
	}
	s.logger.Info("sender stopped")
}

// Info returns the connection info from the last Start.
func (s *Sender) Info() ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *Sender) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		busy := s.state != stateListening || s.conn != nil
		s.mu.Unlock()
		if busy {
			conn.Close()
			continue
		}

		go s.handshake(conn)
	}
}

// handshake enforces the authentication protocol on an accepted socket.
// An unauthenticated socket is destroyed after the auth timeout.
func (s *Sender) handshake(conn net.Conn) {
	timer := time.AfterFunc(s.opts.AuthTimeout, func() {
		s.logger.Warn("auth timeout, destroying socket", "remote", conn.RemoteAddr())
		conn.Close()
	})
	defer timer.Stop()

	codec := &protocol.Codec{}
	buf := make([]byte, 4096)
	authed := false

	for !authed {
		n, err := conn.Read(buf)
		if err != nil {
			conn.Close()
			return
		}
		err = codec.Ingest(buf[:n], func(f protocol.Frame) error {
			if f.Type != protocol.FrameAuth {
				// Anything before auth is ignored.
				return nil
			}
			var auth protocol.Auth
			if err := f.DecodePayload(&auth); err != nil {
				return err
			}
			if !code.Equal(auth.Code, s.info.Code) {
				s.logger.Warn("invalid code from peer", "remote", conn.RemoteAddr())
				if data, err := protocol.EncodeFrame(protocol.FrameError, protocol.ErrorFrame{Message: invalidCodeMessage}); err == nil {
					conn.Write(data)
				}
				return errAuthRejected
			}
			authed = true
			return nil
		}, func([]byte) error { return nil })
		if err != nil {
			conn.Close()
			return
		}
	}

	timer.Stop()
	if !s.promote(conn) {
		conn.Close()
		return
	}

	if data, err := protocol.EncodeFrame(protocol.FrameAuthSuccess, nil); err == nil {
		if _, err := conn.Write(data); err != nil {
			s.handleDisconnect(conn, "write failed")
			return
		}
	}

	s.events.EmitConnectionStatus(transfer.ConnectionStatus{Connected: true, Mode: transfer.ModeSender})
	s.logger.Info("receiver authenticated", "remote", conn.RemoteAddr())

	go s.readLoop(conn, codec)
}

var errAuthRejected = errors.New("auth rejected")

// promote installs the socket as the single accepted client and stops
// advertising. It fails if another receiver won the race.
func (s *Sender) promote(conn net.Conn) bool {
	s.mu.Lock()
	if s.state != stateListening || s.conn != nil {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	s.state = stateAuthed
	s.mu.Unlock()

	s.adv.Unpublish()
	return true
}

// readLoop consumes control frames from the authenticated peer:
// file-saved acknowledgements and, eventually, the close.
func (s *Sender) readLoop(conn net.Conn, codec *protocol.Codec) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			s.handleDisconnect(conn, disconnectReason(err))
			return
		}
		err = codec.Ingest(buf[:n], func(f protocol.Frame) error {
			if f.Type == protocol.FrameFileSaved {
				s.resolveSaved()
			}
			return nil
		}, func([]byte) error { return nil })
		if err != nil {
			s.logger.Warn("control stream error", "error", err)
			conn.Close()
			s.handleDisconnect(conn, "protocol error")
			return
		}
	}
}

func disconnectReason(err error) string {
	if errors.Is(err, io.EOF) {
		return "peer closed"
	}
	return err.Error()
}

func (s *Sender) handleDisconnect(conn net.Conn, reason string) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	wasSending := s.state == stateSending
	if !s.stopping && s.state != stateTerminated {
		s.state = stateListening
	}
	s.mu.Unlock()

	conn.Close()
	s.resolveSaved()
	s.events.EmitConnectionLost(transfer.ConnectionLost{Mode: transfer.ModeSender, Reason: reason})
	s.logger.Info("peer disconnected", "reason", reason)

	// While a send is unwinding the session is still partially in
	// progress; SendFiles resumes advertising when it returns.
	if !wasSending {
		s.maybeResumeAdvertising()
	}
}

// maybeResumeAdvertising republishes the service record iff the sender
// is idle and listening.
func (s *Sender) maybeResumeAdvertising() {
	s.mu.Lock()
	resume := !s.stopping && s.state == stateListening && s.conn == nil
	info := s.info
	s.mu.Unlock()

	if !resume {
		return
	}
	if err := s.adv.Publish(info.Hostname, info.Port, info.Hostname, s.Version); err != nil {
		s.logger.Warn("advertising publish failed", "error", err)
	}
}

// SendFiles streams the given paths in order to the authenticated
// peer, waiting for each file's acknowledgement before advancing.
func (s *Sender) SendFiles(ctx context.Context, paths []string) error {
	s.mu.Lock()
	if s.state != stateAuthed || s.conn == nil {
		s.mu.Unlock()
		return ErrNoPeer
	}
	s.state = stateSending
	conn := s.conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.state == stateSending {
			if s.conn != nil {
				s.state = stateAuthed
			} else if !s.stopping {
				s.state = stateListening
			}
		}
		s.mu.Unlock()
		s.maybeResumeAdvertising()
	}()

	total := len(paths)
	for i, path := range paths {
		if err := s.sendOne(ctx, conn, path, i+1, total); err != nil {
			s.events.EmitTransferError(err.Error())
			return err
		}
	}

	s.events.EmitTransferComplete()
	return nil
}

// sendOne streams a single file: metadata, payload, file-end, then the
// file-saved wait. An ACK timeout is logged and the next file proceeds.
func (s *Sender) sendOne(ctx context.Context, conn net.Conn, path string, current, total int) error {
	stat, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	size := stat.Size()
	name := filepath.Base(path)

	saved := s.armSavedResolver()

	meta := protocol.TransferMetadata{
		FileName:    name,
		FileSize:    size,
		CurrentFile: current,
		TotalFiles:  total,
	}
	data, err := protocol.EncodeFrame(protocol.FrameMetadata, meta)
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	if err := s.streamPayload(ctx, conn, path, meta); err != nil {
		return err
	}

	// Let the terminal progress tick land before the end marker.
	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	endFrame, err := protocol.EncodeFrame(protocol.FrameFileEnd, nil)
	if err != nil {
		return err
	}
	if _, err := conn.Write(endFrame); err != nil {
		return fmt.Errorf("write file-end: %w", err)
	}

	select {
	case <-saved:
	case <-time.After(s.opts.AckTimeout):
		s.logger.Warn("ack timeout, proceeding", "file", name)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Sender) streamPayload(ctx context.Context, conn net.Conn, path string, meta protocol.TransferMetadata) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	meter := progress.NewMeter()
	meter.Start(meta.FileSize)
	throttle := progress.NewThrottle()

	buf := s.pool.Get()
	defer s.pool.Put(buf)

	var sent int64
	for sent < meta.FileSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Never read past the announced size, even if the file grew.
		limit := int64(len(buf))
		if remaining := meta.FileSize - sent; remaining < limit {
			limit = remaining
		}
		n, err := file.Read(buf[:limit])
		if n > 0 {
			// A full kernel send buffer blocks here; that is the
			// backpressure that paces disk reads.
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write payload: %w", werr)
			}
			sent += int64(n)
			meter.Add(n)
			stats := meter.Snapshot()
			if throttle.ShouldEmit(stats.Percent) {
				s.events.EmitProgress(transfer.Progress{
					FileName:    meta.FileName,
					Progress:    stats.Percent,
					SentBytes:   sent,
					TotalBytes:  meta.FileSize,
					CurrentFile: meta.CurrentFile,
					TotalFiles:  meta.TotalFiles,
					SpeedBps:    stats.RateBps,
				})
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read %s: %w", path, err)
		}
	}

	if sent != meta.FileSize {
		return fmt.Errorf("read %s: size changed mid-transfer (%d of %d bytes)", path, sent, meta.FileSize)
	}

	// Terminal tick.
	stats := meter.Snapshot()
	s.events.EmitProgress(transfer.Progress{
		FileName:    meta.FileName,
		Progress:    100,
		SentBytes:   sent,
		TotalBytes:  meta.FileSize,
		CurrentFile: meta.CurrentFile,
		TotalFiles:  meta.TotalFiles,
		SpeedBps:    stats.RateBps,
	})
	return nil
}

// armSavedResolver installs the one-shot rendezvous for the next
// file-saved frame.
func (s *Sender) armSavedResolver() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedCh = make(chan struct{}, 1)
	return s.savedCh
}

func (s *Sender) resolveSaved() {
	s.mu.Lock()
	ch := s.savedCh
	s.savedCh = nil
	s.mu.Unlock()

	if ch != nil {
		ch <- struct{}{}
	}
}
