// Package supervisor owns the engine as a process-wide resource: it
// orchestrates discovery, the local session, and the remote channel,
// and guarantees idempotent shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/beamlink/beamlink/internal/discovery"
	"github.com/beamlink/beamlink/internal/local"
	"github.com/beamlink/beamlink/internal/netutil"
	"github.com/beamlink/beamlink/internal/remote"
	"github.com/beamlink/beamlink/internal/signaling"
	"github.com/beamlink/beamlink/internal/transfer"
	"github.com/beamlink/beamlink/internal/webrtcchannel"
)

var (
	// ErrShutdown indicates the engine has been shut down.
	ErrShutdown = errors.New("engine shut down")
	// ErrNoSession indicates no sending session is active.
	ErrNoSession = errors.New("no active session")
)

// Engine is the single logical owner of all session state.
type Engine struct {
	opts    transfer.Options
	logger  *slog.Logger
	events  *transfer.Events
	version string

	mu        sync.Mutex
	adv       *discovery.Advertiser
	sender    *local.Sender
	receiver  *local.Receiver
	remoteEng *remote.Engine
	remoteCh  *webrtcchannel.Channel
	signal    *signaling.Client
	shutdown  bool
}

// New initialises an idle engine.
func New(opts transfer.Options, logger *slog.Logger, events *transfer.Events, version string) *Engine {
	return &Engine{
		opts:    opts.WithDefaults(),
		logger:  logger,
		events:  events,
		version: version,
		adv:     discovery.NewAdvertiser(logger),
	}
}

// StartSender binds the local listener and begins advertising.
func (e *Engine) StartSender() (local.ConnectionInfo, error) {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return local.ConnectionInfo{}, ErrShutdown
	}
	if e.sender == nil {
		e.sender = local.NewSender(e.opts, e.logger, e.events, e.adv)
		e.sender.Version = e.version
	}
	sender := e.sender
	e.mu.Unlock()

	return sender.Start()
}

// StopSender tears the sending session down. Idempotent.
func (e *Engine) StopSender() {
	e.mu.Lock()
	sender := e.sender
	e.sender = nil
	e.mu.Unlock()

	if sender != nil {
		sender.Stop()
	}
}

// SendFiles streams paths over whichever session is active: the local
// authenticated socket or the remote channel.
func (e *Engine) SendFiles(ctx context.Context, paths []string) error {
	e.mu.Lock()
	sender := e.sender
	remoteEng := e.remoteEng
	e.mu.Unlock()

	switch {
	case remoteEng != nil:
		return remoteEng.SendFiles(ctx, paths)
	case sender != nil:
		return sender.SendFiles(ctx, paths)
	default:
		return ErrNoSession
	}
}

// ConnectToSender joins a local sender as the receiving peer.
func (e *Engine) ConnectToSender(ctx context.Context, address string, port int, code, saveDir string) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return ErrShutdown
	}
	if e.receiver == nil {
		e.receiver = local.NewReceiver(e.opts, e.logger, e.events)
	}
	receiver := e.receiver
	e.mu.Unlock()

	return receiver.Connect(ctx, address, port, code, saveDir)
}

// DisconnectReceiver destroys the receiving socket. Idempotent.
func (e *Engine) DisconnectReceiver() {
	e.mu.Lock()
	receiver := e.receiver
	e.mu.Unlock()

	if receiver != nil {
		receiver.Disconnect()
	}
}

// Discover browses the local link for advertised senders.
func (e *Engine) Discover(ctx context.Context) []discovery.Service {
	return discovery.Browse(ctx, e.opts.DiscoveryWindow, e.logger)
}

// StartRemote brokers a channel through the rendezvous service. With a
// remotePeerID this side dials; otherwise it waits for a peer.
// Incoming files are saved under saveDir.
func (e *Engine) StartRemote(ctx context.Context, brokerURL, peerID, remotePeerID, saveDir string, mode transfer.Mode) (local.ConnectionInfo, error) {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return local.ConnectionInfo{}, ErrShutdown
	}
	if e.remoteEng != nil {
		e.mu.Unlock()
		return local.ConnectionInfo{}, fmt.Errorf("remote session already active")
	}
	e.mu.Unlock()

	client, err := signaling.Dial(ctx, brokerURL, peerID, e.logger)
	if err != nil {
		return local.ConnectionInfo{}, fmt.Errorf("broker dial: %w", err)
	}

	var ch *webrtcchannel.Channel
	if remotePeerID != "" {
		ch, err = client.Connect(ctx, remotePeerID)
	} else {
		ch, err = client.Accept(ctx)
	}
	if err != nil {
		client.Close()
		return local.ConnectionInfo{}, fmt.Errorf("channel open: %w", err)
	}

	eng := remote.NewEngine(e.opts, e.logger, e.events, ch, saveDir)
	eng.Mode = mode
	ch.OnMessage(eng.HandleMessage)
	ch.OnClose(func() {
		e.logger.Info("remote channel closed by transport")
		e.dropRemote(eng)
	})

	e.mu.Lock()
	e.remoteEng = eng
	e.remoteCh = ch
	e.signal = client
	e.mu.Unlock()

	e.events.EmitConnectionStatus(transfer.ConnectionStatus{Connected: true, Mode: mode})
	return local.ConnectionInfo{
		Address:  "REMOTE",
		Port:     0,
		Code:     peerID,
		Hostname: netutil.Hostname(),
	}, nil
}

// StopRemote closes the remote session. Idempotent.
func (e *Engine) StopRemote(reason string) {
	e.mu.Lock()
	eng := e.remoteEng
	client := e.signal
	e.remoteEng = nil
	e.remoteCh = nil
	e.signal = nil
	e.mu.Unlock()

	if eng != nil {
		eng.Close(reason)
	}
	if client != nil {
		client.Close()
	}
}

// dropRemote releases remote state after a transport-side close.
func (e *Engine) dropRemote(eng *remote.Engine) {
	e.mu.Lock()
	if e.remoteEng != eng {
		e.mu.Unlock()
		return
	}
	client := e.signal
	e.remoteEng = nil
	e.remoteCh = nil
	e.signal = nil
	e.mu.Unlock()

	eng.Close("transport closed")
	if client != nil {
		client.Close()
	}
}

// Shutdown releases every resource the engine owns. Concurrent and
// repeated calls deduplicate.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return
	}
	e.shutdown = true
	e.mu.Unlock()

	e.StopSender()
	e.DisconnectReceiver()
	e.StopRemote("shutdown")
	e.adv.Unpublish()
	e.logger.Info("engine shut down")
}
