// Package receiver implements the `beamlink recv` command.
package receiver

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/beamlink/beamlink/internal/config"
	"github.com/beamlink/beamlink/internal/logging"
	"github.com/beamlink/beamlink/internal/supervisor"
	"github.com/beamlink/beamlink/internal/transfer"
)

// Run executes the recv command and exits the process on failure.
func Run(args []string, version string) {
	cfg := config.Parse(args)
	logger := logging.New("beamlink", cfg.LogLevel)

	done := make(chan struct{}, 1)
	events := &transfer.Events{
		TransferProgress: func(p transfer.Progress) {
			pterm.Printo(pterm.Sprintf("%s  %3.0f%%", p.FileName, p.Progress))
		},
		FileReceived: func(f transfer.FileReceived) {
			pterm.Println()
			pterm.Success.Printfln("saved %s (%d bytes)", f.SavePath, f.FileSize)
		},
		TransferComplete: func() {
			select {
			case done <- struct{}{}:
			default:
			}
		},
		ConnectionLost: func(l transfer.ConnectionLost) {
			pterm.Warning.Printfln("connection lost: %s", l.Reason)
			select {
			case done <- struct{}{}:
			default:
			}
		},
		TransferError: func(msg string) {
			pterm.Error.Println(msg)
		},
	}

	engine := supervisor.New(cfg.Transfer, logger, events, version)
	defer engine.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		pterm.Warning.Println("interrupted, shutting down")
		cancel()
		engine.Shutdown()
		os.Exit(130)
	}()

	if cfg.Remote {
		runRemote(ctx, engine, cfg, done)
	} else {
		runLocal(ctx, engine, cfg, done)
	}
}

func runLocal(ctx context.Context, engine *supervisor.Engine, cfg config.Config, done chan struct{}) {
	address := cfg.Address
	port := cfg.Port

	if address == "" {
		pterm.Info.Println("browsing for senders...")
		services := engine.Discover(ctx)
		if len(services) == 0 {
			pterm.Error.Println("no senders found on the local network")
			os.Exit(1)
		}
		for _, svc := range services {
			pterm.Info.Printfln("found %s at %v:%d", svc.Name, svc.Addresses, svc.Port)
		}
		svc := services[0]
		if len(svc.Addresses) == 0 {
			pterm.Error.Printfln("%s advertised no addresses", svc.Name)
			os.Exit(1)
		}
		address = svc.Addresses[0]
		port = svc.Port
	}

	if cfg.Code == "" {
		pterm.Error.Println("a session code is required: -code XXX-XXX")
		os.Exit(2)
	}

	if err := engine.ConnectToSender(ctx, address, port, cfg.Code, cfg.SaveDir); err != nil {
		pterm.Error.Printfln("connect failed: %v", err)
		os.Exit(1)
	}
	pterm.Success.Printfln("connected to %s:%d, receiving into %s", address, port, cfg.SaveDir)

	select {
	case <-done:
	case <-ctx.Done():
	}
	engine.DisconnectReceiver()
}

func runRemote(ctx context.Context, engine *supervisor.Engine, cfg config.Config, done chan struct{}) {
	peerID := cfg.PeerID
	if peerID == "" {
		peerID = uuid.NewString()
	}

	info, err := engine.StartRemote(ctx, cfg.ServerURL, peerID, cfg.RemotePeerID, cfg.SaveDir, transfer.ModeReceiver)
	if err != nil {
		pterm.Error.Printfln("remote session failed: %v", err)
		os.Exit(1)
	}
	pterm.Success.Printfln("remote channel open as %s, receiving into %s", info.Code, cfg.SaveDir)

	select {
	case <-done:
	case <-ctx.Done():
	}
	engine.StopRemote("done")
}
