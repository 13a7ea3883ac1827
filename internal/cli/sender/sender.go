// Package sender implements the `beamlink send` command.
package sender

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

// Run executes the send command and exits the process on failure.
func Run(args []string, version string) {
	cfg := config.Parse(args)
	logger := logging.New("beamlink", cfg.LogLevel)

	if len(cfg.Paths) == 0 {
		pterm.Error.Println("nothing to send: pass at least one file")
		os.Exit(2)
	}
	for _, path := range cfg.Paths {
		if _, err := os.Stat(path); err != nil {
			pterm.Error.Printfln("cannot read %s: %v", path, err)
			os.Exit(2)
		}
	}

	connected := make(chan struct{}, 1)
	events := &transfer.Events{
		ConnectionStatus: func(s transfer.ConnectionStatus) {
			if s.Connected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		},
		ConnectionLost: func(l transfer.ConnectionLost) {
			pterm.Warning.Printfln("connection lost: %s", l.Reason)
		},
		TransferProgress: func(p transfer.Progress) {
			pterm.Printo(pterm.Sprintf("%s  %3.0f%%  (%d/%d)", p.FileName, p.Progress, p.CurrentFile, p.TotalFiles))
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
		runRemote(ctx, engine, cfg)
	} else {
		runLocal(ctx, engine, cfg, connected)
	}
}

func runLocal(ctx context.Context, engine *supervisor.Engine, cfg config.Config, connected chan struct{}) {
	info, err := engine.StartSender()
	if err != nil {
		pterm.Error.Printfln("start failed: %v", err)
		os.Exit(1)
	}

	pterm.Success.Printfln("sharing %d file(s) on %s:%d", len(cfg.Paths), info.Address, info.Port)
	pterm.DefaultBox.Println("connection code: " + info.Code)
	pterm.Info.Println("waiting for a receiver...")

	select {
	case <-connected:
	case <-ctx.Done():
		return
	}

	if err := engine.SendFiles(ctx, cfg.Paths); err != nil {
		pterm.Error.Printfln("transfer failed: %v", err)
		os.Exit(1)
	}
	pterm.Println()
	pterm.Success.Println("transfer complete")
}

func runRemote(ctx context.Context, engine *supervisor.Engine, cfg config.Config) {
	peerID := cfg.PeerID
	if peerID == "" {
		peerID = uuid.NewString()
	}
	if cfg.RemotePeerID == "" {
		pterm.Error.Println("remote send needs -remote-peer")
		os.Exit(2)
	}

	info, err := engine.StartRemote(ctx, cfg.ServerURL, peerID, cfg.RemotePeerID, cfg.SaveDir, transfer.ModeSender)
	if err != nil {
		pterm.Error.Printfln("remote session failed: %v", err)
		os.Exit(1)
	}
	pterm.Success.Printfln("remote channel open as %s", info.Code)

	if err := engine.SendFiles(ctx, cfg.Paths); err != nil {
		pterm.Error.Printfln("transfer failed: %v", err)
		os.Exit(1)
	}
	pterm.Println()
	pterm.Success.Println("transfer complete")
	engine.StopRemote("done")
}
