// Package config parses engine configuration from flags and environment
// variables. Flags take precedence over environment.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"

	"github.com/beamlink/beamlink/internal/transfer"
)

// Config holds configuration for the beamlink binary.
type Config struct {
	LogLevel string

	// Sender
	Port  int // 0 = ephemeral
	Paths []string

	// Receiver
	SaveDir string
	Address string
	Code    string

	// Remote mode
	Remote       bool
	ServerURL    string
	PeerID       string
	RemotePeerID string

	Transfer transfer.Options
}

// Parse reads configuration from BEAMLINK_* environment variables and
// command-line flags using a fresh flag set named "beamlink".
func Parse(args []string) Config {
	return parseWithFlagSet(flag.NewFlagSet("beamlink", flag.ExitOnError), args)
}

// parseWithFlagSet is an internal helper for testing with isolated flag sets.
func parseWithFlagSet(fs *flag.FlagSet, args []string) Config {
	cfg := Config{
		LogLevel:  "info",
		SaveDir:   ".",
		ServerURL: "wss://rendezvous.beamlink.dev/ws",
		Transfer:  transfer.Options{}.WithDefaults(),
	}

	// Environment first
	if v := os.Getenv("BEAMLINK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BEAMLINK_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("BEAMLINK_SAVE_DIR"); v != "" {
		cfg.SaveDir = v
	}
	if v := os.Getenv("BEAMLINK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}

	// Flags override environment
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "listener port (0 = ephemeral)")
	fs.StringVar(&cfg.SaveDir, "save-dir", cfg.SaveDir, "directory for received files")
	fs.StringVar(&cfg.Address, "address", cfg.Address, "sender address to connect to")
	fs.StringVar(&cfg.Code, "code", cfg.Code, "session code (XXX-XXX)")
	fs.BoolVar(&cfg.Remote, "remote", false, "use the remote brokered channel instead of LAN TCP")
	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "rendezvous broker URL (remote mode)")
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "local peer identity (remote mode)")
	fs.StringVar(&cfg.RemotePeerID, "remote-peer", cfg.RemotePeerID, "remote peer identity (remote mode)")

	chunkSize := fs.Int("chunk-size", 0, "chunk size in bytes (default: 64 KiB local, 256 KiB remote)")
	window := fs.Int("window", cfg.Transfer.WindowSize, "remote ACK window in chunks")
	authTimeout := fs.Duration("auth-timeout", cfg.Transfer.AuthTimeout, "handshake timeout")
	ackTimeout := fs.Duration("ack-timeout", cfg.Transfer.AckTimeout, "per-file acknowledgement timeout")
	discoveryWindow := fs.Duration("discovery-window", cfg.Transfer.DiscoveryWindow, "mDNS browse window")

	paths := make([]string, 0)
	fs.Var((*stringSlice)(&paths), "path", "file to send (repeatable)")

	fs.Parse(args)

	if *chunkSize > 0 {
		cfg.Transfer.LocalChunkSize = *chunkSize
		cfg.Transfer.RemoteChunkSize = *chunkSize
	}
	cfg.Transfer.Port = cfg.Port
	cfg.Transfer.WindowSize = *window
	cfg.Transfer.AuthTimeout = *authTimeout
	cfg.Transfer.AckTimeout = *ackTimeout
	cfg.Transfer.DiscoveryWindow = *discoveryWindow
	cfg.Transfer = cfg.Transfer.WithDefaults()

	cfg.Paths = append(cfg.Paths, paths...)
	cfg.Paths = append(cfg.Paths, fs.Args()...)

	return cfg
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

var _ flag.Value = (*stringSlice)(nil)
