// Package transfer holds the engine-wide options, host-facing events,
// and receive-path file naming shared by the local and remote engines.
package transfer

import "time"

const (
	// DefaultLocalChunkSize is the block size for streaming over TCP.
	DefaultLocalChunkSize = 64 * 1024
	// DefaultRemoteChunkSize is the chunk size on the datagram channel.
	DefaultRemoteChunkSize = 256 * 1024
	// DefaultWindowSize is the remote ACK window in chunks.
	DefaultWindowSize = 20
	// DefaultAuthTimeout bounds the unauthenticated lifetime of an
	// accepted socket.
	DefaultAuthTimeout = 10 * time.Second
	// DefaultAckTimeout bounds the local per-file file-saved wait.
	DefaultAckTimeout = 30 * time.Second
	// DefaultDiscoveryWindow bounds a browse pass.
	DefaultDiscoveryWindow = 3 * time.Second
)

// Options configures the engines. The zero value means "use defaults".
type Options struct {
	Port            int // 0 = ephemeral
	LocalChunkSize  int
	RemoteChunkSize int
	WindowSize      int
	AuthTimeout     time.Duration
	AckTimeout      time.Duration
	DiscoveryWindow time.Duration
}

// WithDefaults returns a copy of o with zero fields replaced by defaults.
func (o Options) WithDefaults() Options {
	if o.LocalChunkSize <= 0 {
		o.LocalChunkSize = DefaultLocalChunkSize
	}
	if o.RemoteChunkSize <= 0 {
		o.RemoteChunkSize = DefaultRemoteChunkSize
	}
	if o.WindowSize <= 0 {
		o.WindowSize = DefaultWindowSize
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.DiscoveryWindow <= 0 {
		o.DiscoveryWindow = DefaultDiscoveryWindow
	}
	return o
}
