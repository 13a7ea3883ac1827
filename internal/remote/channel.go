// Package remote implements the flow-controlled chunked transfer
// protocol layered over a reliable ordered datagram channel brokered
// by the rendezvous service.
package remote

// Channel is the semantic contract the rendezvous collaborator
// provides: a reliable, ordered, message-framed, bidirectional path
// between two peers. Message boundaries are preserved.
type Channel interface {
	// Send transmits one message. It may block while the channel
	// applies its own backpressure.
	Send(data []byte) error
	// Close tears the channel down.
	Close() error
}
