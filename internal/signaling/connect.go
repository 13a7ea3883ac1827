package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/beamlink/beamlink/internal/webrtcchannel"
	"github.com/beamlink/beamlink/pkg/protocol"
)

// Connect opens the data channel to remotePeerID: this side creates
// the offer, relays SDP and trickled ICE through the broker, and
// blocks until the channel opens.
func (c *Client) Connect(ctx context.Context, remotePeerID string) (*webrtcchannel.Channel, error) {
	pc, err := webrtcchannel.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}
	dc, err := webrtcchannel.CreateDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("data channel: %w", err)
	}
	ch := webrtcchannel.New(pc, dc, c.logger)

	c.trickleCandidates(pc, remotePeerID)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := c.sendSignal(remotePeerID, protocol.SignalOffer, protocol.Offer{SDP: offer.SDP}); err != nil {
		ch.Close()
		return nil, err
	}

	if err := c.exchange(ctx, pc, ch); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// Accept waits for an inbound offer, answers it, and blocks until the
// data channel opens.
func (c *Client) Accept(ctx context.Context) (*webrtcchannel.Channel, error) {
	pc, err := webrtcchannel.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	chCh := make(chan *webrtcchannel.Channel, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		select {
		case chCh <- webrtcchannel.New(pc, dc, c.logger):
		default:
			dc.Close()
		}
	})

	// Wait for the offer, answering candidates to its sender.
	var from string
	for {
		env, err := c.next(ctx)
		if err != nil {
			pc.Close()
			return nil, err
		}
		if env.Type != protocol.SignalOffer {
			continue
		}
		var offer protocol.Offer
		if err := env.DecodePayload(&offer); err != nil {
			pc.Close()
			return nil, err
		}
		from = env.From
		c.trickleCandidates(pc, from)

		if err := pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  offer.SDP,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("set remote description: %w", err)
		}
		break
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := c.sendSignal(from, protocol.SignalAnswer, protocol.Answer{SDP: answer.SDP}); err != nil {
		pc.Close()
		return nil, err
	}

	// The data channel arrives from the offering side.
	var ch *webrtcchannel.Channel
	candidateCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.consumeCandidates(candidateCtx, pc)

	select {
	case ch = <-chCh:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	if err := ch.WaitOpen(ctx); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// exchange consumes answers and candidates until the channel opens.
func (c *Client) exchange(ctx context.Context, pc *webrtc.PeerConnection, ch *webrtcchannel.Channel) error {
	openCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		for {
			env, err := c.next(openCtx)
			if err != nil {
				errCh <- err
				return
			}
			switch env.Type {
			case protocol.SignalAnswer:
				var answer protocol.Answer
				if err := env.DecodePayload(&answer); err != nil {
					continue
				}
				if err := pc.SetRemoteDescription(webrtc.SessionDescription{
					Type: webrtc.SDPTypeAnswer,
					SDP:  answer.SDP,
				}); err != nil {
					c.logger.Warn("set remote description failed", "error", err)
				}
			case protocol.SignalIceCandidate:
				addCandidate(pc, env, c)
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- ch.WaitOpen(ctx) }()

	select {
	case err := <-done:
		return err
	case err := <-errCh:
		// A broker error after the channel opened is harmless.
		select {
		case werr := <-done:
			if werr == nil {
				return nil
			}
		default:
		}
		return err
	}
}

// consumeCandidates feeds remote ICE candidates into pc until ctx ends.
func (c *Client) consumeCandidates(ctx context.Context, pc *webrtc.PeerConnection) {
	for {
		env, err := c.next(ctx)
		if err != nil {
			return
		}
		if env.Type == protocol.SignalIceCandidate {
			addCandidate(pc, env, c)
		}
	}
}

func addCandidate(pc *webrtc.PeerConnection, env protocol.Envelope, c *Client) {
	var cand protocol.IceCandidate
	if err := env.DecodePayload(&cand); err != nil {
		return
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(cand.Candidate), &init); err != nil {
		c.logger.Warn("undecodable ice candidate", "error", err)
		return
	}
	if err := pc.AddICECandidate(init); err != nil {
		c.logger.Warn("add ice candidate failed", "error", err)
	}
}

// trickleCandidates forwards local ICE candidates to the remote peer
// as they are gathered.
func (c *Client) trickleCandidates(pc *webrtc.PeerConnection, remotePeerID string) {
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		data, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		if err := c.sendSignal(remotePeerID, protocol.SignalIceCandidate, protocol.IceCandidate{Candidate: string(data)}); err != nil {
			c.logger.Warn("candidate send failed", "error", err)
		}
	})
}

func (c *Client) sendSignal(to, msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	env.From = c.peerID
	env.To = to
	return c.send(env)
}
