// Package signal connects call clients to the room coordinator over a websocket.
package signal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"

	"github.com/convergence/peerlink/pkg/api"
	"github.com/convergence/peerlink/pkg/com"
	"github.com/convergence/peerlink/pkg/logger"
	"github.com/convergence/peerlink/pkg/negotiation"
	"github.com/goccy/go-json"
)

var errUnexpected = errors.New("unexpected packet")

// Dialer opens coordinator connections for the negotiation engine.
type Dialer struct {
	address url.URL
	wire    *com.Connector
	log     *logger.Logger
}

func NewDialer(address string, log *logger.Logger) (*Dialer, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("signal: bad address: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("signal: %q is not a websocket address", address)
	}
	return &Dialer{address: *u, wire: com.NewConnector(), log: log.Tag("sig")}, nil
}

// Dial connects to the coordinator. The handler is called from the connection
// reader, one event at a time, and gets a closed event when the connection
// drops by itself.
func (d *Dialer) Dial(ctx context.Context, handler func(negotiation.SignalEvent)) (negotiation.Signaling, error) {
	client, err := d.wire.NewClient(ctx, d.address, d.log)
	if err != nil {
		return nil, err
	}
	ch := &Channel{client: client, handler: handler}
	client.OnPacket(ch.route)
	done := client.Listen()
	go func() {
		<-done
		if !ch.closed.Load() {
			handler(negotiation.SignalEvent{Kind: negotiation.SignalClosed})
		}
	}()
	return ch, nil
}

// Channel is one coordinator connection.
type Channel struct {
	client  *com.Client
	handler func(negotiation.SignalEvent)
	closed  atomic.Bool
}

func (c *Channel) Join(room string) error {
	return c.client.Send(api.JoinRoom, api.JoinRoomRequest{Rid: room})
}

func (c *Channel) Leave(room string) error {
	return c.client.Send(api.LeaveRoom, api.LeaveRoomRequest{Rid: room})
}

func (c *Channel) Offer(room string, d negotiation.Description) error {
	return c.sdp(api.Offer, room, d)
}

func (c *Channel) Answer(room string, d negotiation.Description) error {
	return c.sdp(api.Answer, room, d)
}

func (c *Channel) Candidate(room string, cand negotiation.Candidate) error {
	data, err := json.Marshal(cand)
	if err != nil {
		return err
	}
	return c.client.Send(api.Candidate, api.CandidateRequest{Candidate: data, Room: api.Room{Rid: room}})
}

// Close drops the connection, no closed event follows.
func (c *Channel) Close() {
	c.closed.Store(true)
	c.client.Disconnect()
}

func (c *Channel) sdp(t api.PT, room string, d negotiation.Description) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return c.client.Send(t, api.SdpRequest{Sdp: data, Room: api.Room{Rid: room}})
}

func (c *Channel) route(in api.In) error {
	ev, err := toEvent(in)
	if err != nil {
		return err
	}
	c.handler(ev)
	return nil
}

// toEvent converts a coordinator packet into an engine event.
func toEvent(in api.In) (ev negotiation.SignalEvent, err error) {
	switch in.T {
	case api.RoomInfo:
		rs, err := api.Unwrap[api.RoomInfoResponse](in.Payload)
		if err != nil {
			return ev, err
		}
		ev = negotiation.SignalEvent{Kind: negotiation.SignalRoomInfo, Count: rs.Count, Initiator: rs.Initiator}
	case api.Joined:
		rs, err := api.Unwrap[api.JoinedEvent](in.Payload)
		if err != nil {
			return ev, err
		}
		ev = negotiation.SignalEvent{Kind: negotiation.SignalJoined, From: rs.Id}
	case api.Left:
		rs, err := api.Unwrap[api.LeftEvent](in.Payload)
		if err != nil {
			return ev, err
		}
		ev = negotiation.SignalEvent{Kind: negotiation.SignalLeft, From: rs.Id, Initiator: rs.Initiator}
	case api.RoomReady:
		rs, err := api.Unwrap[api.RoomReadyEvent](in.Payload)
		if err != nil {
			return ev, err
		}
		ev = negotiation.SignalEvent{Kind: negotiation.SignalRoomReady, Room: rs.Rid}
	case api.RoomFull:
		rs, err := api.Unwrap[api.RoomFullEvent](in.Payload)
		if err != nil {
			return ev, err
		}
		ev = negotiation.SignalEvent{Kind: negotiation.SignalRoomFull, Room: rs.Rid}
	case api.Offer, api.Answer:
		rs, err := api.Unwrap[api.SdpRelay](in.Payload)
		if err != nil {
			return ev, err
		}
		var d negotiation.Description
		if err = json.Unmarshal(rs.Sdp, &d); err != nil {
			return ev, fmt.Errorf("%w: %v", api.ErrMalformed, err)
		}
		kind := negotiation.SignalOffer
		if in.T == api.Answer {
			kind = negotiation.SignalAnswer
		}
		ev = negotiation.SignalEvent{Kind: kind, From: rs.From, Description: d}
	case api.Candidate:
		rs, err := api.Unwrap[api.CandidateRelay](in.Payload)
		if err != nil {
			return ev, err
		}
		var cand negotiation.Candidate
		if err = json.Unmarshal(rs.Candidate, &cand); err != nil {
			return ev, fmt.Errorf("%w: %v", api.ErrMalformed, err)
		}
		ev = negotiation.SignalEvent{Kind: negotiation.SignalCandidate, From: rs.From, Candidate: cand}
	default:
		return ev, fmt.Errorf("%w: %v", errUnexpected, in.T)
	}
	return ev, nil
}
