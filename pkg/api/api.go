// Package api defines the signaling protocol between the room coordinator and its members.
//
// Each message is a JSON-encoded "packet" of the following structure:
//
//	t - (required) one of the predefined packet types;
//	p - (optional) packet payload with arbitrary data.
//
// The packets differentiate by their predefined types with which it is possible
// to unwrap the payload into distinct request/response data structures.
// The set of types is closed, a packet of any other type is rejected.
//
// Example:
//
//	{"t":1,"p":{"room_id":"4821"}}
//	{"t":2,"p":{"count":1,"is_initiator":true}}
package api

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

type PT uint8

// Packet codes:
//
//	1, 9 - member requests
//	2-5, 10 - coordinator notifications
//	6-8 - relayed negotiation messages
const (
	JoinRoom  PT = 1
	RoomInfo  PT = 2
	Joined    PT = 3
	Left      PT = 4
	RoomReady PT = 5
	Offer     PT = 6
	Answer    PT = 7
	Candidate PT = 8
	LeaveRoom PT = 9
	RoomFull  PT = 10
)

func (p PT) String() string {
	switch p {
	case JoinRoom:
		return "join-room"
	case RoomInfo:
		return "room-info"
	case Joined:
		return "joined"
	case Left:
		return "left"
	case RoomReady:
		return "room-ready"
	case Offer:
		return "offer"
	case Answer:
		return "answer"
	case Candidate:
		return "candidate"
	case LeaveRoom:
		return "leave-room"
	case RoomFull:
		return "room-full"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// IsValid tells whether the type belongs to the protocol.
func (p PT) IsValid() bool { return p >= JoinRoom && p <= RoomFull }

// IsRelay tells whether the packet is forwarded to the other members of a room.
func (p PT) IsRelay() bool { return p == Offer || p == Answer || p == Candidate }

type In struct {
	T       PT              `json:"t"`
	Payload json.RawMessage `json:"p,omitempty"` // for 2-pass unmarshal
}

type Out struct {
	T       PT  `json:"t"`
	Payload any `json:"p,omitempty"`
}

var (
	ErrMalformed   = errors.New("malformed")
	ErrUnknownType = errors.New("unknown packet type")
)

// Decode reads a packet and checks its type.
func Decode(data []byte) (In, error) {
	var in In
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !in.T.IsValid() {
		return in, fmt.Errorf("%w: %v", ErrUnknownType, in.T)
	}
	return in, nil
}

func Encode(t PT, payload any) ([]byte, error) { return json.Marshal(Out{T: t, Payload: payload}) }

// Unwrap decodes the payload of a packet into a new T.
func Unwrap[T any](data []byte) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}

type (
	Room struct {
		Rid string `json:"room_id"`
	}
	// JoinRoomRequest asks to place the member into a room.
	// A member is always in one room at most.
	JoinRoomRequest  = Room
	LeaveRoomRequest = Room
	RoomReadyEvent   = Room
	RoomFullEvent    = Room

	RoomInfoResponse struct {
		Count     int  `json:"count"`
		Initiator bool `json:"is_initiator"`
	}
	JoinedEvent struct {
		Id string `json:"member_id"`
	}
	// LeftEvent carries the current role of the member who receives it,
	// the role may change when the initiator leaves.
	LeftEvent struct {
		Id        string `json:"member_id"`
		Initiator bool   `json:"is_initiator"`
	}

	// SdpRequest is an offer or answer from a member.
	SdpRequest struct {
		Sdp json.RawMessage `json:"sdp"`
		Room
	}
	// SdpRelay is an offer or answer forwarded to the other member.
	SdpRelay struct {
		Sdp  json.RawMessage `json:"sdp"`
		From string          `json:"from"`
	}
	CandidateRequest struct {
		Candidate json.RawMessage `json:"candidate"`
		Room
	}
	CandidateRelay struct {
		Candidate json.RawMessage `json:"candidate"`
		From      string          `json:"from"`
	}
)
