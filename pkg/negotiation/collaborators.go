package negotiation

import "context"

// Transport is a peer-to-peer session of one negotiation.
// Methods are never called concurrently except Close and Stats.
type Transport interface {
	CreateOffer(restart bool) (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(Description) error
	SetRemoteDescription(Description) error
	AddCandidate(Candidate) error
	AddTrack(LocalTrack) error
	CreateDataChannel(label string) (DataChannel, error)
	Stats() (TransportStats, error)
	Close() error
}

// TransportHandlers receive transport events, they may be called from any goroutine.
type TransportHandlers struct {
	OnCandidate   func(Candidate)
	OnPathState   func(PathState)
	OnDataChannel func(DataChannel)
	OnTrack       func(TrackKind)
}

type TransportFactory interface {
	NewTransport(TransportHandlers) (Transport, error)
}

// DataChannel is an ordered message channel inside a transport.
type DataChannel interface {
	Label() string
	IsOpen() bool
	Send([]byte) error
	OnOpen(func())
	OnClose(func())
	OnMessage(func([]byte))
	Close() error
}

// Capture gives out local media tracks.
type Capture interface {
	Acquire(ctx context.Context, kind TrackKind) (LocalTrack, error)
}

type LocalTrack interface {
	Kind() TrackKind
	Enabled() bool
	SetEnabled(bool)
	Stop()
}

// Signaling is a connection to the room coordinator.
type Signaling interface {
	Join(room string) error
	Leave(room string) error
	Offer(room string, sdp Description) error
	Answer(room string, sdp Description) error
	Candidate(room string, c Candidate) error
	Close()
}

// SignalingDialer opens signaling connections,
// the handler gets every coordinator event and a final SignalClosed.
type SignalingDialer interface {
	Dial(ctx context.Context, handler func(SignalEvent)) (Signaling, error)
}

type SignalKind int

const (
	SignalRoomInfo SignalKind = iota + 1
	SignalJoined
	SignalLeft
	SignalRoomReady
	SignalOffer
	SignalAnswer
	SignalCandidate
	SignalRoomFull
	SignalClosed
)

func (k SignalKind) String() string {
	switch k {
	case SignalRoomInfo:
		return "room-info"
	case SignalJoined:
		return "joined"
	case SignalLeft:
		return "left"
	case SignalRoomReady:
		return "room-ready"
	case SignalOffer:
		return "offer"
	case SignalAnswer:
		return "answer"
	case SignalCandidate:
		return "candidate"
	case SignalRoomFull:
		return "room-full"
	case SignalClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SignalEvent is a coordinator event, fields are set by kind.
type SignalEvent struct {
	Kind        SignalKind
	Room        string
	From        string
	Count       int
	Initiator   bool
	Description Description
	Candidate   Candidate
}
