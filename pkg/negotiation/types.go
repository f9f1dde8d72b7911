package negotiation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a call.
type Status int

const (
	Idle Status = iota
	Connecting
	Waiting
	Connected
	Disconnected
	Error
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Waiting:
		return "waiting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Mode tells which capabilities a call needs.
type Mode string

const (
	ModeVideo Mode = "video"
	ModeAudio Mode = "audio"
	ModeData  Mode = "data"
	ModeAll   Mode = "all"
)

var ErrUnknownMode = errors.New("unknown call mode")

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeVideo, ModeAudio, ModeData, ModeAll:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

func (m Mode) HasVideo() bool { return m == ModeVideo || m == ModeAll }
func (m Mode) HasAudio() bool { return m == ModeVideo || m == ModeAudio || m == ModeAll }
func (m Mode) HasData() bool  { return m == ModeData || m == ModeAll }

// kinds lists the local tracks the mode wants, video first.
func (m Mode) kinds() (kk []TrackKind) {
	if m.HasVideo() {
		kk = append(kk, Video)
	}
	if m.HasAudio() {
		kk = append(kk, Audio)
	}
	return
}

type TrackKind string

const (
	Audio TrackKind = "audio"
	Video TrackKind = "video"
)

// PathState is the network path state reported by a transport.
type PathState int

const (
	PathNew PathState = iota
	PathChecking
	PathConnected
	PathDisconnected
	PathFailed
	PathClosed
)

func (p PathState) String() string {
	switch p {
	case PathNew:
		return "new"
	case PathChecking:
		return "checking"
	case PathConnected:
		return "connected"
	case PathDisconnected:
		return "disconnected"
	case PathFailed:
		return "failed"
	case PathClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	SDPOffer  = "offer"
	SDPAnswer = "answer"
)

// Description is a session description as browsers serialize it.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is an opaque network path descriptor,
// only its delivery order matters here.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (c Candidate) key() string {
	var b strings.Builder
	b.WriteString(c.Candidate)
	if c.SDPMid != nil {
		b.WriteString("|" + *c.SDPMid)
	}
	if c.SDPMLineIndex != nil {
		fmt.Fprintf(&b, "|%d", *c.SDPMLineIndex)
	}
	if c.UsernameFragment != nil {
		b.WriteString("|" + *c.UsernameFragment)
	}
	return b.String()
}

type Direction string

const (
	Sent     Direction = "sent"
	Received Direction = "received"
)

// Message is one entry of the call chat log.
type Message struct {
	Id        string
	Text      string
	Direction Direction
	Time      time.Time
}

// Snapshot is a copy of the call state for UIs.
type Snapshot struct {
	Status       Status
	Active       bool
	RoomID       string
	Mode         Mode
	Initiator    bool
	Peers        int
	VideoEnabled bool
	AudioEnabled bool
	RemoteTracks []TrackKind
	Messages     []Message
	Stats        Stats
}
