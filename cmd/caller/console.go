package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/convergence/peerlink/pkg/negotiation"
)

// call is the part of the engine the console drives.
type call interface {
	ToggleTrack(negotiation.TrackKind) (bool, error)
	Send(string) error
	Snapshot() negotiation.Snapshot
}

type command int

const (
	cmdChat command = iota
	cmdVideo
	cmdAudio
	cmdStatus
	cmdStats
	cmdQuit
	cmdUnknown
)

func parseLine(line string) (command, string) {
	text := strings.TrimSpace(line)
	if !strings.HasPrefix(text, "/") {
		return cmdChat, text
	}
	switch strings.ToLower(text) {
	case "/video":
		return cmdVideo, ""
	case "/audio":
		return cmdAudio, ""
	case "/status":
		return cmdStatus, ""
	case "/stats":
		return cmdStats, ""
	case "/quit", "/exit":
		return cmdQuit, ""
	}
	return cmdUnknown, text
}

// console prints call events, engine callbacks and input handling may overlap.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsole(out io.Writer) *console { return &console{out: out} }

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) status(s negotiation.Status) { c.printf("* %v", s) }

func (c *console) message(m negotiation.Message) {
	if m.Direction == negotiation.Received {
		c.printf("< %v", m.Text)
	}
}

// handle runs one input line and tells if the call is over.
func (c *console) handle(e call, line string) (quit bool) {
	cmd, text := parseLine(line)
	switch cmd {
	case cmdChat:
		if text == "" {
			return
		}
		switch err := e.Send(text); {
		case errors.Is(err, negotiation.ErrChannelNotOpen):
			c.printf("! not delivered, nobody is connected yet")
		case err != nil:
			c.printf("! %v", err)
		}
	case cmdVideo, cmdAudio:
		kind := negotiation.Video
		if cmd == cmdAudio {
			kind = negotiation.Audio
		}
		on, err := e.ToggleTrack(kind)
		if err != nil {
			c.printf("! %v: %v", kind, err)
			return
		}
		state := "off"
		if on {
			state = "on"
		}
		c.printf("* %v %v", kind, state)
	case cmdStatus:
		s := e.Snapshot()
		c.printf("* %v, room %v, peers %v, initiator %v, video %v, audio %v, remote %v, messages %v",
			s.Status, s.RoomID, s.Peers, s.Initiator, s.VideoEnabled, s.AudioEnabled, s.RemoteTracks, len(s.Messages))
	case cmdStats:
		s := e.Snapshot().Stats
		c.printf("* latency %v, jitter %v, packets %v, bandwidth %.1f kbit/s, video %.1f, audio %.1f, data %.1f",
			s.Latency, s.Jitter, s.Packets, s.Bandwidth, s.VideoRate, s.AudioRate, s.DataRate)
	case cmdQuit:
		return true
	default:
		c.printf("! unknown command %v", text)
	}
	return
}
