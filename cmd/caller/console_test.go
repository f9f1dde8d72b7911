package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/convergence/peerlink/pkg/negotiation"
)

type fakeCall struct {
	sent    []string
	sendErr error
	video   bool
}

func (f *fakeCall) ToggleTrack(k negotiation.TrackKind) (bool, error) {
	if k == negotiation.Audio {
		return false, negotiation.ErrNoTrack
	}
	f.video = !f.video
	return f.video, nil
}

func (f *fakeCall) Send(text string) error { f.sent = append(f.sent, text); return f.sendErr }

func (f *fakeCall) Snapshot() negotiation.Snapshot {
	return negotiation.Snapshot{
		Status: negotiation.Connected,
		RoomID: "4821",
		Peers:  1,
		Stats:  negotiation.Stats{Latency: 25 * time.Millisecond, Packets: 120, Bandwidth: 2500},
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		in   string
		cmd  command
		text string
	}{
		{in: "hello there ", cmd: cmdChat, text: "hello there"},
		{in: "/VIDEO", cmd: cmdVideo},
		{in: " /audio", cmd: cmdAudio},
		{in: "/status", cmd: cmdStatus},
		{in: "/stats", cmd: cmdStats},
		{in: "/exit", cmd: cmdQuit},
		{in: "/dance", cmd: cmdUnknown, text: "/dance"},
	}
	for _, test := range tests {
		cmd, text := parseLine(test.in)
		if cmd != test.cmd || text != test.text {
			t.Errorf("%q: expected %v %q, got %v %q", test.in, test.cmd, test.text, cmd, text)
		}
	}
}

func TestConsole(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&out)
	call := &fakeCall{}

	for _, line := range []string{"hi", "", "/video", "/audio", "/status", "/stats", "/what"} {
		if c.handle(call, line) {
			t.Fatalf("%q should not end the call", line)
		}
	}
	if len(call.sent) != 1 || call.sent[0] != "hi" {
		t.Errorf("expected one message, got %v", call.sent)
	}
	call.sendErr = negotiation.ErrChannelNotOpen
	c.handle(call, "anyone?")
	if !c.handle(call, "/quit") {
		t.Errorf("should quit")
	}

	c.status(negotiation.Waiting)
	c.message(negotiation.Message{Text: "mine", Direction: negotiation.Sent})
	c.message(negotiation.Message{Text: "yours", Direction: negotiation.Received})

	got := out.String()
	for _, want := range []string{
		"* video on",
		"! audio: ",
		"* connected, room 4821, peers 1",
		"* latency 25ms, jitter 0s, packets 120, bandwidth 2500.0 kbit/s",
		"! unknown command /what",
		"! not delivered",
		"* waiting",
		"< yours",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("no %q in\n%v", want, got)
		}
	}
	if strings.Contains(got, "mine") {
		t.Errorf("own messages are not printed")
	}
}
