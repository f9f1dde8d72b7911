package webrtc

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/convergence/peerlink/pkg/config"
	"github.com/convergence/peerlink/pkg/logger"
	"github.com/convergence/peerlink/pkg/negotiation"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const waitTime = 10 * time.Second

type testTrack struct {
	kind  negotiation.TrackKind
	local *webrtc.TrackLocalStaticSample
}

func (t testTrack) Kind() negotiation.TrackKind   { return t.kind }
func (t testTrack) Enabled() bool                 { return true }
func (t testTrack) SetEnabled(bool)               {}
func (t testTrack) Stop()                         {}
func (t testTrack) TrackLocal() webrtc.TrackLocal { return t.local }

type plainTrack struct{ testTrack }

func (plainTrack) TrackLocal() {}

type side struct {
	tr       negotiation.Transport
	cands    chan negotiation.Candidate
	states   chan negotiation.PathState
	channels chan negotiation.DataChannel
	tracks   chan negotiation.TrackKind
}

func newSide(t *testing.T, api *ApiFactory) *side {
	t.Helper()
	s := &side{
		cands:    make(chan negotiation.Candidate, 64),
		states:   make(chan negotiation.PathState, 16),
		channels: make(chan negotiation.DataChannel, 1),
		tracks:   make(chan negotiation.TrackKind, 2),
	}
	tr, err := api.NewTransport(negotiation.TransportHandlers{
		OnCandidate:   func(c negotiation.Candidate) { s.cands <- c },
		OnPathState:   func(p negotiation.PathState) { s.states <- p },
		OnDataChannel: func(dc negotiation.DataChannel) { s.channels <- dc },
		OnTrack:       func(k negotiation.TrackKind) { s.tracks <- k },
	})
	if err != nil {
		t.Fatalf("no transport: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	s.tr = tr
	return s
}

// forward passes all the local candidates of s to the other side.
func (s *side) forward(t *testing.T, to *side, done chan struct{}) {
	go func() {
		for {
			select {
			case c := <-s.cands:
				if err := to.tr.AddCandidate(c); err != nil {
					t.Errorf("candidate: %v", err)
				}
			case <-done:
				return
			}
		}
	}()
}

func (s *side) waitPath(t *testing.T, want negotiation.PathState) {
	t.Helper()
	timeout := time.After(waitTime)
	for {
		select {
		case st := <-s.states:
			if st == want {
				return
			}
			if st == negotiation.PathFailed {
				t.Fatalf("path failed")
			}
		case <-timeout:
			t.Fatalf("no %v", want)
		}
	}
}

func newTestApi(t *testing.T) *ApiFactory {
	t.Helper()
	api, err := NewApiFactory(config.Webrtc{LogLevel: int(logger.Disabled)}, logger.Nop(),
		func(_ *webrtc.MediaEngine, _ *interceptor.Registry, s *webrtc.SettingEngine) {
			s.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
			s.SetIncludeLoopbackCandidate(true)
		})
	if err != nil {
		t.Fatalf("no api: %v", err)
	}
	t.Cleanup(func() { _ = api.Close() })
	return api
}

func TestPeer(t *testing.T) {
	api := newTestApi(t)
	a, b := newSide(t, api), newSide(t, api)

	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	if err != nil {
		t.Fatal(err)
	}
	if err = a.tr.AddTrack(testTrack{kind: negotiation.Audio, local: audio}); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err = a.tr.AddTrack(plainTrack{testTrack{kind: negotiation.Video}}); !errors.Is(err, ErrNotMediaTrack) {
		t.Errorf("expected not a media track, got %v", err)
	}

	dc, err := a.tr.CreateDataChannel("peerlink-data")
	if err != nil {
		t.Fatal(err)
	}
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	offer, err := a.tr.CreateOffer(false)
	if err != nil {
		t.Fatal(err)
	}
	if offer.Type != negotiation.SDPOffer || offer.SDP == "" {
		t.Fatalf("bad offer %+v", offer)
	}
	if err = a.tr.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	if err = b.tr.SetRemoteDescription(offer); err != nil {
		t.Fatal(err)
	}
	answer, err := b.tr.CreateAnswer()
	if err != nil {
		t.Fatal(err)
	}
	if answer.Type != negotiation.SDPAnswer {
		t.Fatalf("bad answer %+v", answer)
	}
	if err = b.tr.SetLocalDescription(answer); err != nil {
		t.Fatal(err)
	}
	if err = a.tr.SetRemoteDescription(answer); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	defer close(done)
	a.forward(t, b, done)
	b.forward(t, a, done)

	a.waitPath(t, negotiation.PathConnected)
	b.waitPath(t, negotiation.PathConnected)

	// remote tracks show up with the first packets
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = audio.WriteSample(media.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond})
			case <-done:
				return
			}
		}
	}()

	var remote negotiation.DataChannel
	select {
	case remote = <-b.channels:
	case <-time.After(waitTime):
		t.Fatalf("no remote data channel")
	}
	if remote.Label() != "peerlink-data" {
		t.Errorf("unexpected label %v", remote.Label())
	}
	got := make(chan string, 1)
	remote.OnMessage(func(data []byte) { got <- string(data) })

	select {
	case <-opened:
	case <-time.After(waitTime):
		t.Fatalf("the channel is not open")
	}
	if !dc.IsOpen() {
		t.Errorf("the channel should be open")
	}
	if err = dc.Send([]byte(`{"type":"chat","content":"hi"}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-got:
		if m != `{"type":"chat","content":"hi"}` {
			t.Errorf("unexpected message %v", m)
		}
	case <-time.After(waitTime):
		t.Fatalf("no message")
	}

	select {
	case k := <-b.tracks:
		if k != negotiation.Audio {
			t.Errorf("expected an audio track, got %v", k)
		}
	case <-time.After(waitTime):
		t.Fatalf("no remote track")
	}

	deadline := time.Now().Add(waitTime)
	var st negotiation.TransportStats
	for {
		if st, err = b.tr.Stats(); err != nil {
			t.Fatalf("stats: %v", err)
		}
		if st.AudioBytes > 0 && st.PacketsReceived > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no media in stats %+v", st)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if st.BytesReceived == 0 || st.VideoBytes != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
	_ = b.tr.Close()
	if _, err = b.tr.Stats(); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("expected a closed peer, got %v", err)
	}
}

func TestReceiver(t *testing.T) {
	rtp := func(ts uint32) []byte {
		b := make([]byte, 12+160)
		b[0] = 0x80
		binary.BigEndian.PutUint32(b[4:8], ts)
		return b
	}
	r := newReceiver(negotiation.Audio, 8000)
	at := time.Now()
	for i := uint32(0); i < 5; i++ {
		r.packet(rtp(i*160), at.Add(time.Duration(i)*20*time.Millisecond))
	}
	r.packet([]byte{0x80}, at)
	if packets, bytes, jitter := r.read(); packets != 5 || bytes != 5*172 || jitter != 0 {
		t.Errorf("expected 5 even packets, got %v %v %v", packets, bytes, jitter)
	}

	// 10ms late
	r.packet(rtp(5*160), at.Add(110*time.Millisecond))
	if _, _, jitter := r.read(); jitter < 600*time.Microsecond || jitter > 650*time.Microsecond {
		t.Errorf("expected ~0.625ms of jitter, got %v", jitter)
	}
}

func TestSessionConversion(t *testing.T) {
	for _, d := range []negotiation.Description{
		{Type: negotiation.SDPOffer, SDP: "v=0"},
		{Type: negotiation.SDPAnswer, SDP: "v=0"},
	} {
		if got := fromSession(toSession(d)); got != d {
			t.Errorf("expected %+v, got %+v", d, got)
		}
	}
	if _, ok := pathState(webrtc.PeerConnectionStateUnknown); ok {
		t.Errorf("unknown state should be skipped")
	}
	if s, _ := pathState(webrtc.PeerConnectionStateFailed); s != negotiation.PathFailed {
		t.Errorf("expected failed, got %v", s)
	}
}

func TestApiFactory(t *testing.T) {
	conf := config.Webrtc{
		IceServers: []config.IceServer{{Urls: "stun:stun.l.google.com:19302"}},
		SinglePort: 41234,
		IceIpMap:   "10.0.0.1",
		LogLevel:   int(logger.Disabled),
	}
	api, err := NewApiFactory(conf, logger.Nop(), nil)
	if err != nil {
		t.Fatalf("no api: %v", err)
	}
	if api.mux == nil {
		t.Fatalf("expected a shared socket")
	}
	if len(api.conf.ICEServers) != 1 || api.conf.ICEServers[0].URLs[0] != conf.IceServers[0].Urls {
		t.Errorf("unexpected ice servers %+v", api.conf.ICEServers)
	}
	pc, err := api.NewPeer()
	if err != nil {
		t.Fatal(err)
	}
	_ = pc.Close()
	if err = api.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}
