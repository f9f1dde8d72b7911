package webrtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/convergence/peerlink/pkg/logger"
	"github.com/convergence/peerlink/pkg/negotiation"
	"github.com/pion/webrtc/v4"
)

// MediaTrack is a local track that Pion can send.
type MediaTrack interface {
	TrackLocal() webrtc.TrackLocal
}

var ErrNotMediaTrack = errors.New("not a media track")

// Peer is one call transport over a Pion peer connection.
type Peer struct {
	conn *webrtc.PeerConnection
	h    negotiation.TransportHandlers
	log  *logger.Logger

	mu        sync.Mutex
	receivers []*receiver
}

func newPeer(conn *webrtc.PeerConnection, h negotiation.TransportHandlers, log *logger.Logger) *Peer {
	p := &Peer{conn: conn, h: h, log: log}
	conn.OnICECandidate(p.handleICECandidate)
	conn.OnConnectionStateChange(p.handleState)
	conn.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.log.Debug().Str("label", dc.Label()).Msg("Remote data channel")
		if p.h.OnDataChannel != nil {
			p.h.OnDataChannel(NewDataChannel(dc))
		}
	})
	conn.OnTrack(p.handleTrack)
	return p
}

func (p *Peer) CreateOffer(restart bool) (negotiation.Description, error) {
	offer, err := p.conn.CreateOffer(&webrtc.OfferOptions{ICERestart: restart})
	if err != nil {
		return negotiation.Description{}, err
	}
	p.log.Debug().Bool("restart", restart).Msg("Created Offer")
	return fromSession(offer), nil
}

func (p *Peer) CreateAnswer() (negotiation.Description, error) {
	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return negotiation.Description{}, err
	}
	p.log.Debug().Msg("Created Answer")
	return fromSession(answer), nil
}

func (p *Peer) SetLocalDescription(d negotiation.Description) error {
	return p.conn.SetLocalDescription(toSession(d))
}

func (p *Peer) SetRemoteDescription(d negotiation.Description) error {
	if err := p.conn.SetRemoteDescription(toSession(d)); err != nil {
		p.log.Error().Err(err).Msg("Set remote description from peer failed")
		return err
	}
	p.log.Debug().Msgf("Set Remote Description [%v]", d.Type)
	return nil
}

func (p *Peer) AddCandidate(c negotiation.Candidate) error {
	if err := p.conn.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}); err != nil {
		return err
	}
	p.log.Debug().Str("candidate", c.Candidate).Msg("Ice")
	return nil
}

// AddTrack sends a local track to the other side.
func (p *Peer) AddTrack(t negotiation.LocalTrack) error {
	mt, ok := t.(MediaTrack)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotMediaTrack, t.Kind())
	}
	track := mt.TrackLocal()
	sender, err := p.conn.AddTrack(track)
	if err != nil {
		return err
	}
	// Read incoming RTCP packets
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()
	p.log.Debug().Msgf("Added [%s] track", t.Kind())
	return nil
}

// CreateDataChannel makes an ordered data channel.
func (p *Peer) CreateDataChannel(label string) (negotiation.DataChannel, error) {
	dc, err := p.conn.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	p.log.Debug().Str("label", label).Msg("Added data channel")
	return NewDataChannel(dc), nil
}

func (p *Peer) Close() error {
	err := p.conn.Close()
	p.log.Debug().Msg("WebRTC stop")
	return err
}

func (p *Peer) handleICECandidate(ice *webrtc.ICECandidate) {
	// ICE gathering finish condition
	if ice == nil {
		p.log.Debug().Msg("ICE gathering was complete probably")
		return
	}
	c := ice.ToJSON()
	p.log.Debug().Str("candidate", c.Candidate).Msg("ICE")
	if p.h.OnCandidate != nil {
		p.h.OnCandidate(negotiation.Candidate{
			Candidate:        c.Candidate,
			SDPMid:           c.SDPMid,
			SDPMLineIndex:    c.SDPMLineIndex,
			UsernameFragment: c.UsernameFragment,
		})
	}
}

func (p *Peer) handleState(state webrtc.PeerConnectionState) {
	p.log.Debug().Str(".state", state.String()).Msg("Connection")
	path, ok := pathState(state)
	if !ok {
		return
	}
	if path == negotiation.PathFailed {
		p.log.Error().Msgf("WebRTC connection fail! ice: %v, gathering: %v, signalling: %v",
			p.conn.ICEConnectionState(), p.conn.ICEGatheringState(), p.conn.SignalingState())
	}
	if p.h.OnPathState != nil {
		p.h.OnPathState(path)
	}
}

func (p *Peer) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := negotiation.Audio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = negotiation.Video
	}
	codec := track.Codec()
	p.log.Debug().Msgf("Remote [%s] track %s", kind, codec.MimeType)
	r := newReceiver(kind, codec.ClockRate)
	p.mu.Lock()
	p.receivers = append(p.receivers, r)
	p.mu.Unlock()
	// drain the track so the interceptors keep working
	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, err := track.Read(buf)
			if err != nil {
				return
			}
			r.packet(buf[:n], time.Now())
		}
	}()
	if p.h.OnTrack != nil {
		p.h.OnTrack(kind)
	}
}

func pathState(s webrtc.PeerConnectionState) (negotiation.PathState, bool) {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return negotiation.PathNew, true
	case webrtc.PeerConnectionStateConnecting:
		return negotiation.PathChecking, true
	case webrtc.PeerConnectionStateConnected:
		return negotiation.PathConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return negotiation.PathDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return negotiation.PathFailed, true
	case webrtc.PeerConnectionStateClosed:
		return negotiation.PathClosed, true
	}
	return negotiation.PathNew, false
}

func toSession(d negotiation.Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func fromSession(s webrtc.SessionDescription) negotiation.Description {
	return negotiation.Description{Type: s.Type.String(), SDP: s.SDP}
}

// DataChannel wraps a Pion data channel.
type DataChannel struct {
	dc *webrtc.DataChannel
}

func NewDataChannel(dc *webrtc.DataChannel) *DataChannel { return &DataChannel{dc: dc} }

func (d *DataChannel) Label() string     { return d.dc.Label() }
func (d *DataChannel) IsOpen() bool      { return d.dc.ReadyState() == webrtc.DataChannelStateOpen }
func (d *DataChannel) OnOpen(fn func())  { d.dc.OnOpen(fn) }
func (d *DataChannel) OnClose(fn func()) { d.dc.OnClose(fn) }
func (d *DataChannel) Close() error      { return d.dc.Close() }

// Send sends the data as text.
func (d *DataChannel) Send(data []byte) error { return d.dc.SendText(string(data)) }

func (d *DataChannel) OnMessage(fn func([]byte)) {
	d.dc.OnMessage(func(m webrtc.DataChannelMessage) {
		if len(m.Data) == 0 {
			return
		}
		fn(m.Data)
	})
}
