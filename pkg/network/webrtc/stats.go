package webrtc

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/convergence/peerlink/pkg/negotiation"
	"github.com/pion/webrtc/v4"
)

var ErrPeerClosed = errors.New("peer connection is closed")

// receiver keeps the figures of one remote RTP stream.
type receiver struct {
	kind      negotiation.TrackKind
	clockRate float64

	mu      sync.Mutex
	packets uint64
	bytes   uint64
	jitter  float64 // RFC 3550 interarrival jitter in timestamp units
	arrived time.Time
	ts      uint32
}

func newReceiver(kind negotiation.TrackKind, clockRate uint32) *receiver {
	return &receiver{kind: kind, clockRate: float64(clockRate)}
}

// packet counts a raw RTP packet which came at the time.
func (r *receiver) packet(b []byte, at time.Time) {
	if len(b) < 12 {
		return
	}
	ts := binary.BigEndian.Uint32(b[4:8])
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets++
	r.bytes += uint64(len(b))
	if !r.arrived.IsZero() && r.clockRate > 0 {
		d := at.Sub(r.arrived).Seconds()*r.clockRate - float64(int32(ts-r.ts))
		r.jitter += (math.Abs(d) - r.jitter) / 16
	}
	r.arrived, r.ts = at, ts
}

func (r *receiver) read() (packets, bytes uint64, jitter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clockRate > 0 {
		jitter = time.Duration(r.jitter / r.clockRate * float64(time.Second))
	}
	return r.packets, r.bytes, jitter
}

// Stats reads the transport counters, media figures come from the remote tracks.
func (p *Peer) Stats() (negotiation.TransportStats, error) {
	var s negotiation.TransportStats
	if p.conn.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return s, ErrPeerClosed
	}
	for _, v := range p.conn.GetStats() {
		switch st := v.(type) {
		case webrtc.ICECandidatePairStats:
			if st.State == webrtc.StatsICECandidatePairStateSucceeded && (st.Nominated || s.RTT == 0) {
				s.RTT = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
			}
		case webrtc.TransportStats:
			s.BytesSent += st.BytesSent
			s.BytesReceived += st.BytesReceived
		case webrtc.DataChannelStats:
			s.DataBytes += st.BytesReceived
		}
	}

	p.mu.Lock()
	rr := append([]*receiver(nil), p.receivers...)
	p.mu.Unlock()
	for _, r := range rr {
		packets, bytes, jitter := r.read()
		s.PacketsReceived += packets
		s.Jitter = max(s.Jitter, jitter)
		switch r.kind {
		case negotiation.Video:
			s.VideoBytes += bytes
		case negotiation.Audio:
			s.AudioBytes += bytes
		}
	}
	return s, nil
}
