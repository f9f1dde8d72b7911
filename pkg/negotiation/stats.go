package negotiation

import "time"

const DefaultStatsInterval = time.Second

// TransportStats are the cumulative figures of a transport at one moment.
type TransportStats struct {
	// RTT of the selected candidate pair.
	RTT time.Duration
	// Jitter is the worst interarrival jitter of the remote media streams.
	Jitter          time.Duration
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	VideoBytes      uint64
	AudioBytes      uint64
	DataBytes       uint64
}

// Stats are the call quality figures, rates are in kbit/s.
type Stats struct {
	Latency   time.Duration
	Jitter    time.Duration
	Packets   uint64
	Bandwidth float64
	VideoRate float64
	AudioRate float64
	DataRate  float64
}

// meter turns cumulative transport figures into rates between two reads.
type meter struct {
	last TransportStats
	at   time.Time
}

func (m *meter) add(cur TransportStats, now time.Time) Stats {
	s := Stats{Latency: cur.RTT, Jitter: cur.Jitter, Packets: cur.PacketsReceived}
	if !m.at.IsZero() {
		if dt := now.Sub(m.at).Seconds(); dt > 0 {
			s.Bandwidth = kbps(m.last.BytesSent+m.last.BytesReceived, cur.BytesSent+cur.BytesReceived, dt)
			s.VideoRate = kbps(m.last.VideoBytes, cur.VideoBytes, dt)
			s.AudioRate = kbps(m.last.AudioBytes, cur.AudioBytes, dt)
			s.DataRate = kbps(m.last.DataBytes, cur.DataBytes, dt)
		}
	}
	m.last, m.at = cur, now
	return s
}

// kbps is 0 when a counter went back, a new transport starts from zero.
func kbps(prev, cur uint64, seconds float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) * 8 / 1000 / seconds
}
