package negotiation

import "strings"

// candidates keeps remote candidates of one negotiation:
// the ones waiting for a remote description and a record of accepted ones
// of the current ICE generation.
type candidates struct {
	seen  map[string]struct{}
	queue []Candidate
}

func newCandidates() candidates { return candidates{seen: map[string]struct{}{}} }

// accept records the candidate and tells if it's new.
func (c *candidates) accept(x Candidate) bool {
	k := x.key()
	if _, ok := c.seen[k]; ok {
		return false
	}
	c.seen[k] = struct{}{}
	return true
}

// forget starts a new ICE generation, queued candidates stay.
func (c *candidates) forget() { c.seen = map[string]struct{}{} }

func (c *candidates) push(x Candidate) { c.queue = append(c.queue, x) }

func (c *candidates) drain() []Candidate {
	q := c.queue
	c.queue = nil
	return q
}

func (c *candidates) len() int { return len(c.queue) }

// iceUfrag finds the first ICE username fragment of a session description.
func iceUfrag(sdp string) string {
	for _, line := range strings.Split(sdp, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "a=ice-ufrag:"); ok {
			return v
		}
	}
	return ""
}
