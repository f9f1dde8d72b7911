package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/convergence/peerlink/pkg/com"
	"github.com/convergence/peerlink/pkg/coordinator"
)

const waitTime = 2 * time.Second

func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(waitTime)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

// fakeFactory makes transports which connect to each other by name
// when the factories share a registry.
type fakeFactory struct {
	registry *sync.Map
	prefix   string
	created  chan *fakeTransport

	mu   sync.Mutex
	n    int
	err  error
	gate chan struct{}
}

func newFakeFactory(prefix string, registry *sync.Map) *fakeFactory {
	if registry == nil {
		registry = &sync.Map{}
	}
	return &fakeFactory{registry: registry, prefix: prefix, created: make(chan *fakeTransport, 16)}
}

func (f *fakeFactory) NewTransport(h TransportHandlers) (Transport, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.n++
	t := &fakeTransport{name: fmt.Sprintf("%v%d", f.prefix, f.n), h: h, registry: f.registry, added: map[string]bool{}}
	f.registry.Store(t.name, t)
	f.created <- t
	return t, nil
}

// hold makes new transports wait for the gate.
func (f *fakeFactory) hold(gate chan struct{}) {
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
}

func (f *fakeFactory) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-f.created:
		return tr
	case <-time.After(waitTime):
		t.Fatalf("no transport has been made")
		return nil
	}
}

type fakeTransport struct {
	name     string
	h        TransportHandlers
	registry *sync.Map

	mu        sync.Mutex
	calls     []string
	local     *Description
	remote    *Description
	added     map[string]bool
	channels  []*fakeChannel
	closed    bool
	connected bool
	remoteErr error
	offerGate chan struct{}
	stats     TransportStats
	step      TransportStats
}

func (t *fakeTransport) call(c string) {
	t.mu.Lock()
	t.calls = append(t.calls, c)
	t.mu.Unlock()
}

func (t *fakeTransport) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *fakeTransport) has(call string) bool {
	for _, c := range t.Calls() {
		if c == call {
			return true
		}
	}
	return false
}

func (t *fakeTransport) count(call string) (n int) {
	for _, c := range t.Calls() {
		if c == call {
			n++
		}
	}
	return
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) CreateOffer(restart bool) (Description, error) {
	if restart {
		t.call("offer restart")
	} else {
		t.call("offer")
	}
	t.mu.Lock()
	gate := t.offerGate
	t.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return Description{Type: SDPOffer, SDP: t.name}, nil
}

// holdOffers makes offers wait for the gate.
func (t *fakeTransport) holdOffers(gate chan struct{}) {
	t.mu.Lock()
	t.offerGate = gate
	t.mu.Unlock()
}

func (t *fakeTransport) CreateAnswer() (Description, error) {
	t.call("answer")
	return Description{Type: SDPAnswer, SDP: t.name}, nil
}

func (t *fakeTransport) SetLocalDescription(d Description) error {
	t.call("local " + d.Type)
	t.mu.Lock()
	t.local = &d
	t.mu.Unlock()
	if t.h.OnCandidate != nil {
		t.h.OnCandidate(Candidate{Candidate: "candidate:" + t.name})
	}
	t.maybeConnect()
	return nil
}

func (t *fakeTransport) SetRemoteDescription(d Description) error {
	t.call("remote " + d.Type)
	t.mu.Lock()
	if t.remoteErr != nil {
		err := t.remoteErr
		t.mu.Unlock()
		return err
	}
	t.remote = &d
	t.mu.Unlock()

	// mirror data channels of the offering side
	if d.Type == SDPOffer {
		if v, ok := t.registry.Load(d.SDP); ok {
			other := v.(*fakeTransport)
			other.mu.Lock()
			remote := append([]*fakeChannel(nil), other.channels...)
			other.mu.Unlock()
			for _, rc := range remote {
				ch := &fakeChannel{label: rc.label, peer: rc}
				rc.setPeer(ch)
				t.mu.Lock()
				t.channels = append(t.channels, ch)
				t.mu.Unlock()
				if t.h.OnDataChannel != nil {
					t.h.OnDataChannel(ch)
				}
			}
		}
	}
	t.maybeConnect()
	return nil
}

func (t *fakeTransport) AddCandidate(c Candidate) error {
	t.mu.Lock()
	if t.remote == nil {
		t.mu.Unlock()
		return errors.New("no remote description")
	}
	t.added[c.key()] = true
	t.mu.Unlock()
	t.call("candidate " + c.Candidate)
	t.maybeConnect()
	return nil
}

func (t *fakeTransport) AddTrack(lt LocalTrack) error {
	t.call("track " + string(lt.Kind()))
	return nil
}

func (t *fakeTransport) CreateDataChannel(label string) (DataChannel, error) {
	t.call("channel " + label)
	ch := &fakeChannel{label: label}
	t.mu.Lock()
	t.channels = append(t.channels, ch)
	t.mu.Unlock()
	return ch, nil
}

func (t *fakeTransport) Stats() (TransportStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return TransportStats{}, errors.New("closed")
	}
	s := t.stats
	t.stats.BytesReceived += t.step.BytesReceived
	t.stats.VideoBytes += t.step.VideoBytes
	t.stats.AudioBytes += t.step.AudioBytes
	t.stats.DataBytes += t.step.DataBytes
	return s, nil
}

// setStats sets the figures, byte counters grow by step on every read.
func (t *fakeTransport) setStats(s, step TransportStats) {
	t.mu.Lock()
	t.stats, t.step = s, step
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.calls = append(t.calls, "close")
	}
	return nil
}

// maybeConnect reports a path once both descriptions and a remote candidate are there.
func (t *fakeTransport) maybeConnect() {
	t.mu.Lock()
	ready := !t.connected && !t.closed && t.local != nil && t.remote != nil && len(t.added) > 0
	if ready {
		t.connected = true
	}
	channels := append([]*fakeChannel(nil), t.channels...)
	t.mu.Unlock()
	if !ready {
		return
	}
	t.path(PathConnected)
	for _, ch := range channels {
		ch.setOpen()
	}
}

func (t *fakeTransport) path(s PathState) {
	if t.h.OnPathState != nil {
		t.h.OnPathState(s)
	}
}

func (t *fakeTransport) channel() *fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.channels) == 0 {
		return nil
	}
	return t.channels[0]
}

type fakeChannel struct {
	label string

	mu        sync.Mutex
	peer      *fakeChannel
	open      bool
	closed    bool
	sent      [][]byte
	onOpen    func()
	onClose   func()
	onMessage func([]byte)
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	if !c.open || c.closed {
		c.mu.Unlock()
		return errors.New("channel is not open")
	}
	c.sent = append(c.sent, data)
	peer := c.peer
	c.mu.Unlock()
	if peer != nil {
		peer.deliver(data)
	}
	return nil
}

func (c *fakeChannel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	open := c.open
	c.mu.Unlock()
	if open {
		go fn()
	}
}

func (c *fakeChannel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (c *fakeChannel) setPeer(p *fakeChannel) {
	c.mu.Lock()
	c.peer = p
	c.mu.Unlock()
}

func (c *fakeChannel) setOpen() {
	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		return
	}
	c.open = true
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeChannel) deliver(data []byte) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

type fakeCapture struct {
	mu     sync.Mutex
	fail   map[TrackKind]error
	tracks []*fakeTrack
}

func (c *fakeCapture) Acquire(_ context.Context, kind TrackKind) (LocalTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[kind]; err != nil {
		return nil, err
	}
	t := &fakeTrack{kind: kind, enabled: true}
	c.tracks = append(c.tracks, t)
	return t, nil
}

func (c *fakeCapture) all() []*fakeTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTrack(nil), c.tracks...)
}

type fakeTrack struct {
	kind TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *fakeTrack) Kind() TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// sent is one message the engine sent to the coordinator.
type sent struct {
	kind string
	room string
	desc Description
}

// fakeSignaling is a coordinator connection driven by the test.
type fakeSignaling struct {
	out chan sent

	mu      sync.Mutex
	handler func(SignalEvent)
	cands   []Candidate
	closed  bool
}

func newFakeSignaling() *fakeSignaling { return &fakeSignaling{out: make(chan sent, 64)} }

func (s *fakeSignaling) Join(room string) error  { s.out <- sent{kind: "join", room: room}; return nil }
func (s *fakeSignaling) Leave(room string) error { s.out <- sent{kind: "leave", room: room}; return nil }
func (s *fakeSignaling) Offer(room string, d Description) error {
	s.out <- sent{kind: "offer", room: room, desc: d}
	return nil
}
func (s *fakeSignaling) Answer(room string, d Description) error {
	s.out <- sent{kind: "answer", room: room, desc: d}
	return nil
}
func (s *fakeSignaling) Candidate(_ string, c Candidate) error {
	s.mu.Lock()
	s.cands = append(s.cands, c)
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaling) candidates() []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Candidate(nil), s.cands...)
}

func (s *fakeSignaling) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSignaling) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSignaling) emit(ev SignalEvent) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	h(ev)
}

// expect returns the next message, it must be of the kind.
func (s *fakeSignaling) expect(t *testing.T, kind string) sent {
	t.Helper()
	select {
	case m := <-s.out:
		if m.kind != kind {
			t.Fatalf("expected %v, got %v", kind, m.kind)
		}
		return m
	case <-time.After(waitTime):
		t.Fatalf("no %v has been sent", kind)
		return sent{}
	}
}

// quiet makes sure nothing but candidates goes out for a while.
func (s *fakeSignaling) quiet(t *testing.T) {
	t.Helper()
	select {
	case m := <-s.out:
		t.Fatalf("unexpected %v", m.kind)
	case <-time.After(100 * time.Millisecond):
	}
}

type fakeDialer struct {
	sig  *fakeSignaling
	err  error
	gate chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, handler func(SignalEvent)) (Signaling, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	d.sig.mu.Lock()
	d.sig.handler = handler
	d.sig.mu.Unlock()
	return d.sig, nil
}

// bus is an in-process coordinator on top of the real room table.
type bus struct {
	rooms *coordinator.Rooms

	mu      sync.Mutex
	members map[com.Uid]func(SignalEvent)
	relayed map[SignalKind]int
}

func newBus() *bus {
	return &bus{
		rooms:   coordinator.NewRooms(0, coordinator.PromoteRole),
		members: map[com.Uid]func(SignalEvent){},
		relayed: map[SignalKind]int{},
	}
}

func (b *bus) Dial(_ context.Context, handler func(SignalEvent)) (Signaling, error) {
	id := com.NewUid()
	b.mu.Lock()
	b.members[id] = handler
	b.mu.Unlock()
	return &busConn{b: b, id: id}, nil
}

func (b *bus) send(to com.Uid, ev SignalEvent) {
	b.mu.Lock()
	h := b.members[to]
	b.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (b *bus) count(k SignalKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.relayed[k]
}

func (b *bus) left(id com.Uid, res coordinator.LeaveResult) {
	for _, p := range res.Remaining {
		b.send(p.Id, SignalEvent{Kind: SignalLeft, Room: res.RoomID, From: id.String(), Initiator: p.Initiator})
	}
}

type busConn struct {
	b  *bus
	id com.Uid
}

func (c *busConn) Join(room string) error {
	res, err := c.b.rooms.Join(c.id, room)
	if res.Left != nil {
		c.b.left(c.id, *res.Left)
	}
	if err != nil {
		return err
	}
	c.b.send(c.id, SignalEvent{Kind: SignalRoomInfo, Room: room, Count: res.Count, Initiator: res.Initiator})
	for _, id := range res.Others {
		c.b.send(id, SignalEvent{Kind: SignalJoined, Room: room, From: c.id.String()})
	}
	for _, id := range res.All {
		c.b.send(id, SignalEvent{Kind: SignalRoomReady, Room: room})
	}
	return nil
}

func (c *busConn) Leave(room string) error {
	if res, ok := c.b.rooms.Leave(c.id, room); ok {
		c.b.left(c.id, res)
	}
	return nil
}

func (c *busConn) relay(room string, ev SignalEvent) error {
	to, ok := c.b.rooms.Relay(c.id, room)
	if !ok {
		return fmt.Errorf("%v is not in %v", c.id, room)
	}
	c.b.mu.Lock()
	c.b.relayed[ev.Kind]++
	c.b.mu.Unlock()
	ev.Room, ev.From = room, c.id.String()
	for _, id := range to {
		c.b.send(id, ev)
	}
	return nil
}

func (c *busConn) Offer(room string, d Description) error {
	return c.relay(room, SignalEvent{Kind: SignalOffer, Description: d})
}

func (c *busConn) Answer(room string, d Description) error {
	return c.relay(room, SignalEvent{Kind: SignalAnswer, Description: d})
}

func (c *busConn) Candidate(room string, x Candidate) error {
	return c.relay(room, SignalEvent{Kind: SignalCandidate, Candidate: x})
}

func (c *busConn) Close() {
	if res, ok := c.b.rooms.Disconnect(c.id); ok {
		c.b.left(c.id, res)
	}
	c.b.send(c.id, SignalEvent{Kind: SignalClosed})
	c.b.mu.Lock()
	delete(c.b.members, c.id)
	c.b.mu.Unlock()
}

func hasPrefix(calls []string, prefix string) (out []string) {
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return
}
