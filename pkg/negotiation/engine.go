package negotiation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/convergence/peerlink/pkg/logger"
)

var (
	ErrCallActive     = errors.New("call is active")
	ErrNoCall         = errors.New("no active call")
	ErrEmptyRoom      = errors.New("empty room id")
	ErrChannelNotOpen = errors.New("data channel is not open")
	ErrNoTrack        = errors.New("no such local track")
	ErrSignaling      = errors.New("signaling unavailable")
	ErrRoomFull       = errors.New("room is full")
	ErrPathFailed     = errors.New("path failed after restart")
	ErrCallEnded      = errors.New("call ended")
	ErrClosed         = errors.New("engine closed")
)

const (
	DefaultDataLabel   = "peerlink-data"
	DefaultDialTimeout = 10 * time.Second
)

type Option func(*Engine)

func WithCapture(c Capture) Option           { return func(e *Engine) { e.capture = c } }
func WithDataLabel(label string) Option      { return func(e *Engine) { e.label = label } }
func WithDialTimeout(d time.Duration) Option { return func(e *Engine) { e.dialTimeout = d } }
func WithLogger(log *logger.Logger) Option   { return func(e *Engine) { e.log = log } }

// WithStatsInterval sets how often call stats are read, zero turns them off.
func WithStatsInterval(d time.Duration) Option { return func(e *Engine) { e.statsInterval = d } }

// WithStatusListener sets a callback for status changes.
// It runs on the engine goroutine and must not call back into the engine.
func WithStatusListener(fn func(Status)) Option { return func(e *Engine) { e.onStatus = fn } }

// WithMessageListener sets a callback for new chat log entries, same rules as for statuses.
func WithMessageListener(fn func(Message)) Option { return func(e *Engine) { e.onMessage = fn } }

// Engine drives one call at a time: it joins a room through signaling,
// negotiates a transport with the peer and keeps the chat log.
//
// All the state is owned by one goroutine fed through a mailbox,
// slow operations run as single-flight steps.
type Engine struct {
	transports    TransportFactory
	dialer        SignalingDialer
	capture       Capture
	label         string
	dialTimeout   time.Duration
	statsInterval time.Duration
	onStatus      func(Status)
	onMessage     func(Message)
	log           *logger.Logger

	inbox     *mailbox
	steps     sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.RWMutex
	snap Snapshot

	session
}

// session is the loop-owned state of a call.
type session struct {
	status    Status
	active    bool
	room      string
	mode      Mode
	initiator bool
	peers     int

	epoch uint64
	gen   uint64

	tracks       []LocalTrack
	transport    Transport
	sig          Signaling
	dc           DataChannel
	remoteTracks []TrackKind
	messages     []Message

	cands       candidates
	remoteSet   bool
	remoteUfrag string
	offered     bool
	restarted   bool

	meter     meter
	stats     Stats
	statsStop chan struct{}

	busy     bool
	deferred []event
	starting chan error
}

func New(transports TransportFactory, dialer SignalingDialer, opts ...Option) *Engine {
	e := &Engine{
		transports:    transports,
		dialer:        dialer,
		label:         DefaultDataLabel,
		dialTimeout:   DefaultDialTimeout,
		statsInterval: DefaultStatsInterval,
		log:           logger.Default(),
		inbox:         newMailbox(),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.epoch = 1
	e.cands = newCandidates()
	e.publish()
	go e.run()
	return e
}

// Start begins a call in the room and blocks until the coordinator
// tells who is there. A failed start leaves the engine in the error state until End,
// a canceled context ends the call.
func (e *Engine) Start(ctx context.Context, room string, mode Mode) error {
	if room == "" {
		return ErrEmptyRoom
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := e.post(cmdStart{ctx: ctx, room: room, mode: mode, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		e.End()
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
}

// End stops the call, it's safe to call at any time and more than once.
func (e *Engine) End() {
	reply := make(chan struct{})
	if e.post(cmdEnd{reply: reply}) != nil {
		return
	}
	select {
	case <-reply:
	case <-e.done:
	}
}

// ToggleTrack flips a local track on or off and returns its new state.
func (e *Engine) ToggleTrack(kind TrackKind) (bool, error) {
	reply := make(chan toggled, 1)
	if err := e.post(cmdToggle{kind: kind, reply: reply}); err != nil {
		return false, err
	}
	select {
	case r := <-reply:
		return r.enabled, r.err
	case <-e.done:
		return false, ErrClosed
	}
}

// Send puts a chat message into the log and sends it to the peer.
// The message stays in the log even when it can't be delivered yet.
func (e *Engine) Send(text string) error {
	reply := make(chan error, 1)
	if err := e.post(cmdSend{text: text, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return ErrClosed
	}
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

func (e *Engine) Status() Status { return e.Snapshot().Status }

// Close ends the call and stops the engine.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { e.inbox.post(cmdClose{}) })
	<-e.done
}

func (e *Engine) post(ev event) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	e.inbox.post(ev)
	return nil
}

func (e *Engine) run() {
	defer close(e.done)
	for range e.inbox.ready {
		batch := e.inbox.take()
		for i, ev := range batch {
			if !e.handle(ev) {
				e.shutdown(batch[i+1:])
				return
			}
		}
		e.publish()
	}
}

func (e *Engine) handle(ev event) bool {
	switch ev := ev.(type) {
	case cmdStart:
		e.start(ev)
	case cmdEnd:
		e.end()
		close(ev.reply)
	case cmdClose:
		e.end()
		return false
	case cmdToggle:
		r := e.toggle(ev.kind)
		e.publish()
		ev.reply <- r
	case cmdSend:
		err := e.send(ev.text)
		e.publish()
		ev.reply <- err
	case stepDone:
		e.finish(ev)
	case signalEvent, pathEvent:
		e.negotiate(ev)
	case localCandidate:
		if e.current(ev.stamp) {
			e.relayCandidate(ev.c)
		}
	case trackEvent:
		if e.current(ev.stamp) && !slices.Contains(e.remoteTracks, ev.kind) {
			e.log.Info().Msgf("Remote %v track", ev.kind)
			e.remoteTracks = append(e.remoteTracks, ev.kind)
		}
	case channelAdded:
		if e.current(ev.stamp) {
			e.adoptChannel(ev.dc)
		}
	case channelOpen:
		if e.current(ev.stamp) && ev.dc == e.dc {
			e.log.Info().Str("label", ev.dc.Label()).Msg("Data channel open")
		}
	case channelClose:
		if e.current(ev.stamp) && ev.dc == e.dc {
			e.log.Info().Str("label", ev.dc.Label()).Msg("Data channel closed")
		}
	case channelMessage:
		if e.current(ev.stamp) {
			e.record(newMessage(decodeChat(ev.data), Received))
		}
	case statsTick:
		if e.current(ev.stamp) {
			e.collect(ev.at)
		}
	default:
		e.log.Warn().Msgf("Unknown event %T", ev)
	}
	return true
}

func (e *Engine) stamp() stamp               { return stamp{epoch: e.epoch, gen: e.gen} }
func (e *Engine) current(st stamp) bool      { return st == e.stamp() }
func (e *Engine) negotiating() bool          { return e.offered || e.remoteSet || e.cands.len() > 0 }
func (e *Engine) isLive(ev signalEvent) bool { return ev.epoch == e.epoch && e.active }

// negotiate handles signaling and path events strictly one at a time,
// they wait while a step is in flight.
func (e *Engine) negotiate(ev event) {
	if e.busy {
		e.deferred = append(e.deferred, ev)
		return
	}
	switch ev := ev.(type) {
	case signalEvent:
		if e.isLive(ev) {
			e.onSignal(ev.SignalEvent)
		}
	case pathEvent:
		if e.current(ev.stamp) {
			e.onPath(ev.state)
		}
	}
}

func (e *Engine) resume() {
	for !e.busy && len(e.deferred) > 0 {
		ev := e.deferred[0]
		e.deferred = e.deferred[1:]
		e.negotiate(ev)
	}
}

// launch runs fn off the loop, nothing else negotiates until it's done.
func (e *Engine) launch(name string, fn func(st stamp) stepDone) {
	e.busy = true
	st := e.stamp()
	e.steps.Add(1)
	go func() {
		defer e.steps.Done()
		res := fn(st)
		res.stamp, res.name = st, name
		e.inbox.post(res)
	}()
}

func (e *Engine) finish(res stepDone) {
	if !e.current(res.stamp) {
		e.log.Debug().Msgf("Drop stale %v", res.name)
		if res.release != nil {
			res.release()
		}
		return
	}
	e.busy = false
	if res.err != nil {
		e.fail(res.name, res.err)
		return
	}
	if res.apply != nil {
		res.apply()
	}
	e.resume()
}

func (e *Engine) start(c cmdStart) {
	if e.active {
		c.reply <- ErrCallActive
		return
	}
	e.active, e.room, e.mode = true, c.room, c.mode
	e.starting = c.reply
	e.log.Info().Str(logger.RoomField, c.room).Str("mode", string(c.mode)).Msg("Call start")
	e.setStatus(Connecting)
	e.launch("setup", func(st stamp) stepDone { return e.setup(c.ctx, st, c.mode) })
}

// setup gets local tracks, a transport and a signaling connection.
func (e *Engine) setup(ctx context.Context, st stamp, mode Mode) stepDone {
	var tracks []LocalTrack
	if e.capture != nil {
		for _, kind := range mode.kinds() {
			t, err := e.capture.Acquire(ctx, kind)
			if err != nil {
				e.log.Warn().Err(err).Msgf("No local %v, continue without it", kind)
				continue
			}
			tracks = append(tracks, t)
		}
	}

	tr, err := e.newTransport(st, tracks)
	if err != nil {
		stopTracks(tracks)
		return stepDone{err: fmt.Errorf("transport: %w", err)}
	}

	dctx, cancel := context.WithTimeout(ctx, e.dialTimeout)
	defer cancel()
	sig, err := e.dialer.Dial(dctx, func(ev SignalEvent) { e.inbox.post(signalEvent{epoch: st.epoch, SignalEvent: ev}) })
	if err != nil {
		_ = tr.Close()
		stopTracks(tracks)
		return stepDone{err: fmt.Errorf("%w: %w", ErrSignaling, err)}
	}

	return stepDone{
		apply: func() {
			e.tracks, e.transport, e.sig = tracks, tr, sig
			if err := sig.Join(e.room); err != nil {
				e.fail("join", fmt.Errorf("%w: %w", ErrSignaling, err))
			}
		},
		release: func() {
			sig.Close()
			_ = tr.Close()
			stopTracks(tracks)
		},
	}
}

func (e *Engine) newTransport(st stamp, tracks []LocalTrack) (Transport, error) {
	tr, err := e.transports.NewTransport(TransportHandlers{
		OnCandidate: func(c Candidate) { e.inbox.post(localCandidate{stamp: st, c: c}) },
		OnPathState: func(s PathState) { e.inbox.post(pathEvent{stamp: st, state: s}) },
		OnDataChannel: func(dc DataChannel) {
			e.bindChannel(st, dc)
			e.inbox.post(channelAdded{stamp: st, dc: dc})
		},
		OnTrack: func(k TrackKind) { e.inbox.post(trackEvent{stamp: st, kind: k}) },
	})
	if err != nil {
		return nil, err
	}
	for _, t := range tracks {
		if err = tr.AddTrack(t); err != nil {
			e.log.Warn().Err(err).Msgf("Skip local %v", t.Kind())
		}
	}
	return tr, nil
}

func (e *Engine) bindChannel(st stamp, dc DataChannel) {
	dc.OnOpen(func() { e.inbox.post(channelOpen{stamp: st, dc: dc}) })
	dc.OnClose(func() { e.inbox.post(channelClose{stamp: st, dc: dc}) })
	dc.OnMessage(func(data []byte) { e.inbox.post(channelMessage{stamp: st, data: data}) })
}

func (e *Engine) onSignal(ev SignalEvent) {
	if e.status == Error {
		e.log.Debug().Msgf("Ignore %v after a failure", ev.Kind)
		return
	}
	switch ev.Kind {
	case SignalRoomInfo:
		e.peers, e.initiator = max(0, ev.Count-1), ev.Initiator
		e.log.Info().Str(logger.RoomField, e.room).
			Int("count", ev.Count).
			Bool("initiator", ev.Initiator).
			Msg("Room info")
		if e.status == Connecting {
			e.setStatus(Waiting)
			e.replyStart(nil)
		}
	case SignalJoined:
		e.peers++
		e.log.Info().Str("member", ev.From).Msg("Peer joined")
		if !e.initiator {
			return
		}
		if e.negotiating() {
			e.log.Warn().Msg("Already negotiating, skip the offer")
			return
		}
		e.offer(false)
	case SignalRoomReady:
		e.log.Info().Str(logger.RoomField, ev.Room).Msg("Room is ready")
	case SignalOffer:
		e.applyRemote(ev.Description)
	case SignalAnswer:
		if !e.offered {
			e.log.Warn().Msg("Unexpected answer")
			return
		}
		e.applyRemote(ev.Description)
	case SignalCandidate:
		e.onRemoteCandidate(ev.Candidate)
	case SignalLeft:
		e.onLeft(ev)
	case SignalRoomFull:
		e.fail("join", fmt.Errorf("%w: %v", ErrRoomFull, e.room))
	case SignalClosed:
		if e.status == Connecting || e.status == Waiting {
			e.fail("signaling", ErrSignaling)
			return
		}
		e.log.Warn().Msg("Signaling is gone, the call goes on")
	}
}

// offer makes and sends an offer, the data channel goes first
// so it gets into the description.
func (e *Engine) offer(restart bool) {
	if e.transport == nil {
		e.log.Warn().Msg("No transport to offer")
		return
	}
	if e.mode.HasData() && e.dc == nil {
		dc, err := e.transport.CreateDataChannel(e.label)
		if err != nil {
			e.log.Warn().Err(err).Msg("No data channel")
		} else {
			e.bindChannel(e.stamp(), dc)
			e.dc = dc
		}
	}
	e.offered = true
	tr := e.transport
	e.launch("offer", func(stamp) stepDone {
		d, err := tr.CreateOffer(restart)
		if err == nil {
			err = tr.SetLocalDescription(d)
		}
		if err != nil {
			return stepDone{err: fmt.Errorf("offer: %w", err)}
		}
		return stepDone{apply: func() { e.relay(SignalOffer, d) }}
	})
}

// applyRemote sets the remote description, applies candidates that came before it
// and answers an offer.
func (e *Engine) applyRemote(d Description) {
	if e.transport == nil {
		e.log.Warn().Msgf("No transport for the %v", d.Type)
		return
	}
	u := iceUfrag(d.SDP)
	if e.remoteSet && (u == "" || u != e.remoteUfrag) {
		e.log.Debug().Msg("New ICE generation")
		e.cands.forget()
	}
	e.remoteUfrag = u
	tr, queued := e.transport, e.cands.drain()
	if len(queued) > 0 {
		e.log.Debug().Msgf("Apply %v queued candidates", len(queued))
	}
	e.launch("remote "+d.Type, func(stamp) stepDone {
		if err := tr.SetRemoteDescription(d); err != nil {
			return stepDone{err: fmt.Errorf("remote %v: %w", d.Type, err)}
		}
		for _, c := range queued {
			e.addCandidate(tr, c)
		}
		if d.Type != SDPOffer {
			return stepDone{apply: func() { e.remoteSet = true }}
		}
		answer, err := tr.CreateAnswer()
		if err == nil {
			err = tr.SetLocalDescription(answer)
		}
		if err != nil {
			return stepDone{err: fmt.Errorf("answer: %w", err)}
		}
		return stepDone{apply: func() {
			e.remoteSet = true
			e.relay(SignalAnswer, answer)
		}}
	})
}

func (e *Engine) onRemoteCandidate(c Candidate) {
	if !e.cands.accept(c) {
		e.log.Debug().Msg("Skip duplicate candidate")
		return
	}
	if !e.remoteSet || e.transport == nil {
		e.cands.push(c)
		return
	}
	e.addCandidate(e.transport, c)
}

func (e *Engine) addCandidate(tr Transport, c Candidate) {
	if err := tr.AddCandidate(c); err != nil {
		e.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("Bad candidate")
	}
}

// onLeft keeps the room, tracks and signaling but starts over with a fresh transport.
func (e *Engine) onLeft(ev SignalEvent) {
	e.peers = max(0, e.peers-1)
	e.initiator = ev.Initiator
	e.remoteTracks = nil
	e.log.Info().Str("member", ev.From).Bool("initiator", e.initiator).Msg("Peer left")
	if e.negotiating() || e.dc != nil || e.status == Connected || e.status == Disconnected {
		e.renew()
	}
	e.setStatus(Waiting)
}

func (e *Engine) renew() {
	e.unwatchStats()
	if e.dc != nil {
		_ = e.dc.Close()
		e.dc = nil
	}
	if e.transport != nil {
		_ = e.transport.Close()
		e.transport = nil
	}
	e.gen++
	e.cands = newCandidates()
	e.remoteSet, e.offered, e.restarted = false, false, false

	tracks := e.tracks
	e.launch("renew", func(st stamp) stepDone {
		tr, err := e.newTransport(st, tracks)
		if err != nil {
			return stepDone{err: fmt.Errorf("transport: %w", err)}
		}
		return stepDone{
			apply:   func() { e.transport = tr },
			release: func() { _ = tr.Close() },
		}
	})
}

func (e *Engine) onPath(s PathState) {
	e.log.Debug().Msgf("Path %v", s)
	if e.status == Error {
		return
	}
	switch s {
	case PathConnected:
		e.restarted = false
		e.setStatus(Connected)
		e.watchStats()
	case PathDisconnected:
		if e.status != Connected {
			return
		}
		e.setStatus(Disconnected)
		e.restart()
	case PathFailed:
		if e.restarted {
			e.fail("path", ErrPathFailed)
			return
		}
		if e.status == Connected {
			e.setStatus(Disconnected)
		}
		e.restart()
	}
}

// restart asks for a new path once, only the initiator offers.
func (e *Engine) restart() {
	if e.restarted {
		return
	}
	e.restarted = true
	if !e.initiator {
		e.log.Info().Msg("Wait for the peer to restart the path")
		return
	}
	e.log.Info().Msg("Restart the path")
	// candidates of the new generation wait for the answer
	e.remoteSet = false
	e.cands.forget()
	e.offer(true)
}

func (e *Engine) relay(kind SignalKind, d Description) {
	if e.sig == nil {
		return
	}
	var err error
	if kind == SignalOffer {
		err = e.sig.Offer(e.room, d)
	} else {
		err = e.sig.Answer(e.room, d)
	}
	if err != nil {
		e.log.Warn().Err(err).Msgf("%v not sent", kind)
		return
	}
	e.log.Debug().Msgf("Sent %v", kind)
}

func (e *Engine) relayCandidate(c Candidate) {
	if e.sig == nil {
		return
	}
	if err := e.sig.Candidate(e.room, c); err != nil {
		e.log.Warn().Err(err).Msg("candidate not sent")
	}
}

func (e *Engine) adoptChannel(dc DataChannel) {
	if !e.mode.HasData() {
		e.log.Warn().Str("label", dc.Label()).Msg("Unwanted data channel")
		_ = dc.Close()
		return
	}
	if e.dc != nil && e.dc != dc {
		_ = e.dc.Close()
	}
	e.dc = dc
	e.log.Info().Str("label", dc.Label()).Msg("Data channel from the peer")
}

func (e *Engine) toggle(kind TrackKind) toggled {
	if !e.active {
		return toggled{err: ErrNoCall}
	}
	for _, t := range e.tracks {
		if t.Kind() == kind {
			t.SetEnabled(!t.Enabled())
			e.log.Info().Msgf("Local %v enabled: %v", kind, t.Enabled())
			return toggled{enabled: t.Enabled()}
		}
	}
	return toggled{err: fmt.Errorf("%w: %v", ErrNoTrack, kind)}
}

func (e *Engine) send(text string) error {
	if !e.active {
		return ErrNoCall
	}
	e.record(newMessage(text, Sent))
	if e.dc == nil || !e.dc.IsOpen() {
		return ErrChannelNotOpen
	}
	data, err := encodeChat(text)
	if err != nil {
		return err
	}
	return e.dc.Send(data)
}

func (e *Engine) record(m Message) {
	e.messages = append(e.messages, m)
	if e.onMessage != nil {
		e.onMessage(m)
	}
}

func (e *Engine) fail(what string, err error) {
	e.log.Error().Err(err).Msgf("Call %v fail", what)
	e.deferred = nil
	e.setStatus(Error)
	e.replyStart(err)
}

func (e *Engine) replyStart(err error) {
	if e.starting != nil {
		e.starting <- err
		e.starting = nil
	}
}

// end releases everything of the call and moves to a new epoch,
// so late results of the old one are dropped.
func (e *Engine) end() {
	if !e.active {
		return
	}
	e.unwatchStats()
	stopTracks(e.tracks)
	if e.dc != nil {
		_ = e.dc.Close()
	}
	if e.transport != nil {
		_ = e.transport.Close()
	}
	if e.sig != nil {
		_ = e.sig.Leave(e.room)
		e.sig.Close()
	}
	e.replyStart(ErrCallEnded)
	e.log.Info().Str(logger.RoomField, e.room).Msg("Call end")

	e.epoch++
	e.session = session{status: e.status, epoch: e.epoch, gen: e.gen, cands: newCandidates()}
	e.setStatus(Idle)
}

// shutdown releases what the steps still in flight produce.
func (e *Engine) shutdown(rest []event) {
	e.steps.Wait()
	for _, ev := range append(rest, e.inbox.take()...) {
		if res, ok := ev.(stepDone); ok && res.release != nil {
			res.release()
		}
	}
}

func (e *Engine) setStatus(s Status) {
	if e.status == s {
		return
	}
	e.log.Info().Msgf("Status %v → %v", e.status, s)
	e.status = s
	e.publish()
	if e.onStatus != nil {
		e.onStatus(s)
	}
}

func (e *Engine) publish() {
	s := Snapshot{
		Status:       e.status,
		Active:       e.active,
		RoomID:       e.room,
		Mode:         e.mode,
		Initiator:    e.initiator,
		Peers:        e.peers,
		RemoteTracks: slices.Clone(e.remoteTracks),
		Messages:     slices.Clone(e.messages),
		Stats:        e.stats,
	}
	for _, t := range e.tracks {
		switch t.Kind() {
		case Video:
			s.VideoEnabled = t.Enabled()
		case Audio:
			s.AudioEnabled = t.Enabled()
		}
	}
	e.mu.Lock()
	e.snap = s
	e.mu.Unlock()
}

// watchStats reads the transport stats every interval while the call is up.
func (e *Engine) watchStats() {
	if e.statsStop != nil || e.statsInterval <= 0 {
		return
	}
	stop, st := make(chan struct{}), e.stamp()
	e.statsStop = stop
	go func() {
		ticker := time.NewTicker(e.statsInterval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				e.inbox.post(statsTick{stamp: st, at: now})
			case <-stop:
				return
			}
		}
	}()
}

func (e *Engine) unwatchStats() {
	if e.statsStop != nil {
		close(e.statsStop)
		e.statsStop = nil
	}
	e.meter, e.stats = meter{}, Stats{}
}

func (e *Engine) collect(at time.Time) {
	if e.transport == nil {
		return
	}
	ts, err := e.transport.Stats()
	if err != nil {
		e.log.Debug().Err(err).Msg("No stats")
		return
	}
	e.stats = e.meter.add(ts, at)
}

func stopTracks(tracks []LocalTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}
