package negotiation

import (
	"context"
	"sync"
	"time"
)

type event any

// stamp marks transport and signaling events with the session they belong to,
// gen changes every time the transport is rebuilt.
type stamp struct {
	epoch uint64
	gen   uint64
}

type (
	cmdStart struct {
		ctx   context.Context
		room  string
		mode  Mode
		reply chan error
	}
	cmdEnd    struct{ reply chan struct{} }
	cmdClose  struct{}
	cmdToggle struct {
		kind  TrackKind
		reply chan toggled
	}
	cmdSend struct {
		text  string
		reply chan error
	}
	toggled struct {
		enabled bool
		err     error
	}

	signalEvent struct {
		epoch uint64
		SignalEvent
	}
	localCandidate struct {
		stamp
		c Candidate
	}
	pathEvent struct {
		stamp
		state PathState
	}
	trackEvent struct {
		stamp
		kind TrackKind
	}
	channelAdded struct {
		stamp
		dc DataChannel
	}
	channelOpen struct {
		stamp
		dc DataChannel
	}
	channelClose struct {
		stamp
		dc DataChannel
	}
	channelMessage struct {
		stamp
		data []byte
	}
	statsTick struct {
		stamp
		at time.Time
	}

	// stepDone is the outcome of a slow operation run off the loop.
	stepDone struct {
		stamp
		name string
		err  error
		// apply runs on the loop if the session is still the same.
		apply func()
		// release frees whatever the step made for a session that is gone.
		release func()
	}
)

// mailbox is an unbounded FIFO inbox, posting never blocks.
type mailbox struct {
	mu    sync.Mutex
	queue []event
	ready chan struct{}
}

func newMailbox() *mailbox { return &mailbox{ready: make(chan struct{}, 1)} }

func (m *mailbox) post(ev event) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}
