// Package signal carries envelopes between participants of a room: an
// in-process hub, a WebSocket client of the relay and an MQTT rendition.
package signal

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/api"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/domain"
)

var (
	ErrClosed   = errors.New("signal channel closed")
	ErrNotReady = errors.New("signal channel not connected")
)

// Channel is one participant's connection to its room. Inbox and Roster are
// closed when the channel is closed or gives up.
type Channel interface {
	Ready() bool
	Send(ctx context.Context, env api.Envelope) error
	Inbox() <-chan api.Envelope
	Roster() <-chan []domain.Participant
	Close() error
}

// mailbox is an unbounded FIFO in front of a channel, so producers never
// block on a slow consumer.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []api.Envelope
	closed bool
	out    chan api.Envelope
	done   chan struct{}
}

func newMailbox() *mailbox {
	m := &mailbox{out: make(chan api.Envelope), done: make(chan struct{})}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

func (m *mailbox) push(env api.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.queue = append(m.queue, env)
	m.cond.Signal()
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
	m.cond.Signal()
}

func (m *mailbox) run() {
	defer close(m.out)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		env := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		select {
		case m.out <- env:
		case <-m.done:
			return
		}
	}
}

// rosterFeed keeps only the latest roster for a consumer that may lag.
type rosterFeed struct {
	mu     sync.Mutex
	out    chan []domain.Participant
	closed bool
}

func newRosterFeed() *rosterFeed {
	return &rosterFeed{out: make(chan []domain.Participant, 1)}
}

func (r *rosterFeed) publish(participants []domain.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case <-r.out:
	default:
	}
	r.out <- sortedCopy(participants)
}

func (r *rosterFeed) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.out)
}

func sortedCopy(participants []domain.Participant) []domain.Participant {
	out := make([]domain.Participant, len(participants))
	copy(out, participants)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
