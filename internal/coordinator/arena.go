package coordinator

import (
	"context"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/domain"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/media"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/peer"
	"github.com/cenkalti/backoff"
)

type op func(ctx context.Context)

// entry is everything the coordinator knows about one remote peer. All fields
// are guarded by Coordinator.mu.
type entry struct {
	peerID string

	// want is the roster entry while the peer is desired.
	want *domain.Participant
	// removed is the session the roster last dropped. Offers from it are
	// ignored.
	removed string

	link *peer.Link
	// passive links were accepted from an offer before the roster named
	// the peer.
	passive    bool
	acceptedAt time.Time

	stream *media.RemoteStream
	video  *media.TrackPump
	audio  *media.TrackPump

	grace    *time.Timer
	retry    *time.Timer
	backoff  *backoff.ExponentialBackOff
	attempts int
	warning  error

	ops     []op
	running bool
}

func (e *entry) idle() bool {
	return e.want == nil && e.link == nil && e.grace == nil && e.retry == nil && !e.running && len(e.ops) == 0
}

// detach forgets the link and its media. The caller closes the link.
func (e *entry) detach() *peer.Link {
	l := e.link
	e.link = nil
	e.passive = false
	e.stream, e.video, e.audio = nil, nil, nil
	e.stopGrace()
	return l
}

func (e *entry) stopGrace() {
	if e.grace != nil {
		e.grace.Stop()
		e.grace = nil
	}
}

func (e *entry) stopRetry() {
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
}

// resetRetries starts a fresh reopen budget.
func (e *entry) resetRetries(p Policy) {
	e.stopRetry()
	e.attempts = 0
	e.warning = nil
	e.backoff = p.newBackOff()
}

func (c *Coordinator) entryLocked(peerID string) *entry {
	e, ok := c.entries[peerID]
	if !ok {
		e = &entry{peerID: peerID, backoff: c.policy.newBackOff()}
		c.entries[peerID] = e
	}
	return e
}

// enqueue runs f after every operation already queued for peerID. Operations
// for different peers run concurrently.
func (c *Coordinator) enqueue(peerID string, f op) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.enqueueLocked(c.entryLocked(peerID), f)
	return true
}

func (c *Coordinator) enqueueLocked(e *entry, f op) {
	e.ops = append(e.ops, f)
	if e.running {
		return
	}
	e.running = true
	c.wg.Add(1)
	go c.drain(e)
}

func (c *Coordinator) drain(e *entry) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(e.ops) == 0 {
			e.running = false
			if e.idle() && c.entries[e.peerID] == e {
				delete(c.entries, e.peerID)
			}
			c.mu.Unlock()
			return
		}
		f := e.ops[0]
		e.ops = e.ops[1:]
		c.mu.Unlock()

		f(c.ctx)
	}
}

// do runs f on peerID's queue and waits for its result.
func (c *Coordinator) do(ctx context.Context, peerID string, f func(ctx context.Context) error) error {
	result := make(chan error, 1)
	if !c.enqueue(peerID, func(opCtx context.Context) { result <- f(opCtx) }) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// afterLocked queues f on peerID once d has passed.
func (c *Coordinator) afterLocked(d time.Duration, peerID string, f op) *time.Timer {
	return time.AfterFunc(d, func() { c.enqueue(peerID, f) })
}
