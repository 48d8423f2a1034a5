package controller

import (
	"strconv"
	"sync"

	"github.com/seantiz/cellkernel/internal/protocol"
)

// subscriberBufferSize is the channel buffer for each cell subscriber.
// Output notifications are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 256

// NoteDropped is generated by the broker, never sent by a worker. It tells a
// subscriber that Message notifications were dropped because it fell behind.
const NoteDropped = "dropped"

// Broker fans out per-cell notifications to subscribers. It is safe for
// concurrent use.
//
// Closed topics are retained as markers so that a subscriber arriving after a
// cell finished receives a closed channel instead of blocking forever. Open
// clears the marker when the same cell id is executed again.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	ch      chan protocol.Notification
	dropped int
}

// send delivers n without blocking. Drops since the last delivery are
// reported first, and n is counted as dropped too if that report does not fit.
func (s *subscriber) send(cellID string, n protocol.Notification) {
	if !s.flushDropped(cellID) {
		s.dropped++
		return
	}
	select {
	case s.ch <- n:
	default:
		s.dropped++
	}
}

func (s *subscriber) flushDropped(cellID string) bool {
	if s.dropped == 0 {
		return true
	}
	gap := protocol.Notification{Type: NoteDropped, ID: cellID, Message: strconv.Itoa(s.dropped)}
	select {
	case s.ch <- gap:
		s.dropped = 0
		return true
	default:
		return false
	}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

// Open marks cellID as live again, so new subscribers receive its next run.
func (b *Broker) Open(cellID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[cellID]; ok {
		t.closed = false
		return
	}
	b.topics[cellID] = &topic{subs: make(map[int]*subscriber)}
}

// Subscribe returns a channel receiving notifications for cellID and an
// unsubscribe func. If the cell already finished the channel is closed.
func (b *Broker) Subscribe(cellID string) (<-chan protocol.Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[cellID]
	if !ok {
		t = &topic{subs: make(map[int]*subscriber)}
		b.topics[cellID] = t
	}

	ch := make(chan protocol.Notification, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = &subscriber{ch: ch}

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub.ch)
		}
	}
}

// Publish sends n to every subscriber of cellID. Notifications are dropped
// for subscribers whose buffers are full. Such a subscriber receives a
// NoteDropped notification with the count once its buffer has room again, and
// still sees its channel close when the run ends.
func (b *Broker) Publish(cellID string, n protocol.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[cellID]
	if !ok || t.closed {
		return
	}

	for _, sub := range t.subs {
		sub.send(cellID, n)
	}
}

// Close signals that cellID's run is over. Pending drop counts are reported
// where they fit, then subscriber channels are closed and later Subscribe
// calls get a closed channel until Open.
func (b *Broker) Close(cellID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[cellID]
	if !ok {
		b.topics[cellID] = &topic{subs: make(map[int]*subscriber), closed: true}
		return
	}
	closeTopic(cellID, t)
}

// CloseAll closes every topic, as after the kernel was terminated.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.topics {
		closeTopic(id, t)
	}
}

func closeTopic(cellID string, t *topic) {
	t.closed = true
	for id, sub := range t.subs {
		sub.flushDropped(cellID)
		close(sub.ch)
		delete(t.subs, id)
	}
}
