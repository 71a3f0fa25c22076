package jobs

import (
	"sync"
	"time"

	"tubemp3/internal/models"
)

// Message types pushed to subscribers.
const (
	MessageInit    = "init"
	MessageJob     = "job"
	MessageRemoved = "removed"
)

// Message is one push to a subscriber.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// RemovedJob is the payload of a removed message.
type RemovedJob struct {
	ID string `json:"id"`
}

const subscriberBuffer = 64

type subscriber struct {
	ch chan Message
}

// Broadcaster fans job changes out to live subscribers. Pushes for one
// job are throttled; the latest suppressed state is sent when the window
// closes. Terminal states and removals are sent immediately.
type Broadcaster struct {
	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	throttle time.Duration
	now      func() time.Time

	lastSent map[string]time.Time
	latest   map[string]models.Detail
	timers   map[string]*time.Timer
	closed   bool
}

// NewBroadcaster creates a Broadcaster with the given per-job window.
func NewBroadcaster(throttle time.Duration) *Broadcaster {
	return &Broadcaster{
		subs:     make(map[*subscriber]struct{}),
		throttle: throttle,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
		latest:   make(map[string]models.Detail),
		timers:   make(map[string]*time.Timer),
	}
}

// Subscribe registers a subscriber whose first message is the init
// snapshot. The returned func unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe(snapshot []models.Detail) (<-chan Message, func()) {
	sub := &subscriber{ch: make(chan Message, subscriberBuffer)}
	sub.ch <- Message{Type: MessageInit, Data: snapshot}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.ch)
			}
		})
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish pushes a job state, subject to the per-job throttle.
func (b *Broadcaster) Publish(job models.Detail) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	id := job.ID
	now := b.now()
	if job.State.IsTerminal() || now.Sub(b.lastSent[id]) >= b.throttle {
		b.stopTimer(id)
		delete(b.latest, id)
		b.lastSent[id] = now
		b.send(Message{Type: MessageJob, Data: job})
		return
	}

	b.latest[id] = job
	if _, ok := b.timers[id]; !ok {
		wait := b.throttle - now.Sub(b.lastSent[id])
		b.timers[id] = time.AfterFunc(wait, func() { b.flush(id) })
	}
}

// Removed tells subscribers a job row is gone.
func (b *Broadcaster) Removed(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.stopTimer(id)
	delete(b.latest, id)
	delete(b.lastSent, id)
	b.send(Message{Type: MessageRemoved, Data: RemovedJob{ID: id}})
}

// Close detaches every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id := range b.timers {
		b.stopTimer(id)
	}
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

func (b *Broadcaster) flush(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.timers, id)
	job, ok := b.latest[id]
	if !ok || b.closed {
		return
	}
	delete(b.latest, id)
	b.lastSent[id] = b.now()
	b.send(Message{Type: MessageJob, Data: job})
}

func (b *Broadcaster) stopTimer(id string) {
	if t, ok := b.timers[id]; ok {
		t.Stop()
		delete(b.timers, id)
	}
}

// send never blocks. A full subscriber is detached and its channel
// closed; it has to subscribe again for a fresh snapshot.
func (b *Broadcaster) send(msg Message) {
	for sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
			delete(b.subs, sub)
			close(sub.ch)
		}
	}
}
