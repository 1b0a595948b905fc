package events

import (
	"errors"
	"sync"
)

// Policy decides what happens when a subscriber's buffer is full.
type Policy string

const (
	// PolicyCoalesce drops the oldest buffered event so the newest state
	// is always queued. Subscribers may observe gaps in Seq.
	PolicyCoalesce Policy = "coalesce"
	// PolicyDisconnect closes the slow subscriber with ErrSlowSubscriber.
	PolicyDisconnect Policy = "disconnect"
)

var (
	// ErrSlowSubscriber is reported by Subscription.Err when the bus closed
	// a subscriber that could not keep up.
	ErrSlowSubscriber = errors.New("subscriber too slow")

	// ErrTopicClosed is returned when publishing after a terminal event.
	ErrTopicClosed = errors.New("topic already closed")
)

// Default bus sizes.
const (
	DefaultBuffer  = 16
	DefaultLogSize = 256
)

// Options configure a Bus.
type Options struct {
	Buffer  int
	LogSize int
	Policy  Policy
	Metrics Metrics
}

// Metrics observes bus activity. All methods must be safe for concurrent use.
type Metrics interface {
	Subscribed()
	Unsubscribed()
	Published(kind string)
	Dropped(policy Policy)
}

type nopMetrics struct{}

func (nopMetrics) Subscribed() {}

func (nopMetrics) Unsubscribed() {}

func (nopMetrics) Published(string) {}

func (nopMetrics) Dropped(Policy) {}

// Bus routes events to per-file topics.
type Bus struct {
	opts Options

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	mu       sync.Mutex
	seq      uint64
	log      []Event
	subs     map[*Subscription]struct{}
	terminal *Event
}

// NewBus creates a bus. Zero options fall back to defaults.
func NewBus(opts Options) *Bus {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.LogSize <= 0 {
		opts.LogSize = DefaultLogSize
	}
	if opts.Policy != PolicyDisconnect {
		opts.Policy = PolicyCoalesce
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &Bus{
		opts:   opts,
		topics: make(map[string]*topic),
	}
}

func (b *Bus) topic(fileID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[fileID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[fileID] = t
	}
	return t
}

// Publish assigns the next sequence number for ev.FileID, records the event
// for replay and hands it to every subscriber without blocking. A terminal
// event closes all subscribers after they receive it. After that only
// another terminal event is accepted (a parsed file that is later deleted);
// it replaces the one late subscribers see. Non-terminal publishes return
// ErrTopicClosed.
func (b *Bus) Publish(ev Event) (Event, error) {
	t := b.topic(ev.FileID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminal != nil && !ev.Terminal {
		return ev, ErrTopicClosed
	}

	b.appendLocked(t, &ev)

	for s := range t.subs {
		b.deliver(t, s, ev)
	}
	b.opts.Metrics.Published(ev.Kind())

	if ev.Terminal {
		t.terminal = &ev
		for s := range t.subs {
			b.detach(t, s, nil)
		}
	}
	return ev, nil
}

func (b *Bus) appendLocked(t *topic, ev *Event) {
	t.seq++
	ev.Seq = t.seq
	t.log = append(t.log, *ev)
	if over := len(t.log) - b.opts.LogSize; over > 0 {
		t.log = append(t.log[:0:0], t.log[over:]...)
	}
}

// deliver hands ev to s. Called with t.mu held; the bus is the only sender
// on s.ch, so after draining one slot the send cannot fail.
func (b *Bus) deliver(t *topic, s *Subscription, ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}

	if b.opts.Policy == PolicyDisconnect && !ev.Terminal {
		b.opts.Metrics.Dropped(PolicyDisconnect)
		b.detach(t, s, ErrSlowSubscriber)
		return
	}

	// Terminal events always make room so every stream ends with one.
	select {
	case <-s.ch:
		b.opts.Metrics.Dropped(PolicyCoalesce)
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
}

// detach removes s from t and closes its channel. Called with t.mu held.
func (b *Bus) detach(t *topic, s *Subscription, err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	delete(t.subs, s)
	close(s.ch)
	b.opts.Metrics.Unsubscribed()
}

// Subscribe registers a subscriber for fileID.
//
// When afterSeq is non-zero and the replay log still holds every event
// after it, those events are queued first. Otherwise snapshot, stamped
// with the current sequence number, is queued as the starting state
// unless afterSeq is exactly current. If the file already reached a
// terminal state the subscription yields the terminal event (unless
// afterSeq has seen it) and is closed.
//
// A terminal snapshot for a topic that never saw one (a file restored
// after a restart) is recorded as the topic's terminal event.
//
// The caller must ensure no event for fileID is published concurrently
// with building snapshot, or the snapshot may be stale.
func (b *Bus) Subscribe(fileID string, afterSeq uint64, snapshot Event) *Subscription {
	t := b.topic(fileID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminal == nil && snapshot.Terminal {
		snapshot.FileID = fileID
		b.appendLocked(t, &snapshot)
		t.terminal = &snapshot
	}

	initial := b.replayLocked(t, afterSeq)
	if initial == nil {
		switch {
		case t.terminal != nil && afterSeq != t.terminal.Seq:
			initial = []Event{*t.terminal}
		case t.terminal == nil && (afterSeq == 0 || afterSeq != t.seq):
			snapshot.FileID = fileID
			snapshot.Seq = t.seq
			initial = []Event{snapshot}
		}
	}

	s := &Subscription{
		bus:   b,
		topic: t,
		ch:    make(chan Event, b.opts.Buffer+len(initial)),
	}
	for _, ev := range initial {
		s.ch <- ev
	}

	if t.terminal != nil {
		s.closed = true
		close(s.ch)
		return s
	}

	t.subs[s] = struct{}{}
	b.opts.Metrics.Subscribed()
	return s
}

// replayLocked returns the logged events after afterSeq, or nil when
// afterSeq is zero or the log no longer reaches back that far.
func (b *Bus) replayLocked(t *topic, afterSeq uint64) []Event {
	if afterSeq == 0 || len(t.log) == 0 || afterSeq >= t.seq {
		return nil
	}
	if t.log[0].Seq > afterSeq+1 {
		return nil
	}
	start := int(afterSeq + 1 - t.log[0].Seq)
	return append([]Event(nil), t.log[start:]...)
}

// Replay returns the retained events for fileID with Seq greater than
// afterSeq.
func (b *Bus) Replay(fileID string, afterSeq uint64) []Event {
	b.mu.Lock()
	t, ok := b.topics[fileID]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Event
	for _, ev := range t.log {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribers returns the number of live subscribers for fileID.
func (b *Bus) Subscribers(fileID string) int {
	b.mu.Lock()
	t, ok := b.topics[fileID]
	b.mu.Unlock()
	if !ok {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Topics returns the number of files the bus holds state for.
func (b *Bus) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

// Release forgets fileID's topic and closes any remaining subscribers.
func (b *Bus) Release(fileID string) {
	b.mu.Lock()
	t, ok := b.topics[fileID]
	delete(b.topics, fileID)
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.subs {
		b.detach(t, s, nil)
	}
}

// Close releases every topic. Used on shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.topics))
	for id := range b.topics {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Release(id)
	}
}

// Subscription is one observer's view of a file's events.
type Subscription struct {
	bus   *Bus
	topic *topic
	ch    chan Event

	// guarded by topic.mu
	closed bool
	err    error
}

// C returns the event channel. It is closed after a terminal event, when
// the bus disconnects a slow subscriber, or after Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Err reports why the channel was closed: ErrSlowSubscriber when the bus
// disconnected this subscriber, nil otherwise.
func (s *Subscription) Err() error {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	return s.err
}

// Close unregisters the subscription. It is safe to call more than once
// and after the bus closed the channel.
func (s *Subscription) Close() {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	s.bus.detach(s.topic, s, nil)
}
