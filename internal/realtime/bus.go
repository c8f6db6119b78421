package realtime

import (
	"errors"
	"sync"
	"time"

	"clinic-queue/internal/metrics"
	"clinic-queue/internal/models"

	"go.uber.org/zap"
)

var ErrBusClosed = errors.New("event bus closed")

const maxEvictedTracked = 10000

type Options struct {
	// ReplayBuffer is the number of recent events kept for late subscribers.
	ReplayBuffer int
	// ReplayWindow drops buffered events older than this. Zero keeps them until pushed out by count.
	ReplayWindow time.Duration
	// SubscriberBuffer is the live channel capacity; a subscriber that falls this far behind is dropped.
	SubscriberBuffer int
	// CompleteHistory means no event was published before this bus started, so the ring plus
	// eviction marks describe everything. Leave it false over durable storage.
	CompleteHistory bool
	Clock           func() time.Time
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

// SubscribeOptions asks for replay from the buffer. Since maps entry id to the last version the
// subscriber saw; Last replays the newest N buffered events regardless of entry.
type SubscribeOptions struct {
	Name  string
	Since map[string]int64
	Last  int
}

type buffered struct {
	ev models.TransitionEvent
	at time.Time
}

type evictedMark struct {
	version int64
	at      time.Time
}

// seenMark is the oldest version of an entry this bus has buffered; anything before it
// happened before the bus knew the entry.
type seenMark struct {
	first int64
	at    time.Time
}

// Bus fans transition events out to subscribers. Publish never blocks: a subscriber whose
// channel is full is disconnected and has to resubscribe.
type Bus struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	ring    []buffered
	evicted map[string]evictedMark
	seen    map[string]seenMark
	closed  bool

	completeHistory bool
	replayBuffer    int
	replayWindow time.Duration
	subBuffer    int
	now          func() time.Time
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

func NewBus(opts Options) *Bus {
	if opts.ReplayBuffer <= 0 {
		opts.ReplayBuffer = 256
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Bus{
		subs:            make(map[uint64]*Subscription),
		evicted:         make(map[string]evictedMark),
		seen:            make(map[string]seenMark),
		completeHistory: opts.CompleteHistory,
		replayBuffer:    opts.ReplayBuffer,
		replayWindow:    opts.ReplayWindow,
		subBuffer:       opts.SubscriberBuffer,
		now:             opts.Clock,
		logger:          opts.Logger.Named("bus"),
		metrics:         opts.Metrics,
	}
}

// Subscription is one observer's event channel.
type Subscription struct {
	id             uint64
	name           string
	ch             chan models.TransitionEvent
	bus            *Bus
	once           sync.Once
	dropped        bool
	replayComplete bool
}

// C delivers events. It is closed when the subscriber unsubscribes, is dropped, or the bus closes.
func (s *Subscription) C() <-chan models.TransitionEvent {
	return s.ch
}

// ReplayComplete is false when the bus cannot show it holds every requested event, either
// because they left the buffer or because they happened before the bus saw the entry. The
// subscriber should fetch a full snapshot.
func (s *Subscription) ReplayComplete() bool {
	return s.replayComplete
}

// Dropped reports whether the bus disconnected this subscriber for falling behind.
func (s *Subscription) Dropped() bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Close() {
	s.bus.Unsubscribe(s)
}

func (s *Subscription) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribe registers a subscriber. Replayed events are queued on the channel before any
// live event, under the same lock Publish takes, so nothing is missed or repeated.
func (b *Bus) Subscribe(opts SubscribeOptions) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	b.evictExpiredLocked(b.now())

	replay, complete := b.replayLocked(opts)

	b.nextID++
	sub := &Subscription{
		id:             b.nextID,
		name:           opts.Name,
		ch:             make(chan models.TransitionEvent, b.subBuffer+len(replay)),
		bus:            b,
		replayComplete: complete,
	}
	for _, ev := range replay {
		sub.ch <- ev
	}
	b.subs[sub.id] = sub

	b.metrics.SubscriberJoined()
	b.logger.Info("subscriber joined",
		zap.String("subscriber", sub.name),
		zap.Int("replayed", len(replay)),
		zap.Bool("replay_complete", complete),
		zap.Int("total", len(b.subs)))

	return sub, nil
}

func (b *Bus) replayLocked(opts SubscribeOptions) ([]models.TransitionEvent, bool) {
	complete := true
	var out []models.TransitionEvent

	if len(opts.Since) > 0 {
		for entryID, since := range opts.Since {
			seen, known := b.seen[entryID]
			if !known || since < seen.first-1 {
				complete = false
			}
			if mark, ok := b.evicted[entryID]; ok && mark.version > since {
				complete = false
			}
		}
		for _, r := range b.ring {
			since, watched := opts.Since[r.ev.EntryID]
			if watched && r.ev.Version > since {
				out = append(out, r.ev)
			}
		}
		return out, complete
	}

	if opts.Last > 0 {
		n := opts.Last
		if n > len(b.ring) {
			n = len(b.ring)
			if !b.completeHistory || len(b.evicted) > 0 {
				complete = false
			}
		}
		for _, r := range b.ring[len(b.ring)-n:] {
			out = append(out, r.ev)
		}
	}
	return out, complete
}

// Unsubscribe releases the channel immediately. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, live := b.subs[sub.id]
	if live {
		delete(b.subs, sub.id)
	}
	total := len(b.subs)
	b.mu.Unlock()

	sub.closeChannel()
	if live {
		b.metrics.SubscriberLeft()
		b.logger.Info("subscriber left",
			zap.String("subscriber", sub.name),
			zap.Int("total", total))
	}
}

// Publish buffers ev for replay and offers it to every live subscriber.
func (b *Bus) Publish(ev models.TransitionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	now := b.now()
	b.bufferLocked(ev, now)
	b.evictExpiredLocked(now)

	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(b.subs, id)
			sub.dropped = true
			sub.closeChannel()
			b.metrics.SubscriberLeft()
			b.metrics.SubscriberDropped()
			b.logger.Warn("subscriber dropped, buffer full",
				zap.String("subscriber", sub.name),
				zap.Int("buffer", cap(sub.ch)))
		}
	}
	b.metrics.EventPublished()
}

// Seed loads history recorded elsewhere (the day's journal) into the replay buffer without
// delivering it. Events must be in version order per entry.
func (b *Bus) Seed(events []models.TransitionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for _, ev := range events {
		at := ev.OccurredAt
		if at.IsZero() || at.After(now) {
			at = now
		}
		b.bufferLocked(ev, at)
	}
	b.evictExpiredLocked(now)
	b.logger.Info("replay buffer seeded", zap.Int("events", len(events)), zap.Int("buffered", len(b.ring)))
}

func (b *Bus) bufferLocked(ev models.TransitionEvent, at time.Time) {
	if mark, ok := b.seen[ev.EntryID]; !ok || ev.Version < mark.first {
		b.seen[ev.EntryID] = seenMark{first: ev.Version, at: at}
	}
	b.ring = append(b.ring, buffered{ev: ev, at: at})
	if over := len(b.ring) - b.replayBuffer; over > 0 {
		b.evictLocked(over, at)
	}
}

func (b *Bus) evictExpiredLocked(now time.Time) {
	if b.replayWindow <= 0 {
		return
	}
	n := 0
	for n < len(b.ring) && now.Sub(b.ring[n].at) > b.replayWindow {
		n++
	}
	if n > 0 {
		b.evictLocked(n, now)
	}
}

func (b *Bus) evictLocked(n int, now time.Time) {
	for _, r := range b.ring[:n] {
		if mark, ok := b.evicted[r.ev.EntryID]; !ok || r.ev.Version > mark.version {
			b.evicted[r.ev.EntryID] = evictedMark{version: r.ev.Version, at: now}
		}
	}
	b.ring = append(b.ring[:0:0], b.ring[n:]...)

	if len(b.evicted) > maxEvictedTracked {
		cutoff := now.Add(-24 * time.Hour)
		for id, mark := range b.evicted {
			if mark.at.Before(cutoff) {
				delete(b.evicted, id)
			}
		}
		// a forgotten entry reads as unknown, which only costs a snapshot
		for id, mark := range b.seen {
			if mark.at.Before(cutoff) {
				delete(b.seen, id)
			}
		}
	}
}

// Buffered returns a copy of the replay buffer, oldest first.
func (b *Bus) Buffered() []models.TransitionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.TransitionEvent, len(b.ring))
	for i, r := range b.ring {
		out[i] = r.ev
	}
	return out
}

func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close disconnects every subscriber; later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeChannel()
		b.metrics.SubscriberLeft()
	}
}
