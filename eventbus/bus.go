// Package eventbus implements the in-process pub/sub EventBus: topics
// "run:<id>" and "step:<run_id>:<step_id>", wildcards "run:*"/"step:*",
// bounded per-subscriber queues that drop the oldest event and emit a
// SubscriberLag event on overflow.
package eventbus

import (
	"strings"
	"sync"

	pc "github.com/nevindra/pipelinecore"
)

const defaultQueueDepth = 256

type subscriber struct {
	id     uint64
	topic  string
	ch     chan pc.Event
	dropMu sync.Mutex
}

// Bus is the default EventBus implementation.
type Bus struct {
	mu         sync.RWMutex
	subs       map[uint64]*subscriber
	nextID     uint64
	queueDepth int
}

// New builds a Bus with the given per-subscriber queue depth (0 uses a
// built-in default).
func New(queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	return &Bus{subs: make(map[uint64]*subscriber), queueDepth: queueDepth}
}

// Publish delivers e to every subscriber whose topic matches e.Topic().
// Publish never blocks: a full subscriber queue drops its oldest event
// and the subscriber receives a synthetic SubscriberLag event instead.
func (b *Bus) Publish(e pc.Event) {
	topic := e.Topic()
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !topicMatches(sub.topic, topic) {
			continue
		}
		deliver(sub, e)
	}
}

func deliver(sub *subscriber, e pc.Event) {
	select {
	case sub.ch <- e:
		return
	default:
	}

	sub.dropMu.Lock()
	defer sub.dropMu.Unlock()
	select {
	case sub.ch <- e:
		return
	default:
	}
	// Drop the oldest queued event to make room, then notify the
	// subscriber of the loss rather than blocking the publisher.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- pc.Event{RunID: e.RunID, StepID: e.StepID, Kind: pc.EventSubscriberLag, TS: e.TS, Dropped: 1}:
	default:
	}
}

// Subscribe registers a new subscriber for topic, which may be an exact
// topic or a wildcard ("run:*", "step:*").
func (b *Bus) Subscribe(topic string) (<-chan pc.Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{id: id, topic: topic, ch: make(chan pc.Event, b.queueDepth)}
	b.subs[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return sub.ch, unsubscribe
}

// topicMatches reports whether an event's concrete topic matches a
// subscriber's pattern, which may end in "*" to match any suffix sharing
// the pattern's prefix up to and including the preceding ":".
func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(topic, prefix)
	}
	return false
}

var _ pc.EventBus = (*Bus)(nil)
