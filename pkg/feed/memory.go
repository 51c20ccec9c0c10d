package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned when subscribing to a closed feed.
var ErrClosed = errors.New("feed closed")

// MemoryFeed fans changes out in-process. It serves tests and single-replica
// deployments.
type MemoryFeed struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*memorySubscription // topic -> subID -> sub
	closed      bool
	logger      *slog.Logger
}

// NewMemoryFeed creates a feed. Pass nil logger for default.
func NewMemoryFeed(logger *slog.Logger) *MemoryFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryFeed{
		subscribers: make(map[string]map[string]*memorySubscription),
		logger:      logger.With("component", "feed"),
	}
}

type memorySubscription struct {
	id     string
	topics []string
	ch     chan Change
	done   chan struct{}
	feed   *MemoryFeed
	once   sync.Once
}

func (s *memorySubscription) C() <-chan Change {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.feed.unsubscribe(s)
	})
	return nil
}

// Subscribe registers for changes on topics. The subscription is released
// when ctx is cancelled or Close is called, whichever comes first.
func (f *MemoryFeed) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	if len(topics) == 0 {
		return nil, errors.New("subscribe requires a topic")
	}
	sub := &memorySubscription{
		id:     uuid.NewString(),
		topics: append([]string(nil), topics...),
		ch:     make(chan Change, subscriberBufferSize),
		done:   make(chan struct{}),
		feed:   f,
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	for _, topic := range sub.topics {
		if _, ok := f.subscribers[topic]; !ok {
			f.subscribers[topic] = make(map[string]*memorySubscription)
		}
		f.subscribers[topic][sub.id] = sub
	}
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Publish delivers change to every subscriber of its topic. Sends never
// block: a subscriber with a full buffer misses the change.
func (f *MemoryFeed) Publish(_ context.Context, change Change) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sub := range f.subscribers[change.Topic] {
		select {
		case sub.ch <- change:
		default:
			f.logger.Debug("dropped change for slow subscriber", "topic", change.Topic, "sub_id", sub.id)
		}
	}
	return nil
}

func (f *MemoryFeed) unsubscribe(sub *memorySubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := false
	for _, topic := range sub.topics {
		subs, ok := f.subscribers[topic]
		if !ok {
			continue
		}
		if _, ok := subs[sub.id]; ok {
			delete(subs, sub.id)
			removed = true
		}
		if len(subs) == 0 {
			delete(f.subscribers, topic)
		}
	}
	if removed {
		close(sub.ch)
	}
}

// SubscriberCount reports live subscriptions on topic.
func (f *MemoryFeed) SubscriberCount(topic string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers[topic])
}

// Close shuts the feed down and closes every subscriber channel.
func (f *MemoryFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]struct{})
	for topic, subs := range f.subscribers {
		for id, sub := range subs {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				close(sub.ch)
			}
		}
		delete(f.subscribers, topic)
	}
	f.closed = true
}
