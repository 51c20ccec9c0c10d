package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultChannelPrefix = "flownote:feed:"

// RedisFeed distributes changes across replicas with Redis Pub/Sub.
type RedisFeed struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisFeed creates a feed on client. An empty prefix uses
// "flownote:feed:".
func NewRedisFeed(client *redis.Client, prefix string, logger *slog.Logger) (*RedisFeed, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFeed{client: client, prefix: prefix, logger: logger.With("component", "feed")}, nil
}

// Publish sends change to its topic channel.
func (f *RedisFeed) Publish(ctx context.Context, change Change) error {
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := f.client.Publish(ctx, f.prefix+change.Topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", change.Topic, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so changes
// published after Subscribe returns are never missed.
func (f *RedisFeed) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	if len(topics) == 0 {
		return nil, errors.New("subscribe requires a topic")
	}
	channels := make([]string, 0, len(topics))
	for _, topic := range topics {
		channels = append(channels, f.prefix+topic)
	}
	ps := f.client.Subscribe(ctx, channels...)
	for range channels {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}
	sub := &redisSubscription{
		ps:     ps,
		ch:     make(chan Change, subscriberBufferSize),
		done:   make(chan struct{}),
		logger: f.logger,
	}
	sub.wg.Add(1)
	go sub.pump(ctx, f.prefix)
	return sub, nil
}

type redisSubscription struct {
	ps     *redis.PubSub
	ch     chan Change
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *slog.Logger
}

func (s *redisSubscription) C() <-chan Change {
	return s.ch
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
		s.wg.Wait()
	})
	return err
}

func (s *redisSubscription) pump(ctx context.Context, prefix string) {
	defer s.wg.Done()
	defer close(s.ch)
	msgs := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			go func() { _ = s.Close() }()
			return
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				s.logger.Warn("feed_decode_failed", "channel", msg.Channel, "err", err)
				continue
			}
			if change.Topic == "" && len(msg.Channel) > len(prefix) {
				change.Topic = msg.Channel[len(prefix):]
			}
			select {
			case s.ch <- change:
			default:
				s.logger.Debug("dropped change for slow subscriber", "topic", change.Topic)
			}
		}
	}
}
