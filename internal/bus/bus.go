// Package bus fans delta notifications out across server processes so a
// changeStream subscriber on one process sees writes committed on
// another. Adapted from the teacher's internal/storage/redis.go
// RedisPubSub: same channel-per-topic/handler-registration/
// handleMessages-goroutine shape, renamed from per-document channels to
// per-collection channels. The presence/broadcast channels (server
// online/offline announcements) are dropped — SPEC_FULL has no server
// liveness component, only Postgres LISTEN/NOTIFY plus this bus carry
// the invalidation signal described in SPEC_FULL §4 "Server-exposed
// operations".
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Bus coordinates cross-server delta notification via Redis pub/sub.
type Bus struct {
	publisher     *redis.Client
	subscriber    *redis.Client
	connected     bool
	channelPrefix string

	handlers   map[string][]func([]byte)
	handlersMu sync.RWMutex
	pubsubs    map[string]*redis.PubSub
	pubsubsMu  sync.RWMutex
}

// Config holds Redis connection configuration.
type Config struct {
	URL           string
	ChannelPrefix string
	MaxRetries    int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ChannelPrefix: "replicate:",
		MaxRetries:    3,
	}
}

// New creates a bus. Call Connect before use.
func New(cfg *Config) (*Bus, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("bus: parse redis url: %w", err)
	}
	opt.MaxRetries = cfg.MaxRetries

	return &Bus{
		publisher:     redis.NewClient(opt),
		subscriber:    redis.NewClient(opt),
		channelPrefix: cfg.ChannelPrefix,
		handlers:      make(map[string][]func([]byte)),
		pubsubs:       make(map[string]*redis.PubSub),
	}, nil
}

func (b *Bus) Connect(ctx context.Context) error {
	if err := b.publisher.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("bus: connect publisher: %w", err)
	}
	if err := b.subscriber.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("bus: connect subscriber: %w", err)
	}
	b.connected = true
	return nil
}

func (b *Bus) Disconnect(ctx context.Context) error {
	b.connected = false

	b.pubsubsMu.Lock()
	for _, ps := range b.pubsubs {
		ps.Close()
	}
	b.pubsubs = make(map[string]*redis.PubSub)
	b.pubsubsMu.Unlock()

	b.publisher.Close()
	b.subscriber.Close()
	return nil
}

func (b *Bus) IsConnected() bool {
	return b.connected
}

func (b *Bus) HealthCheck(ctx context.Context) (bool, error) {
	err := b.publisher.Ping(ctx).Err()
	return err == nil, err
}

// ChangeNotification is the payload fanned out whenever a collection's
// delta log changes on some server process.
type ChangeNotification struct {
	Collection string `json:"collection"`
	Timestamp  int64  `json:"timestamp"`
	Count      int64  `json:"count"`
}

// PublishChange announces a change to collection to every subscribed
// process.
func (b *Bus) PublishChange(ctx context.Context, n ChangeNotification) error {
	return b.publish(ctx, b.collectionChannel(n.Collection), n)
}

// SubscribeToChanges registers handler for every change notification
// published for collection. Handlers for the same collection share one
// underlying Redis subscription, same as the teacher's subscribe.
func (b *Bus) SubscribeToChanges(ctx context.Context, collection string, handler func(ChangeNotification)) error {
	channel := b.collectionChannel(collection)
	return b.subscribe(ctx, channel, func(data []byte) {
		var n ChangeNotification
		if err := json.Unmarshal(data, &n); err == nil {
			handler(n)
		}
	})
}

// UnsubscribeFromChanges removes all handlers and tears down the
// underlying subscription for collection.
func (b *Bus) UnsubscribeFromChanges(ctx context.Context, collection string) error {
	return b.unsubscribe(ctx, b.collectionChannel(collection))
}

func (b *Bus) publish(ctx context.Context, channel string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("bus: marshal: %w", err)
	}
	return b.publisher.Publish(ctx, channel, payload).Err()
}

func (b *Bus) subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	b.handlersMu.Lock()
	b.handlers[channel] = append(b.handlers[channel], handler)
	isFirst := len(b.handlers[channel]) == 1
	b.handlersMu.Unlock()

	if isFirst {
		ps := b.subscriber.Subscribe(ctx, channel)

		b.pubsubsMu.Lock()
		b.pubsubs[channel] = ps
		b.pubsubsMu.Unlock()

		go b.handleMessages(channel, ps)
	}
	return nil
}

func (b *Bus) unsubscribe(ctx context.Context, channel string) error {
	b.handlersMu.Lock()
	delete(b.handlers, channel)
	b.handlersMu.Unlock()

	b.pubsubsMu.Lock()
	if ps, ok := b.pubsubs[channel]; ok {
		ps.Unsubscribe(ctx, channel)
		ps.Close()
		delete(b.pubsubs, channel)
	}
	b.pubsubsMu.Unlock()
	return nil
}

func (b *Bus) handleMessages(channel string, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		b.handlersMu.RLock()
		handlers := append([]func([]byte){}, b.handlers[channel]...)
		b.handlersMu.RUnlock()

		for _, h := range handlers {
			go func(handler func([]byte)) {
				defer func() { recover() }()
				handler([]byte(msg.Payload))
			}(h)
		}
	}
}

func (b *Bus) collectionChannel(collection string) string {
	return b.channelPrefix + "coll:" + collection
}

// Stats reports current subscription counts.
type Stats struct {
	Connected          bool
	SubscribedChannels int
	TotalHandlers      int
}

func (b *Bus) GetStats() Stats {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()

	total := 0
	for _, hs := range b.handlers {
		total += len(hs)
	}
	return Stats{
		Connected:          b.connected,
		SubscribedChannels: len(b.handlers),
		TotalHandlers:      total,
	}
}
