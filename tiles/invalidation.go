package tiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/redis/go-redis/v9/maintnotifications"
	"go.uber.org/zap"
)

// Invalidation ops.
const (
	OpBuild  = "build"
	OpDelete = "delete"
	OpAll    = "all"
)

// InvalidationEvent announces that a layer's archive changed.
type InvalidationEvent struct {
	Version int       `json:"version"`
	Op      string    `json:"op"`
	Schema  string    `json:"schema,omitempty"`
	Table   string    `json:"table,omitempty"`
	TS      time.Time `json:"ts"`
}

func (e InvalidationEvent) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case OpBuild, OpDelete:
		if strings.TrimSpace(e.Schema) == "" || strings.TrimSpace(e.Table) == "" {
			return fmt.Errorf("schema and table are required")
		}
	case OpAll:
	default:
		return fmt.Errorf("op must be build|delete|all")
	}
	return nil
}

// Invalidator drops cached knowledge about archives.
type Invalidator interface {
	Invalidate(schema, table string)
	InvalidateAll()
}

// InvalidationBus fans archive invalidations out to every serving process
// over a redis pub/sub channel.
type InvalidationBus struct {
	rdb     *redis.Client
	channel string
	logger  *zap.Logger
}

// NewInvalidationBus connects to the redis server at url.
func NewInvalidationBus(ctx context.Context, url, channel string, logger *zap.Logger) (*InvalidationBus, error) {
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 2 * time.Second
	opts.MaintNotificationsConfig = &maintnotifications.Config{
		Mode: maintnotifications.ModeDisabled,
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewInvalidationBusClient(rdb, channel, logger), nil
}

// NewInvalidationBusClient uses an existing client.
func NewInvalidationBusClient(rdb *redis.Client, channel string, logger *zap.Logger) *InvalidationBus {
	if channel == "" {
		channel = "hybridtiles:invalidate"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvalidationBus{rdb: rdb, channel: channel, logger: logger}
}

func (b *InvalidationBus) Close() error {
	return b.rdb.Close()
}

// Publish announces ev to all subscribers.
func (b *InvalidationBus) Publish(ctx context.Context, ev InvalidationEvent) error {
	if ev.Version == 0 {
		ev.Version = 1
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// PublishLayer announces a rebuilt archive.
func (b *InvalidationBus) PublishLayer(ctx context.Context, schema, table string) error {
	return b.Publish(ctx, InvalidationEvent{Op: OpBuild, Schema: schema, Table: table})
}

// Subscription delivers bus events to an Invalidator until closed.
type Subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

// Subscribe starts applying bus events to target. The subscription is
// confirmed by the server before Subscribe returns.
func (b *InvalidationBus) Subscribe(ctx context.Context, target Invalidator) (*Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	s := &Subscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for msg := range pubsub.Channel() {
			b.apply(target, msg.Payload)
		}
	}()
	return s, nil
}

func (b *InvalidationBus) apply(target Invalidator, payload string) {
	var ev InvalidationEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		b.logger.Warn("dropping malformed invalidation", zap.Error(err))
		return
	}
	if err := ev.Validate(); err != nil {
		b.logger.Warn("dropping invalid invalidation", zap.Error(err))
		return
	}
	if ev.Op == OpAll {
		target.InvalidateAll()
	} else {
		target.Invalidate(ev.Schema, ev.Table)
	}
	b.logger.Debug("applied invalidation", zap.String("op", ev.Op), zap.String("schema", ev.Schema), zap.String("table", ev.Table))
}

// Close stops the subscription and waits for the delivery loop to exit.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}
