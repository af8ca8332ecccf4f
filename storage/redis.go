package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRedisPrefix namespaces the session hash and its change channel.
const DefaultRedisPrefix = "marketplace:session"

// Redis is a KV stored in one Redis hash per origin. Writes are published on
// a pub/sub channel so every process sharing the hash, the writer included,
// observes them.
type Redis struct {
	client  redis.UniversalClient
	key     string
	channel string
	log     zerolog.Logger

	bus    *Bus
	sub    *redis.PubSub
	done   chan struct{}
	closed sync.Once

	// ownsClient is set when the client was dialed from a URL here.
	ownsClient bool
}

var _ KV = (*Redis)(nil)

// RedisOption configures a Redis backend.
type RedisOption func(*Redis)

// WithRedisLogger sets the logger used for subscription diagnostics.
func WithRedisLogger(l zerolog.Logger) RedisOption {
	return func(r *Redis) {
		r.log = l
	}
}

// NewRedisFromURL parses a redis:// URL and opens origin's key space.
func NewRedisFromURL(ctx context.Context, rawURL, prefix, origin string, opts ...RedisOption) (*Redis, error) {
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(options)
	r, err := NewRedis(ctx, client, prefix, origin, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	r.ownsClient = true
	return r, nil
}

// NewRedis opens origin's key space on client and subscribes to its change
// channel. The caller keeps ownership of client.
func NewRedis(ctx context.Context, client redis.UniversalClient, prefix, origin string, opts ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, errors.New("storage: redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	key := prefix + ":" + origin
	r := &Redis{
		client:  client,
		key:     key,
		channel: key + ":changes",
		log:     zerolog.Nop(),
		bus:     NewBus(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	r.sub = client.Subscribe(ctx, r.channel)
	if _, err := r.sub.Receive(ctx); err != nil {
		r.sub.Close()
		return nil, fmt.Errorf("redis subscribe failed: %w", err)
	}

	go r.listen()
	return r, nil
}

// Key returns the hash holding the data.
func (r *Redis) Key() string {
	return r.key
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.HGet(ctx, r.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget %s: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := r.client.HMGet(ctx, r.key, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget: %w", err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.SetMany(ctx, map[string]string{key: value})
}

func (r *Redis) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	changes := make([]Change, 0, len(values))
	fields := make([]any, 0, len(values)*2)
	for k, v := range values {
		fields = append(fields, k, v)
		changes = append(changes, Change{Key: k, Value: v})
	}

	return r.apply(ctx, changes, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, r.key, fields...)
	})
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	changes := make([]Change, 0, len(keys))
	for _, k := range keys {
		changes = append(changes, Change{Key: k, Deleted: true})
	}

	return r.apply(ctx, changes, func(pipe redis.Pipeliner) {
		pipe.HDel(ctx, r.key, keys...)
	})
}

// apply runs the write and its change notification in one MULTI/EXEC.
func (r *Redis) apply(ctx context.Context, changes []Change, write func(redis.Pipeliner)) error {
	sortChangesByKey(changes)
	payload, err := json.Marshal(changes)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		write(pipe)
		pipe.Publish(ctx, r.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis write failed: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(fn func(Change)) func() {
	return r.bus.Subscribe(fn)
}

// Close ends the subscription. A client passed to NewRedis is left open.
func (r *Redis) Close() error {
	var err error
	r.closed.Do(func() {
		err = r.sub.Close()
		<-r.done
		if r.ownsClient {
			err = errors.Join(err, r.client.Close())
		}
	})
	return err
}

func (r *Redis) listen() {
	defer close(r.done)

	for msg := range r.sub.Channel() {
		var changes []Change
		if err := json.Unmarshal([]byte(msg.Payload), &changes); err != nil {
			r.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed change notification")
			continue
		}
		r.bus.Publish(changes...)
	}
}
