package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisTransport publishes JSON-encoded messages over redis PUBLISH/SUBSCRIBE.
// Each subscription owns one reader goroutine, so a sender's messages reach a
// handler in the order redis delivered them.
type RedisTransport struct {
	client *redis.Client
	logger zerolog.Logger
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Logger   *zerolog.Logger
}

func NewRedisTransport(opts RedisOptions) *RedisTransport {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisTransportFromClient(client, opts.Logger)
}

func NewRedisTransportFromClient(client *redis.Client, logger *zerolog.Logger) *RedisTransport {
	t := &RedisTransport{client: client, logger: zerolog.Nop()}
	if logger != nil {
		t.logger = *logger
	}
	return t
}

func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Kind, err)
	}
	if err := t.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic string, handler func(Message)) (Subscription, error) {
	ps := t.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	sub := &redisSub{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for raw := range ps.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				t.logger.Warn().Err(err).Str("topic", topic).Msg("dropping undecodable message")
				continue
			}
			handler(msg)
		}
	}()
	return sub, nil
}

type redisSub struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
	err  error
}

// Close stops delivery and waits for the reader goroutine. It must not be called
// from inside the subscription's own handler.
func (s *redisSub) Close() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
		<-s.done
	})
	return s.err
}
