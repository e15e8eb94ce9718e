package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/ai-genjobs/internal/events"
	"github.com/suPer8Hu/ai-genjobs/internal/logger"
)

type Options struct {
	Addr     string
	Password string
	DB       int
}

// Bus publishes job snapshots over Redis pub/sub so every API replica can
// serve event streams for any session.
type Bus struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewClient(opts Options) (*goredis.Client, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, errors.New("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewBus(log *logger.Logger, rdb *goredis.Client) *Bus {
	if log == nil {
		log = logger.Nop()
	}
	return &Bus{log: log.With("component", "RedisBus"), rdb: rdb}
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b == nil || b.rdb == nil {
		return errors.New("redis bus not initialized")
	}
	return b.rdb.Publish(ctx, topic, payload).Err()
}

func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	if b == nil || b.rdb == nil {
		return nil, nil, errors.New("redis bus not initialized")
	}
	sub := b.rdb.Subscribe(ctx, topic)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				select {
				case out <- []byte(m.Payload):
				default:
					b.log.Warn("dropping event for slow subscriber", "topic", topic)
				}
			}
		}
	}()
	return out, cancel, nil
}

func (b *Bus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

var _ events.Bus = (*Bus)(nil)
