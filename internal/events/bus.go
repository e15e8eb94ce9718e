package events

import (
	"context"
	"strings"
	"sync"

	"github.com/suPer8Hu/ai-genjobs/internal/logger"
)

// Bus is a best-effort topic based notification channel. Publish must not
// block on slow subscribers; messages to a full subscriber are dropped.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns a channel of payloads for topic and a cancel func
	// that must be called to release the subscription.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error)
	Close() error
}

const subscriberBuffer = 16

type memorySub struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *memorySub) close() {
	s.once.Do(func() {
		close(s.done)
		close(s.ch)
	})
}

// MemoryBus fans messages out inside one process. It is used when no Redis
// is configured and in tests.
type MemoryBus struct {
	log  *logger.Logger
	mu   sync.RWMutex
	subs map[string]map[*memorySub]struct{}
}

func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Nop()
	}
	return &MemoryBus{
		log:  log.With("component", "MemoryBus"),
		subs: make(map[string]map[*memorySub]struct{}),
	}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[topic] {
		select {
		case s.ch <- payload:
		default:
			b.log.Warn("dropping event for slow subscriber", "topic", topic)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	topic = strings.TrimSpace(topic)
	s := &memorySub{ch: make(chan []byte, subscriberBuffer), done: make(chan struct{})}

	b.mu.Lock()
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[*memorySub]struct{})
		b.subs[topic] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, topic)
			}
		}
		b.mu.Unlock()
		s.close()
	}
	// the watcher ends with either the context or the cancel func
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-s.done:
			}
		}()
	}
	return s.ch, cancel, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]map[*memorySub]struct{})
	b.mu.Unlock()
	for _, set := range subs {
		for s := range set {
			s.close()
		}
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)
