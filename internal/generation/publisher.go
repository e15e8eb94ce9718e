package generation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/suPer8Hu/ai-genjobs/internal/events"
	"github.com/suPer8Hu/ai-genjobs/internal/logger"
)

const publishTimeout = 2 * time.Second

// Broadcaster pushes job snapshots to the session topic. Failures are logged
// and swallowed; callers can always fall back to polling.
type Broadcaster struct {
	bus    events.Bus
	prefix string
	log    *logger.Logger
}

func NewBroadcaster(bus events.Bus, prefix string, log *logger.Logger) *Broadcaster {
	if log == nil {
		log = logger.Nop()
	}
	return &Broadcaster{bus: bus, prefix: prefix, log: log.With("component", "Broadcaster")}
}

func (b *Broadcaster) Topic(sessionRef string) string {
	return b.prefix + sessionRef
}

func (b *Broadcaster) Broadcast(ctx context.Context, job *Job) {
	if b == nil || b.bus == nil || job == nil {
		return
	}
	snap, err := job.Snapshot()
	if err != nil {
		// still publish the status change; outputs stay readable through Get
		b.log.Error("decode job outputs", "job_id", job.ID, "error", err)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		b.log.Warn("encode job snapshot", "job_id", job.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := b.bus.Publish(ctx, b.Topic(job.SessionRef), raw); err != nil {
		b.log.Warn("publish job snapshot", "job_id", job.ID, "status", job.Status, "error", err)
	}
}

// Subscribe streams raw snapshots for one session.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionRef string) (<-chan []byte, func(), error) {
	return b.bus.Subscribe(ctx, b.Topic(sessionRef))
}
