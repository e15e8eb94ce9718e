package generation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/suPer8Hu/ai-genjobs/internal/logger"
)

const sweepBatch = 500

// SweepReport counts what one sweep changed. Transitioned is the number of
// status changes (Requeued + Failed + Retried).
type SweepReport struct {
	Transitioned int `json:"transitioned"`
	Requeued     int `json:"requeued"`
	Failed       int `json:"failed"`
	Retried      int `json:"retried"`
	Redispatched int `json:"redispatched"`
}

// Sweep recovers jobs whose execution died. Every write re-checks the status,
// lock token and heartbeat it observed, so it never overrides an execution
// that made progress in between, and a second run right after is a no-op.
func (p *Processor) Sweep(ctx context.Context) (SweepReport, error) {
	ctx, span := p.tracer.Start(ctx, "generation.sweep")
	defer span.End()

	var rep SweepReport
	now := p.now()
	cutoff := now.Add(-p.opts.StaleAfter)

	stuck, err := p.store.FindJobs(ctx, JobFilter{
		Statuses:        []Status{StatusProcessing, StatusLocked},
		HeartbeatBefore: &cutoff,
		Limit:           sweepBatch,
	})
	if err != nil {
		return rep, fmt.Errorf("find stuck jobs: %w", err)
	}
	for i := range stuck {
		j := &stuck[i]
		cond := Condition{Status: j.Status, LockToken: j.LockToken, HeartbeatBefore: &cutoff}

		if j.Attempts < p.opts.MaxAutoAttempts {
			ok, err := p.store.UpdateJob(ctx, j.ID, requeueFields(now, false), cond)
			if err != nil {
				return rep, err
			}
			if !ok {
				continue
			}
			rep.Requeued++
			p.log.Warn("sweep: requeued stuck job", "job_id", j.ID, "status", j.Status, "attempts", j.Attempts)
			p.afterSweepWrite(ctx, j.ID, true)
			continue
		}

		msg := fmt.Sprintf("no heartbeat since %s; abandoned after %d attempts", heartbeatString(j.LastHeartbeatAt), j.Attempts)
		ok, err := p.store.UpdateJob(ctx, j.ID, map[string]any{
			"status":            StatusFailed,
			"outputs":           nil,
			"error_message":     msg,
			"error_category":    string(CategoryStuck),
			"error_retryable":   false,
			"next_retry_at":     nil,
			"last_heartbeat_at": nil,
			"lock_token":        nil,
			"updated_at":        now,
		}, cond)
		if err != nil {
			return rep, err
		}
		if !ok {
			continue
		}
		rep.Failed++
		p.log.Warn("sweep: failed stuck job", "job_id", j.ID, "status", j.Status, "attempts", j.Attempts)
		p.afterSweepWrite(ctx, j.ID, false)
	}

	// queued jobs whose dispatch got lost (broker down, process restart)
	lost, err := p.store.FindJobs(ctx, JobFilter{
		Statuses:      []Status{StatusQueued},
		UpdatedBefore: &cutoff,
		Limit:         sweepBatch,
	})
	if err != nil {
		return rep, fmt.Errorf("find undispatched jobs: %w", err)
	}
	for _, j := range lost {
		ok, err := p.store.UpdateJob(ctx, j.ID, map[string]any{"updated_at": now},
			Condition{Status: StatusQueued, UpdatedBefore: &cutoff})
		if err != nil {
			return rep, err
		}
		if !ok {
			continue
		}
		rep.Redispatched++
		p.log.Info("sweep: re-dispatching queued job", "job_id", j.ID)
		p.dispatch(ctx, j.ID)
	}

	if p.opts.AutoRetryFailed {
		due, err := p.store.FindJobs(ctx, JobFilter{
			Statuses:       []Status{StatusFailed},
			RetryDueBefore: &now,
			Limit:          sweepBatch,
		})
		if err != nil {
			return rep, fmt.Errorf("find retryable jobs: %w", err)
		}
		for _, j := range due {
			ok, err := p.store.UpdateJob(ctx, j.ID, requeueFields(now, false),
				Condition{Status: StatusFailed, RetryDueBefore: &now})
			if err != nil {
				return rep, err
			}
			if !ok {
				continue
			}
			rep.Retried++
			p.log.Info("sweep: auto-retrying failed job", "job_id", j.ID, "attempts", j.Attempts)
			p.afterSweepWrite(ctx, j.ID, true)
		}
	}

	rep.Transitioned = rep.Requeued + rep.Failed + rep.Retried
	span.SetAttributes(
		attribute.Int("sweep.requeued", rep.Requeued),
		attribute.Int("sweep.failed", rep.Failed),
		attribute.Int("sweep.retried", rep.Retried),
		attribute.Int("sweep.redispatched", rep.Redispatched),
	)
	return rep, nil
}

func (p *Processor) afterSweepWrite(ctx context.Context, jobID string, dispatch bool) {
	if job, err := p.store.GetJob(ctx, jobID); err == nil {
		p.events.Broadcast(ctx, job)
	}
	if dispatch {
		p.dispatch(ctx, jobID)
	}
}

func heartbeatString(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func sortByUpdatedDesc(jobs []Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		return jobs[i].UpdatedAt.After(jobs[k].UpdatedAt)
	})
}

// Sweeper runs Sweep on a fixed interval until its context ends.
type Sweeper struct {
	proc     *Processor
	interval time.Duration
	log      *logger.Logger
}

func NewSweeper(proc *Processor, interval time.Duration, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.Nop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{proc: proc, interval: interval, log: log.With("component", "StuckJobSweeper")}
}

func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.log.Info("sweeper started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		case <-t.C:
			rep, err := s.proc.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.Error("sweep failed", "error", err)
				continue
			}
			if rep.Transitioned > 0 || rep.Redispatched > 0 {
				s.log.Info("sweep done",
					"requeued", rep.Requeued, "failed", rep.Failed,
					"retried", rep.Retried, "redispatched", rep.Redispatched)
			}
		}
	}
}
