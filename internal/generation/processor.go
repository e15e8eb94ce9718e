package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/suPer8Hu/ai-genjobs/internal/ai"
	"github.com/suPer8Hu/ai-genjobs/internal/common"
	"github.com/suPer8Hu/ai-genjobs/internal/logger"
)

const tracerName = "github.com/suPer8Hu/ai-genjobs/internal/generation"

type Options struct {
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	// MaxAutoAttempts caps executions before the sweep or auto-retry gives up.
	MaxAutoAttempts int
	AutoRetryFailed bool
	AutoRetryDelay  time.Duration
	Now             func() time.Time
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	if o.MaxAutoAttempts <= 0 {
		o.MaxAutoAttempts = 3
	}
	if o.AutoRetryDelay <= 0 {
		o.AutoRetryDelay = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// ModelResolver is satisfied by *ai.Registry.
type ModelResolver interface {
	Resolve(modelID string) (ai.Capabilities, bool)
	Get(modelID string) (ai.Adapter, error)
}

// Processor owns every status change of a generation job.
type Processor struct {
	store      Store
	auth       Authorizer
	models     ModelResolver
	dispatcher Dispatcher
	events     *Broadcaster
	log        *logger.Logger
	opts       Options
	tracer     trace.Tracer
}

func NewProcessor(store Store, auth Authorizer, models ModelResolver, dispatcher Dispatcher, events *Broadcaster, log *logger.Logger, opts Options) *Processor {
	opts.setDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &Processor{
		store:      store,
		auth:       auth,
		models:     models,
		dispatcher: dispatcher,
		events:     events,
		log:        log.With("component", "JobProcessor"),
		opts:       opts,
		tracer:     otel.Tracer(tracerName),
	}
}

func (p *Processor) now() time.Time { return p.opts.Now() }

type SubmitRequest struct {
	UserRef        string
	SessionRef     string
	ModelID        string
	Prompt         string
	NegativePrompt string
	Parameters     map[string]any
	IdempotencyKey string
}

// Submit validates and persists a queued job, then schedules it. It never
// waits for the provider. created is false when an idempotency key matched an
// existing job.
func (p *Processor) Submit(ctx context.Context, req SubmitRequest) (job *Job, created bool, err error) {
	ctx, span := p.tracer.Start(ctx, "generation.submit", trace.WithAttributes(
		attribute.String("model.id", req.ModelID),
		attribute.String("session.ref", req.SessionRef),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	req.Prompt = strings.TrimSpace(req.Prompt)
	req.SessionRef = strings.TrimSpace(req.SessionRef)
	req.ModelID = strings.TrimSpace(req.ModelID)

	if strings.TrimSpace(req.UserRef) == "" {
		return nil, false, ErrUnauthorized
	}
	if req.Prompt == "" {
		return nil, false, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if req.SessionRef == "" {
		return nil, false, fmt.Errorf("%w: sessionRef is required", ErrInvalidRequest)
	}
	if req.ModelID == "" {
		return nil, false, fmt.Errorf("%w: modelId is required", ErrInvalidRequest)
	}

	caps, ok := p.models.Resolve(req.ModelID)
	if !ok {
		return nil, false, fmt.Errorf("%w: unknown model %q", ErrNotFound, req.ModelID)
	}
	if _, err := p.models.Get(req.ModelID); err != nil {
		if errors.Is(err, ai.ErrModelUnavailable) {
			return nil, false, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		}
		return nil, false, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	params, err := validateParameters(caps, req.Parameters)
	if err != nil {
		return nil, false, err
	}

	allowed, err := p.auth.CanAccess(ctx, req.UserRef, req.SessionRef)
	if err != nil {
		return nil, false, fmt.Errorf("check session access: %w", err)
	}
	if !allowed {
		return nil, false, fmt.Errorf("%w: session %s", ErrNotFound, req.SessionRef)
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	paramsJSON, err := jsonColumn(params)
	if err != nil {
		return nil, false, fmt.Errorf("%w: parameters: %v", ErrInvalidRequest, err)
	}

	now := p.now()
	job = &Job{
		ID:         id,
		SessionRef: req.SessionRef,
		UserRef:    req.UserRef,
		ModelID:    caps.ModelID,
		Prompt:     req.Prompt,
		Parameters: paramsJSON,
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if np := strings.TrimSpace(req.NegativePrompt); np != "" {
		job.NegativePrompt = &np
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		job.IdempotencyKey = &key
	}

	job, created, err = p.store.CreateJob(ctx, job)
	if err != nil {
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", job.ID), attribute.Bool("job.created", created))
	if !created {
		p.log.Info("idempotent submit matched existing job", "job_id", job.ID, "user_ref", job.UserRef)
		return job, false, nil
	}

	p.log.Info("job queued", "job_id", job.ID, "model_id", job.ModelID, "session_ref", job.SessionRef)
	p.events.Broadcast(ctx, job)
	p.dispatch(ctx, job.ID)
	return job, true, nil
}

// validateParameters fills catalog defaults and checks the typed fields
// against the model's declared capabilities. Unknown keys pass through.
func validateParameters(caps ai.Capabilities, raw map[string]any) (map[string]any, error) {
	merged := ai.MergeDefaults(raw, caps.Defaults)
	p, err := ai.ParseParameters(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if p.AspectRatio != "" && !caps.SupportsAspectRatio(p.AspectRatio) {
		return nil, fmt.Errorf("%w: aspect ratio %q is not supported by %s (supported: %s)",
			ErrInvalidRequest, p.AspectRatio, caps.ModelID, strings.Join(caps.SupportedAspectRatios, ", "))
	}
	if p.HasReferenceImage() && !caps.Has("reference_image") {
		return nil, fmt.Errorf("%w: %s does not accept reference images", ErrInvalidRequest, caps.ModelID)
	}
	if p.Outputs() > 1 && !caps.Has("multi_output") {
		return nil, fmt.Errorf("%w: %s produces a single output per job", ErrInvalidRequest, caps.ModelID)
	}
	return merged, nil
}

func (p *Processor) dispatch(ctx context.Context, jobID string) {
	if p.dispatcher == nil {
		return
	}
	if err := p.dispatcher.Dispatch(context.WithoutCancel(ctx), jobID); err != nil {
		// the sweep picks up queued jobs that never got dispatched
		p.log.Warn("dispatch failed", "job_id", jobID, "error", err)
	}
}

// Execute runs one attempt of a queued job. It is a no-op when the job is not
// queued or another execution wins the lock. The returned error is only for
// store failures and interruption; provider failures end up in the record.
func (p *Processor) Execute(ctx context.Context, jobID string) (err error) {
	ctx, span := p.tracer.Start(ctx, "generation.execute", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	log := p.log.With("job_id", jobID)

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warn("execute: job not found")
			return nil
		}
		return err
	}
	if job.Status != StatusQueued {
		log.Debug("execute: job not queued, skipping", "status", job.Status)
		return nil
	}
	span.SetAttributes(attribute.String("model.id", job.ModelID))

	token, err := common.NewULID()
	if err != nil {
		return err
	}

	// queued -> processing
	now := p.now()
	ok, err := p.store.UpdateJob(ctx, jobID, map[string]any{
		"status":            StatusProcessing,
		"lock_token":        token,
		"attempts":          gormIncr("attempts"),
		"last_heartbeat_at": now,
		"updated_at":        now,
	}, Condition{Status: StatusQueued})
	if err != nil {
		return err
	}
	if !ok {
		log.Debug("execute: lost race for queued job")
		return nil
	}
	job.Status, job.LockToken, job.Attempts, job.LastHeartbeatAt, job.UpdatedAt = StatusProcessing, &token, job.Attempts+1, &now, now
	job.Version++

	// processing -> processing_locked, the mutual exclusion point
	now = p.now()
	ok, err = p.store.UpdateJob(ctx, jobID, map[string]any{
		"status":            StatusLocked,
		"last_heartbeat_at": now,
		"updated_at":        now,
	}, Condition{Status: StatusProcessing, LockToken: &token})
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("execute: lock not acquired")
		return nil
	}
	job.Status, job.LastHeartbeatAt, job.UpdatedAt = StatusLocked, &now, now
	job.Version++
	p.events.Broadcast(ctx, job)
	log.Info("job locked", "model_id", job.ModelID, "attempt", job.Attempts)

	adapter, err := p.models.Get(job.ModelID)
	if err != nil {
		return p.finishFailed(ctx, job, token, err)
	}
	raw, err := job.ParameterMap()
	if err != nil {
		return p.finishFailed(ctx, job, token, fmt.Errorf("invalid parameters: %w", err))
	}
	params, err := ai.ParseParameters(raw)
	if err != nil {
		return p.finishFailed(ctx, job, token, fmt.Errorf("invalid parameters: %w", err))
	}
	req := ai.GenerationRequest{
		JobID:   job.ID,
		ModelID: job.ModelID,
		Prompt:  job.Prompt,
		Params:  params,
	}
	if job.NegativePrompt != nil {
		req.NegativePrompt = *job.NegativePrompt
	}

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()
	hbCtx, stopHeartbeat := context.WithCancel(execCtx)
	var lockLost atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeat(hbCtx, jobID, token, func() {
			lockLost.Store(true)
			cancelExec()
		})
	}()

	started := time.Now()
	resp := runAdapter(execCtx, adapter, req)
	stopHeartbeat()
	wg.Wait()

	if lockLost.Load() {
		log.Warn("execute: lock lost during generation, result dropped", "status", resp.Status)
		return nil
	}
	if ctx.Err() != nil {
		// left locked; the sweep re-arms it once the heartbeat goes stale
		log.Warn("execute: interrupted", "error", ctx.Err())
		return ctx.Err()
	}

	span.SetAttributes(attribute.String("generation.status", string(resp.Status)))
	if resp.Metrics != nil {
		span.SetAttributes(
			attribute.String("provider.task_id", resp.Metrics.ProviderTaskID),
			attribute.Int("provider.polls", resp.Metrics.Polls),
		)
	}
	log.Info("adapter returned", "status", resp.Status, "elapsed", time.Since(started).String())

	if resp.Status == ai.ResponseCompleted && len(resp.Outputs) > 0 {
		return p.finishCompleted(ctx, job, token, resp.Outputs)
	}
	cause := resp.Err
	if cause == nil {
		msg := resp.Error
		if resp.Status == ai.ResponseCompleted {
			msg = ai.ErrNoOutput.Error()
		}
		if msg == "" {
			msg = "generation failed"
		}
		cause = errors.New(msg)
	}
	return p.finishFailed(ctx, job, token, cause)
}

// runAdapter turns an adapter panic into a failed response.
func runAdapter(ctx context.Context, adapter ai.Adapter, req ai.GenerationRequest) (resp ai.GenerationResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = ai.Failed(&PanicError{Value: r}, nil)
		}
	}()
	return adapter.Generate(ctx, req)
}

// heartbeat refreshes last_heartbeat_at while this execution holds the lock.
// When the conditional write stops matching, the lock was taken away and
// onLost is called.
func (p *Processor) heartbeat(ctx context.Context, jobID, token string, onLost func()) {
	t := time.NewTicker(p.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		now := p.now()
		ok, err := p.store.UpdateJob(ctx, jobID, map[string]any{
			"last_heartbeat_at": now,
			"updated_at":        now,
		}, Condition{Status: StatusLocked, LockToken: &token})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("heartbeat write failed", "job_id", jobID, "error", err)
			continue
		}
		if !ok {
			p.log.Warn("heartbeat: lock lost", "job_id", jobID)
			onLost()
			return
		}
	}
}

func (p *Processor) finishCompleted(ctx context.Context, job *Job, token string, outputs []ai.Output) error {
	outJSON, err := jsonColumn(outputs)
	if err != nil {
		return p.finishFailed(ctx, job, token, fmt.Errorf("encode outputs: %w", err))
	}
	now := p.now()
	ok, err := p.store.UpdateJob(ctx, job.ID, map[string]any{
		"status":            StatusCompleted,
		"outputs":           outJSON,
		"error_message":     nil,
		"error_category":    nil,
		"error_retryable":   nil,
		"next_retry_at":     nil,
		"last_heartbeat_at": nil,
		"lock_token":        nil,
		"updated_at":        now,
	}, Condition{Status: StatusLocked, LockToken: &token})
	if err != nil {
		return err
	}
	if !ok {
		p.log.Warn("complete: lock lost before write, result dropped", "job_id", job.ID)
		return nil
	}

	job.Status, job.Outputs, job.UpdatedAt = StatusCompleted, outJSON, now
	job.ErrorMessage, job.ErrorCategory, job.ErrorRetryable = nil, nil, nil
	job.LastHeartbeatAt, job.LockToken = nil, nil
	job.Version++
	p.log.Info("job completed", "job_id", job.ID, "outputs", len(outputs))
	p.events.Broadcast(ctx, job)
	return nil
}

func (p *Processor) finishFailed(ctx context.Context, job *Job, token string, cause error) error {
	cls := Classify(cause)
	msg := cause.Error()
	category := string(cls.Category)
	retryable := cls.Retryable
	now := p.now()

	var nextRetry *time.Time
	if p.opts.AutoRetryFailed && retryable && job.Attempts < p.opts.MaxAutoAttempts {
		t := now.Add(p.opts.AutoRetryDelay)
		nextRetry = &t
	}

	ok, err := p.store.UpdateJob(ctx, job.ID, map[string]any{
		"status":            StatusFailed,
		"outputs":           nil,
		"error_message":     msg,
		"error_category":    category,
		"error_retryable":   retryable,
		"next_retry_at":     nextRetry,
		"last_heartbeat_at": nil,
		"lock_token":        nil,
		"updated_at":        now,
	}, Condition{Status: StatusLocked, LockToken: &token})
	if err != nil {
		return err
	}
	if !ok {
		p.log.Warn("fail: lock lost before write, result dropped", "job_id", job.ID, "error", msg)
		return nil
	}

	job.Status, job.Outputs, job.UpdatedAt = StatusFailed, nil, now
	job.ErrorMessage, job.ErrorCategory, job.ErrorRetryable = &msg, &category, &retryable
	job.NextRetryAt, job.LastHeartbeatAt, job.LockToken = nextRetry, nil, nil
	job.Version++
	p.log.Warn("job failed", "job_id", job.ID, "category", category, "retryable", retryable, "error", msg)
	p.events.Broadcast(ctx, job)
	return nil
}

// Retry re-queues a failed job, or one whose heartbeat went stale. userRef
// empty means an operator acting on any job.
func (p *Processor) Retry(ctx context.Context, userRef, jobID string) (*Job, error) {
	job, err := p.getOwned(ctx, userRef, jobID)
	if err != nil {
		return nil, err
	}

	cond := Condition{Status: job.Status}
	switch job.Status {
	case StatusFailed:
	case StatusProcessing, StatusLocked:
		cutoff := p.now().Add(-p.opts.StaleAfter)
		if job.LastHeartbeatAt != nil && !job.LastHeartbeatAt.Before(cutoff) {
			return nil, fmt.Errorf("%w: job %s is being processed", ErrConflict, jobID)
		}
		cond.LockToken = job.LockToken
		cond.HeartbeatBefore = &cutoff
	case StatusCompleted:
		return nil, fmt.Errorf("%w: job %s already completed", ErrConflict, jobID)
	default:
		return nil, fmt.Errorf("%w: job %s is already %s", ErrConflict, jobID, job.Status)
	}

	now := p.now()
	ok, err := p.store.UpdateJob(ctx, jobID, requeueFields(now, true), cond)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: job %s changed state, try again", ErrConflict, jobID)
	}

	job, err = p.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	p.log.Info("job retried", "job_id", jobID, "by_operator", userRef == "")
	p.events.Broadcast(ctx, job)
	p.dispatch(ctx, jobID)
	return job, nil
}

// requeueFields resets a job to a fresh queued record. resetAttempts is set
// for caller initiated retries, which start a new attempt budget.
func requeueFields(now time.Time, resetAttempts bool) map[string]any {
	f := map[string]any{
		"status":            StatusQueued,
		"outputs":           nil,
		"error_message":     nil,
		"error_category":    nil,
		"error_retryable":   nil,
		"next_retry_at":     nil,
		"last_heartbeat_at": nil,
		"lock_token":        nil,
		"updated_at":        now,
	}
	if resetAttempts {
		f["attempts"] = 0
	}
	return f
}

func (p *Processor) Get(ctx context.Context, userRef, jobID string) (*Job, error) {
	return p.getOwned(ctx, userRef, jobID)
}

func (p *Processor) getOwned(ctx context.Context, userRef, jobID string) (*Job, error) {
	if !common.ValidULID(jobID) {
		return nil, fmt.Errorf("%w: malformed job id", ErrInvalidRequest)
	}
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if userRef != "" && job.UserRef != userRef {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return job, nil
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// List returns a session's jobs, most recent first.
func (p *Processor) List(ctx context.Context, userRef, sessionRef string, limit int) ([]Job, error) {
	sessionRef = strings.TrimSpace(sessionRef)
	if sessionRef == "" {
		return nil, fmt.Errorf("%w: sessionRef is required", ErrInvalidRequest)
	}
	allowed, err := p.auth.CanAccess(ctx, userRef, sessionRef)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionRef)
	}
	return p.store.FindJobs(ctx, JobFilter{SessionRef: sessionRef, Limit: clampLimit(limit)})
}

// ListStuckOrFailed is the operator diagnostic listing: failed jobs plus in
// progress jobs with a stale heartbeat, most recently updated first.
func (p *Processor) ListStuckOrFailed(ctx context.Context, limit int) ([]Job, error) {
	limit = clampLimit(limit)
	cutoff := p.now().Add(-p.opts.StaleAfter)

	stuck, err := p.store.FindJobs(ctx, JobFilter{
		Statuses:        []Status{StatusProcessing, StatusLocked},
		HeartbeatBefore: &cutoff,
		Limit:           limit,
	})
	if err != nil {
		return nil, err
	}
	failed, err := p.store.FindJobs(ctx, JobFilter{Statuses: []Status{StatusFailed}, Limit: limit})
	if err != nil {
		return nil, err
	}

	out := append(stuck, failed...)
	sortByUpdatedDesc(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
