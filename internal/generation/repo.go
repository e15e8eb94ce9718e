package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/suPer8Hu/ai-genjobs/internal/common"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Models lists the tables this package owns, for auto-migration.
func Models() []any {
	return []any{&Session{}, &Job{}}
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// NewSession creates a session owned by userRef under a fresh ref.
func (r *Repo) NewSession(ctx context.Context, userRef, title string) (*Session, error) {
	if strings.TrimSpace(userRef) == "" {
		return nil, ErrUnauthorized
	}
	ref, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	s := &Session{SessionRef: ref, UserRef: userRef, Title: strings.TrimSpace(title)}
	if err := r.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Repo) GetSession(ctx context.Context, sessionRef string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("session_ref = ?", sessionRef).
		First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionRef)
		}
		return nil, err
	}
	return &s, nil
}

// CanAccess is true when the session exists and is owned by userRef.
func (r *Repo) CanAccess(ctx context.Context, userRef, sessionRef string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Session{}).
		Where("session_ref = ? AND user_ref = ?", sessionRef, userRef).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateJob inserts job. When job carries an idempotency key that the same
// user already used, the existing job is returned with created=false.
func (r *Repo) CreateJob(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey != nil && *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
	}
	if job.IdempotencyKey != nil {
		if existing, err := r.getByIdempotencyKey(ctx, job.UserRef, *job.IdempotencyKey); err == nil {
			return existing, false, nil
		}
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}
	if job.IdempotencyKey == nil {
		return nil, false, err
	}

	// lost a race on the unique (user_ref, idempotency_key) index
	existing, getErr := r.getByIdempotencyKey(ctx, job.UserRef, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	return nil, false, err
}

func (r *Repo) getByIdempotencyKey(ctx context.Context, userRef, key string) (*Job, error) {
	var job Job
	if err := r.db.WithContext(ctx).
		Where("user_ref = ? AND idempotency_key = ?", userRef, key).
		First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *Repo) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &j, nil
}

// UpdateJob applies fields only if cond still holds and bumps the version.
// A status change must name the expected current status and follow a legal
// edge.
func (r *Repo) UpdateJob(ctx context.Context, id string, fields map[string]any, cond Condition) (bool, error) {
	if to, ok := statusField(fields); ok {
		if cond.Status == "" || !CanTransition(cond.Status, to) {
			return false, fmt.Errorf("%w: %q -> %q", ErrIllegalTransition, cond.Status, to)
		}
	}

	updates := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	updates["version"] = gorm.Expr("version + ?", 1)

	q := r.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id)
	if cond.Status != "" {
		q = q.Where("status = ?", cond.Status)
	}
	if cond.LockToken != nil {
		q = q.Where("lock_token = ?", *cond.LockToken)
	}
	if cond.HeartbeatBefore != nil {
		q = q.Where("(last_heartbeat_at IS NULL OR last_heartbeat_at < ?)", *cond.HeartbeatBefore)
	}
	if cond.UpdatedBefore != nil {
		q = q.Where("updated_at < ?", *cond.UpdatedBefore)
	}
	if cond.RetryDueBefore != nil {
		q = q.Where("next_retry_at IS NOT NULL AND next_retry_at <= ?", *cond.RetryDueBefore)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func statusField(fields map[string]any) (Status, bool) {
	v, ok := fields["status"]
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case Status:
		return s, true
	case string:
		return Status(s), true
	default:
		return Status(fmt.Sprint(v)), true
	}
}

// FindJobs returns matching jobs, most recent first.
func (r *Repo) FindJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	q := r.db.WithContext(ctx).Model(&Job{})
	if f.SessionRef != "" {
		q = q.Where("session_ref = ?", f.SessionRef)
	}
	if f.UserRef != "" {
		q = q.Where("user_ref = ?", f.UserRef)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.HeartbeatBefore != nil {
		q = q.Where("(last_heartbeat_at < ? OR (last_heartbeat_at IS NULL AND updated_at < ?))", *f.HeartbeatBefore, *f.HeartbeatBefore)
	}
	if f.UpdatedBefore != nil {
		q = q.Where("updated_at < ?", *f.UpdatedBefore)
	}
	if f.RetryDueBefore != nil {
		q = q.Where("next_retry_at IS NOT NULL AND next_retry_at <= ?", *f.RetryDueBefore)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var jobs []Job
	if err := q.Order("created_at DESC").Order("id DESC").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

var (
	_ Store      = (*Repo)(nil)
	_ Authorizer = (*Repo)(nil)
)

// gormIncr is an update value that adds one to col in place.
func gormIncr(col string) any {
	return gorm.Expr(col+" + ?", 1)
}
