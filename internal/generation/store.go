package generation

import (
	"context"
	"time"
)

// Condition guards a conditional update. Zero fields are not checked.
type Condition struct {
	Status          Status
	LockToken       *string
	HeartbeatBefore *time.Time
	UpdatedBefore   *time.Time
	RetryDueBefore  *time.Time
}

type JobFilter struct {
	SessionRef string
	UserRef    string
	Statuses   []Status
	// HeartbeatBefore matches jobs whose heartbeat is older than the cutoff,
	// or missing while updated_at is older than it.
	HeartbeatBefore *time.Time
	UpdatedBefore   *time.Time
	RetryDueBefore  *time.Time
	Limit           int
}

// Store is the record store the processor and sweeper mutate jobs through.
// UpdateJob reports false when the condition no longer holds.
type Store interface {
	CreateJob(ctx context.Context, job *Job) (*Job, bool, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	UpdateJob(ctx context.Context, id string, fields map[string]any, cond Condition) (bool, error)
	FindJobs(ctx context.Context, f JobFilter) ([]Job, error)
}

// Authorizer answers whether a caller may act on a session.
type Authorizer interface {
	CanAccess(ctx context.Context, userRef, sessionRef string) (bool, error)
}

// Dispatcher schedules Execute for a job somewhere, in process or through a
// broker.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}
