package generation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/suPer8Hu/ai-genjobs/internal/ai"
)

type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	SessionRef string `gorm:"type:varchar(26);not null;index:idx_gen_session_created,priority:1"`
	UserRef    string `gorm:"type:varchar(64);not null;index;index:uniq_gen_user_idempo,unique,priority:1"`
	ModelID    string `gorm:"type:varchar(64);not null"`

	Prompt         string         `gorm:"type:text;not null"`
	NegativePrompt *string        `gorm:"type:text"`
	Parameters     datatypes.JSON `gorm:"not null"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_gen_user_idempo,unique,priority:2"`

	Status Status `gorm:"type:varchar(24);index;not null"`

	// Filled when completed
	Outputs datatypes.JSON

	// Filled when failed
	ErrorMessage   *string `gorm:"type:text"`
	ErrorCategory  *string `gorm:"type:varchar(32)"`
	ErrorRetryable *bool
	NextRetryAt    *time.Time `gorm:"index"`

	// Execution bookkeeping, never exposed to callers
	LastHeartbeatAt *time.Time `gorm:"index"`
	LockToken       *string    `gorm:"type:varchar(26)"`
	Attempts        int        `gorm:"not null;default:0"`
	Version         int64      `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"index:idx_gen_session_created,priority:2"`
	UpdatedAt time.Time `gorm:"index"`
}

func (Job) TableName() string { return "generation_jobs" }

// JobView is the caller facing representation of a job.
type JobView struct {
	JobID           string         `json:"jobId"`
	SessionRef      string         `json:"sessionRef"`
	ModelID         string         `json:"modelId"`
	Prompt          string         `json:"prompt"`
	NegativePrompt  string         `json:"negativePrompt,omitempty"`
	Parameters      map[string]any `json:"parameters"`
	Status          Status         `json:"status"`
	Outputs         []ai.Output    `json:"outputs"`
	ErrorMessage    *string        `json:"errorMessage,omitempty"`
	ErrorCategory   *string        `json:"errorCategory,omitempty"`
	ErrorRetryable  *bool          `json:"errorRetryable,omitempty"`
	LastHeartbeatAt *time.Time     `json:"lastHeartbeatAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// View builds the caller representation. A column that fails to decode is
// rendered empty and reported in the returned error.
func (j *Job) View() (JobView, error) {
	params, perr := j.ParameterMap()
	outputs, oerr := j.OutputList()
	v := JobView{
		JobID:           j.ID,
		SessionRef:      j.SessionRef,
		ModelID:         j.ModelID,
		Prompt:          j.Prompt,
		Parameters:      params,
		Status:          j.Status,
		Outputs:         outputs,
		ErrorMessage:    j.ErrorMessage,
		ErrorCategory:   j.ErrorCategory,
		ErrorRetryable:  j.ErrorRetryable,
		LastHeartbeatAt: j.LastHeartbeatAt,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
	if j.NegativePrompt != nil {
		v.NegativePrompt = *j.NegativePrompt
	}
	return v, errors.Join(perr, oerr)
}

func (j *Job) ParameterMap() (map[string]any, error) {
	out := map[string]any{}
	if len(j.Parameters) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(j.Parameters, &out); err != nil {
		return map[string]any{}, fmt.Errorf("job %s: decode parameters: %w", j.ID, err)
	}
	return out, nil
}

func (j *Job) OutputList() ([]ai.Output, error) {
	out := []ai.Output{}
	if len(j.Outputs) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(j.Outputs, &out); err != nil {
		return []ai.Output{}, fmt.Errorf("job %s: decode outputs: %w", j.ID, err)
	}
	return out, nil
}

// Snapshot is the compact state pushed to session subscribers.
type Snapshot struct {
	JobID          string      `json:"jobId"`
	SessionRef     string      `json:"sessionRef"`
	ModelID        string      `json:"modelId"`
	Status         Status      `json:"status"`
	Outputs        []ai.Output `json:"outputs,omitempty"`
	ErrorMessage   *string     `json:"errorMessage,omitempty"`
	ErrorCategory  *string     `json:"errorCategory,omitempty"`
	ErrorRetryable *bool       `json:"errorRetryable,omitempty"`
	Version        int64       `json:"version"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

func (j *Job) Snapshot() (Snapshot, error) {
	outputs, err := j.OutputList()
	return Snapshot{
		JobID:          j.ID,
		SessionRef:     j.SessionRef,
		ModelID:        j.ModelID,
		Status:         j.Status,
		Outputs:        outputs,
		ErrorMessage:   j.ErrorMessage,
		ErrorCategory:  j.ErrorCategory,
		ErrorRetryable: j.ErrorRetryable,
		Version:        j.Version,
		UpdatedAt:      j.UpdatedAt,
	}, err
}

func jsonColumn(v any) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
