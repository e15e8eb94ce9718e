package ai

import (
	"context"
	"time"
)

type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// GenerationRequest is the provider-neutral input handed to an Adapter.
type GenerationRequest struct {
	JobID          string
	ModelID        string
	Prompt         string
	NegativePrompt string
	Params         Parameters
}

type Output struct {
	URL             string  `json:"url"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}

type Metrics struct {
	ProviderTaskID string        `json:"providerTaskId,omitempty"`
	Submissions    int           `json:"submissions,omitempty"`
	Polls          int           `json:"polls,omitempty"`
	Elapsed        time.Duration `json:"elapsed,omitempty"`
}

type ResponseStatus string

const (
	ResponseCompleted ResponseStatus = "completed"
	ResponseFailed    ResponseStatus = "failed"
)

// GenerationResponse is a tagged result: Outputs is set when Status is
// completed, Error/Err when it is failed. Err keeps the typed cause for
// failure classification.
type GenerationResponse struct {
	Status  ResponseStatus
	Outputs []Output
	Metrics *Metrics
	Error   string
	Err     error
}

func Completed(outputs []Output, m *Metrics) GenerationResponse {
	return GenerationResponse{Status: ResponseCompleted, Outputs: outputs, Metrics: m}
}

func Failed(err error, m *Metrics) GenerationResponse {
	msg := "generation failed"
	if err != nil {
		msg = err.Error()
	}
	return GenerationResponse{Status: ResponseFailed, Error: msg, Err: err, Metrics: m}
}

// Adapter is implemented once per external provider. Generate may block for
// as long as the provider job takes; it never panics or returns an error past
// its boundary, failures come back as a failed GenerationResponse.
type Adapter interface {
	Generate(ctx context.Context, req GenerationRequest) GenerationResponse
}

// Capabilities is the static descriptor of a model, loaded from the catalog.
type Capabilities struct {
	ModelID               string          `json:"modelId"`
	ProviderName          string          `json:"providerName"`
	ProviderModel         string          `json:"-"`
	MediaType             MediaType       `json:"mediaType"`
	SupportedAspectRatios []string        `json:"supportedAspectRatios"`
	Capabilities          map[string]bool `json:"capabilities"`
	Defaults              map[string]any  `json:"defaults,omitempty"`
}

func (c Capabilities) SupportsAspectRatio(ar string) bool {
	if len(c.SupportedAspectRatios) == 0 {
		return true
	}
	for _, s := range c.SupportedAspectRatios {
		if s == ar {
			return true
		}
	}
	return false
}

func (c Capabilities) Has(flag string) bool {
	return c.Capabilities[flag]
}
