package ai

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MockAdapter returns placeholder media after a fixed latency. It lets the
// whole pipeline run locally without provider credentials.
//
// parameters.mock_fail makes it fail with the given message.
type MockAdapter struct {
	BaseURL string
	Latency time.Duration
	Media   MediaType
}

func NewMockAdapter(baseURL string, latency time.Duration, caps Capabilities) *MockAdapter {
	if baseURL == "" {
		baseURL = "https://cdn.example.com/mock"
	}
	return &MockAdapter{BaseURL: baseURL, Latency: latency, Media: caps.MediaType}
}

func (a *MockAdapter) Generate(ctx context.Context, req GenerationRequest) GenerationResponse {
	start := time.Now()
	m := &Metrics{Submissions: 1, ProviderTaskID: "mock-" + req.JobID}

	if a.Latency > 0 {
		t := time.NewTimer(a.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			m.Elapsed = time.Since(start)
			return Failed(ctx.Err(), m)
		case <-t.C:
		}
	}
	m.Elapsed = time.Since(start)

	if msg, ok := req.Params.Extra["mock_fail"].(string); ok && msg != "" {
		return Failed(errors.New(msg), m)
	}

	w, h := mockDims(req.Params.AspectRatio)
	n := req.Params.Outputs()
	outputs := make([]Output, 0, n)
	for i := 0; i < n; i++ {
		o := Output{Width: w, Height: h}
		if a.Media == MediaVideo {
			d := req.Params.DurationSeconds
			if d <= 0 {
				d = 5
			}
			o.URL = joinURL(a.BaseURL, fmt.Sprintf("%s-%d.mp4", req.JobID, i))
			o.DurationSeconds = float64(d)
		} else {
			o.URL = joinURL(a.BaseURL, fmt.Sprintf("%s-%d.png", req.JobID, i))
		}
		outputs = append(outputs, o)
	}
	return Completed(outputs, m)
}

func mockDims(ar string) (int, int) {
	switch ar {
	case "16:9":
		return 1280, 720
	case "9:16":
		return 720, 1280
	default:
		return 1024, 1024
	}
}

var _ Adapter = (*MockAdapter)(nil)
