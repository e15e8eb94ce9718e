package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ReplicateAdapter runs official models through the Replicate predictions
// API. Model is "owner/name".
type ReplicateAdapter struct {
	BaseURL string
	Token   string
	Model   string
	Media   MediaType
	Client  *http.Client
	Submit  submitPolicy
	Poll    pollConfig
}

type replicatePrediction struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output any    `json:"output"`
	Error  any    `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

type ReplicateOptions struct {
	BaseURL      string
	Token        string
	PollInterval time.Duration
	MaxPolls     int
}

func NewReplicateAdapter(opts ReplicateOptions, caps Capabilities) (*ReplicateAdapter, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, ErrMissingCredentials
	}
	if !strings.Contains(caps.ProviderModel, "/") {
		return nil, fmt.Errorf("replicate model %q must be owner/name", caps.ProviderModel)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.replicate.com"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = 300
	}
	return &ReplicateAdapter{
		BaseURL: opts.BaseURL,
		Token:   opts.Token,
		Model:   caps.ProviderModel,
		Media:   caps.MediaType,
		Client:  &http.Client{Timeout: 60 * time.Second},
		Submit:  submitPolicy{Attempts: 3, Wait: 2 * time.Second},
		Poll:    pollConfig{Interval: opts.PollInterval, MaxAttempts: opts.MaxPolls},
	}, nil
}

func (a *ReplicateAdapter) Generate(ctx context.Context, req GenerationRequest) GenerationResponse {
	start := time.Now()
	m := &Metrics{}
	done := func(resp GenerationResponse) GenerationResponse {
		m.Elapsed = time.Since(start)
		return resp
	}

	headers := map[string]string{"Authorization": "Bearer " + a.Token}
	url := joinURL(a.BaseURL, "v1/models", a.Model, "predictions")
	body := map[string]any{"input": a.buildInput(req)}

	pred, attempts, err := submitWithRetry(ctx, a.Submit, func(int) (replicatePrediction, error) {
		var p replicatePrediction
		err := doJSON(ctx, a.Client, "replicate", http.MethodPost, url, headers, body, &p)
		return p, err
	}, safeToResubmit)
	m.Submissions = attempts
	if err != nil {
		return done(Failed(err, m))
	}
	if strings.TrimSpace(pred.ID) == "" {
		return done(Failed(ErrNoTaskID, m))
	}
	m.ProviderTaskID = pred.ID

	getURL := pred.URLs.Get
	if getURL == "" {
		getURL = joinURL(a.BaseURL, "v1/predictions", pred.ID)
	}

	final := pred
	if !replicateTerminal(pred.Status) {
		polls, err := pollTask(ctx, a.Poll, func(ctx context.Context, _ int) (bool, error) {
			var p replicatePrediction
			if err := doJSON(ctx, a.Client, "replicate", http.MethodGet, getURL, headers, nil, &p); err != nil {
				return false, err
			}
			final = p
			return replicateTerminal(p.Status), nil
		}, nil)
		m.Polls = polls
		if err != nil {
			return done(Failed(err, m))
		}
	}

	switch final.Status {
	case "succeeded":
	case "canceled":
		return done(Failed(&TaskFailedError{Provider: "replicate", TaskID: pred.ID, Reason: "prediction canceled"}, m))
	default:
		return done(Failed(&TaskFailedError{Provider: "replicate", TaskID: pred.ID, Reason: replicateReason(final.Error)}, m))
	}

	outputs := normalizeReplicateOutput(final.Output)
	if len(outputs) == 0 {
		return done(Failed(fmt.Errorf("replicate prediction %s: %w", pred.ID, ErrNoOutput), m))
	}
	return done(Completed(outputs, m))
}

func (a *ReplicateAdapter) buildInput(req GenerationRequest) map[string]any {
	p := req.Params
	in := map[string]any{}
	for k, v := range p.Extra {
		in[k] = v
	}
	in["prompt"] = req.Prompt
	if req.NegativePrompt != "" {
		in["negative_prompt"] = req.NegativePrompt
	}
	if p.AspectRatio != "" {
		in["aspect_ratio"] = p.AspectRatio
	}
	if p.Seed != nil {
		in["seed"] = *p.Seed
	}
	if p.NumOutputs > 1 {
		in["num_outputs"] = p.NumOutputs
	}
	if a.Media == MediaVideo && p.DurationSeconds > 0 {
		in["duration"] = p.DurationSeconds
	}
	// replicate accepts URLs and data URIs as file inputs
	if p.HasReferenceImage() {
		key := "image_prompt"
		if a.Media == MediaVideo {
			key = "first_frame_image"
		}
		if _, set := in[key]; !set {
			in[key] = p.ReferenceImages[0]
		}
	}
	return in
}

func replicateTerminal(status string) bool {
	switch status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

func replicateReason(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	case map[string]any:
		if d, ok := e["detail"].(string); ok {
			return d
		}
	}
	return fmt.Sprint(v)
}

// normalizeReplicateOutput handles a single URL, a list of URLs, or objects
// carrying a url field.
func normalizeReplicateOutput(v any) []Output {
	var out []Output
	switch o := v.(type) {
	case string:
		if s := strings.TrimSpace(o); s != "" {
			out = append(out, Output{URL: s})
		}
	case []any:
		for _, item := range o {
			out = append(out, normalizeReplicateOutput(item)...)
		}
	case map[string]any:
		for _, k := range []string{"url", "video", "image"} {
			if s, ok := o[k].(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, Output{
					URL:    strings.TrimSpace(s),
					Width:  int(anyFloat(o["width"])),
					Height: int(anyFloat(o["height"])),
				})
				break
			}
		}
	}
	return out
}

var _ Adapter = (*ReplicateAdapter)(nil)
