package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KlingAdapter drives the Kling task API: submit a task, then poll it until
// it succeeds or fails. Every call is signed with a short lived HS256 token
// derived from the access/secret key pair.
type KlingAdapter struct {
	BaseURL   string
	AccessKey string
	SecretKey string
	Model     string
	Media     MediaType
	Client    *http.Client
	Submit    submitPolicy
	Poll      pollConfig
	TokenTTL  time.Duration

	now func() time.Time
}

// kling business codes for authentication problems (expired, not yet valid,
// malformed or missing token)
const (
	klingAuthCodeMin = 1000
	klingAuthCodeMax = 1004
)

type klingEnvelope struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

type klingTask struct {
	TaskID        string         `json:"task_id"`
	TaskStatus    string         `json:"task_status"`
	TaskStatusMsg string         `json:"task_status_msg"`
	TaskResult    map[string]any `json:"task_result"`
}

type KlingOptions struct {
	BaseURL      string
	AccessKey    string
	SecretKey    string
	PollInterval time.Duration
	MaxPolls     int
}

func NewKlingAdapter(opts KlingOptions, caps Capabilities) (*KlingAdapter, error) {
	if strings.TrimSpace(opts.AccessKey) == "" || strings.TrimSpace(opts.SecretKey) == "" {
		return nil, ErrMissingCredentials
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api-singapore.klingai.com"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = 180
	}
	return &KlingAdapter{
		BaseURL:   opts.BaseURL,
		AccessKey: opts.AccessKey,
		SecretKey: opts.SecretKey,
		Model:     caps.ProviderModel,
		Media:     caps.MediaType,
		Client:    &http.Client{Timeout: 60 * time.Second},
		Submit:    submitPolicy{Attempts: 3, Wait: time.Second},
		Poll:      pollConfig{Interval: opts.PollInterval, MaxAttempts: opts.MaxPolls, MaxAuthFailures: 20},
		TokenTTL:  30 * time.Minute,
	}, nil
}

// klingCreds caches one signed token for the lifetime of a single Generate
// call and re-signs it when it is close to expiry or was rejected.
type klingCreds struct {
	a       *KlingAdapter
	token   string
	expires time.Time
}

func (c *klingCreds) header() (string, error) {
	now := c.a.clock()
	if c.token != "" && now.Add(time.Minute).Before(c.expires) {
		return "Bearer " + c.token, nil
	}
	tok, exp, err := c.a.signToken(now)
	if err != nil {
		return "", err
	}
	c.token, c.expires = tok, exp
	return "Bearer " + c.token, nil
}

func (c *klingCreds) invalidate() { c.token = "" }

func (a *KlingAdapter) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

func (a *KlingAdapter) signToken(now time.Time) (string, time.Time, error) {
	ttl := a.TokenTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    a.AccessKey,
		ExpiresAt: jwt.NewNumericDate(exp),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(a.SecretKey))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("kling: sign token: %w", err)
	}
	return signed, exp, nil
}

func (a *KlingAdapter) Generate(ctx context.Context, req GenerationRequest) GenerationResponse {
	start := time.Now()
	m := &Metrics{}
	done := func(resp GenerationResponse) GenerationResponse {
		m.Elapsed = time.Since(start)
		return resp
	}

	path, body, err := a.buildRequest(req)
	if err != nil {
		return done(Failed(err, m))
	}
	creds := &klingCreds{a: a}

	task, attempts, err := submitWithRetry(ctx, a.Submit, func(attempt int) (klingTask, error) {
		if attempt > 1 {
			creds.invalidate()
		}
		var t klingTask
		err := a.call(ctx, creds, http.MethodPost, joinURL(a.BaseURL, path), body, &t)
		return t, err
	}, func(err error) bool {
		return isKlingAuthError(err) || safeToResubmit(err)
	})
	m.Submissions = attempts
	if err != nil {
		return done(Failed(err, m))
	}
	if strings.TrimSpace(task.TaskID) == "" {
		return done(Failed(ErrNoTaskID, m))
	}
	m.ProviderTaskID = task.TaskID

	var final klingTask
	polls, err := pollTask(ctx, a.Poll, func(ctx context.Context, _ int) (bool, error) {
		var t klingTask
		if err := a.call(ctx, creds, http.MethodGet, joinURL(a.BaseURL, path, task.TaskID), nil, &t); err != nil {
			if isKlingAuthError(err) {
				creds.invalidate()
			}
			return false, err
		}
		switch strings.ToLower(t.TaskStatus) {
		case "succeed", "succeeded":
			final = t
			return true, nil
		case "failed":
			return false, &TaskFailedError{Provider: "kling", TaskID: task.TaskID, Reason: t.TaskStatusMsg}
		default:
			// submitted, processing
			return false, nil
		}
	}, isKlingAuthError)
	m.Polls = polls
	if err != nil {
		return done(Failed(err, m))
	}

	outputs := normalizeKlingResult(final.TaskResult)
	if len(outputs) == 0 {
		return done(Failed(fmt.Errorf("kling task %s: %w", task.TaskID, ErrNoOutput), m))
	}
	return done(Completed(outputs, m))
}

// buildRequest picks the endpoint and shapes the native payload. The same
// path, suffixed with the task id, is the status endpoint.
func (a *KlingAdapter) buildRequest(req GenerationRequest) (string, map[string]any, error) {
	p := req.Params
	body := map[string]any{}
	for k, v := range p.Extra {
		body[k] = v
	}
	body["model_name"] = a.Model
	body["prompt"] = req.Prompt
	if req.NegativePrompt != "" {
		body["negative_prompt"] = req.NegativePrompt
	}

	images := make([]string, 0, len(p.ReferenceImages))
	for _, ref := range p.ReferenceImages {
		raw, err := rawImagePayload(ref)
		if err != nil {
			return "", nil, err
		}
		images = append(images, raw)
	}

	if a.Media == MediaImage {
		if p.AspectRatio != "" {
			body["aspect_ratio"] = p.AspectRatio
		}
		body["n"] = p.Outputs()
		if len(images) > 0 {
			body["image"] = images[0]
		}
		return "v1/images/generations", body, nil
	}

	body["duration"] = klingDuration(p.DurationSeconds)
	if _, ok := body["mode"]; !ok {
		body["mode"] = "std"
		if strings.EqualFold(p.Resolution, "1080p") {
			body["mode"] = "pro"
		}
	}
	if len(images) == 0 {
		if p.AspectRatio != "" {
			body["aspect_ratio"] = p.AspectRatio
		}
		return "v1/videos/text2video", body, nil
	}
	body["image"] = images[0]
	if len(images) > 1 {
		body["image_tail"] = images[1]
	}
	return "v1/videos/image2video", body, nil
}

func klingDuration(seconds int) string {
	if seconds >= 10 {
		return "10"
	}
	return "5"
}

// call performs one signed request and unwraps the {code,message,data}
// envelope. Business errors come back as *StatusError with Code set.
func (a *KlingAdapter) call(ctx context.Context, creds *klingCreds, method, url string, body any, out *klingTask) error {
	auth, err := creds.header()
	if err != nil {
		return err
	}
	var env klingEnvelope
	err = doJSON(ctx, a.Client, "kling", method, url, map[string]string{"Authorization": auth}, body, &env)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			fillKlingCode(se)
		}
		return err
	}
	if env.Code != 0 {
		return &StatusError{Provider: "kling", Code: strconv.Itoa(env.Code), Message: env.Message}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("kling: decode task: %w", err)
	}
	return nil
}

// fillKlingCode lifts code/message out of an error body like
// {"code":1004,"message":"token expired"}.
func fillKlingCode(se *StatusError) {
	var env klingEnvelope
	if json.Unmarshal([]byte(se.Message), &env) != nil || env.Code == 0 {
		return
	}
	se.Code = strconv.Itoa(env.Code)
	if env.Message != "" {
		se.Message = env.Message
	}
}

func isKlingAuthError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) || se.Provider != "kling" {
		return false
	}
	if se.StatusCode == http.StatusUnauthorized {
		return true
	}
	code, convErr := strconv.Atoi(se.Code)
	return convErr == nil && code >= klingAuthCodeMin && code <= klingAuthCodeMax
}

// normalizeKlingResult accepts task_result.videos / images / works, each
// either a list or a single object, and the url under any of the keys the
// API has used.
func normalizeKlingResult(result map[string]any) []Output {
	var outputs []Output
	for _, key := range []string{"videos", "images", "works"} {
		raw, ok := result[key]
		if !ok || raw == nil {
			continue
		}
		var items []any
		switch v := raw.(type) {
		case []any:
			items = v
		case map[string]any:
			items = []any{v}
		}
		for _, it := range items {
			obj, ok := it.(map[string]any)
			if !ok {
				continue
			}
			if o, ok := klingOutput(obj); ok {
				outputs = append(outputs, o)
			}
		}
	}
	return outputs
}

func klingOutput(obj map[string]any) (Output, bool) {
	// works[] nests the media under "resource"
	if res, ok := obj["resource"].(map[string]any); ok {
		if o, ok := klingOutput(res); ok {
			return o, true
		}
	}
	var url string
	for _, k := range []string{"url", "resource", "video_url", "image_url"} {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			url = strings.TrimSpace(s)
			break
		}
	}
	if url == "" {
		return Output{}, false
	}
	o := Output{URL: url, DurationSeconds: anyFloat(obj["duration"])}
	o.Width = int(anyFloat(obj["width"]))
	o.Height = int(anyFloat(obj["height"]))
	return o, true
}

// anyFloat reads numbers that may arrive as JSON numbers or strings.
func anyFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return f
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}

var _ Adapter = (*KlingAdapter)(nil)
