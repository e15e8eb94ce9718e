package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReplicate(t *testing.T, baseURL string, caps Capabilities) *ReplicateAdapter {
	t.Helper()
	a, err := NewReplicateAdapter(ReplicateOptions{
		BaseURL:      baseURL,
		Token:        "r8_token",
		PollInterval: time.Millisecond,
		MaxPolls:     5,
	}, caps)
	require.NoError(t, err)
	a.Submit.Wait = time.Millisecond
	return a
}

func TestReplicate_PollsUntilSucceeded(t *testing.T) {
	var input map[string]any
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models/black-forest-labs/flux-1.1-pro/predictions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer r8_token", r.Header.Get("Authorization"))
		var body struct {
			Input map[string]any `json:"input"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		input = body.Input
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"p1","status":"starting"}`))
	})
	mux.HandleFunc("/v1/predictions/p1", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < 2 {
			_, _ = w.Write([]byte(`{"id":"p1","status":"processing"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"p1","status":"succeeded","output":"https://replicate.delivery/out.webp"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	caps := Capabilities{ProviderModel: "black-forest-labs/flux-1.1-pro", MediaType: MediaImage}
	resp := newTestReplicate(t, srv.URL, caps).Generate(context.Background(), GenerationRequest{
		Prompt: "a lighthouse",
		Params: Parameters{AspectRatio: "3:2", ReferenceImages: []string{"https://img/ref.png"}},
	})

	require.Equal(t, ResponseCompleted, resp.Status, resp.Error)
	assert.Equal(t, []Output{{URL: "https://replicate.delivery/out.webp"}}, resp.Outputs)
	assert.Equal(t, "p1", resp.Metrics.ProviderTaskID)
	assert.Equal(t, 2, resp.Metrics.Polls)
	assert.Equal(t, "a lighthouse", input["prompt"])
	assert.Equal(t, "3:2", input["aspect_ratio"])
	assert.Equal(t, "https://img/ref.png", input["image_prompt"])
}

func TestReplicate_UsesGetURLAndListOutput(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models/minimax/video-01/predictions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"p2","status":"starting","urls":{"get":"` + srv.URL + `/custom/p2"}}`))
	})
	mux.HandleFunc("/custom/p2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"p2","status":"succeeded","output":["https://r/a.mp4",{"url":"https://r/b.mp4"}]}`))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	caps := Capabilities{ProviderModel: "minimax/video-01", MediaType: MediaVideo}
	resp := newTestReplicate(t, srv.URL, caps).Generate(context.Background(), GenerationRequest{Prompt: "waves"})

	require.Equal(t, ResponseCompleted, resp.Status, resp.Error)
	require.Len(t, resp.Outputs, 2)
	assert.Equal(t, "https://r/b.mp4", resp.Outputs[1].URL)
}

func TestReplicate_FailedPrediction(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models/o/m/predictions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"p3","status":"failed","error":"NSFW content detected"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp := newTestReplicate(t, srv.URL, Capabilities{ProviderModel: "o/m", MediaType: MediaImage}).
		Generate(context.Background(), GenerationRequest{Prompt: "x"})

	var tf *TaskFailedError
	require.True(t, errors.As(resp.Err, &tf))
	assert.Equal(t, "NSFW content detected", tf.Reason)
	assert.Equal(t, 0, resp.Metrics.Polls)
}

func TestReplicate_RateLimitedResubmitsThenFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"detail":"Request was throttled."}`))
	}))
	defer srv.Close()

	resp := newTestReplicate(t, srv.URL, Capabilities{ProviderModel: "o/m"}).
		Generate(context.Background(), GenerationRequest{Prompt: "x"})

	var se *StatusError
	require.True(t, errors.As(resp.Err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Equal(t, 3, resp.Metrics.Submissions)
}

func TestNewReplicateAdapter_Validation(t *testing.T) {
	_, err := NewReplicateAdapter(ReplicateOptions{}, Capabilities{ProviderModel: "o/m"})
	assert.True(t, errors.Is(err, ErrMissingCredentials))

	_, err = NewReplicateAdapter(ReplicateOptions{Token: "t"}, Capabilities{ProviderModel: "flat"})
	assert.Error(t, err)
}

func TestMockAdapter(t *testing.T) {
	a := NewMockAdapter("https://cdn.test/mock", 0, Capabilities{MediaType: MediaVideo})

	resp := a.Generate(context.Background(), GenerationRequest{JobID: "J9", Params: Parameters{AspectRatio: "16:9", NumOutputs: 2}})
	require.Equal(t, ResponseCompleted, resp.Status)
	require.Len(t, resp.Outputs, 2)
	assert.Equal(t, Output{URL: "https://cdn.test/mock/J9-1.mp4", Width: 1280, Height: 720, DurationSeconds: 5}, resp.Outputs[1])

	resp = a.Generate(context.Background(), GenerationRequest{JobID: "J9", Params: Parameters{Extra: map[string]any{"mock_fail": "boom"}}})
	assert.Equal(t, ResponseFailed, resp.Status)
	assert.Equal(t, "boom", resp.Error)

	slow := NewMockAdapter("", time.Hour, Capabilities{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp = slow.Generate(ctx, GenerationRequest{JobID: "J9"})
	assert.True(t, errors.Is(resp.Err, context.Canceled))
}
