package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/suPer8Hu/ai-genjobs/internal/ai"
	"github.com/suPer8Hu/ai-genjobs/internal/common"
	"github.com/suPer8Hu/ai-genjobs/internal/config"
	"github.com/suPer8Hu/ai-genjobs/internal/events"
	"github.com/suPer8Hu/ai-genjobs/internal/generation"
	"github.com/suPer8Hu/ai-genjobs/internal/httpapi/handlers"
	"github.com/suPer8Hu/ai-genjobs/internal/worker"
)

const (
	jwtSecret     = "test-secret"
	operatorToken = "op-token"
)

type apiEnv struct {
	router *gin.Engine
	repo   *generation.Repo
	db     *gorm.DB
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, gdb.AutoMigrate(generation.Models()...))

	caps := ai.Capabilities{
		ModelID:               "seedream-4",
		ProviderName:          "mock",
		MediaType:             ai.MediaImage,
		SupportedAspectRatios: []string{"1:1", "16:9"},
		Capabilities:          map[string]bool{"reference_image": true},
	}
	reg := ai.NewRegistry()
	reg.Register(caps, ai.NewMockAdapter("https://cdn.test", 0, caps))
	reg.RegisterUnavailable(ai.Capabilities{ModelID: "kling-v2-1-video", ProviderName: "kling", MediaType: ai.MediaVideo}, ai.ErrMissingCredentials)

	repo := generation.NewRepo(gdb)
	bus := events.NewMemoryBus(nil)
	broadcaster := generation.NewBroadcaster(bus, "gen:session:", nil)

	var proc *generation.Processor
	pool := worker.NewPool(2, 16, func(ctx context.Context, id string) error {
		return proc.Execute(ctx, id)
	}, nil)
	proc = generation.NewProcessor(repo, repo, reg, pool, broadcaster, nil, generation.Options{
		HeartbeatInterval: time.Second,
		StaleAfter:        5 * time.Minute,
		Now:               func() time.Time { return time.Now().UTC() },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = pool.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })

	hash, err := bcrypt.GenerateFromPassword([]byte(operatorToken), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := config.Config{JWTSecret: jwtSecret, OperatorTokenHash: string(hash)}

	h := handlers.NewHandler(proc, repo, reg, broadcaster, nil)
	return &apiEnv{router: NewRouter(cfg, h, nil), repo: repo, db: gdb}
}

func token(t *testing.T, sub string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return s
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *apiEnv) call(t *testing.T, method, path, user string, body any, hdr ...string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func (e *apiEnv) session(t *testing.T, user string) string {
	t.Helper()
	code, env := e.call(t, http.MethodPost, "/sessions", user, map[string]any{"title": "t"})
	require.Equal(t, http.StatusOK, code)
	var out struct {
		SessionRef string `json:"sessionRef"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out.SessionRef
}

func (e *apiEnv) job(t *testing.T, user, id string) generation.JobView {
	t.Helper()
	code, env := e.call(t, http.MethodGet, "/generations/"+id, user, nil)
	require.Equal(t, http.StatusOK, code)
	var v generation.JobView
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestSubmitRunsToCompletion(t *testing.T) {
	e := newAPI(t)
	s := e.session(t, "u1")

	code, env := e.call(t, http.MethodPost, "/generations", "u1", map[string]any{
		"sessionRef": s,
		"modelId":    "seedream-4",
		"prompt":     "a cat",
		"parameters": map[string]any{"aspectRatio": "1:1"},
	})
	require.Equal(t, http.StatusAccepted, code)
	var accepted struct {
		JobID  string `json:"jobId"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &accepted))
	assert.Equal(t, "queued", accepted.Status)

	require.Eventually(t, func() bool {
		return e.job(t, "u1", accepted.JobID).Status == generation.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	v := e.job(t, "u1", accepted.JobID)
	require.Len(t, v.Outputs, 1)
	assert.NotEmpty(t, v.Outputs[0].URL)

	code, env = e.call(t, http.MethodGet, "/generations?sessionRef="+s, "u1", nil)
	require.Equal(t, http.StatusOK, code)
	var list struct {
		Jobs []generation.JobView `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list.Jobs, 1)

	// completed jobs cannot be retried
	code, env = e.call(t, http.MethodPost, "/generations/"+accepted.JobID+"/retry", "u1", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, 40901, env.Code)
}

func TestSubmitErrors(t *testing.T) {
	e := newAPI(t)
	s := e.session(t, "u1")

	cases := []struct {
		name string
		user string
		body map[string]any
		code int
	}{
		{"empty prompt", "u1", map[string]any{"sessionRef": s, "modelId": "seedream-4", "prompt": ""}, http.StatusBadRequest},
		{"unknown model", "u1", map[string]any{"sessionRef": s, "modelId": "unknown-model", "prompt": "a cat"}, http.StatusNotFound},
		{"foreign session", "u2", map[string]any{"sessionRef": s, "modelId": "seedream-4", "prompt": "a cat"}, http.StatusNotFound},
		{"unavailable model", "u1", map[string]any{"sessionRef": s, "modelId": "kling-v2-1-video", "prompt": "a cat"}, http.StatusServiceUnavailable},
		{"no token", "", map[string]any{"sessionRef": s, "modelId": "seedream-4", "prompt": "a cat"}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _ := e.call(t, http.MethodPost, "/generations", tc.user, tc.body)
			assert.Equal(t, tc.code, code)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/generations", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+token(t, "u1"))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"code":10001`)
}

func TestSubmitIdempotencyKey(t *testing.T) {
	e := newAPI(t)
	s := e.session(t, "u1")
	body := map[string]any{"sessionRef": s, "modelId": "seedream-4", "prompt": "a cat"}

	code, first := e.call(t, http.MethodPost, "/generations", "u1", body, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusAccepted, code)
	code, second := e.call(t, http.MethodPost, "/generations", "u1", body, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, string(first.Data), string(second.Data))
}

func TestGetAndRetryErrors(t *testing.T) {
	e := newAPI(t)

	code, _ := e.call(t, http.MethodGet, "/generations/not-an-id", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.call(t, http.MethodGet, "/generations/01HZZZZZZZZZZZZZZZZZZZZZZZ", "u1", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.call(t, http.MethodPost, "/generations/01HZZZZZZZZZZZZZZZZZZZZZZZ/retry", "u1", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func insertStuck(t *testing.T, e *apiEnv, session string, age time.Duration, attempts int) string {
	t.Helper()
	id, err := common.NewULID()
	require.NoError(t, err)
	tok, err := common.NewULID()
	require.NoError(t, err)
	hb := time.Now().UTC().Add(-age)
	job := &generation.Job{
		ID:              id,
		SessionRef:      session,
		UserRef:         "u1",
		ModelID:         "seedream-4",
		Prompt:          "a cat",
		Parameters:      []byte(`{"aspectRatio":"1:1"}`),
		Status:          generation.StatusLocked,
		LastHeartbeatAt: &hb,
		LockToken:       &tok,
		Attempts:        attempts,
		CreatedAt:       hb,
		UpdatedAt:       hb,
	}
	_, _, err = e.repo.CreateJob(context.Background(), job)
	require.NoError(t, err)
	return id
}

func TestAdminCleanupStuck(t *testing.T) {
	e := newAPI(t)
	s := e.session(t, "u1")
	id := insertStuck(t, e, s, 20*time.Minute, 3)

	code, _ := e.call(t, http.MethodPost, "/admin/jobs/cleanup-stuck", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env := e.call(t, http.MethodGet, "/admin/jobs/stuck-or-failed", "", nil, "X-Operator-Token", operatorToken)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), id)

	code, env = e.call(t, http.MethodPost, "/admin/jobs/cleanup-stuck", "", nil, "X-Operator-Token", operatorToken)
	require.Equal(t, http.StatusOK, code)
	var rep generation.SweepReport
	require.NoError(t, json.Unmarshal(env.Data, &rep))
	assert.Equal(t, 1, rep.Transitioned)
	assert.Equal(t, 1, rep.Failed)

	v := e.job(t, "u1", id)
	assert.Equal(t, generation.StatusFailed, v.Status)
	require.NotNil(t, v.ErrorCategory)
	assert.Equal(t, "stuck/abandoned", *v.ErrorCategory)

	// operator retry brings it back and the pool completes it
	code, _ = e.call(t, http.MethodPost, "/admin/jobs/"+id+"/retry", "", nil, "X-Operator-Token", operatorToken)
	require.Equal(t, http.StatusOK, code)
	require.Eventually(t, func() bool {
		return e.job(t, "u1", id).Status == generation.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

// A stale lock on its first attempt is handed back to the queue rather than
// failed; only a job out of attempts ends as stuck/abandoned.
func TestAdminCleanupStuck_FirstAttemptRequeues(t *testing.T) {
	e := newAPI(t)
	s := e.session(t, "u1")
	id := insertStuck(t, e, s, 20*time.Minute, 1)

	code, env := e.call(t, http.MethodPost, "/admin/jobs/cleanup-stuck", "", nil, "X-Operator-Token", operatorToken)
	require.Equal(t, http.StatusOK, code)
	var rep generation.SweepReport
	require.NoError(t, json.Unmarshal(env.Data, &rep))
	assert.Equal(t, 1, rep.Transitioned)
	assert.Equal(t, 1, rep.Requeued)
	assert.Equal(t, 0, rep.Failed)

	require.Eventually(t, func() bool {
		return e.job(t, "u1", id).Status == generation.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
	v := e.job(t, "u1", id)
	assert.Nil(t, v.ErrorCategory)
	assert.NotEmpty(t, v.Outputs)
}

func TestModelsAndPing(t *testing.T) {
	e := newAPI(t)

	code, env := e.call(t, http.MethodGet, "/models", "", nil)
	require.Equal(t, http.StatusOK, code)
	var out struct {
		Models []ai.ModelInfo `json:"models"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.Len(t, out.Models, 2)
	assert.Equal(t, "kling-v2-1-video", out.Models[0].ModelID)
	assert.False(t, out.Models[0].Available)
	assert.True(t, out.Models[1].Available)

	code, _ = e.call(t, http.MethodGet, "/ping", "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, env = e.call(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 40400, env.Code)
}

func TestSessionEventsStream(t *testing.T) {
	e := newAPI(t)
	s := e.session(t, "u1")

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sessions/"+s+"/events?token="+token(t, "u1"), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, "event: ready", sc.Text())

	code, _ := e.call(t, http.MethodPost, "/generations", "u1", map[string]any{
		"sessionRef": s, "modelId": "seedream-4", "prompt": "a cat",
	})
	require.Equal(t, http.StatusAccepted, code)

	statuses := map[string]bool{}
	for sc.Scan() && !statuses["completed"] {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, `"jobId"`) {
			continue
		}
		var snap generation.Snapshot
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap))
		statuses[string(snap.Status)] = true
	}
	assert.True(t, statuses["queued"])
	assert.True(t, statuses["completed"])

	// foreign session is hidden
	code, _ = e.call(t, http.MethodGet, "/sessions/"+s+"/events", "u2", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
