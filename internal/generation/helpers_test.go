package generation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/suPer8Hu/ai-genjobs/internal/ai"
	"github.com/suPer8Hu/ai-genjobs/internal/common"
	"github.com/suPer8Hu/ai-genjobs/internal/events"
)

const (
	testUser    = "u1"
	testSession = "S1"
	testModel   = "seedream-4"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type adapterFunc func(ctx context.Context, req ai.GenerationRequest) ai.GenerationResponse

func (f adapterFunc) Generate(ctx context.Context, req ai.GenerationRequest) ai.GenerationResponse {
	return f(ctx, req)
}

func succeed(context.Context, ai.GenerationRequest) ai.GenerationResponse {
	return ai.Completed([]ai.Output{{URL: "https://cdn.test/out.png", Width: 2048, Height: 2048}}, &ai.Metrics{Submissions: 1})
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, jobID)
	return nil
}

func (d *recordingDispatcher) Dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_", "=", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type harness struct {
	repo  *Repo
	reg   *ai.Registry
	clock *fakeClock
	disp  *recordingDispatcher
	bus   *events.MemoryBus
	proc  *Processor
}

func seedreamCaps() ai.Capabilities {
	return ai.Capabilities{
		ModelID:               testModel,
		ProviderName:          "seedream",
		MediaType:             ai.MediaImage,
		SupportedAspectRatios: []string{"1:1", "16:9", "9:16"},
		Capabilities:          map[string]bool{"reference_image": true, "multi_output": true},
		Defaults:              map[string]any{"aspectRatio": "1:1"},
	}
}

func newHarness(t *testing.T, opts Options, adapter ai.Adapter) *harness {
	t.Helper()
	h := &harness{
		repo:  NewRepo(openTestDB(t)),
		reg:   ai.NewRegistry(),
		clock: newFakeClock(),
		disp:  &recordingDispatcher{},
		bus:   events.NewMemoryBus(nil),
	}
	if adapter == nil {
		adapter = adapterFunc(succeed)
	}
	h.reg.Register(seedreamCaps(), adapter)
	h.reg.Register(ai.Capabilities{ModelID: "single-shot", MediaType: ai.MediaImage}, adapter)
	h.reg.RegisterUnavailable(ai.Capabilities{ModelID: "kling-v2-1-video", MediaType: ai.MediaVideo}, ai.ErrMissingCredentials)

	if opts.Now == nil {
		opts.Now = h.clock.Now
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Hour
	}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	h.proc = NewProcessor(h.repo, h.repo, h.reg, h.disp, NewBroadcaster(h.bus, "gen:session:", nil), nil, opts)

	if err := h.repo.CreateSession(context.Background(), &Session{SessionRef: testSession, UserRef: testUser}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return h
}

func (h *harness) submit(t *testing.T, prompt string, params map[string]any) *Job {
	t.Helper()
	job, _, err := h.proc.Submit(context.Background(), SubmitRequest{
		UserRef:    testUser,
		SessionRef: testSession,
		ModelID:    testModel,
		Prompt:     prompt,
		Parameters: params,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return job
}

func (h *harness) get(t *testing.T, id string) *Job {
	t.Helper()
	job, err := h.repo.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

// insertJob writes a job row directly, bypassing the processor, to set up
// states such as a long dead execution.
func (h *harness) insertJob(t *testing.T, status Status, heartbeat *time.Time, attempts int) *Job {
	t.Helper()
	id, err := common.NewULID()
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	now := h.clock.Now()
	job := &Job{
		ID:              id,
		SessionRef:      testSession,
		UserRef:         testUser,
		ModelID:         testModel,
		Prompt:          "a cat",
		Parameters:      []byte(`{"aspectRatio":"1:1"}`),
		Status:          status,
		LastHeartbeatAt: heartbeat,
		Attempts:        attempts,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if status.InProgress() {
		tok, _ := common.NewULID()
		job.LockToken = &tok
	}
	if _, _, err := h.repo.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	return job
}

func timePtr(t time.Time) *time.Time { return &t }

func mustOutputs(t *testing.T, j *Job) []ai.Output {
	t.Helper()
	out, err := j.OutputList()
	if err != nil {
		t.Fatalf("outputs: %v", err)
	}
	return out
}

func mustParams(t *testing.T, j *Job) map[string]any {
	t.Helper()
	out, err := j.ParameterMap()
	if err != nil {
		t.Fatalf("parameters: %v", err)
	}
	return out
}

// checkInvariants asserts the record level invariants of a single job.
func checkInvariants(t *testing.T, j *Job) {
	t.Helper()
	if !j.Status.Valid() {
		t.Fatalf("job %s has invalid status %q", j.ID, j.Status)
	}
	outputs := mustOutputs(t, j)
	if (j.Status == StatusCompleted) != (len(outputs) > 0) {
		t.Fatalf("job %s: status %s but %d outputs", j.ID, j.Status, len(outputs))
	}
	hasError := j.ErrorCategory != nil && j.ErrorRetryable != nil
	if (j.Status == StatusFailed) != hasError {
		t.Fatalf("job %s: status %s but error category set=%v", j.ID, j.Status, hasError)
	}
	if j.Status.InProgress() && j.LockToken == nil {
		t.Fatalf("job %s: %s without lock token", j.ID, j.Status)
	}
	if !j.Status.InProgress() && (j.LockToken != nil || j.LastHeartbeatAt != nil) {
		t.Fatalf("job %s: %s still carries lock/heartbeat", j.ID, j.Status)
	}
}
