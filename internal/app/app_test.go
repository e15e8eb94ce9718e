package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/ai-genjobs/internal/config"
	"github.com/suPer8Hu/ai-genjobs/internal/generation"
	"github.com/suPer8Hu/ai-genjobs/internal/logger"
)

type inline struct{ proc *generation.Processor }

func (d *inline) Dispatch(ctx context.Context, jobID string) error {
	return d.proc.Execute(ctx, jobID)
}

func TestNew_WiresEngineOnSQLite(t *testing.T) {
	cfg := config.Config{
		DBDSN:               "file:apptest?mode=memory&cache=shared",
		EventsChannelPrefix: "gen:session:",
		HeartbeatInterval:   time.Second,
		StaleAfter:          time.Minute,
		MaxAutoAttempts:     3,
		MockOutputBaseURL:   "https://cdn.test",
	}
	a, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	defer a.Close()

	models := map[string]bool{}
	for _, m := range a.Registry.List() {
		models[m.ModelID] = m.Available
	}
	assert.True(t, models["mock-image"])
	assert.False(t, models["seedream-4"], "no ARK_API_KEY configured")

	d := &inline{}
	proc := a.NewProcessor(d)
	d.proc = proc

	s, err := a.Repo.NewSession(context.Background(), "u1", "")
	require.NoError(t, err)
	job, _, err := proc.Submit(context.Background(), generation.SubmitRequest{
		UserRef: "u1", SessionRef: s.SessionRef, ModelID: "mock-image", Prompt: "a cat",
	})
	require.NoError(t, err)

	got, err := a.Repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StatusCompleted, got.Status)
}

func TestProviderSettings(t *testing.T) {
	s := ProviderSettings(config.Config{KlingAccessKey: "ak", KlingMaxPolls: 7, ArkAPIKey: "k"})
	assert.Equal(t, "ak", s.KlingAccessKey)
	assert.Equal(t, 7, s.KlingMaxPolls)
	assert.Equal(t, "k", s.ArkAPIKey)
}
