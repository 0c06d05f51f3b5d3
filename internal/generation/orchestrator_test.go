package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/HanTheDev/promptgen/internal/cache"
	"github.com/HanTheDev/promptgen/internal/db"
	"github.com/HanTheDev/promptgen/internal/errors"
	"github.com/HanTheDev/promptgen/internal/models"
	"github.com/HanTheDev/promptgen/internal/provider"
	"github.com/HanTheDev/promptgen/internal/quota"
	"github.com/HanTheDev/promptgen/internal/recorder"
)

var testNow = time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

type harness struct {
	orch     *Orchestrator
	store    *db.MemoryStore
	usage    *quota.MemoryStore
	recorder *recorder.Recorder
	tee      *sampleTee
}

// sampleTee forwards to the real recorder and keeps the template samples.
type sampleTee struct {
	*recorder.Recorder
	mu      sync.Mutex
	samples []models.TemplateStatsSample
}

func (s *sampleTee) RecordTemplateSample(ctx context.Context, templateID string, sample models.TemplateStatsSample) {
	s.mu.Lock()
	s.samples = append(s.samples, sample)
	s.mu.Unlock()
	s.Recorder.RecordTemplateSample(ctx, templateID, sample)
}

func (s *sampleTee) recorded() []models.TemplateStatsSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TemplateStatsSample(nil), s.samples...)
}

func newHarness(t *testing.T, completer Completer) *harness {
	t.Helper()
	return newHarnessWithRemote(t, completer, nil)
}

func newHarnessWithRemote(t *testing.T, completer Completer, remote cache.Remote) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	store := db.NewMemoryStore()
	require.NoError(t, store.UpsertTemplate(ctx, &models.Template{
		ID:      "greeting",
		Name:    "Greeting",
		Content: "Hello {{name}}{{#if title}}, {{title}}{{/if}}!",
		ParameterSchema: []models.ParameterDescriptor{
			{Key: "name", Type: models.TypeString, Required: true},
			{Key: "title", Type: models.TypeString},
		},
	}))
	require.NoError(t, store.UpsertTemplate(ctx, &models.Template{
		ID:          "premium",
		Content:     "Premium",
		AccessLevel: models.AccessPro,
	}))

	usage := quota.NewMemoryStore()
	enforcer := quota.NewEnforcer(usage, quota.DefaultLimits(), quota.WithClock(func() time.Time { return testNow }))

	cm, err := cache.NewManager(remote, cache.Config{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(cm.Close)

	rec := recorder.New(store, nil, recorder.Config{Logger: logger})
	tee := &sampleTee{Recorder: rec}

	orch := New(Deps{
		Templates: store,
		Quota:     enforcer,
		Cache:     cm,
		Provider:  completer,
		Recorder:  tee,
	}, Config{Now: func() time.Time { return testNow }, Logger: logger})

	return &harness{orch: orch, store: store, usage: usage, recorder: rec, tee: tee}
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, h.recorder.Close(context.Background()))
}

func (h *harness) history(t *testing.T, userID string) []models.HistoryRecord {
	t.Helper()
	h.flush(t)
	recs, err := h.store.ListHistory(context.Background(), userID, 100)
	require.NoError(t, err)
	return recs
}

var free = Caller{UserID: "u1", Plan: models.AccessFree}

func templateRequest(params map[string]any) models.GenerationRequest {
	return models.GenerationRequest{Mode: models.ModeTemplate, TemplateID: "greeting", Parameters: params}
}

func directRequest() models.GenerationRequest {
	return models.GenerationRequest{
		Mode:         models.ModeDirect,
		Goal:         "Write a cover letter for a junior backend developer role",
		Requirements: []string{"mention Go experience", "  ", "keep it under one page"},
		Options:      models.Options{Tone: "professional", Length: "short"},
	}
}

func failingProvider(t *testing.T) (*provider.Client, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return provider.NewClient(provider.Config{
		BaseURL:     srv.URL,
		MaxRetries:  2,
		Timeout:     time.Second,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}), &calls
}

func workingProvider(t *testing.T) (*provider.Client, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"model":   "gpt-test",
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "You are a hiring expert.  \r\n\r\n\r\nWrite the letter."}}},
			"usage":   map[string]any{"prompt_tokens": 40, "completion_tokens": 9},
		})
	}))
	t.Cleanup(srv.Close)
	return provider.NewClient(provider.Config{BaseURL: srv.URL}), &calls
}

func TestGenerate_TemplateExamples(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.orch.Generate(ctx, free, templateRequest(map[string]any{"name": "Ana"}))
	require.NoError(t, err)
	assert.Equal(t, "Hello Ana!", res.Content)
	assert.Equal(t, models.SourceTemplate, res.Metadata.Source)
	assert.Equal(t, "greeting", res.Metadata.TemplateUsed)
	assert.False(t, res.Metadata.Cached)
	assert.NotEmpty(t, res.ID)
	assert.Contains(t, res.Suggestions[0], "title")

	res, err = h.orch.Generate(ctx, free, templateRequest(map[string]any{"name": "Ana", "title": "Dr."}))
	require.NoError(t, err)
	assert.Equal(t, "Hello Ana, Dr.!", res.Content)
	assert.Equal(t, map[string]any{"name": "Ana", "title": "Dr."}, res.Metadata.ParametersApplied)
}

func TestGenerate_ReplayCountsTwiceWithRunningAverage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	req := templateRequest(map[string]any{"name": "Ana"})

	first, err := h.orch.Generate(ctx, free, req)
	require.NoError(t, err)
	second, err := h.orch.Generate(ctx, free, req)
	require.NoError(t, err)

	assert.True(t, second.Metadata.Cached)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.Content, second.Content)

	samples := h.tee.recorded()
	require.Len(t, samples, 2)
	assert.Equal(t, samples[0].RenderTimeMs, samples[1].RenderTimeMs, "a hit replays the measured render time")

	h.flush(t)
	tpl, err := h.store.GetTemplate(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, int64(2), tpl.UsageCount)
	assert.InDelta(t, samples[0].RenderTimeMs, tpl.AverageRenderTimeMs, 1e-9, "an identical replay leaves the average unchanged")
	assert.InDelta(t, 1.0, tpl.SuccessRate, 1e-9)

	assert.Len(t, h.history(t, "u1"), 2)
	used, _ := h.usage.Usage(ctx, "u1", "2025-06")
	assert.Equal(t, int64(2), used, "cache hits still consume quota")
}

func TestGenerate_QuotaDenialWritesNoHistory(t *testing.T) {
	h := newHarness(t, nil)
	h.usage.Set("u1", "2025-06", 50)

	_, err := h.orch.Generate(context.Background(), free, templateRequest(map[string]any{"name": "Ana"}))
	var qe *errors.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, int64(50), qe.Limit)
	assert.Equal(t, int64(50), qe.Used)
	assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), qe.ResetDate)

	assert.Empty(t, h.history(t, "u1"))
	tpl, _ := h.store.GetTemplate(context.Background(), "greeting")
	assert.Equal(t, int64(0), tpl.UsageCount)
}

func TestGenerate_QuotaGateRunsBeforeTemplateLookup(t *testing.T) {
	for _, id := range []string{"nope", "premium"} {
		t.Run(id, func(t *testing.T) {
			h := newHarness(t, nil)
			h.usage.Set("u1", "2025-06", 50)

			_, err := h.orch.Generate(context.Background(), free, models.GenerationRequest{Mode: models.ModeTemplate, TemplateID: id})
			var qe *errors.QuotaExceededError
			require.True(t, errors.As(err, &qe), "got %v", err)
			assert.Equal(t, 403, errors.HTTPStatus(err))
			assert.Equal(t, "QUOTA_EXCEEDED", errors.Code(err))
		})
	}
}

func TestGenerate_ResultSharedThroughRemoteTier(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	remote := cache.NewRedisStore(client, "test:")
	ctx := context.Background()
	req := templateRequest(map[string]any{"name": "Ana"})

	a := newHarnessWithRemote(t, nil, remote)
	first, err := a.orch.Generate(ctx, free, req)
	require.NoError(t, err)
	assert.False(t, first.Metadata.Cached)
	a.orch.cache.Close()

	b := newHarnessWithRemote(t, nil, remote)
	second, err := b.orch.Generate(ctx, free, req)
	require.NoError(t, err)
	assert.True(t, second.Metadata.Cached)
	assert.Equal(t, "Hello Ana!", second.Content)
	assert.Equal(t, models.SourceTemplate, second.Metadata.Source)
	assert.NotEqual(t, first.ID, second.ID)

	samples := b.tee.recorded()
	require.Len(t, samples, 1)
	assert.Equal(t, a.tee.recorded()[0].RenderTimeMs, samples[0].RenderTimeMs)
	assert.Equal(t, int64(1), b.orch.cache.Stats()[cache.ClassResult].RemoteHits)
}

func TestGenerate_FallbackWhenProviderIsDown(t *testing.T) {
	client, calls := failingProvider(t)
	h := newHarness(t, client)

	res, err := h.orch.Generate(context.Background(), free, directRequest())
	require.NoError(t, err)
	assert.Equal(t, models.SourceFallback, res.Metadata.Source)
	assert.Equal(t, FallbackModel, res.Metadata.Model)
	assert.Contains(t, res.Content, "Write a cover letter")
	assert.Contains(t, res.Content, "- mention Go experience")
	assert.NotContains(t, res.Content, "\n\n\n")
	assert.Equal(t, int32(3), calls.Load())

	recs := h.history(t, "u1")
	require.Len(t, recs, 1)
	assert.Equal(t, models.SourceFallback, recs[0].Source)

	again, err := h.orch.Generate(context.Background(), free, directRequest())
	require.NoError(t, err)
	assert.False(t, again.Metadata.Cached, "fallback output is not cached")
	assert.Equal(t, res.Content, again.Content, "fallback is deterministic")
}

func TestGenerate_FallbackWhenProviderUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := provider.NewClient(provider.Config{BaseURL: url, MaxRetries: 1, BackoffBase: time.Millisecond})
	h := newHarness(t, client)

	res, err := h.orch.Generate(context.Background(), free, directRequest())
	require.NoError(t, err)
	assert.Equal(t, models.SourceFallback, res.Metadata.Source)
}

func TestGenerate_DirectWithProvider(t *testing.T) {
	client, calls := workingProvider(t)
	h := newHarness(t, client)

	res, err := h.orch.Generate(context.Background(), free, directRequest())
	require.NoError(t, err)
	assert.Equal(t, models.SourceDirect, res.Metadata.Source)
	assert.Equal(t, "gpt-test", res.Metadata.Model)
	assert.Equal(t, 9, res.Metadata.TokenCount)
	assert.Equal(t, "You are a hiring expert.\n\nWrite the letter.", res.Content)

	cached, err := h.orch.Generate(context.Background(), free, directRequest())
	require.NoError(t, err)
	assert.True(t, cached.Metadata.Cached)
	assert.Equal(t, int32(1), calls.Load())

	other := directRequest()
	other.Options.Tone = "casual"
	_, err = h.orch.Generate(context.Background(), free, other)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "different options miss the cache")
}

func TestGenerate_CancelledCallerDoesNotFallBack(t *testing.T) {
	client, _ := failingProvider(t)
	h := newHarness(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.orch.Generate(ctx, free, directRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.history(t, "u1"))
}

func TestGenerate_Rejections(t *testing.T) {
	tests := []struct {
		name        string
		caller      Caller
		req         models.GenerationRequest
		status      int
		code        string
		quotaCharge int64
	}{
		{"unsupported mode", free, models.GenerationRequest{Mode: "poem"}, 400, "UNSUPPORTED_MODE", 0},
		{"unknown template", free, models.GenerationRequest{Mode: models.ModeTemplate, TemplateID: "nope"}, 404, "NOT_FOUND", 1},
		{"plan too low", free, models.GenerationRequest{Mode: models.ModeTemplate, TemplateID: "premium"}, 403, "ACCESS_DENIED", 1},
		{"missing template id", free, models.GenerationRequest{Mode: models.ModeTemplate}, 400, errors.CodeMissingField, 1},
		{"missing required parameter", free, templateRequest(nil), 400, errors.CodeMissingField, 1},
		{"goal too short", free, models.GenerationRequest{Mode: models.ModeDirect, Goal: "hi"}, 400, errors.CodeConstraintViolation, 1},
		{"bad tone", free, models.GenerationRequest{Mode: models.ModeDirect, Goal: "a perfectly fine goal", Options: models.Options{Tone: "angry"}}, 400, errors.CodeConstraintViolation, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			_, err := h.orch.Generate(context.Background(), tt.caller, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.status, errors.HTTPStatus(err))
			assert.Equal(t, tt.code, errors.Code(err))

			used, _ := h.usage.Usage(context.Background(), tt.caller.UserID, "2025-06")
			assert.Equal(t, tt.quotaCharge, used)
			assert.Empty(t, h.history(t, tt.caller.UserID))
		})
	}
}

func TestGenerate_ProPlanReachesPremiumTemplate(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.orch.Generate(context.Background(), Caller{UserID: "p1", Plan: models.AccessPro},
		models.GenerationRequest{Mode: models.ModeTemplate, TemplateID: "premium", Options: models.Options{IncludeInstructions: true}})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "Premium\n\n---\nHow to use this prompt:")
}

func TestGenerate_BrokenTemplateRecordsFailedSample(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.UpsertTemplate(ctx, &models.Template{ID: "broken", Content: "{{#if x}}"}))

	_, err := h.orch.Generate(ctx, free, models.GenerationRequest{Mode: models.ModeTemplate, TemplateID: "broken"})
	require.Error(t, err)
	assert.Equal(t, 500, errors.HTTPStatus(err))
	assert.Equal(t, "TEMPLATE_INVALID", errors.Code(err))

	h.flush(t)
	tpl, err := h.store.GetTemplate(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, int64(0), tpl.UsageCount)
	assert.InDelta(t, 0.0, tpl.SuccessRate, 1e-9)
}
