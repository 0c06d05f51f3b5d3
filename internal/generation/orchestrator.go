// Package generation runs a prompt generation request through the quota
// gate, the result cache and either the template renderer or the completion
// provider, with a local fallback when the provider is unavailable.
package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/HanTheDev/promptgen/internal/cache"
	"github.com/HanTheDev/promptgen/internal/errors"
	"github.com/HanTheDev/promptgen/internal/metrics"
	"github.com/HanTheDev/promptgen/internal/models"
	"github.com/HanTheDev/promptgen/internal/provider"
	"github.com/HanTheDev/promptgen/internal/quota"
	"github.com/HanTheDev/promptgen/internal/template"
	"github.com/HanTheDev/promptgen/internal/validate"
)

// TemplateModel is reported as the model of template-mode results.
const TemplateModel = "template-engine"

type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
}

type QuotaGate interface {
	Acquire(ctx context.Context, userID string, plan models.PlanTier) (*quota.Grant, error)
}

type Completer interface {
	Complete(ctx context.Context, req provider.ChatRequest) (*provider.Completion, error)
}

type Recorder interface {
	RecordGeneration(ctx context.Context, rec models.HistoryRecord)
	RecordTemplateSample(ctx context.Context, templateID string, sample models.TemplateStatsSample)
}

// Caller identifies who is generating and on which plan.
type Caller struct {
	UserID string
	Plan   models.PlanTier
}

type Config struct {
	ResultTTL          time.Duration
	MinGoalLength      int
	MaxTokensLimit     int
	DefaultTemperature float64
	DefaultMaxTokens   int
	StrictParameters   bool
	Now                func() time.Time
	Logger             *zap.Logger
}

type Deps struct {
	Templates TemplateStore
	Quota     QuotaGate
	Cache     *cache.Manager
	Compiler  *template.Compiler
	Provider  Completer
	Recorder  Recorder
}

type Orchestrator struct {
	templates TemplateStore
	quota     QuotaGate
	cache     *cache.Manager
	compiler  *template.Compiler
	provider  Completer
	recorder  Recorder
	cfg       Config
	tracer    trace.Tracer
	logger    *zap.Logger
}

func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 5 * time.Minute
	}
	if cfg.MinGoalLength <= 0 {
		cfg.MinGoalLength = 10
	}
	if cfg.MaxTokensLimit <= 0 {
		cfg.MaxTokensLimit = 4000
	}
	if cfg.DefaultTemperature <= 0 {
		cfg.DefaultTemperature = 0.7
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 1000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if deps.Cache != nil {
		deps.Cache.Register(cache.ClassResult, cfg.ResultTTL, decodeResult)
	}
	if deps.Compiler == nil {
		deps.Compiler = template.NewCompiler(deps.Cache, 0, logger)
	}

	return &Orchestrator{
		templates: deps.Templates,
		quota:     deps.Quota,
		cache:     deps.Cache,
		compiler:  deps.Compiler,
		provider:  deps.Provider,
		recorder:  deps.Recorder,
		cfg:       cfg,
		tracer:    otel.Tracer("github.com/HanTheDev/promptgen/internal/generation"),
		logger:    logger.Named("generation"),
	}
}

// cachedResult is the result-class cache payload. RenderTimeMs is the time
// measured when the result was produced, replayed into template statistics
// on every hit.
type cachedResult struct {
	Result       models.GenerationResult `json:"result"`
	RenderTimeMs float64                 `json:"render_time_ms"`
}

func decodeResult(data []byte) (any, error) {
	var r cachedResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func modeLabel(m models.Mode) string {
	if m == models.ModeTemplate || m == models.ModeDirect {
		return string(m)
	}
	return "unknown"
}

// Generate produces a prompt for req on behalf of caller.
func (o *Orchestrator) Generate(ctx context.Context, caller Caller, req models.GenerationRequest) (*models.GenerationResult, error) {
	start := time.Now()
	mode := modeLabel(req.Mode)

	ctx, span := o.tracer.Start(ctx, "generation.Generate", trace.WithAttributes(
		attribute.String("generation.mode", mode),
		attribute.String("user.id", caller.UserID),
		attribute.String("user.plan", string(caller.Plan)),
	))
	defer span.End()

	logger := o.logger.With(zap.String("user_id", caller.UserID), zap.String("mode", mode))
	m := newMachine(span, logger)

	result, err := o.run(ctx, m, logger, caller, &req, start)
	if err != nil {
		m.fail()
		code := errors.Code(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		metrics.GenerationFailuresTotal.WithLabelValues(mode, code).Inc()
		if errors.HTTPStatus(err) >= http.StatusInternalServerError {
			logger.Error("generation failed", zap.String("code", code), zap.Error(err))
		} else {
			logger.Info("generation rejected", zap.String("code", code), zap.Error(err))
		}
		return nil, err
	}

	if err := m.to(StateDone); err != nil {
		return nil, err
	}

	source := string(result.Metadata.Source)
	metrics.GenerationsTotal.WithLabelValues(mode, source, boolLabel(result.Metadata.Cached)).Inc()
	metrics.GenerationDuration.WithLabelValues(mode, source).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("generation.source", source), attribute.Bool("generation.cached", result.Metadata.Cached))
	logger.Info("generation completed",
		zap.String("id", result.ID),
		zap.String("source", source),
		zap.Bool("cached", result.Metadata.Cached),
		zap.Int64("generation_time_ms", result.Metadata.GenerationTimeMs))
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, m *machine, logger *zap.Logger, caller Caller, req *models.GenerationRequest, start time.Time) (*models.GenerationResult, error) {
	if req.Mode != models.ModeTemplate && req.Mode != models.ModeDirect {
		return nil, &errors.UnsupportedModeError{Mode: string(req.Mode)}
	}

	if _, err := o.quota.Acquire(ctx, caller.UserID, caller.Plan); err != nil {
		return nil, err
	}
	if err := m.to(StateQuotaChecked); err != nil {
		return nil, err
	}

	var tpl *models.Template
	if req.Mode == models.ModeTemplate && strings.TrimSpace(req.TemplateID) != "" {
		var err error
		if tpl, err = o.templates.GetTemplate(ctx, req.TemplateID); err != nil {
			return nil, err
		}
		if !caller.Plan.Allows(tpl.AccessLevel) {
			return nil, &errors.AccessDeniedError{Required: string(tpl.AccessLevel), Plan: string(caller.Plan)}
		}
	}

	if err := o.checkRequest(req); err != nil {
		return nil, err
	}

	key := o.resultKey(logger, req, tpl)
	cached := o.lookup(ctx, key)
	if err := m.to(StateCacheChecked); err != nil {
		return nil, err
	}

	if cached != nil {
		if err := m.to(StateCacheHit); err != nil {
			return nil, err
		}
		hit := cached.Result
		hit.ID = uuid.NewString()
		hit.Metadata.Cached = true
		hit.Metadata.GenerationTimeMs = time.Since(start).Milliseconds()
		o.persist(ctx, caller, req, tpl, &hit, cached.RenderTimeMs)
		if err := m.to(StatePersisted); err != nil {
			return nil, err
		}
		return &hit, nil
	}

	var (
		result   *models.GenerationResult
		renderMs float64
		err      error
	)
	if req.Mode == models.ModeTemplate {
		if err = m.to(StateRendering); err != nil {
			return nil, err
		}
		result, renderMs, err = o.renderTemplate(ctx, tpl, req)
		if err != nil {
			var ce *errors.CompileError
			if errors.As(err, &ce) && o.recorder != nil {
				o.recorder.RecordTemplateSample(ctx, tpl.ID, models.TemplateStatsSample{Success: false})
			}
			return nil, err
		}
	} else {
		if err = m.to(StateCalling); err != nil {
			return nil, err
		}
		if result, err = o.callProvider(ctx, logger, req); err != nil {
			return nil, err
		}
	}
	if err := m.to(StatePostProcessed); err != nil {
		return nil, err
	}

	result.ID = uuid.NewString()
	result.Metadata.GenerationTimeMs = time.Since(start).Milliseconds()
	if renderMs == 0 {
		renderMs = float64(result.Metadata.GenerationTimeMs)
	}

	// Fallback output is not cached so the next request retries the provider.
	if key != "" && o.cache != nil && result.Metadata.Source != models.SourceFallback {
		o.cache.Set(ctx, cache.ClassResult, key, &cachedResult{Result: *result, RenderTimeMs: renderMs}, o.cfg.ResultTTL)
	}
	o.persist(ctx, caller, req, tpl, result, renderMs)
	if err := m.to(StatePersisted); err != nil {
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) resultKey(logger *zap.Logger, req *models.GenerationRequest, tpl *models.Template) string {
	if o.cache == nil {
		return ""
	}
	subject, hash := strings.TrimSpace(req.Goal), ""
	if tpl != nil {
		subject, hash = tpl.ID, tpl.ContentHash()
	}
	key, err := cache.ResultKey(string(req.Mode), subject, hash, req.Parameters, resultOptions(req))
	if err != nil {
		logger.Warn("cannot fingerprint request, skipping result cache", zap.Error(err))
		return ""
	}
	return key
}

func (o *Orchestrator) lookup(ctx context.Context, key string) *cachedResult {
	if key == "" || o.cache == nil {
		return nil
	}
	v, ok := o.cache.Get(ctx, cache.ClassResult, key)
	if !ok {
		return nil
	}
	r, _ := v.(*cachedResult)
	return r
}

func (o *Orchestrator) renderTemplate(ctx context.Context, tpl *models.Template, req *models.GenerationRequest) (*models.GenerationResult, float64, error) {
	params, err := validate.Validate(tpl.ParameterSchema, req.Parameters, validate.Options{Strict: o.cfg.StrictParameters})
	if err != nil {
		return nil, 0, err
	}

	compiled, err := o.compiler.Compile(ctx, tpl)
	if err != nil {
		return nil, 0, err
	}

	out := template.Render(compiled, params, template.RenderOptions{Escape: req.Options.Escape})
	text := postProcess(out.Text, req.Options.IncludeInstructions)

	return &models.GenerationResult{
		Content: text,
		Metadata: models.Metadata{
			TemplateUsed:      tpl.ID,
			ParametersApplied: params,
			Model:             TemplateModel,
			TokenCount:        EstimateTokens(text),
			Source:            models.SourceTemplate,
		},
		Suggestions: templateSuggestions(tpl, req.Parameters),
	}, out.RenderTimeMs, nil
}

// callProvider only fails when the caller went away. Provider failures are
// answered with a local expansion of the goal.
func (o *Orchestrator) callProvider(ctx context.Context, logger *zap.Logger, req *models.GenerationRequest) (*models.GenerationResult, error) {
	opts := req.Options
	chat := provider.ChatRequest{
		Model:       opts.Model,
		Messages:    buildMessages(req),
		Temperature: o.cfg.DefaultTemperature,
		MaxTokens:   o.cfg.DefaultMaxTokens,
	}
	if opts.Temperature != nil {
		chat.Temperature = *opts.Temperature
	}
	if opts.MaxTokens != nil {
		chat.MaxTokens = *opts.MaxTokens
	}

	var (
		completion *provider.Completion
		err        = errors.New("no completion provider configured")
	)
	if o.provider != nil {
		completion, err = o.provider.Complete(ctx, chat)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "generation abandoned")
		}
		logger.Warn("completion provider unavailable, using local fallback", zap.Error(err))
		text := postProcess(expandLocally(req), opts.IncludeInstructions)
		return &models.GenerationResult{
			Content: text,
			Metadata: models.Metadata{
				Model:      FallbackModel,
				TokenCount: EstimateTokens(text),
				Source:     models.SourceFallback,
			},
			Suggestions: directSuggestions(req, o.cfg.MinGoalLength, true),
		}, nil
	}

	text := postProcess(completion.Content, opts.IncludeInstructions)
	tokens := completion.Usage.CompletionTokens
	if tokens == 0 {
		tokens = EstimateTokens(text)
	}
	return &models.GenerationResult{
		Content: text,
		Metadata: models.Metadata{
			Model:      completion.Model,
			TokenCount: tokens,
			Source:     models.SourceDirect,
		},
		Suggestions: directSuggestions(req, o.cfg.MinGoalLength, false),
	}, nil
}

// persist hands history and statistics to the recorder. Nothing here can
// fail the request.
func (o *Orchestrator) persist(ctx context.Context, caller Caller, req *models.GenerationRequest, tpl *models.Template, result *models.GenerationResult, renderMs float64) {
	if o.recorder == nil {
		return
	}

	rec := models.HistoryRecord{
		ID:               result.ID,
		UserID:           caller.UserID,
		Mode:             req.Mode,
		Goal:             strings.TrimSpace(req.Goal),
		Parameters:       result.Metadata.ParametersApplied,
		Content:          result.Content,
		Source:           result.Metadata.Source,
		Model:            result.Metadata.Model,
		TokenCount:       result.Metadata.TokenCount,
		GenerationTimeMs: result.Metadata.GenerationTimeMs,
		Cached:           result.Metadata.Cached,
		CreatedAt:        o.cfg.Now().UTC(),
	}
	if tpl != nil {
		rec.TemplateID = tpl.ID
	}
	o.recorder.RecordGeneration(ctx, rec)

	if tpl != nil {
		o.recorder.RecordTemplateSample(ctx, tpl.ID, models.TemplateStatsSample{RenderTimeMs: renderMs, Success: true})
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
