// Package recorder persists generation history and template statistics off
// the request path. Writes are best effort: failures are logged and counted,
// never returned to the caller.
package recorder

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HanTheDev/promptgen/internal/events"
	"github.com/HanTheDev/promptgen/internal/metrics"
	"github.com/HanTheDev/promptgen/internal/models"
)

type Sink interface {
	InsertGenerationHistory(ctx context.Context, rec *models.HistoryRecord) error
	UpdateTemplateStats(ctx context.Context, templateID string, sample models.TemplateStatsSample) error
}

type Config struct {
	WriteTimeout time.Duration
	MaxPending   int
	Topic        string
	Logger       *zap.Logger
}

type Recorder struct {
	sink      Sink
	publisher events.Publisher
	topic     string
	timeout   time.Duration
	logger    *zap.Logger

	pending chan struct{}
	wg      sync.WaitGroup
}

// New returns a recorder writing to sink. publisher may be nil.
func New(sink Sink, publisher events.Publisher, cfg Config) *Recorder {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 512
	}
	if cfg.Topic == "" {
		cfg.Topic = events.TopicGenerationCompleted
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		sink:      sink,
		publisher: publisher,
		topic:     cfg.Topic,
		timeout:   cfg.WriteTimeout,
		logger:    logger.Named("recorder"),
		pending:   make(chan struct{}, cfg.MaxPending),
	}
}

type completedEvent struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	Mode             models.Mode   `json:"mode"`
	TemplateID       string        `json:"template_id,omitempty"`
	Source           models.Source `json:"source"`
	Model            string        `json:"model"`
	TokenCount       int           `json:"token_count"`
	GenerationTimeMs int64         `json:"generation_time_ms"`
	Cached           bool          `json:"cached"`
	CreatedAt        time.Time     `json:"created_at"`
}

// RecordGeneration stores rec and, when a publisher is configured, emits a
// generation.completed event for it.
func (r *Recorder) RecordGeneration(ctx context.Context, rec models.HistoryRecord) {
	r.spawn(ctx, "history", func(ctx context.Context) error {
		if err := r.sink.InsertGenerationHistory(ctx, &rec); err != nil {
			return err
		}
		if r.publisher == nil {
			return nil
		}

		payload, err := json.Marshal(completedEvent{
			ID:               rec.ID,
			UserID:           rec.UserID,
			Mode:             rec.Mode,
			TemplateID:       rec.TemplateID,
			Source:           rec.Source,
			Model:            rec.Model,
			TokenCount:       rec.TokenCount,
			GenerationTimeMs: rec.GenerationTimeMs,
			Cached:           rec.Cached,
			CreatedAt:        rec.CreatedAt,
		})
		if err != nil {
			return err
		}
		if err := r.publisher.Publish(ctx, r.topic, []byte(rec.UserID), payload); err != nil {
			metrics.BackgroundWritesTotal.WithLabelValues("event", "error").Inc()
			r.logger.Warn("failed to publish generation event", zap.String("id", rec.ID), zap.Error(err))
			return nil
		}
		metrics.BackgroundWritesTotal.WithLabelValues("event", "ok").Inc()
		return nil
	})
}

func (r *Recorder) RecordTemplateSample(ctx context.Context, templateID string, sample models.TemplateStatsSample) {
	r.spawn(ctx, "template_stats", func(ctx context.Context) error {
		return r.sink.UpdateTemplateStats(ctx, templateID, sample)
	})
}

func (r *Recorder) spawn(ctx context.Context, kind string, write func(context.Context) error) {
	select {
	case r.pending <- struct{}{}:
	default:
		metrics.BackgroundWritesTotal.WithLabelValues(kind, "dropped").Inc()
		r.logger.Warn("background write queue full, dropping write", zap.String("kind", kind))
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.pending }()

		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		if err := write(bgCtx); err != nil {
			metrics.BackgroundWritesTotal.WithLabelValues(kind, "error").Inc()
			r.logger.Error("background write failed", zap.String("kind", kind), zap.Error(err))
			return
		}
		metrics.BackgroundWritesTotal.WithLabelValues(kind, "ok").Inc()
	}()
}

// Close waits for in-flight writes or until ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
