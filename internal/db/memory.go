package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/HanTheDev/promptgen/internal/errors"
	"github.com/HanTheDev/promptgen/internal/models"
)

// MemoryStore keeps templates, plans and history in process. It backs local
// runs without DATABASE_URL and mirrors the statistics arithmetic of
// UpdateTemplateStats.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]*memTemplate
	plans     map[string]models.PlanTier
	history   []models.HistoryRecord
	now       func() time.Time
}

type memTemplate struct {
	tpl     models.Template
	samples int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: make(map[string]*memTemplate),
		plans:     make(map[string]models.PlanTier),
		now:       time.Now,
	}
}

func (s *MemoryStore) GetTemplate(_ context.Context, id string) (*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "template %s", id)
	}
	tpl := t.tpl
	tpl.ParameterSchema = append([]models.ParameterDescriptor(nil), t.tpl.ParameterSchema...)
	return &tpl, nil
}

func (s *MemoryStore) UpsertTemplate(_ context.Context, tpl *models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if t, ok := s.templates[tpl.ID]; ok {
		t.tpl.Name = tpl.Name
		t.tpl.Description = tpl.Description
		t.tpl.Category = tpl.Category
		t.tpl.Content = tpl.Content
		t.tpl.ParameterSchema = append([]models.ParameterDescriptor(nil), tpl.ParameterSchema...)
		t.tpl.AccessLevel = tpl.AccessLevel
		t.tpl.UpdatedAt = now
		return nil
	}

	stored := *tpl
	stored.ParameterSchema = append([]models.ParameterDescriptor(nil), tpl.ParameterSchema...)
	stored.UsageCount = 0
	stored.AverageRenderTimeMs = 0
	stored.SuccessRate = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.AccessLevel == "" {
		stored.AccessLevel = models.AccessFree
	}
	s.templates[tpl.ID] = &memTemplate{tpl: stored}
	return nil
}

func (s *MemoryStore) UpdateTemplateStats(_ context.Context, templateID string, sample models.TemplateStatsSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[templateID]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "template %s", templateID)
	}

	success := 0.0
	if sample.Success {
		n := float64(t.tpl.UsageCount)
		t.tpl.AverageRenderTimeMs = (t.tpl.AverageRenderTimeMs*n + sample.RenderTimeMs) / (n + 1)
		t.tpl.UsageCount++
		success = 1
	}
	m := float64(t.samples)
	t.tpl.SuccessRate = (t.tpl.SuccessRate*m + success) / (m + 1)
	t.samples++
	t.tpl.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) InsertGenerationHistory(_ context.Context, rec *models.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.history {
		if h.ID == rec.ID {
			return nil
		}
	}
	s.history = append(s.history, *rec)
	return nil
}

func (s *MemoryStore) ListHistory(_ context.Context, userID string, limit int) ([]models.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.HistoryRecord
	for _, h := range s.history {
		if h.UserID == userID {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SetUserPlan(userID string, plan models.PlanTier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[userID] = plan
}

func (s *MemoryStore) GetUserPlan(_ context.Context, userID string) (models.PlanTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if plan, ok := s.plans[userID]; ok {
		return plan, nil
	}
	return models.AccessFree, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
