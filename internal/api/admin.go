package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/HanTheDev/promptgen/internal/cache"
	"github.com/HanTheDev/promptgen/internal/models"
)

type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
}

type TemplateInvalidator interface {
	Invalidate(ctx context.Context, tpl *models.Template) error
}

type AdminHandler struct {
	cache     *cache.Manager
	templates TemplateStore
	compiler  TemplateInvalidator
	usage     UsageReporter
	plans     PlanResolver
	logger    *zap.Logger
}

func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/cache/stats", h.GetCacheStats).Methods(http.MethodGet)
	router.HandleFunc("/templates/{id}/invalidate", h.InvalidateTemplate).Methods(http.MethodPost)
	router.HandleFunc("/users/{id}/usage", h.GetUserUsage).Methods(http.MethodGet)
}

func (h *AdminHandler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	classes := map[cache.Class]cache.ClassStats{}
	entries := 0
	if h.cache != nil {
		classes = h.cache.Stats()
		entries = h.cache.Len()
	}
	writeData(w, http.StatusOK, map[string]any{
		"local_entries": entries,
		"classes":       classes,
	})
}

func (h *AdminHandler) InvalidateTemplate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tpl, err := h.templates.GetTemplate(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.compiler.Invalidate(r.Context(), tpl); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info("compiled template invalidated", zap.String("template_id", id))
	writeData(w, http.StatusOK, map[string]string{"template_id": id, "status": "invalidated"})
}

func (h *AdminHandler) GetUserUsage(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	plan, err := h.plans.GetUserPlan(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	status, err := h.usage.Status(r.Context(), userID, plan)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"user_id": userID, "usage": status})
}
