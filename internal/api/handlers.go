package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/HanTheDev/promptgen/internal/auth"
	"github.com/HanTheDev/promptgen/internal/errors"
	"github.com/HanTheDev/promptgen/internal/generation"
	"github.com/HanTheDev/promptgen/internal/models"
	"github.com/HanTheDev/promptgen/internal/quota"
)

const CodeInvalidRequest = "INVALID_REQUEST"

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type Generator interface {
	Generate(ctx context.Context, caller generation.Caller, req models.GenerationRequest) (*models.GenerationResult, error)
}

type UsageReporter interface {
	Status(ctx context.Context, userID string, plan models.PlanTier) (*quota.Status, error)
}

type PlanResolver interface {
	GetUserPlan(ctx context.Context, userID string) (models.PlanTier, error)
}

type HistoryLister interface {
	ListHistory(ctx context.Context, userID string, limit int) ([]models.HistoryRecord, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	gen     Generator
	usage   UsageReporter
	plans   PlanResolver
	history HistoryLister
	health  Pinger
	logger  *zap.Logger
}

func (h *Handler) caller(r *http.Request) (generation.Caller, error) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return generation.Caller{}, errors.New("request reached handler without claims")
	}
	plan, err := h.plans.GetUserPlan(r.Context(), claims.UserID)
	if err != nil {
		return generation.Caller{}, err
	}
	return generation.Caller{UserID: claims.UserID, Plan: plan}, nil
}

// decode reads a JSON body into dst. An empty body leaves dst untouched.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.NewValidation(CodeInvalidRequest, "body", "request body exceeds %d bytes", maxErr.Limit)
		}
		return errors.NewValidation(CodeInvalidRequest, "body", "request body is not valid JSON")
	}
	return nil
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request, req models.GenerationRequest) {
	caller, err := h.caller(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	result, err := h.gen.Generate(r.Context(), caller, req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req models.GenerationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.generate(w, r, req)
}

func (h *Handler) GenerateFromTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Parameters map[string]any `json:"parameters"`
		Options    models.Options `json:"options"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.generate(w, r, models.GenerationRequest{
		Mode:       models.ModeTemplate,
		TemplateID: mux.Vars(r)["id"],
		Parameters: body.Parameters,
		Options:    body.Options,
	})
}

func (h *Handler) GenerateDirect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Goal         string         `json:"goal"`
		Requirements []string       `json:"requirements"`
		Options      models.Options `json:"options"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.generate(w, r, models.GenerationRequest{
		Mode:         models.ModeDirect,
		Goal:         body.Goal,
		Requirements: body.Requirements,
		Options:      body.Options,
	})
}

func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	caller, err := h.caller(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	status, err := h.usage.Status(r.Context(), caller.UserID, caller.Plan)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, status)
}

// History lists the caller's most recent generations, newest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, errors.New("request reached handler without claims"))
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeError(w, h.logger, errors.NewValidation(CodeInvalidRequest, "limit", "limit must be an integer between 1 and %d", maxHistoryLimit))
			return
		}
		limit = n
	}

	records, err := h.history.ListHistory(r.Context(), claims.UserID, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if records == nil {
		records = []models.HistoryRecord{}
	}
	writeData(w, http.StatusOK, records)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.health != nil {
		if err := h.health.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

// Version is reported by /health.
var Version = "1.0.0"
