package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type AccessLevel string

const (
	AccessFree       AccessLevel = "free"
	AccessPro        AccessLevel = "pro"
	AccessEnterprise AccessLevel = "enterprise"
)

// PlanTier is the subscription tier of a user. Tiers share the access level
// vocabulary so a plan can be compared directly against a template.
type PlanTier = AccessLevel

func (a AccessLevel) rank() int {
	switch a {
	case AccessPro:
		return 1
	case AccessEnterprise:
		return 2
	default:
		return 0
	}
}

// Allows reports whether a plan may use content published at the given level.
func (a AccessLevel) Allows(level AccessLevel) bool {
	return a.rank() >= level.rank()
}

func (a AccessLevel) Valid() bool {
	switch a {
	case AccessFree, AccessPro, AccessEnterprise:
		return true
	}
	return false
}

type ParameterType string

const (
	TypeString  ParameterType = "string"
	TypeNumber  ParameterType = "number"
	TypeInteger ParameterType = "integer"
	TypeBoolean ParameterType = "boolean"
	TypeArray   ParameterType = "array"
)

type ParameterDescriptor struct {
	Key         string        `json:"key" yaml:"key"`
	Label       string        `json:"label,omitempty" yaml:"label,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Type        ParameterType `json:"type" yaml:"type"`
	Required    bool          `json:"required" yaml:"required"`
	Default     any           `json:"default,omitempty" yaml:"default,omitempty"`
	Enum        []string      `json:"enum,omitempty" yaml:"enum,omitempty"`
	Min         *float64      `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64      `json:"max,omitempty" yaml:"max,omitempty"`
}

type Template struct {
	ID                  string                `json:"id"`
	Name                string                `json:"name"`
	Description         string                `json:"description,omitempty"`
	Category            string                `json:"category,omitempty"`
	Content             string                `json:"content"`
	ParameterSchema     []ParameterDescriptor `json:"parameter_schema"`
	AccessLevel         AccessLevel           `json:"access_level"`
	UsageCount          int64                 `json:"usage_count"`
	AverageRenderTimeMs float64               `json:"average_render_time_ms"`
	SuccessRate         float64               `json:"success_rate"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

// ContentHash returns the sha256 of the template source. Compiled plans are
// keyed by it, so any edit to the content invalidates them.
func (t *Template) ContentHash() string {
	sum := sha256.Sum256([]byte(t.Content))
	return hex.EncodeToString(sum[:])
}

type Mode string

const (
	ModeTemplate Mode = "template"
	ModeDirect   Mode = "direct"
)

type Source string

const (
	SourceTemplate Source = "template"
	SourceDirect   Source = "ai-direct"
	SourceFallback Source = "fallback"
)

type Options struct {
	Model               string   `json:"model,omitempty"`
	Temperature         *float64 `json:"temperature,omitempty"`
	MaxTokens           *int     `json:"maxTokens,omitempty"`
	Tone                string   `json:"tone,omitempty"`
	Length              string   `json:"length,omitempty"`
	Language            string   `json:"language,omitempty"`
	Escape              bool     `json:"escape,omitempty"`
	IncludeInstructions bool     `json:"includeInstructions,omitempty"`
}

type GenerationRequest struct {
	Mode         Mode           `json:"mode"`
	TemplateID   string         `json:"templateId,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Goal         string         `json:"goal,omitempty"`
	Requirements []string       `json:"requirements,omitempty"`
	Options      Options        `json:"options"`
}

type Metadata struct {
	TemplateUsed      string         `json:"templateUsed,omitempty"`
	ParametersApplied map[string]any `json:"parametersApplied,omitempty"`
	Model             string         `json:"model"`
	TokenCount        int            `json:"tokenCount"`
	GenerationTimeMs  int64          `json:"generationTimeMs"`
	Source            Source         `json:"source"`
	Cached            bool           `json:"cached"`
}

type GenerationResult struct {
	ID          string   `json:"id"`
	Content     string   `json:"prompt"`
	Metadata    Metadata `json:"metadata"`
	Suggestions []string `json:"suggestions,omitempty"`
}

type UsageRecord struct {
	UserID    string    `json:"user_id"`
	PeriodKey string    `json:"period_key"`
	Count     int64     `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

type HistoryRecord struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	Mode             Mode           `json:"mode"`
	TemplateID       string         `json:"template_id,omitempty"`
	Goal             string         `json:"goal,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	Content          string         `json:"content"`
	Source           Source         `json:"source"`
	Model            string         `json:"model"`
	TokenCount       int            `json:"token_count"`
	GenerationTimeMs int64          `json:"generation_time_ms"`
	Cached           bool           `json:"cached"`
	CreatedAt        time.Time      `json:"created_at"`
}

type TemplateStatsSample struct {
	RenderTimeMs float64
	Success      bool
}
