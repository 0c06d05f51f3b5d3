package generation

import (
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/HanTheDev/promptgen/internal/errors"
	"github.com/HanTheDev/promptgen/internal/models"
)

func (o *Orchestrator) checkRequest(req *models.GenerationRequest) error {
	var vs []errors.Violation
	add := func(code, field, msg string) {
		vs = append(vs, errors.Violation{Code: code, Field: field, Message: msg})
	}

	switch req.Mode {
	case models.ModeTemplate:
		if strings.TrimSpace(req.TemplateID) == "" {
			add(errors.CodeMissingField, "templateId", "templateId is required")
		}
	case models.ModeDirect:
		goal := strings.TrimSpace(req.Goal)
		switch n := utf8.RuneCountInString(goal); {
		case n == 0:
			add(errors.CodeMissingField, "goal", "goal is required")
		case n < o.cfg.MinGoalLength:
			add(errors.CodeConstraintViolation, "goal", "goal must be at least "+strconv.Itoa(o.cfg.MinGoalLength)+" characters")
		}
	}

	opts := req.Options
	if t := opts.Temperature; t != nil && (*t < 0 || *t > 2) {
		add(errors.CodeConstraintViolation, "options.temperature", "temperature must be between 0 and 2")
	}
	if m := opts.MaxTokens; m != nil && (*m < 1 || *m > o.cfg.MaxTokensLimit) {
		add(errors.CodeConstraintViolation, "options.maxTokens", "maxTokens must be between 1 and "+strconv.Itoa(o.cfg.MaxTokensLimit))
	}
	if opts.Tone != "" && !slices.Contains(tones, opts.Tone) {
		add(errors.CodeConstraintViolation, "options.tone", "tone must be one of "+strings.Join(tones, ", "))
	}
	if opts.Length != "" && !slices.Contains(lengths, opts.Length) {
		add(errors.CodeConstraintViolation, "options.length", "length must be one of "+strings.Join(lengths, ", "))
	}
	if utf8.RuneCountInString(opts.Language) > 32 {
		add(errors.CodeConstraintViolation, "options.language", "language must be at most 32 characters")
	}

	if len(vs) == 0 {
		return nil
	}
	return errors.FromViolations(vs)
}

// resultOptions lists the options that change the produced text, so they
// take part in the result fingerprint.
func resultOptions(req *models.GenerationRequest) map[string]any {
	opts := req.Options
	out := map[string]any{
		"escape":       opts.Escape,
		"instructions": opts.IncludeInstructions,
	}
	if req.Mode == models.ModeDirect {
		out["model"] = opts.Model
		out["tone"] = opts.Tone
		out["length"] = opts.Length
		out["language"] = opts.Language
		if opts.Temperature != nil {
			out["temperature"] = *opts.Temperature
		}
		if opts.MaxTokens != nil {
			out["maxTokens"] = *opts.MaxTokens
		}
		reqs := nonEmpty(req.Requirements)
		items := make([]any, len(reqs))
		for i, r := range reqs {
			items[i] = r
		}
		out["requirements"] = items
	}
	return out
}
