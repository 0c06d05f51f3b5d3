package generation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/HanTheDev/promptgen/internal/models"
)

// Suggestions are hints for the user. They never change the result.

func templateSuggestions(tpl *models.Template, provided map[string]any) []string {
	var out []string
	for _, d := range tpl.ParameterSchema {
		if d.Required || d.Default != nil {
			continue
		}
		if v, ok := provided[d.Key]; ok && v != nil {
			if s, isStr := v.(string); !isStr || strings.TrimSpace(s) != "" {
				continue
			}
		}
		label := d.Label
		if label == "" {
			label = d.Key
		}
		out = append(out, fmt.Sprintf("Add a value for %q to make the prompt more specific.", label))
	}
	return out
}

func directSuggestions(req *models.GenerationRequest, minGoal int, fallback bool) []string {
	var out []string
	if utf8.RuneCountInString(strings.TrimSpace(req.Goal)) < 4*minGoal {
		out = append(out, "Describe your goal in more detail for a more tailored prompt.")
	}
	if len(nonEmpty(req.Requirements)) == 0 {
		out = append(out, "List concrete requirements such as audience, format or constraints.")
	}
	if fallback {
		out = append(out, "The AI service was unavailable, so this prompt was built locally. Try again later for a refined version.")
	}
	return out
}
