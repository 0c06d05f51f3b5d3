// Package validate checks user-supplied template parameters against a
// template's declared schema. It is a pure function of its inputs.
package validate

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/HanTheDev/promptgen/internal/errors"
	"github.com/HanTheDev/promptgen/internal/models"
)

type Options struct {
	// Strict rejects keys that are not declared in the schema instead of
	// dropping them.
	Strict bool
}

// Validate returns a normalized copy of params: declared keys only, values
// coerced to their canonical Go types and defaults applied for absent
// optional parameters.
func Validate(schema []models.ParameterDescriptor, params map[string]any, opts Options) (map[string]any, error) {
	out := make(map[string]any, len(schema))
	var violations []errors.Violation

	declared := make(map[string]struct{}, len(schema))
	for _, d := range schema {
		declared[d.Key] = struct{}{}

		raw, present := params[d.Key]
		if !present || isBlank(raw) {
			if d.Required {
				violations = append(violations, errors.Violation{
					Code:    errors.CodeMissingField,
					Field:   d.Key,
					Message: fmt.Sprintf("%s is required", label(d)),
				})
				continue
			}
			if d.Default != nil {
				if v, err := coerce(d, d.Default); err == nil {
					out[d.Key] = v
				}
			}
			continue
		}

		v, err := coerce(d, raw)
		if err != nil {
			violations = append(violations, errors.Violation{
				Code:    errors.CodeTypeMismatch,
				Field:   d.Key,
				Message: err.Error(),
			})
			continue
		}
		if vio := checkConstraints(d, v); vio != nil {
			violations = append(violations, *vio)
			continue
		}
		out[d.Key] = v
	}

	if opts.Strict {
		var unknown []string
		for k := range params {
			if _, ok := declared[k]; !ok {
				unknown = append(unknown, k)
			}
		}
		sort.Strings(unknown)
		for _, k := range unknown {
			violations = append(violations, errors.Violation{
				Code:    errors.CodeUnknownField,
				Field:   k,
				Message: fmt.Sprintf("%s is not a parameter of this template", k),
			})
		}
	}

	if len(violations) > 0 {
		return nil, errors.FromViolations(violations)
	}
	return out, nil
}

// CheckDefault verifies that a descriptor's default value satisfies its own
// type and constraints.
func CheckDefault(d models.ParameterDescriptor) error {
	if d.Default == nil {
		return nil
	}
	v, err := coerce(d, d.Default)
	if err != nil {
		return err
	}
	if vio := checkConstraints(d, v); vio != nil {
		return fmt.Errorf("%s", vio.Message)
	}
	return nil
}

func label(d models.ParameterDescriptor) string {
	if d.Label != "" {
		return d.Label
	}
	return d.Key
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	}
	return false
}

func coerce(d models.ParameterDescriptor, v any) (any, error) {
	switch d.Type {
	case models.TypeString, "":
		if s, ok := v.(string); ok {
			return s, nil
		}
	case models.TypeNumber:
		if f, ok := toFloat(v); ok {
			return f, nil
		}
	case models.TypeInteger:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		}
		// float64(math.MaxInt64) rounds up to 2^63, which does not fit.
		if f, ok := toFloat(v); ok && f == math.Trunc(f) {
			if f < math.MinInt64 || f >= math.MaxInt64 {
				return nil, fmt.Errorf("%s is out of range for an integer", label(d))
			}
			return int64(f), nil
		}
	case models.TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case models.TypeArray:
		switch arr := v.(type) {
		case []any:
			return arr, nil
		case []string:
			items := make([]any, len(arr))
			for i, s := range arr {
				items[i] = s
			}
			return items, nil
		}
	default:
		return nil, fmt.Errorf("%s has unsupported type %q", label(d), d.Type)
	}
	return nil, fmt.Errorf("%s must be of type %s", label(d), typeName(d.Type))
}

func typeName(t models.ParameterType) string {
	if t == "" {
		return string(models.TypeString)
	}
	return string(t)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func checkConstraints(d models.ParameterDescriptor, v any) *errors.Violation {
	var size float64
	var unit string
	if len(d.Enum) > 0 && !inEnum(d.Enum, v) {
		return &errors.Violation{
			Code:    errors.CodeConstraintViolation,
			Field:   d.Key,
			Message: fmt.Sprintf("%s must be one of: %s", label(d), strings.Join(d.Enum, ", ")),
		}
	}

	switch val := v.(type) {
	case string:
		size, unit = float64(utf8.RuneCountInString(val)), " characters"
	case float64:
		size = val
	case int64:
		size = float64(val)
	case []any:
		size, unit = float64(len(val)), " items"
	default:
		return nil
	}

	if d.Min != nil && size < *d.Min {
		return &errors.Violation{
			Code:    errors.CodeConstraintViolation,
			Field:   d.Key,
			Message: fmt.Sprintf("%s must be at least %s%s", label(d), formatBound(*d.Min), unit),
		}
	}
	if d.Max != nil && size > *d.Max {
		return &errors.Violation{
			Code:    errors.CodeConstraintViolation,
			Field:   d.Key,
			Message: fmt.Sprintf("%s must be at most %s%s", label(d), formatBound(*d.Max), unit),
		}
	}
	return nil
}

func formatBound(f float64) string {
	if f == math.Trunc(f) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// inEnum compares the canonical text of v with the allowed values. Every
// item of an array must be allowed.
func inEnum(enum []string, v any) bool {
	if arr, ok := v.([]any); ok {
		for _, item := range arr {
			if !inEnum(enum, item) {
				return false
			}
		}
		return true
	}
	s, ok := enumText(v)
	return ok && contains(enum, s)
}

func enumText(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case int64:
		return strconv.FormatInt(val, 10), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	}
	return "", false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
