package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/promptgen/internal/errors"
	"github.com/HanTheDev/promptgen/internal/models"
)

func ptr(f float64) *float64 { return &f }

func greetingSchema() []models.ParameterDescriptor {
	return []models.ParameterDescriptor{
		{Key: "name", Type: models.TypeString, Required: true, Max: ptr(20)},
		{Key: "title", Type: models.TypeString},
		{Key: "tone", Type: models.TypeString, Enum: []string{"formal", "casual"}, Default: "formal"},
		{Key: "count", Type: models.TypeInteger, Min: ptr(1), Max: ptr(10)},
		{Key: "topics", Type: models.TypeArray, Max: ptr(3)},
		{Key: "urgent", Type: models.TypeBoolean},
		{Key: "level", Type: models.TypeInteger, Enum: []string{"1", "2", "3"}},
		{Key: "ratio", Type: models.TypeNumber, Enum: []string{"0.5", "1"}},
	}
}

func requireViolation(t *testing.T, err error, code, field string) {
	t.Helper()
	var verr *errors.ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	assert.Equal(t, code, verr.Code)
	assert.Equal(t, field, verr.Field)
}

func TestValidateAppliesDefaults(t *testing.T) {
	out, err := Validate(greetingSchema(), map[string]any{"name": "Ana"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"name": "Ana", "tone": "formal"}, out)
}

func TestValidateCoercesTypes(t *testing.T) {
	out, err := Validate(greetingSchema(), map[string]any{
		"name":   "Ana",
		"count":  float64(3),
		"topics": []string{"go", "sql"},
		"urgent": true,
	}, Options{})
	require.NoError(t, err)

	assert.Equal(t, int64(3), out["count"])
	assert.Equal(t, []any{"go", "sql"}, out["topics"])
	assert.Equal(t, true, out["urgent"])
}

func TestValidateNonStringEnums(t *testing.T) {
	out, err := Validate(greetingSchema(), map[string]any{
		"name":  "Ana",
		"level": float64(2),
		"ratio": 0.5,
	}, Options{})
	require.NoError(t, err)

	assert.Equal(t, int64(2), out["level"])
	assert.Equal(t, 0.5, out["ratio"])
}

func TestValidateArrayItemsAgainstEnum(t *testing.T) {
	schema := []models.ParameterDescriptor{{Key: "langs", Type: models.TypeArray, Enum: []string{"go", "rust"}}}

	_, err := Validate(schema, map[string]any{"langs": []any{"go", "rust"}}, Options{})
	require.NoError(t, err)

	_, err = Validate(schema, map[string]any{"langs": []any{"go", "cobol"}}, Options{})
	requireViolation(t, err, errors.CodeConstraintViolation, "langs")
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		code   string
		field  string
	}{
		{"missing required", map[string]any{}, errors.CodeMissingField, "name"},
		{"blank required", map[string]any{"name": "   "}, errors.CodeMissingField, "name"},
		{"type mismatch", map[string]any{"name": 42}, errors.CodeTypeMismatch, "name"},
		{"non integral integer", map[string]any{"name": "Ana", "count": 2.5}, errors.CodeTypeMismatch, "count"},
		{"string too long", map[string]any{"name": "abcdefghijklmnopqrstuvwxyz"}, errors.CodeConstraintViolation, "name"},
		{"enum", map[string]any{"name": "Ana", "tone": "angry"}, errors.CodeConstraintViolation, "tone"},
		{"number range", map[string]any{"name": "Ana", "count": 11}, errors.CodeConstraintViolation, "count"},
		{"array length", map[string]any{"name": "Ana", "topics": []any{"a", "b", "c", "d"}}, errors.CodeConstraintViolation, "topics"},
		{"boolean", map[string]any{"name": "Ana", "urgent": "yes"}, errors.CodeTypeMismatch, "urgent"},
		{"integer enum", map[string]any{"name": "Ana", "level": 7}, errors.CodeConstraintViolation, "level"},
		{"number enum", map[string]any{"name": "Ana", "ratio": 0.75}, errors.CodeConstraintViolation, "ratio"},
		{"integer overflow", map[string]any{"name": "Ana", "count": 1e19}, errors.CodeTypeMismatch, "count"},
		{"integer at 2^63", map[string]any{"name": "Ana", "count": 9223372036854775808.0}, errors.CodeTypeMismatch, "count"},
		{"negative overflow", map[string]any{"name": "Ana", "count": -1e19}, errors.CodeTypeMismatch, "count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(greetingSchema(), tt.params, Options{})
			requireViolation(t, err, tt.code, tt.field)
		})
	}
}

func TestValidateUnknownFields(t *testing.T) {
	params := map[string]any{"name": "Ana", "zeta": 1, "extra": "x"}

	t.Run("dropped by default", func(t *testing.T) {
		out, err := Validate(greetingSchema(), params, Options{})
		require.NoError(t, err)
		assert.NotContains(t, out, "zeta")
		assert.NotContains(t, out, "extra")
	})

	t.Run("rejected when strict", func(t *testing.T) {
		_, err := Validate(greetingSchema(), params, Options{Strict: true})
		requireViolation(t, err, errors.CodeUnknownField, "extra")

		var verr *errors.ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Len(t, verr.Violations, 2)
	})
}

func TestValidateCollectsAllViolations(t *testing.T) {
	_, err := Validate(greetingSchema(), map[string]any{"count": "three", "tone": "angry"}, Options{})

	var verr *errors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, errors.CodeMissingField, verr.Code)
	assert.Len(t, verr.Violations, 3)
}

func TestValidateDoesNotMutateInput(t *testing.T) {
	params := map[string]any{"name": "Ana", "extra": true}
	_, err := Validate(greetingSchema(), params, Options{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ana", "extra": true}, params)
}

func TestCheckDefault(t *testing.T) {
	assert.NoError(t, CheckDefault(models.ParameterDescriptor{Key: "tone", Type: models.TypeString, Default: "x"}))
	assert.Error(t, CheckDefault(models.ParameterDescriptor{Key: "n", Type: models.TypeNumber, Default: "ten"}))
	assert.Error(t, CheckDefault(models.ParameterDescriptor{Key: "tone", Type: models.TypeString, Enum: []string{"a"}, Default: "b"}))
	assert.NoError(t, CheckDefault(models.ParameterDescriptor{Key: "n", Type: models.TypeInteger, Default: 3}))
}
