package generation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"

	"github.com/HanTheDev/promptgen/internal/models"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"  plain  ", "plain"},
		{"a\r\nb\rc", "a\nb\nc"},
		{"line one   \nline two\t", "line one\nline two"},
		{"a\n\n\n\nb", "a\n\nb"},
		{"\n\n  a  \n \n\t\nb\n\n", "a\n\nb"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "input %q", tt.in)
	}
}

func TestPostProcess_Instructions(t *testing.T) {
	out := postProcess("Do the thing.\n\n\n", true)
	assert.Equal(t, "Do the thing.\n\n"+usageInstructions, out)
	assert.Equal(t, "", postProcess("   ", true))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 2, EstimateTokens("日本語のテキスト"))
}

func TestMachine_Transitions(t *testing.T) {
	_, span := noop.NewTracerProvider().Tracer("test").Start(t.Context(), "test")
	m := newMachine(span, zaptest.NewLogger(t))

	for _, s := range []State{StateQuotaChecked, StateCacheChecked, StateCacheHit, StatePersisted, StateDone} {
		require.NoError(t, m.to(s))
	}
	assert.Equal(t, []State{StateReceived, StateQuotaChecked, StateCacheChecked, StateCacheHit, StatePersisted, StateDone}, m.trail)

	err := m.to(StateRendering)
	assert.ErrorContains(t, err, "DONE -> RENDERING")
	m.fail()
	assert.Equal(t, StateDone, m.state, "terminal states stay put")
}

func TestMachine_FailFromRendering(t *testing.T) {
	_, span := noop.NewTracerProvider().Tracer("test").Start(t.Context(), "test")
	m := newMachine(span, zaptest.NewLogger(t))

	require.NoError(t, m.to(StateQuotaChecked))
	require.NoError(t, m.to(StateCacheChecked))
	require.NoError(t, m.to(StateRendering))
	assert.Error(t, m.to(StateCacheHit))
	m.fail()
	assert.Equal(t, StateFailed, m.state)
}

func TestExpandLocally_Deterministic(t *testing.T) {
	req := &models.GenerationRequest{
		Goal:         "  Plan a three day trip to Lisbon  ",
		Requirements: []string{"", "budget friendly"},
		Options:      models.Options{Tone: "casual", Length: "long", Language: "Portuguese"},
	}
	a, b := expandLocally(req), expandLocally(req)
	assert.Equal(t, a, b)
	assert.Contains(t, a, "Task:\nPlan a three day trip to Lisbon\n")
	assert.Contains(t, a, "- budget friendly\n")
	assert.Contains(t, a, "- Use a casual tone.")
	assert.Contains(t, a, "- Respond in Portuguese.")
	assert.Contains(t, a, lengthGuidance["long"])
}

func TestBuildMessages(t *testing.T) {
	msgs := buildMessages(&models.GenerationRequest{Goal: "Summarise a paper", Requirements: []string{"cite sources"}})
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "professional tone")
	assert.Contains(t, msgs[0].Content, lengthGuidance["medium"])
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "Goal: Summarise a paper\n\nRequirements:\n- cite sources", msgs[1].Content)
}

func TestSuggestions(t *testing.T) {
	tpl := &models.Template{ParameterSchema: []models.ParameterDescriptor{
		{Key: "name", Required: true},
		{Key: "tone", Default: "warm"},
		{Key: "audience", Label: "Target audience"},
		{Key: "extra"},
	}}
	got := templateSuggestions(tpl, map[string]any{"extra": "given"})
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "Target audience")

	blank := templateSuggestions(tpl, map[string]any{"extra": "  ", "audience": "devs"})
	require.Len(t, blank, 1)
	assert.Contains(t, blank[0], "extra")

	req := &models.GenerationRequest{Goal: "short goal"}
	assert.Len(t, directSuggestions(req, 10, false), 2)
	assert.Len(t, directSuggestions(req, 10, true), 3)

	detailed := &models.GenerationRequest{
		Goal:         "Write an onboarding guide for new backend engineers joining a payments team",
		Requirements: []string{"include a first week checklist"},
	}
	assert.Empty(t, directSuggestions(detailed, 10, false))
}
