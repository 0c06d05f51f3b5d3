package generation

import (
	"fmt"
	"strings"

	"github.com/HanTheDev/promptgen/internal/models"
	"github.com/HanTheDev/promptgen/internal/provider"
)

const FallbackModel = "local-fallback"

var (
	tones   = []string{"professional", "casual", "friendly", "formal", "creative", "technical"}
	lengths = []string{"short", "medium", "long"}
)

var lengthGuidance = map[string]string{
	"short":  "Keep the answer concise: a few sentences or a short list.",
	"medium": "Give a moderately detailed answer with the key points explained.",
	"long":   "Give a thorough, detailed answer that covers edge cases and examples.",
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// buildMessages turns a direct request into the system and user messages sent
// to the completion service.
func buildMessages(req *models.GenerationRequest) []provider.Message {
	opts := req.Options
	var sys strings.Builder
	sys.WriteString("You are an expert prompt engineer. Rewrite the user's goal into one complete, ")
	sys.WriteString("well-structured prompt that a person can paste into an AI assistant. ")
	sys.WriteString("Return only the prompt text, without commentary.\n")
	fmt.Fprintf(&sys, "The prompt should ask for a %s tone.\n", orDefault(opts.Tone, "professional"))
	fmt.Fprintf(&sys, "%s\n", lengthGuidance[orDefault(opts.Length, "medium")])
	fmt.Fprintf(&sys, "Write the prompt in %s.", orDefault(opts.Language, "English"))

	var user strings.Builder
	fmt.Fprintf(&user, "Goal: %s", strings.TrimSpace(req.Goal))
	if reqs := nonEmpty(req.Requirements); len(reqs) > 0 {
		user.WriteString("\n\nRequirements:")
		for _, r := range reqs {
			fmt.Fprintf(&user, "\n- %s", r)
		}
	}

	return []provider.Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: user.String()},
	}
}

// expandLocally produces a usable prompt from the goal alone. The output
// depends only on the request, so equal requests yield equal text.
func expandLocally(req *models.GenerationRequest) string {
	opts := req.Options
	var b strings.Builder

	b.WriteString("You are an experienced expert assisting with the following task.\n\n")
	fmt.Fprintf(&b, "Task:\n%s\n", strings.TrimSpace(req.Goal))

	if reqs := nonEmpty(req.Requirements); len(reqs) > 0 {
		b.WriteString("\nRequirements:\n")
		for _, r := range reqs {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}

	b.WriteString("\nGuidelines:\n")
	fmt.Fprintf(&b, "- Use a %s tone.\n", orDefault(opts.Tone, "professional"))
	fmt.Fprintf(&b, "- %s\n", lengthGuidance[orDefault(opts.Length, "medium")])
	fmt.Fprintf(&b, "- Respond in %s.\n", orDefault(opts.Language, "English"))
	b.WriteString("- Organise the answer with clear headings or numbered steps.\n")
	b.WriteString("- Ask a clarifying question first if any part of the task is ambiguous.\n")
	return b.String()
}

func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
