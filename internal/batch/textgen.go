package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/narrator/pkg/provider/llm"
)

// ErrNoPrompt is returned when a unit needs text but carries no prompt.
var ErrNoPrompt = errors.New("batch: unit has no text and no prompt")

// TextGenerator produces a unit's text in one language. The pipeline treats
// the result as opaque.
type TextGenerator interface {
	Generate(ctx context.Context, u *Unit, language string) (string, error)
}

// DefaultSystemPrompt instructs the model to return narration text only.
const DefaultSystemPrompt = "You write narration scripts that will be read aloud by a speech " +
	"synthesizer. Reply with the narration text only: no headings, no markdown, no stage directions."

// LLMGenerator generates text with an [llm.Provider].
type LLMGenerator struct {
	Provider llm.Provider

	// SystemPrompt defaults to [DefaultSystemPrompt].
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

var _ TextGenerator = (*LLMGenerator)(nil)

// Generate implements [TextGenerator].
func (g *LLMGenerator) Generate(ctx context.Context, u *Unit, language string) (string, error) {
	if strings.TrimSpace(u.Prompt) == "" {
		return "", ErrNoPrompt
	}
	system := g.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	req := llm.Prompt(system, fmt.Sprintf("Language: %s\n\n%s", language, u.Prompt))
	req.Temperature = g.Temperature
	req.MaxTokens = g.MaxTokens
	resp, err := g.Provider.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("batch: generate %s/%s: %w", u.ID, language, err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("batch: generate %s/%s: empty completion", u.ID, language)
	}
	return text, nil
}
