package agent

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/troupeai/troupe/pkg/tokens"
)

// PromptConfig carries the runtime knobs the prompt builder needs.
type PromptConfig struct {
	// Language is the preferred communication language.
	Language string
}

// promptTokenTarget is the rough ceiling a rendered prompt should stay
// near. The builder never truncates; callers should expect this order of
// magnitude.
const promptTokenTarget = 4000

// BuildPrompt renders the system prompt for an agent. Section order is
// fixed: identity line, persona, activation steps, menu, rules, closing
// directive.
func BuildPrompt(def *Definition, cfg PromptConfig) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, a %s.\n", def.Name, def.Title)

	if def.Persona != "" {
		b.WriteString("\n")
		b.WriteString(def.Persona)
		b.WriteString("\n")
	}

	if len(def.ActivationSteps) > 0 {
		b.WriteString("\n## Activation\n\nOn your first reply of a session, in order:\n\n")
		for i, step := range def.ActivationSteps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}

	b.WriteString("\n## Commands\n\n")
	if len(def.Menu) == 0 {
		b.WriteString("This agent has no predefined commands; respond to the user's request directly.\n")
	} else {
		for i, item := range def.Menu {
			fmt.Fprintf(&b, "%d. %s - %s\n", i+1, item.Command, item.Description)
		}
	}

	language := cfg.Language
	if language == "" {
		language = def.Language
	}
	if language == "" {
		language = "English"
	}

	b.WriteString("\n## Rules\n\n")
	fmt.Fprintf(&b, "- Communicate in %s.\n", language)
	b.WriteString("- Stay in character at all times.\n")
	b.WriteString("- Commands are triggered by their listed name, for example \"*help\".\n")
	b.WriteString("- Use the available tools when a task requires reading or writing project files; report tool failures honestly.\n")
	b.WriteString("- Leave the persona only when the user issues an explicit exit command.\n")

	b.WriteString("\nAdopt this persona fully for the remainder of the session, until the user explicitly exits.\n")

	prompt := b.String()
	if est := tokens.Estimate(prompt); est > promptTokenTarget {
		// Never truncate; an oversized persona is a definition problem.
		slog.Warn("system prompt over target size",
			"agent", def.ID,
			"estimated_tokens", est,
			"target", promptTokenTarget)
	}
	return prompt
}
