package thinking

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/prompts"
)

const stepTemplate = `You are working through a task one thought at a time. Each thought should move the analysis forward with concrete reasoning, not restate the task.

Task: {{.task}}
{{if .history}}
Thoughts so far:
{{.history}}
{{end}}{{if .context}}
{{.context}}
{{end}}
{{.instruction}}`

const instructionFormat = "Write thought %d of %d for the task above."

// StepPrompt renders the prompt sent to the generator for one step.
type StepPrompt struct {
	template prompts.PromptTemplate
}

// NewStepPrompt creates the step prompt template.
func NewStepPrompt() StepPrompt {
	return StepPrompt{
		template: prompts.PromptTemplate{
			Template:       stepTemplate,
			TemplateFormat: prompts.TemplateFormatGoTemplate,
			InputVariables: []string{"task", "history", "context", "instruction"},
		},
	}
}

// InstructionLine is the closing line of the prompt for a step. The quality
// gate rejects generations that repeat it.
func InstructionLine(step, total int) string {
	return fmt.Sprintf(instructionFormat, step, total)
}

// Render formats the prompt for rec given the prior thoughts of the task.
func (p StepPrompt) Render(task string, rec ThoughtRecord, history []ThoughtRecord) (string, error) {
	var lines []string
	for _, h := range history {
		lines = append(lines, fmt.Sprintf("%d. %s", h.ThoughtNumber, h.Thought))
	}

	var context string
	switch {
	case rec.IsRevision && rec.RevisesThought != nil:
		context = fmt.Sprintf("This thought revises thought %d. Correct or refine it.", *rec.RevisesThought)
	case rec.BranchID != nil && rec.BranchFromThought != nil:
		context = fmt.Sprintf("This thought starts branch %q from thought %d. Explore an alternative to it.", *rec.BranchID, *rec.BranchFromThought)
	}

	out, err := p.template.Format(map[string]any{
		"task":        task,
		"history":     strings.Join(lines, "\n"),
		"context":     context,
		"instruction": InstructionLine(rec.ThoughtNumber, rec.TotalThoughts),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render step prompt: %w", err)
	}
	return out, nil
}
