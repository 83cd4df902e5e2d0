package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/tools"

	"seqthink/thinking"
)

// SequentialThinkingName is the tool name callers address.
const SequentialThinkingName = "sequentialthinking"

const sequentialThinkingDescription = "Runs one step of a sequential reasoning task. " +
	"Each call records a numbered thought; when no usable thought is supplied it is generated. " +
	"Thoughts may revise earlier ones or branch from them. " +
	"The response reports the committed thought and whether another one is needed."

const sequentialThinkingSchema = `{
  "type": "object",
  "properties": {
    "prompt": {
      "type": "string",
      "description": "The task being reasoned about. Required for thought 1."
    },
    "thought": {
      "type": "string",
      "description": "The thought text. Generated when empty or unusable."
    },
    "nextThoughtNeeded": {
      "type": "boolean",
      "description": "Whether another thought should follow this one."
    },
    "thoughtNumber": {
      "type": "integer",
      "minimum": 1,
      "description": "Position of this thought in the sequence."
    },
    "totalThoughts": {
      "type": "integer",
      "minimum": 1,
      "description": "Estimated number of thoughts. Clamped to the configured range."
    },
    "isRevision": {
      "type": "boolean",
      "description": "Whether this thought revises an earlier one."
    },
    "revisesThought": {
      "type": "integer",
      "minimum": 1,
      "description": "The thought being revised."
    },
    "branchFromThought": {
      "type": "integer",
      "minimum": 1,
      "description": "The thought this branch starts from."
    },
    "branchId": {
      "type": "string",
      "minLength": 1,
      "description": "Identifier of the branch."
    }
  },
  "required": ["thoughtNumber", "totalThoughts"]
}`

// ErrInvalidArguments is returned when tool arguments do not match the schema.
var ErrInvalidArguments = errors.New("invalid tool arguments")

var thinkingLogger = logrus.WithField("tool", SequentialThinkingName)

// Definition describes a tool for introspection.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Stepper runs one thought step.
type Stepper interface {
	Step(ctx context.Context, in thinking.StepInput) (thinking.ThoughtResult, error)
}

type SequentialThinkingTool struct {
	stepper Stepper
	schema  *jsonschema.Schema
}

func NewSequentialThinkingTool(stepper Stepper) (*SequentialThinkingTool, error) {
	thinkingLogger.Debug("Initializing sequentialthinking tool")

	schema, err := compileSchema(sequentialThinkingSchema)
	if err != nil {
		return nil, err
	}
	return &SequentialThinkingTool{stepper: stepper, schema: schema}, nil
}

func compileSchema(raw string) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func (s *SequentialThinkingTool) Name() string {
	return SequentialThinkingName
}

func (s *SequentialThinkingTool) Description() string {
	return sequentialThinkingDescription
}

// Definition returns the static description of the tool's parameters.
func (s *SequentialThinkingTool) Definition() Definition {
	return Definition{
		Name:        SequentialThinkingName,
		Description: sequentialThinkingDescription,
		InputSchema: json.RawMessage(sequentialThinkingSchema),
	}
}

// Validate checks arguments against the schema and decodes them.
func (s *SequentialThinkingTool) Validate(args map[string]any) (thinking.StepInput, error) {
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip through JSON so Go-typed values validate like decoded ones.
	raw, err := json.Marshal(args)
	if err != nil {
		return thinking.StepInput{}, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return thinking.StepInput{}, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return thinking.StepInput{}, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	var in thinking.StepInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return thinking.StepInput{}, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return in, nil
}

// Invoke validates the arguments and runs one step.
func (s *SequentialThinkingTool) Invoke(ctx context.Context, args map[string]any) (thinking.ThoughtResult, error) {
	in, err := s.Validate(args)
	if err != nil {
		thinkingLogger.WithError(err).Warn("Rejected sequentialthinking arguments")
		return thinking.ThoughtResult{}, err
	}

	toolLogger := thinkingLogger.WithFields(logrus.Fields{
		"thoughtNumber": in.ThoughtNumber,
		"totalThoughts": in.TotalThoughts,
	})
	toolLogger.Info("Sequentialthinking tool called")
	startTime := time.Now()

	result, err := s.stepper.Step(ctx, in)
	if err != nil {
		toolLogger.WithError(err).Warn("Sequentialthinking step failed")
		return thinking.ThoughtResult{}, err
	}

	toolLogger.WithFields(logrus.Fields{
		"executionTime": time.Since(startTime),
		"generated":     result.Generated,
		"continue":      result.Continue,
	}).Info("Sequentialthinking step completed")
	return result, nil
}

// Call takes the arguments as a JSON object and returns the result as JSON.
func (s *SequentialThinkingTool) Call(ctx context.Context, input string) (string, error) {
	var args map[string]any
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	result, err := s.Invoke(ctx, args)
	if err != nil {
		return "", err
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to encode thought result: %w", err)
	}
	return string(out), nil
}

var _ tools.Tool = (*SequentialThinkingTool)(nil)
