/*
Package core provides the thought generators used by the orchestrator.

The generator backend is chosen by configuration:
- "http" calls the upstream blocking /generate endpoint
- "stream" reads the upstream /generate_stream endpoint through a stream session
- "ollama" and "gemini" call a language model through langchaingo

Every backend is wrapped in a CleaningGenerator that strips reasoning tags
some models emit before their answer, so the quality gate judges the answer
itself.
*/
package core

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"

	"seqthink/stream"
	"seqthink/thinking"
)

var (
	thinkBlockRegex     = regexp.MustCompile(`(?is)<think>.*?</think>`)
	openThinkRegex      = regexp.MustCompile(`(?is)<think>.*`)
	reasoningBlockRegex = regexp.MustCompile(`(?is)<reasoning>.*?</reasoning>`)
	multiNewlineRegex   = regexp.MustCompile(`\n\s*\n\s*\n+`)
)

// CleaningGenerator strips reasoning tags from generated text.
type CleaningGenerator struct {
	next           thinking.Generator
	logger         *logrus.Entry
	truncateLength int
}

// NewCleaningGenerator wraps next.
//
// Parameters:
//   - next: The generator to wrap
//   - config: Application configuration, for log truncation
//   - logger: Logger for cleaning events
func NewCleaningGenerator(next thinking.Generator, config *Config, logger *logrus.Entry) *CleaningGenerator {
	return &CleaningGenerator{next: next, logger: logger, truncateLength: config.LogTruncateLength}
}

func (g *CleaningGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	text, err := g.next.Generate(ctx, prompt, maxTokens)
	if err != nil {
		return text, err
	}

	cleaned := CleanResponse(text)
	if len(cleaned) != len(text) {
		g.logger.WithFields(logrus.Fields{
			"originalLength":  len(text),
			"cleanedLength":   len(cleaned),
			"originalPreview": truncateForLog(text, g.truncateLength),
		}).Debug("Cleaned generated thought")
	}
	return cleaned, nil
}

// CleanResponse removes <think> and <reasoning> blocks, including an
// unterminated <think> tail, and collapses runs of blank lines.
func CleanResponse(response string) string {
	cleaned := thinkBlockRegex.ReplaceAllString(response, "")
	cleaned = openThinkRegex.ReplaceAllString(cleaned, "")
	cleaned = reasoningBlockRegex.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(cleaned)
	return multiNewlineRegex.ReplaceAllString(cleaned, "\n\n")
}

func truncateForLog(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}

// LLMGenerator produces thoughts with a langchaingo model.
type LLMGenerator struct {
	model  llms.Model
	logger *logrus.Entry
}

// NewLLMGenerator wraps a langchaingo model.
func NewLLMGenerator(model llms.Model, logger *logrus.Entry) *LLMGenerator {
	return &LLMGenerator{model: model, logger: logger}
}

func (g *LLMGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	text, err := llms.GenerateFromSinglePrompt(ctx, g.model, prompt, llms.WithMaxTokens(maxTokens))
	if err != nil {
		llmCalls.WithLabelValues("error").Inc()
		return "", fmt.Errorf("model generation failed: %w", err)
	}
	llmCalls.WithLabelValues("success").Inc()
	return text, nil
}

// NewModel initializes the langchaingo model for the ollama or gemini backend
// and attaches the generation logging handler.
func NewModel(ctx context.Context, config *Config, logger *logrus.Logger) (llms.Model, error) {
	handler := NewGenerationCallbackHandler(logger.WithField("component", "llm"), config)

	switch config.GeneratorBackend {
	case BackendGemini:
		if config.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini API key is required when using gemini backend. Set GEMINI_API_KEY environment variable")
		}
		logger.WithField("model", config.GeminiModel).Info("Initializing Gemini LLM")

		llm, err := googleai.New(
			ctx,
			googleai.WithAPIKey(config.GeminiAPIKey),
			googleai.WithDefaultModel(config.GeminiModel),
		)
		if err != nil {
			logger.WithError(err).WithField("model", config.GeminiModel).Error("Failed to initialize Gemini LLM")
			return nil, fmt.Errorf("failed to initialize Gemini LLM: %w", err)
		}
		llm.CallbacksHandler = handler
		return llm, nil

	case BackendOllama:
		logger.WithFields(logrus.Fields{
			"endpoint": config.OllamaEndpoint,
			"model":    config.OllamaModel,
		}).Info("Initializing Ollama LLM")

		llm, err := ollama.New(
			ollama.WithServerURL(config.OllamaEndpoint),
			ollama.WithModel(config.OllamaModel),
		)
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"endpoint": config.OllamaEndpoint,
				"model":    config.OllamaModel,
			}).Error("Failed to initialize Ollama LLM")
			return nil, fmt.Errorf("failed to initialize Ollama LLM: %w", err)
		}
		llm.CallbacksHandler = handler
		return llm, nil

	default:
		return nil, fmt.Errorf("backend %q does not use a language model", config.GeneratorBackend)
	}
}

// NewGenerator builds the configured thought generator.
//
// Parameters:
//   - ctx: Context for model initialization
//   - config: Application configuration selecting the backend
//   - client: Stream client used by the "stream" backend
//   - logger: Application logger
func NewGenerator(ctx context.Context, config *Config, client *stream.Client, logger *logrus.Logger) (thinking.Generator, error) {
	genLogger := logger.WithFields(logrus.Fields{
		"component": "generator",
		"backend":   config.GeneratorBackend,
	})

	var gen thinking.Generator
	switch config.GeneratorBackend {
	case BackendHTTP:
		gen = thinking.NewHTTPGenerator(config.UpstreamURL, nil, genLogger)
	case BackendStream:
		gen = thinking.NewStreamGenerator(config.UpstreamURL, config.WordCount, client)
	case BackendOllama, BackendGemini:
		model, err := NewModel(ctx, config, logger)
		if err != nil {
			return nil, err
		}
		gen = NewLLMGenerator(model, genLogger)
	default:
		return nil, fmt.Errorf("unknown generator backend %q", config.GeneratorBackend)
	}

	genLogger.Info("Thought generator initialized")
	return NewCleaningGenerator(gen, config, genLogger), nil
}
