package core

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/callbacks"
	"github.com/tmc/langchaingo/llms"
)

// GenerationCallbackHandler logs the language model calls made while
// generating thoughts.
type GenerationCallbackHandler struct {
	callbacks.SimpleHandler
	logger         *logrus.Entry
	truncateLength int
}

var _ callbacks.Handler = (*GenerationCallbackHandler)(nil)

func NewGenerationCallbackHandler(logger *logrus.Entry, config *Config) *GenerationCallbackHandler {
	return &GenerationCallbackHandler{
		logger:         logger,
		truncateLength: config.LogTruncateLength,
	}
}

func (h *GenerationCallbackHandler) HandleLLMGenerateContentStart(ctx context.Context, ms []llms.MessageContent) {
	h.logger.WithField("messageCount", len(ms)).Debug("LLM content generation started")
}

func (h *GenerationCallbackHandler) HandleLLMGenerateContentEnd(ctx context.Context, res *llms.ContentResponse) {
	fields := logrus.Fields{"choices": 0}
	if res != nil && len(res.Choices) > 0 {
		fields["choices"] = len(res.Choices)
		fields["response"] = truncateForLog(res.Choices[0].Content, h.truncateLength)
		fields["stopReason"] = res.Choices[0].StopReason
	}
	h.logger.WithFields(fields).Debug("LLM content generation completed")
}

func (h *GenerationCallbackHandler) HandleLLMError(ctx context.Context, err error) {
	h.logger.WithError(err).Error("LLM call failed")
}
