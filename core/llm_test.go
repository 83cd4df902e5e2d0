package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seqthink/thinking"
)

func TestCleanResponse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "  Compare the two plans.  ", "Compare the two plans."},
		{"think block", "<think>internal notes</think>Compare the two plans.", "Compare the two plans."},
		{"unterminated think", "Compare the two plans.<think>still going", "Compare the two plans."},
		{"reasoning block", "<REASONING>\nsteps\n</REASONING>\nAnswer", "Answer"},
		{"blank lines", "First\n\n\n\nSecond", "First\n\nSecond"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanResponse(tt.input))
		})
	}
}

func TestCleaningGenerator(t *testing.T) {
	inner := thinking.GeneratorFunc(func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		assert.Equal(t, 64, maxTokens)
		return "<think>draft</think>\nThe schema change must ship before the backfill.", nil
	})
	gen := NewCleaningGenerator(inner, DefaultConfig(), quietLogger().WithField("component", "test"))

	text, err := gen.Generate(context.Background(), "prompt", 64)
	require.NoError(t, err)
	assert.Equal(t, "The schema change must ship before the backfill.", text)
}

func TestCleaningGeneratorPassesErrors(t *testing.T) {
	boom := errors.New("upstream down")
	inner := thinking.GeneratorFunc(func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		return "", boom
	})
	gen := NewCleaningGenerator(inner, DefaultConfig(), quietLogger().WithField("component", "test"))

	_, err := gen.Generate(context.Background(), "prompt", 64)
	assert.ErrorIs(t, err, boom)
}

func TestNewGeneratorBackends(t *testing.T) {
	config := DefaultConfig()
	logger := quietLogger()

	for _, backend := range []string{BackendHTTP, BackendStream} {
		config.GeneratorBackend = backend
		gen, err := NewGenerator(context.Background(), config, newStreamClient(config, logger), logger)
		require.NoError(t, err, backend)
		assert.IsType(t, &CleaningGenerator{}, gen)
	}

	config.GeneratorBackend = "carrier-pigeon"
	_, err := NewGenerator(context.Background(), config, newStreamClient(config, logger), logger)
	assert.Error(t, err)

	config.GeneratorBackend = BackendGemini
	config.GeminiAPIKey = ""
	_, err = NewGenerator(context.Background(), config, newStreamClient(config, logger), logger)
	assert.Error(t, err)
}

func TestTruncateForLog(t *testing.T) {
	assert.Equal(t, "abc", truncateForLog("abc", 5))
	assert.Equal(t, "ab...", truncateForLog("abcdef", 2))
	assert.Equal(t, "abcdef", truncateForLog("abcdef", 0))
}
