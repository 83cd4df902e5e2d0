package thinking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"seqthink/stream"
)

// Generator produces the text of one thought. Implementations must honor ctx.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return f(ctx, prompt, maxTokens)
}

const generateResponseLimit = 1 << 20

type generateBody struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

// HTTPGenerator calls the blocking POST /generate endpoint, which answers
// with plain text.
type HTTPGenerator struct {
	BaseURL string
	Client  *http.Client
	Logger  *logrus.Entry
}

// NewHTTPGenerator creates a generator for the reasoning endpoint at baseURL.
func NewHTTPGenerator(baseURL string, client *http.Client, logger *logrus.Entry) *HTTPGenerator {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "generator")
	}
	return &HTTPGenerator{BaseURL: strings.TrimRight(baseURL, "/"), Client: client, Logger: logger}
}

func (g *HTTPGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	payload, err := json.Marshal(generateBody{Prompt: prompt, MaxTokens: maxTokens})
	if err != nil {
		return "", fmt.Errorf("failed to encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, generateResponseLimit))
	if err != nil {
		return "", fmt.Errorf("failed to read generate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &stream.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	g.Logger.WithFields(logrus.Fields{
		"promptLength":   len(prompt),
		"responseLength": len(raw),
	}).Debug("Generated thought text")
	return string(raw), nil
}

// StreamGenerator produces thoughts through the /generate_stream endpoint,
// concatenating the streamed tokens.
type StreamGenerator struct {
	BaseURL   string
	WordCount int
	Client    *stream.Client
}

// NewStreamGenerator creates a generator backed by a stream client.
func NewStreamGenerator(baseURL string, wordCount int, client *stream.Client) *StreamGenerator {
	if client == nil {
		client = stream.NewClient()
	}
	return &StreamGenerator{BaseURL: baseURL, WordCount: wordCount, Client: client}
}

func (g *StreamGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	wordCount := g.WordCount
	if wordCount <= 0 {
		wordCount = maxTokens
	}
	req := stream.GenerateStreamRequest(g.BaseURL, prompt, wordCount)
	req.Timeout = -1 // the orchestrator bounds each attempt
	return g.Client.Fetch(ctx, req)
}
