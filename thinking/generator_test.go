package thinking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seqthink/stream"
)

func TestHTTPGenerator(t *testing.T) {
	var got generateBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = fmt.Fprint(w, "Start with the read path.")
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL+"/", nil, quietLogger())
	text, err := g.Generate(context.Background(), "design a cache", 256)

	require.NoError(t, err)
	assert.Equal(t, "Start with the read path.", text)
	assert.Equal(t, generateBody{Prompt: "design a cache", MaxTokens: 256}, got)
}

func TestHTTPGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPGenerator(srv.URL, nil, quietLogger()).Generate(context.Background(), "p", 16)

	var statusErr *stream.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "model loading", statusErr.Body)
}

func TestStreamGenerator(t *testing.T) {
	var got stream.GenerateStreamBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = fmt.Fprint(w, "data: Start with\n\ndata:  the read path.\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	g := NewStreamGenerator(srv.URL, 0, nil)
	text, err := g.Generate(context.Background(), "design a cache", 128)

	require.NoError(t, err)
	assert.Equal(t, "Start with the read path.", text)
	assert.Equal(t, 128, got.WordCount, "word count falls back to max tokens")
}

func TestStepPromptRender(t *testing.T) {
	p := NewStepPrompt()
	history := []ThoughtRecord{
		{ThoughtNumber: 1, Thought: "Reads dominate."},
		{ThoughtNumber: 2, Thought: "Keys are small."},
	}

	out, err := p.Render("design a cache", ThoughtRecord{ThoughtNumber: 3, TotalThoughts: 4}, history)
	require.NoError(t, err)
	assert.Contains(t, out, "Task: design a cache")
	assert.Contains(t, out, "1. Reads dominate.\n2. Keys are small.")
	assert.True(t, strings.HasSuffix(out, "Write thought 3 of 4 for the task above."))

	out, err = p.Render("design a cache", ThoughtRecord{ThoughtNumber: 1, TotalThoughts: 3}, nil)
	require.NoError(t, err)
	assert.NotContains(t, out, "Thoughts so far")

	out, err = p.Render("design a cache", ThoughtRecord{
		ThoughtNumber:  2,
		TotalThoughts:  3,
		IsRevision:     true,
		RevisesThought: intPtr(1),
	}, history[:1])
	require.NoError(t, err)
	assert.Contains(t, out, "revises thought 1")

	out, err = p.Render("design a cache", ThoughtRecord{
		ThoughtNumber:     2,
		TotalThoughts:     3,
		BranchFromThought: intPtr(1),
		BranchID:          strPtr("lfu"),
	}, history[:1])
	require.NoError(t, err)
	assert.Contains(t, out, `starts branch "lfu" from thought 1`)
}
