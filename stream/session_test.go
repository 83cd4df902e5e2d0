package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseServer starts a test server that writes each chunk and flushes it.
// When hold is true the handler keeps the connection open until the client
// goes away.
func sseServer(t *testing.T, chunks []string, hold bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			_, _ = fmt.Fprint(w, chunk)
			flusher.Flush()
		}
		if hold {
			<-r.Context().Done()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collectEvents(t *testing.T, c *Client, req Request) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	err := c.Run(context.Background(), req, func(ev StreamEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	return events
}

func terminalCount(events []StreamEvent) int {
	n := 0
	for _, ev := range events {
		if ev.IsDone {
			n++
		}
	}
	return n
}

func TestSessionScenario(t *testing.T) {
	srv := sseServer(t, []string{"data: Hello\n\ndata:  world\n\ndata: [DONE]\n\n"}, false)
	c := NewClient()

	events := collectEvents(t, c, GenerateStreamRequest(srv.URL, "hi", 10))

	require.Len(t, events, 3)
	assert.Equal(t, "Hello", events[0].Token)
	assert.False(t, events[0].IsDone)
	assert.Equal(t, " world", events[1].Token)
	assert.False(t, events[1].IsDone)
	assert.Equal(t, "", events[2].Token)
	assert.True(t, events[2].IsDone)
	assert.Equal(t, SignalSentinel, events[2].Signal)
}

func TestSessionReassemblesSplitWrites(t *testing.T) {
	srv := sseServer(t, []string{"da", "ta: Hel", "lo\n", "\ndata: 世", "界\n\nda", "ta: [DONE]\n\n"}, false)

	events := collectEvents(t, NewClient(), GenerateStreamRequest(srv.URL, "hi", 10))

	require.Len(t, events, 3)
	assert.Equal(t, "Hello", events[0].Token)
	assert.Equal(t, "世界", events[1].Token)
	assert.True(t, events[2].IsDone)
}

func TestSessionSendsRequestBody(t *testing.T) {
	var got GenerateStreamBody
	var accept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept = r.Header.Get("Accept")
		_ = json.NewDecoder(r.Body).Decode(&got)
		assert.Equal(t, "/generate_stream", r.URL.Path)
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	collectEvents(t, NewClient(), GenerateStreamRequest(srv.URL+"/", "design a cache", 120))

	assert.Equal(t, "text/event-stream", accept)
	assert.Equal(t, GenerateStreamBody{Prompt: "design a cache", WordCount: 120}, got)
}

func TestSessionStreamCloseWithoutSentinel(t *testing.T) {
	srv := sseServer(t, []string{"data: a\n\ndata: b"}, false)

	events := collectEvents(t, NewClient(), GenerateStreamRequest(srv.URL, "hi", 10))

	require.Len(t, events, 3)
	assert.Equal(t, "a", events[0].Token)
	assert.Equal(t, "b", events[1].Token)
	assert.False(t, events[1].IsDone)
	assert.True(t, events[2].IsDone)
	assert.Equal(t, SignalStreamClose, events[2].Signal)
	assert.NoError(t, events[2].Err)
}

func TestSessionEmbeddedDoneFlag(t *testing.T) {
	srv := sseServer(t, []string{
		"data: {\"content\":[{\"text\":\"one \"}]}\n\n",
		"data: {\"content\":[{\"text\":\"\"}]}\n\n",
		"data: {\"content\":[{\"text\":\"two\"}],\"done\":true}\n\n",
		"data: {\"content\":[{\"text\":\"ignored\"}]}\n\n",
	}, false)

	events := collectEvents(t, NewClient(), ToolCallRequest(srv.URL, "sequentialthinking", nil))

	require.Len(t, events, 3)
	assert.Equal(t, "one ", events[0].Token)
	assert.Equal(t, "two", events[1].Token)
	assert.False(t, events[1].IsDone)
	assert.True(t, events[2].IsDone)
	assert.Equal(t, SignalEmbeddedFlag, events[2].Signal)
	assert.Empty(t, events[2].Token)
}

func TestSessionTimeout(t *testing.T) {
	srv := sseServer(t, []string{"data: partial\n\n"}, true)
	c := NewClient(WithTimeout(100 * time.Millisecond))

	events := collectEvents(t, c, GenerateStreamRequest(srv.URL, "hi", 10))

	require.Len(t, events, 2)
	assert.Equal(t, "partial", events[0].Token)
	last := events[1]
	assert.True(t, last.IsDone)
	assert.Equal(t, SignalAborted, last.Signal)
	assert.ErrorIs(t, last.Err, ErrTimeout)
	assert.NotErrorIs(t, last.Err, ErrTransport)
	assert.Contains(t, last.Token, "timed out")
}

func TestSessionTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	events := collectEvents(t, NewClient(), GenerateStreamRequest(url, "hi", 10))

	require.Len(t, events, 1)
	assert.True(t, events[0].IsDone)
	assert.Equal(t, SignalAborted, events[0].Signal)
	assert.ErrorIs(t, events[0].Err, ErrTransport)
	assert.NotErrorIs(t, events[0].Err, ErrTimeout)
	assert.Contains(t, events[0].Token, "Connection to the generation service failed")
}

func TestSessionStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	events := collectEvents(t, NewClient(), GenerateStreamRequest(srv.URL, "hi", 10))

	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, ErrTransport)
	var statusErr *StatusError
	require.ErrorAs(t, events[0].Err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Equal(t, "model overloaded", statusErr.Body)
}

func TestSessionCloseSuppressesEvents(t *testing.T) {
	srv := sseServer(t, []string{"data: first\n\n"}, true)
	s := NewClient().Open(context.Background(), GenerateStreamRequest(srv.URL, "hi", 10))

	first := <-s.Events()
	assert.Equal(t, "first", first.Token)

	s.Close()

	select {
	case <-s.Done():
	default:
		t.Fatal("Close returned before the session released its connection")
	}
	_, open := <-s.Events()
	assert.False(t, open, "no event may follow cancellation")
	s.Close()
}

func TestRunStopsCallbacksAfterCancel(t *testing.T) {
	srv := sseServer(t, []string{"data: a\n\n", "data: b\n\n", "data: c\n\n"}, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int
	err := NewClient().Run(ctx, GenerateStreamRequest(srv.URL, "hi", 10), func(ev StreamEvent) {
		calls++
		cancel()
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRunRecoversConsumerPanic(t *testing.T) {
	srv := sseServer(t, []string{"data: a\n\ndata: [DONE]\n\n"}, false)

	err := NewClient().Run(context.Background(), GenerateStreamRequest(srv.URL, "hi", 10), func(ev StreamEvent) {
		panic("boom")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestExactlyOneTerminal(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	cases := map[string]Request{
		"sentinel":        GenerateStreamRequest(sseServer(t, []string{"data: x\n\ndata: [DONE]\n\ndata: [DONE]\n\n"}, false).URL, "p", 1),
		"embedded":        ToolCallRequest(sseServer(t, []string{"data: {\"done\":true}\n\ndata: [DONE]\n\n"}, false).URL, "t", nil),
		"close":           GenerateStreamRequest(sseServer(t, []string{"data: x"}, false).URL, "p", 1),
		"empty close":     GenerateStreamRequest(sseServer(t, nil, false).URL, "p", 1),
		"timeout":         {URL: sseServer(t, []string{"data: x\n\n"}, true).URL, Body: struct{}{}, Timeout: 50 * time.Millisecond},
		"transport error": GenerateStreamRequest(closedURL, "p", 1),
	}

	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			events := collectEvents(t, NewClient(), req)
			require.NotEmpty(t, events)
			assert.Equal(t, 1, terminalCount(events))
			assert.True(t, events[len(events)-1].IsDone, "terminal event must be last")
		})
	}
}

func TestOutcomeHook(t *testing.T) {
	srv := sseServer(t, []string{"data: a\n\ndata: b\n\ndata: [DONE]\n\n"}, false)

	var mu sync.Mutex
	var outcomes []Outcome
	c := NewClient(WithOutcomeHook(func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, o)
	}))

	collectEvents(t, c, GenerateStreamRequest(srv.URL, "hi", 10))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, outcomes, 1)
	assert.Equal(t, SignalSentinel, outcomes[0].Signal)
	assert.Equal(t, 2, outcomes[0].Tokens)
	assert.False(t, outcomes[0].Cancelled)
}

func TestFetch(t *testing.T) {
	srv := sseServer(t, []string{"data: The answer\n\ndata:  is 42\n\ndata: [DONE]\n\n"}, false)

	text, err := NewClient().Fetch(context.Background(), GenerateStreamRequest(srv.URL, "q", 10))

	require.NoError(t, err)
	assert.Equal(t, "The answer is 42", text)
}

func TestFetchCallerDeadlineIsCancellation(t *testing.T) {
	srv := sseServer(t, []string{"data: partial\n\n"}, true)

	var mu sync.Mutex
	var outcomes []Outcome
	c := NewClient(WithOutcomeHook(func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, o)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	text, err := c.Fetch(ctx, GenerateStreamRequest(srv.URL, "q", 10))

	assert.Equal(t, "partial", text)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, errors.Is(err, ErrTimeout), "the caller's deadline is not a session timeout")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Cancelled)
	assert.NoError(t, outcomes[0].Err)
}

func TestCallerDeadlineSendsNoTerminal(t *testing.T) {
	srv := sseServer(t, []string{"data: partial\n\n"}, true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	result := Collect(NewClient().Open(ctx, GenerateStreamRequest(srv.URL, "q", 10)))

	assert.Equal(t, "partial", result.Text)
	assert.False(t, result.Terminal.IsDone)
}

func TestFetchReturnsClassifiedError(t *testing.T) {
	srv := sseServer(t, []string{"data: partial\n\n"}, true)
	c := NewClient(WithTimeout(50 * time.Millisecond))

	text, err := c.Fetch(context.Background(), GenerateStreamRequest(srv.URL, "q", 10))

	assert.Equal(t, "partial", text)
	assert.True(t, errors.Is(err, ErrTimeout))
}
