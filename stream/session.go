package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrTransport classifies connection, protocol and HTTP status failures.
	ErrTransport = errors.New("stream transport failure")
	// ErrTimeout classifies sessions that hit their deadline.
	ErrTimeout = errors.New("stream timed out")
)

// DefaultTimeout bounds a session when neither the client nor the request sets one.
const DefaultTimeout = 120 * time.Second

const (
	readBufferSize   = 4096
	errorBodyLimit   = 4096
	timeoutMessage   = "The request timed out after %s. You can force the answer to complete or try again."
	transportMessage = "Connection to the generation service failed: %v"
)

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// Request describes one streaming call. Body is JSON encoded and POSTed.
type Request struct {
	URL     string
	Body    any
	Header  http.Header
	Timeout time.Duration // 0 uses the client default, negative disables the deadline
}

// Outcome summarizes how a session ended. It is reported to the outcome hook
// after the session released its connection.
type Outcome struct {
	Signal    CompletionSignal
	Err       error
	Cancelled bool
	Tokens    int
	Duration  time.Duration
}

// Client opens stream sessions. It is safe for concurrent use; every session
// runs in its own goroutine.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *logrus.Entry
	onOutcome  func(Outcome)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for every session.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the default session deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger entry sessions log through.
func WithLogger(logger *logrus.Entry) Option {
	return func(c *Client) { c.logger = logger }
}

// WithOutcomeHook registers a function called once per finished session.
func WithOutcomeHook(hook func(Outcome)) Option {
	return func(c *Client) { c.onOutcome = hook }
}

// NewClient creates a stream client. Without options it uses
// http.DefaultClient, DefaultTimeout and the standard logrus logger.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logrus.StandardLogger().WithField("component", "stream")
	}
	return c
}

// Session is one in-flight streaming request. Its events are a finite,
// non-restartable sequence that ends with exactly one IsDone event unless the
// caller cancels first.
type Session struct {
	events chan StreamEvent
	cancel context.CancelFunc
	done   chan struct{}
}

// Events returns the channel the session delivers events on. The channel is
// closed after the terminal event, or after cancellation.
func (s *Session) Events() <-chan StreamEvent {
	return s.events
}

// Done is closed once the session released its connection.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close cancels the session and waits until its goroutine has stopped. No
// event is delivered after Close returns. Close is idempotent.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

// Open starts a session. Cancelling ctx has the same effect as Close.
func (c *Client) Open(ctx context.Context, req Request) *Session {
	callerCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		events: make(chan StreamEvent),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.pump(callerCtx, req, s)
	return s
}

// Run is the callback form of Open: onEvent is invoked on the calling
// goroutine for every event, in wire order. Failures arrive as a terminal
// event; the returned error is only non-nil when ctx was cancelled or the
// callback panicked.
func (c *Client) Run(ctx context.Context, req Request, onEvent func(StreamEvent)) (err error) {
	s := c.Open(ctx, req)
	defer s.Close()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream consumer panicked: %v", r)
		}
	}()

	for ev := range s.Events() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		onEvent(ev)
	}
	return ctx.Err()
}

// Fetch runs a session to completion and returns the concatenated tokens.
// Aborted sessions return the text received so far together with the
// classified error.
func (c *Client) Fetch(ctx context.Context, req Request) (string, error) {
	s := c.Open(ctx, req)
	defer s.Close()

	result := Collect(s)
	if ctx.Err() != nil {
		return result.Text, ctx.Err()
	}
	if result.Terminal.Err != nil {
		return result.Text, result.Terminal.Err
	}
	return result.Text, nil
}

// Result is a drained session.
type Result struct {
	Text     string
	Terminal StreamEvent
}

// Collect drains a session. Terminal failure messages are not part of Text.
func Collect(s *Session) Result {
	var buf bytes.Buffer
	var result Result
	for ev := range s.Events() {
		if ev.IsDone {
			result.Terminal = ev
			if ev.Signal != SignalAborted {
				buf.WriteString(ev.Token)
			}
			continue
		}
		buf.WriteString(ev.Token)
	}
	result.Text = buf.String()
	return result
}

// pumpState tracks delivery for one session goroutine.
type pumpState struct {
	ctx        context.Context // caller context; cancellation suppresses delivery
	events     chan<- StreamEvent
	terminated bool
	cancelled  bool
	signal     CompletionSignal
	err        error
	tokens     int
}

func (c *Client) pump(ctx context.Context, req Request, s *Session) {
	p := &pumpState{ctx: ctx, events: s.events}
	started := time.Now()
	timeout := c.timeoutFor(req)
	logger := c.logger.WithField("url", req.URL)

	defer close(s.done)
	defer close(s.events)
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("Stream session panicked")
			p.emit(StreamEvent{
				Token:  "The stream failed due to an internal error.",
				IsDone: true,
				Signal: SignalAborted,
				Err:    fmt.Errorf("%w: internal error: %v", ErrTransport, r),
			})
		}
		c.report(p, time.Since(started), logger)
	}()

	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := c.send(reqCtx, req)
	if err != nil {
		p.fail(reqCtx, err, timeout)
		return
	}
	defer resp.Body.Close()

	// A blocked Read does not observe the context on every transport, so the
	// body is closed from the side as soon as the request context ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-reqCtx.Done():
			_ = resp.Body.Close()
		case <-stop:
		}
	}()

	reader := NewFrameReader()
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if p.deliver(reader.Feed(buf[:n])) {
				return
			}
		}
		if errors.Is(readErr, io.EOF) {
			if p.deliver(reader.Flush()) {
				return
			}
			p.emit(StreamEvent{IsDone: true, Signal: SignalStreamClose})
			return
		}
		if readErr != nil {
			p.fail(reqCtx, readErr, timeout)
			return
		}
	}
}

func (c *Client) timeoutFor(req Request) time.Duration {
	switch {
	case req.Timeout < 0:
		return 0
	case req.Timeout > 0:
		return req.Timeout
	default:
		return c.timeout
	}
}

func (c *Client) send(ctx context.Context, req Request) (*http.Response, error) {
	body, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		_ = resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}
	return resp, nil
}

func (c *Client) report(p *pumpState, elapsed time.Duration, logger *logrus.Entry) {
	outcome := Outcome{
		Signal:    p.signal,
		Err:       p.err,
		Cancelled: p.cancelled && !p.terminated,
		Tokens:    p.tokens,
		Duration:  elapsed,
	}

	entry := logger.WithFields(logrus.Fields{
		"signal":    outcome.Signal.String(),
		"tokens":    outcome.Tokens,
		"duration":  outcome.Duration,
		"cancelled": outcome.Cancelled,
	})
	if outcome.Err != nil {
		entry.WithError(outcome.Err).Warn("Stream session aborted")
	} else {
		entry.Debug("Stream session finished")
	}

	if c.onOutcome != nil {
		c.onOutcome(outcome)
	}
}

// emit delivers one event unless the session already terminated or the
// caller cancelled. It reports whether the event was delivered.
func (p *pumpState) emit(ev StreamEvent) bool {
	if p.terminated {
		return false
	}
	if p.ctx.Err() != nil {
		p.cancelled = true
		return false
	}
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
		p.cancelled = true
		return false
	}
	if ev.IsDone {
		p.terminated = true
		p.signal = ev.Signal
		p.err = ev.Err
	} else {
		p.tokens++
	}
	return true
}

// deliver decodes and emits frames. It reports whether the pump must stop,
// either because the terminal event went out or the caller went away.
func (p *pumpState) deliver(frames []Frame) bool {
	for _, frame := range frames {
		ev, ok := Decode(frame)
		if !ok {
			continue
		}
		if ev.IsDone && ev.Token != "" {
			if !p.emit(StreamEvent{Token: ev.Token}) {
				return true
			}
			ev.Token = ""
		}
		if !p.emit(ev) || ev.IsDone {
			return true
		}
	}
	return false
}

// fail turns a request or read error into the terminal event. Errors caused
// by the caller's own cancellation produce nothing.
func (p *pumpState) fail(reqCtx context.Context, err error, timeout time.Duration) {
	if p.ctx.Err() != nil {
		p.cancelled = true
		return
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		p.emit(StreamEvent{
			Token:  fmt.Sprintf(timeoutMessage, timeout),
			IsDone: true,
			Signal: SignalAborted,
			Err:    fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, err),
		})
		return
	}
	p.emit(StreamEvent{
		Token:  fmt.Sprintf(transportMessage, err),
		IsDone: true,
		Signal: SignalAborted,
		Err:    fmt.Errorf("%w: %w", ErrTransport, err),
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
