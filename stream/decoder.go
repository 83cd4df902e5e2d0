package stream

import (
	"encoding/json"
	"strings"
)

// CompletionSignal tells how a terminal StreamEvent came about. It is decoded
// once at the Decode/Session boundary so consumers never re-inspect payloads.
type CompletionSignal int

const (
	SignalNone         CompletionSignal = iota // non-terminal event
	SignalSentinel                             // explicit [DONE] frame
	SignalEmbeddedFlag                         // JSON envelope with "done": true
	SignalStreamClose                          // connection closed without a marker
	SignalAborted                              // synthesized after a timeout or transport failure
)

func (s CompletionSignal) String() string {
	switch s {
	case SignalSentinel:
		return "sentinel"
	case SignalEmbeddedFlag:
		return "embedded_flag"
	case SignalStreamClose:
		return "stream_close"
	case SignalAborted:
		return "aborted"
	default:
		return "none"
	}
}

// StreamEvent is the normalized unit delivered to stream consumers.
// Exactly one event with IsDone set ends a session.
type StreamEvent struct {
	Token  string           `json:"token"`
	IsDone bool             `json:"isDone"`
	Signal CompletionSignal `json:"-"`
	Err    error            `json:"-"` // set only on aborted terminals
}

// envelope is the JSON shape used by the tool-invocation endpoint.
type envelope struct {
	Content []struct {
		Text *string `json:"text"`
	} `json:"content"`
	Done *bool `json:"done"`
}

// Decode interprets a complete frame. It returns false when the frame carries
// nothing actionable (an empty content envelope) and the caller should keep
// reading.
//
// Decoding never fails: payloads that are not a JSON object envelope are
// delivered verbatim as text tokens.
func Decode(frame Frame) (StreamEvent, bool) {
	if frame.IsSentinel {
		return StreamEvent{IsDone: true, Signal: SignalSentinel}, true
	}

	payload := frame.Payload
	trimmed := strings.TrimSpace(payload)
	if !strings.HasPrefix(trimmed, "{") {
		return StreamEvent{Token: payload}, true
	}

	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return StreamEvent{Token: payload}, true
	}

	done := env.Done != nil && *env.Done
	if env.Content == nil {
		if done {
			return StreamEvent{IsDone: true, Signal: SignalEmbeddedFlag}, true
		}
		return StreamEvent{Token: payload}, true
	}

	var text string
	if len(env.Content) > 0 && env.Content[0].Text != nil {
		text = *env.Content[0].Text
	}
	if done {
		return StreamEvent{Token: text, IsDone: true, Signal: SignalEmbeddedFlag}, true
	}
	if text == "" {
		return StreamEvent{}, false
	}
	return StreamEvent{Token: text}, true
}
