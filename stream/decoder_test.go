package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name   string
		frame  Frame
		want   StreamEvent
		wantOK bool
	}{
		{
			name:   "sentinel",
			frame:  Frame{Payload: DoneSentinel, IsSentinel: true},
			want:   StreamEvent{IsDone: true, Signal: SignalSentinel},
			wantOK: true,
		},
		{
			name:   "raw token keeps whitespace",
			frame:  Frame{Payload: " world"},
			want:   StreamEvent{Token: " world"},
			wantOK: true,
		},
		{
			name:   "nested content text",
			frame:  Frame{Payload: `{"content":[{"type":"text","text":"step one"}]}`},
			want:   StreamEvent{Token: "step one"},
			wantOK: true,
		},
		{
			name:   "embedded done flag with text",
			frame:  Frame{Payload: `{"content":[{"text":"last"}],"done":true}`},
			want:   StreamEvent{Token: "last", IsDone: true, Signal: SignalEmbeddedFlag},
			wantOK: true,
		},
		{
			name:   "embedded done flag alone",
			frame:  Frame{Payload: `{"done":true}`},
			want:   StreamEvent{IsDone: true, Signal: SignalEmbeddedFlag},
			wantOK: true,
		},
		{
			name:   "done false is ordinary content",
			frame:  Frame{Payload: `{"content":[{"text":"x"}],"done":false}`},
			want:   StreamEvent{Token: "x"},
			wantOK: true,
		},
		{
			name:   "empty content is a skip marker",
			frame:  Frame{Payload: `{"content":[{"text":""}]}`},
			wantOK: false,
		},
		{
			name:   "empty content array is a skip marker",
			frame:  Frame{Payload: `{"content":[]}`},
			wantOK: false,
		},
		{
			name:   "object without envelope fields is raw text",
			frame:  Frame{Payload: `{"status":"thinking"}`},
			want:   StreamEvent{Token: `{"status":"thinking"}`},
			wantOK: true,
		},
		{
			name:   "malformed json falls back to raw text",
			frame:  Frame{Payload: `{"content":[{"text":"unterminated`},
			want:   StreamEvent{Token: `{"content":[{"text":"unterminated`},
			wantOK: true,
		},
		{
			name:   "json scalar is raw text",
			frame:  Frame{Payload: "42"},
			want:   StreamEvent{Token: "42"},
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Decode(tt.frame)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestCompletionSignalString(t *testing.T) {
	assert.Equal(t, "sentinel", SignalSentinel.String())
	assert.Equal(t, "embedded_flag", SignalEmbeddedFlag.String())
	assert.Equal(t, "stream_close", SignalStreamClose.String())
	assert.Equal(t, "aborted", SignalAborted.String())
	assert.Equal(t, "none", SignalNone.String())
}
