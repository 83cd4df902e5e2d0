/*
Package core contains the request and response types of the HTTP surface.

Key type categories:
- Tool invocation types (ToolResponse, ToolContent)
- Sequential thinking types (ThinkRequest, StatusResponse)
- Relay streaming types (ChatRequest, StreamMessage)
- Execution control types (StopRequest, StopResponse)
*/
package core

import "time"

// Status values reported by /status, /health and /call-tool.
const (
	StatusHealthy       = "healthy"
	StatusResetRequired = "reset_required"
	StatusSuccess       = "success"
	StatusBusy          = "busy"
	StatusError         = "error"
)

// ToolContent is one content block of a tool response.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResponse is the reply to POST /call-tool. The same envelope is sent as
// a single SSE frame when the client asks for an event stream.
type ToolResponse struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError"`
	Status  string        `json:"status"`
}

// ThinkRequest starts a full reasoning task.
type ThinkRequest struct {
	Prompt        string `json:"prompt" validate:"required"`
	TotalThoughts int    `json:"totalThoughts" validate:"omitempty,min=1"`
}

// StatusResponse is the reply to GET /status.
type StatusResponse struct {
	Status              string         `json:"status"`
	Uptime              float64        `json:"uptime"` // seconds
	ThoughtCount        int            `json:"thoughtCount"`
	BranchCount         int            `json:"branchCount"`
	Processing          bool           `json:"processing"`
	Completed           bool           `json:"completed"`
	AvgProcessingTimeMs int64          `json:"avgProcessingTimeMs"`
	LastActivity        time.Time      `json:"lastActivity"`
	LastReset           time.Time      `json:"lastReset"`
	Memory              map[string]int `json:"memory"`
	ActiveExecutions    []string       `json:"activeExecutions"`
	ExecutionCounts     map[string]int `json:"executionCounts"` // running executions per kind
}

// ChatRequest asks the relay to stream one completion from the upstream.
// When Tool is set the upstream tool endpoint is streamed instead.
type ChatRequest struct {
	Message   string         `json:"message" validate:"required_without=Tool"`
	SessionID string         `json:"sessionId,omitempty"`
	WordCount int            `json:"wordCount,omitempty" validate:"omitempty,min=1"`
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// StreamMessage is one SSE message sent by /chat/stream and /think. The Type
// field tells the client how to handle it: "session", "execution_started",
// "token", "thought", "response", "complete", "error", "stopped".
type StreamMessage struct {
	Type        string         `json:"type"`
	Content     string         `json:"content"`
	Complete    bool           `json:"complete"`
	ExecutionID string         `json:"executionId,omitempty"`
	ErrorKind   string         `json:"errorKind,omitempty"` // "timeout" or "transport"
	Details     map[string]any `json:"details,omitempty"`
}

// StopRequest asks to cancel a running relay or thinking execution.
type StopRequest struct {
	ExecutionID string `json:"executionId" validate:"required"`
}

// StopResponse reports whether the execution was stopped.
type StopResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Stopped bool   `json:"stopped"`
}
