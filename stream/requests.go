package stream

import "strings"

// GenerateStreamBody is the body of POST /generate_stream.
type GenerateStreamBody struct {
	Prompt    string `json:"prompt"`
	WordCount int    `json:"word_count"`
}

// ToolCallParams names a tool and its arguments.
type ToolCallParams struct {
	Name      string         `json:"name" validate:"required"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCallBody is the body of POST /call-tool.
type ToolCallBody struct {
	Params ToolCallParams `json:"params" validate:"required"`
}

// GenerateStreamRequest builds a request for the plain text-generation stream.
func GenerateStreamRequest(baseURL, prompt string, wordCount int) Request {
	return Request{
		URL:  joinURL(baseURL, "/generate_stream"),
		Body: GenerateStreamBody{Prompt: prompt, WordCount: wordCount},
	}
}

// ToolCallRequest builds a request for the tool-invocation stream.
func ToolCallRequest(baseURL, name string, args map[string]any) Request {
	if args == nil {
		args = map[string]any{}
	}
	return Request{
		URL:  joinURL(baseURL, "/call-tool"),
		Body: ToolCallBody{Params: ToolCallParams{Name: name, Arguments: args}},
	}
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
