// Package stream handles writing unified streaming chunks to HTTP
// clients as OpenAI-compatible Server-Sent Events.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/verbalex/aigateway/internal/provider"
)

// ---------------------------------------------------------------------------
// OpenAI-compatible SSE response types
// ---------------------------------------------------------------------------

// These structs define the JSON shape OpenAI-compatible clients expect in
// each SSE event. The gateway's API surface matches the OpenAI format, so
// unified StreamChunks are translated into this shape before flushing.
//
// The one extension is "restart": it flags a mid-stream provider
// failover, telling the client to discard everything received so far.
// Standard OpenAI clients ignore unknown fields, so it is additive.

// sseChunk is the top-level JSON object in each SSE event.
type sseChunk struct {
	Object  string      `json:"object"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`

	// Usage appears only on the final event.
	Usage *sseUsage `json:"usage,omitempty"`

	// Restart marks a provider failover; Provider names the provider
	// the stream restarts on.
	Restart  bool   `json:"restart,omitempty"`
	Provider string `json:"provider,omitempty"`
}

type sseChoice struct {
	Index int      `json:"index"`
	Delta sseDelta `json:"delta"`

	// FinishReason is null on every event except the final one. The
	// pointer distinguishes "not set" (JSON null) from a value.
	FinishReason *string `json:"finish_reason"`
}

type sseDelta struct {
	Content   string        `json:"content,omitempty"`
	ToolCalls []sseToolCall `json:"tool_calls,omitempty"`
}

type sseToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type sseUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

// ---------------------------------------------------------------------------
// SSE Writer
// ---------------------------------------------------------------------------

// Writer turns unified StreamChunks into SSE events on an
// http.ResponseWriter, flushing each one immediately so the client sees
// tokens in real time.
type Writer struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	model     string
	toolIndex int
}

// NewWriter prepares w for SSE output and returns a Writer. It fails if
// the ResponseWriter cannot flush, since buffered SSE defeats streaming.
// Headers are sent here — they must precede the first body write.
func NewWriter(w http.ResponseWriter, model string) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	return &Writer{w: w, flusher: flusher, model: model}, nil
}

func (sw *Writer) emit(event sseChunk) error {
	jsonBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling SSE chunk: %w", err)
	}
	// "data: {json}\n\n" — the blank line terminates the event per the
	// SSE spec.
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", jsonBytes); err != nil {
		return fmt.Errorf("writing SSE event: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// WriteChunk writes one incremental chunk. Done chunks are skipped here —
// the finish event is written by WriteFinish from the final result, which
// also carries the finish reason.
func (sw *Writer) WriteChunk(c provider.StreamChunk) error {
	event := sseChunk{
		Object:  "chat.completion.chunk",
		Model:   sw.model,
		Choices: []sseChoice{{Index: 0}},
	}

	switch c.Type {
	case provider.ChunkContent:
		event.Choices[0].Delta.Content = c.Delta

	case provider.ChunkToolCall:
		if c.ToolCall == nil {
			return nil
		}
		args, err := json.Marshal(c.ToolCall.Arguments)
		if err != nil {
			return fmt.Errorf("marshaling tool call arguments: %w", err)
		}
		tc := sseToolCall{Index: sw.toolIndex, ID: c.ToolCall.ID, Type: "function"}
		tc.Function.Name = c.ToolCall.Name
		tc.Function.Arguments = string(args)
		event.Choices[0].Delta.ToolCalls = []sseToolCall{tc}
		sw.toolIndex++

	case provider.ChunkRestart:
		event.Restart = true
		event.Provider = c.Provider
		sw.toolIndex = 0

	case provider.ChunkDone:
		return nil

	default:
		return nil
	}

	return sw.emit(event)
}

// WriteFinish writes the finish event (finish_reason + usage) followed by
// the OpenAI "data: [DONE]" sentinel.
func (sw *Writer) WriteFinish(res *provider.CompletionResult) error {
	reason := string(res.FinishReason)
	event := sseChunk{
		Object:  "chat.completion.chunk",
		Model:   sw.model,
		Choices: []sseChoice{{Index: 0, FinishReason: &reason}},
		Usage: &sseUsage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
			Cost:             res.Usage.Cost,
		},
	}
	if err := sw.emit(event); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(sw.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing SSE done marker: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// WriteError surfaces a terminal failure to the client. Headers are
// already sent by now, so a status code is off the table — an error
// event followed by stream end is the best SSE can do. The client can
// tell the difference because no [DONE] sentinel follows.
func (sw *Writer) WriteError(err error) {
	payload, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return
	}
	fmt.Fprintf(sw.w, "data: %s\n\n", payload)
	sw.flusher.Flush()
}
