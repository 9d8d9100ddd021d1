package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAnthropic(t *testing.T, handler http.HandlerFunc) *AnthropicProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAnthropicProvider(Config{APIKey: "test-key", BaseURL: srv.URL}, srv.Client())
}

// writeAnthropicSSE writes a sequence of named SSE events the way the
// Messages API streams them.
func writeAnthropicSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, data := range events {
		var typed struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal([]byte(data), &typed)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typed.Type, data)
	}
}

func TestAnthropicComplete(t *testing.T) {
	var gotReq anthropicRequest
	p := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_01",
			"model":       "claude-sonnet-4-5",
			"stop_reason": "end_turn",
			"content": []map[string]any{
				{"type": "text", "text": "Dictation complete."},
			},
			"usage": map[string]int{"input_tokens": 20, "output_tokens": 5},
		})
	})

	res := p.Complete(context.Background(), &CompletionOptions{
		Model: "claude-sonnet-4-5",
		Messages: []Message{
			{Role: RoleSystem, Content: "You are a legal transcription assistant."},
			{Role: RoleUser, Content: "Transcribe this."},
		},
	})

	require.NotEqual(t, FinishError, res.FinishReason, res.Error)
	assert.Equal(t, "Dictation complete.", res.Content)
	assert.Equal(t, "anthropic", res.Provider)
	assert.Equal(t, 25, res.Usage.TotalTokens)
	assert.Greater(t, res.Usage.Cost, 0.0)

	// System messages are hoisted out of the message list.
	assert.Equal(t, "You are a legal transcription assistant.", gotReq.System)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
	// max_tokens is required by the API, so an unset value gets a default.
	assert.Equal(t, defaultMaxTokens, gotReq.MaxTokens)
}

func TestAnthropicCompleteToolUse(t *testing.T) {
	p := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"model":       "claude-sonnet-4-5",
			"stop_reason": "tool_use",
			"content": []map[string]any{
				{"type": "text", "text": "Let me check."},
				{"type": "tool_use", "id": "toolu_01", "name": "lookup_statute",
					"input": map[string]any{"section": 1542}},
			},
			"usage": map[string]int{"input_tokens": 30, "output_tokens": 12},
		})
	})

	res := p.Complete(context.Background(), &CompletionOptions{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: RoleUser, Content: "Look up section 1542."}},
		Tools:    []Tool{{Name: "lookup_statute", Parameters: []byte(`{"type":"object"}`)}},
	})

	require.Equal(t, FinishToolCalls, res.FinishReason)
	assert.Equal(t, "Let me check.", res.Content)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "toolu_01", res.ToolCalls[0].ID)
	assert.Equal(t, float64(1542), res.ToolCalls[0].Arguments["section"])
}

func TestAnthropicToolResultTranslation(t *testing.T) {
	var gotReq anthropicRequest
	p := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]any{
			"model":       "claude-sonnet-4-5",
			"stop_reason": "end_turn",
			"content":     []map[string]any{{"type": "text", "text": "done"}},
			"usage":       map[string]int{"input_tokens": 1, "output_tokens": 1},
		})
	})

	p.Complete(context.Background(), &CompletionOptions{
		Model: "claude-sonnet-4-5",
		Messages: []Message{
			{Role: RoleUser, Content: "Look it up."},
			{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "toolu_01", Name: "lookup_statute", Arguments: map[string]any{"section": 1542.0}},
			}},
			{Role: RoleTool, ToolCallID: "toolu_01", Content: `{"text": "..."}`},
		},
	})

	require.Len(t, gotReq.Messages, 3)

	// The assistant's earlier call replays as a tool_use block.
	asst := gotReq.Messages[1]
	assert.Equal(t, "assistant", asst.Role)
	require.Len(t, asst.Content, 1)
	assert.Equal(t, "tool_use", asst.Content[0].Type)
	assert.Equal(t, "toolu_01", asst.Content[0].ID)

	// The tool result travels in a user message, correlated by id.
	result := gotReq.Messages[2]
	assert.Equal(t, "user", result.Role)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "tool_result", result.Content[0].Type)
	assert.Equal(t, "toolu_01", result.Content[0].ToolUseID)
}

func TestAnthropicCompleteAPIError(t *testing.T) {
	p := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "authentication_error", "message": "invalid x-api-key"},
		})
	})

	res := p.Complete(context.Background(), &CompletionOptions{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})

	assert.Equal(t, FinishError, res.FinishReason)
	assert.Contains(t, res.Error, "invalid x-api-key")
	assert.Empty(t, res.Content)
}

func TestAnthropicStream(t *testing.T) {
	p := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		writeAnthropicSSE(w,
			`{"type":"message_start","message":{"id":"msg_01","model":"claude-sonnet-4-5","usage":{"input_tokens":25,"output_tokens":1}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Whereas "}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"the parties agree"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_05","name":"lookup_statute"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"sect"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"ion\": 998}"}}`,
			`{"type":"content_block_stop","index":1}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":18}}`,
			`{"type":"message_stop"}`,
		)
	})

	var c collector
	p.Stream(context.Background(), &CompletionOptions{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: RoleUser, Content: "Draft the clause."}},
	}, c.handler())

	require.Empty(t, c.errs)
	require.NotNil(t, c.result)
	assert.Equal(t, "Whereas the parties agree", c.result.Content)
	assert.Equal(t, FinishToolCalls, c.result.FinishReason)

	require.Len(t, c.result.ToolCalls, 1)
	assert.Equal(t, "toolu_05", c.result.ToolCalls[0].ID)
	assert.Equal(t, float64(998), c.result.ToolCalls[0].Arguments["section"])

	assert.Equal(t, 25, c.result.Usage.PromptTokens)
	assert.Equal(t, 18, c.result.Usage.CompletionTokens)
}

func TestAnthropicStreamVendorError(t *testing.T) {
	p := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		writeAnthropicSSE(w,
			`{"type":"message_start","message":{"id":"msg_01","model":"claude-sonnet-4-5","usage":{"input_tokens":5,"output_tokens":0}}}`,
			`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
		)
	})

	var c collector
	p.Stream(context.Background(), &CompletionOptions{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, c.handler())

	require.Len(t, c.errs, 1)
	assert.Contains(t, c.errs[0].Error(), "Overloaded")
	assert.Nil(t, c.result)
}

func TestAnthropicStreamTruncated(t *testing.T) {
	// Connection drops before message_stop: OnError, never OnComplete.
	p := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		writeAnthropicSSE(w,
			`{"type":"message_start","message":{"id":"msg_01","model":"claude-sonnet-4-5","usage":{"input_tokens":5,"output_tokens":0}}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`,
		)
	})

	var c collector
	p.Stream(context.Background(), &CompletionOptions{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, c.handler())

	require.Len(t, c.errs, 1)
	assert.Nil(t, c.result)
}

func TestAnthropicStreamHTTPError(t *testing.T) {
	p := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "invalid_request_error", "message": "max_tokens required"},
		})
	})

	var c collector
	p.Stream(context.Background(), &CompletionOptions{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, c.handler())

	require.Len(t, c.errs, 1)
	assert.Contains(t, c.errs[0].Error(), "max_tokens required")
	assert.Empty(t, c.chunks)
}
