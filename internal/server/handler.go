package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/verbalex/aigateway/internal/gateway"
	"github.com/verbalex/aigateway/internal/provider"
	"github.com/verbalex/aigateway/internal/stream"
	"github.com/verbalex/aigateway/internal/usage"
)

// ---------------------------------------------------------------------------
// Request wire format (OpenAI-compatible)
// ---------------------------------------------------------------------------

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Tools       []chatTool    `json:"tools,omitempty"`

	// ToolChoice is either the string "auto"/"required" or an object
	// naming a specific function, so it stays raw until translation.
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`

	User string `json:"user,omitempty"`

	// Gateway extensions beyond the OpenAI format.
	Provider string         `json:"provider,omitempty"`
	Purpose  string         `json:"purpose,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type chatMessage struct {
	Role string `json:"role"`

	// Content is either a plain string or an array of content parts.
	Content json.RawMessage `json:"content"`

	ToolCallID string             `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCallWire `json:"tool_calls,omitempty"`
}

type chatContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatToolCallWire struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ---------------------------------------------------------------------------
// Response wire format
// ---------------------------------------------------------------------------

type chatResponse struct {
	Object   string       `json:"object"`
	Model    string       `json:"model"`
	Provider string       `json:"provider"`
	Choices  []chatChoice `json:"choices"`
	Usage    chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Role      string             `json:"role"`
	Content   string             `json:"content"`
	ToolCalls []chatToolCallWire `json:"tool_calls,omitempty"`
}

type chatUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	opts, err := toCompletionOptions(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.Stream {
		s.streamCompletion(w, r, &req, opts)
		return
	}

	result, err := s.manager.Complete(r.Context(), opts, req.Provider)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	writeJSON(w, http.StatusOK, toChatResponse(result))
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, req *chatRequest, opts *provider.CompletionOptions) {
	sw, err := stream.NewWriter(w, req.Model)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	handler := provider.StreamHandler{
		OnChunk: func(c provider.StreamChunk) {
			if err := sw.WriteChunk(c); err != nil {
				log.Printf("stream write failed: %v", err)
			}
		},
		OnComplete: func(res *provider.CompletionResult) {
			if err := sw.WriteFinish(res); err != nil {
				log.Printf("stream finish failed: %v", err)
			}
		},
		OnError: func(err error) {
			sw.WriteError(err)
		},
	}

	// Errors are already delivered through OnError at this point; the
	// return value only matters for callers without a handler.
	_ = s.manager.Stream(r.Context(), opts, handler, req.Provider)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := usage.Filter{
		UserID:   q.Get("user_id"),
		Provider: q.Get("provider"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid from timestamp: %w", err))
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid to timestamp: %w", err))
			return
		}
		filter.To = t
	}

	if q.Get("summary") == "true" {
		writeJSON(w, http.StatusOK, s.ledger.Aggregate(filter))
		return
	}
	writeJSON(w, http.StatusOK, s.ledger.Records(filter))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.manager.Statuses()
	healthy := false
	for _, st := range statuses {
		if st.Available {
			healthy = true
			break
		}
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    map[bool]string{true: "ok", false: "degraded"}[healthy],
		"providers": statuses,
	})
}

// ---------------------------------------------------------------------------
// Translation
// ---------------------------------------------------------------------------

func toCompletionOptions(req *chatRequest) (*provider.CompletionOptions, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}

	opts := &provider.CompletionOptions{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		MaxTokens:   req.MaxTokens,
		UserID:      req.User,
		Purpose:     req.Purpose,
		Metadata:    req.Metadata,
	}

	for i, m := range req.Messages {
		msg, err := toMessage(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		opts.Messages = append(opts.Messages, msg)
	}

	for _, t := range req.Tools {
		opts.Tools = append(opts.Tools, provider.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	if len(req.ToolChoice) > 0 {
		choice, err := toToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		opts.ToolChoice = choice
	}

	return opts, nil
}

func toMessage(m chatMessage) (provider.Message, error) {
	msg := provider.Message{
		Role:       provider.Role(m.Role),
		ToolCallID: m.ToolCallID,
	}

	switch msg.Role {
	case provider.RoleSystem, provider.RoleUser, provider.RoleAssistant, provider.RoleTool:
	default:
		return msg, fmt.Errorf("unknown role %q", m.Role)
	}

	for _, tc := range m.ToolCalls {
		call := provider.ToolCall{ID: tc.ID, Name: tc.Function.Name}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments); err != nil {
				return msg, fmt.Errorf("tool call %s: invalid arguments: %w", tc.ID, err)
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, call)
	}

	if len(m.Content) == 0 {
		return msg, nil
	}

	// Plain string content is the common case.
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		msg.Content = text
		return msg, nil
	}

	var parts []chatContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return msg, fmt.Errorf("content must be a string or an array of parts")
	}
	for _, p := range parts {
		switch p.Type {
		case "text":
			msg.Parts = append(msg.Parts, provider.ContentPart{Type: provider.PartText, Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				return msg, fmt.Errorf("image_url part missing url")
			}
			msg.Parts = append(msg.Parts, provider.ContentPart{Type: provider.PartImage, ImageURL: p.ImageURL.URL})
		default:
			return msg, fmt.Errorf("unknown content part type %q", p.Type)
		}
	}
	return msg, nil
}

func toToolChoice(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case provider.ToolChoiceAuto, provider.ToolChoiceRequired, "":
			return s, nil
		default:
			return "", fmt.Errorf("unknown tool_choice %q", s)
		}
	}

	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err != nil {
		return "", fmt.Errorf("invalid tool_choice: %w", err)
	}
	if named.Function.Name == "" {
		return "", fmt.Errorf("tool_choice object missing function name")
	}
	return named.Function.Name, nil
}

func toChatResponse(res *provider.CompletionResult) chatResponse {
	msg := responseMessage{Role: "assistant", Content: res.Content}
	for _, tc := range res.ToolCalls {
		wire := chatToolCallWire{ID: tc.ID, Type: "function"}
		wire.Function.Name = tc.Name
		if args, err := json.Marshal(tc.Arguments); err == nil {
			wire.Function.Arguments = string(args)
		}
		msg.ToolCalls = append(msg.ToolCalls, wire)
	}

	return chatResponse{
		Object:   "chat.completion",
		Model:    res.Model,
		Provider: res.Provider,
		Choices: []chatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: string(res.FinishReason),
		}},
		Usage: chatUsage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
			Cost:             res.Usage.Cost,
		},
	}
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func statusForError(err error) int {
	switch {
	case errors.Is(err, gateway.ErrNoProviders):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrAllProvidersFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}
