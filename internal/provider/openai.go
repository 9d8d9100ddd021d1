package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ---------------------------------------------------------------------------
// OpenAIProvider struct + constructor
// ---------------------------------------------------------------------------

// OpenAIProvider implements the Provider interface for OpenAI's Chat
// Completions API. Structurally the opposite of Anthropic in most places
// that matter: system prompts stay ordinary messages, auth is a Bearer
// header, tool-call arguments travel as a JSON *string*, and streaming
// uses a single unnamed event shape plus a [DONE] sentinel.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string // e.g. "https://api.openai.com/v1"
	maxRetries int
	client     *http.Client
}

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

const openaiValidationModel = "gpt-4o-mini"

// NewOpenAIProvider creates an OpenAIProvider ready to make API calls.
// A nil client gets one built from cfg.Timeout.
func NewOpenAIProvider(cfg Config, client *http.Client) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if client == nil {
		client = newHTTPClient(cfg.Timeout)
	}
	return &OpenAIProvider{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		maxRetries: cfg.MaxRetries,
		client:     client,
	}
}

var _ Provider = (*OpenAIProvider)(nil)

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// CalculateCost derives cost from the static price table.
func (o *OpenAIProvider) CalculateCost(model string, usage Usage) float64 {
	return CostFor(model, usage)
}

// ---------------------------------------------------------------------------
// OpenAI API types (unexported)
// ---------------------------------------------------------------------------

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	Stop          []string             `json:"stop,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	ToolChoice    any                  `json:"tool_choice,omitempty"`
	User          string               `json:"user,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// openaiMessage's Content is either a plain string or a list of content
// parts — `any` covers both without a custom marshaler.
type openaiMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiContentPart struct {
	Type     string          `json:"type"` // "text" or "image_url"
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiTool struct {
	Type     string         `json:"type"` // always "function"
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openaiToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"` // a JSON string, not an object
	} `json:"function"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openaiToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage openaiUsage `json:"usage"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// openaiStreamChunk is the single event shape OpenAI repeats for the whole
// stream. Tool calls arrive as indexed fragments: the first fragment for
// an index carries id and name, later ones append to arguments. The final
// event (with stream_options.include_usage) has no choices and carries
// usage instead.
type openaiStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []openaiToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage"`
}

type openaiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toOpenAIRequest translates the unified options into OpenAI's format.
// System messages pass through as-is; tool results keep their own "tool"
// role keyed by tool_call_id; inline base64 images become data: URIs
// since OpenAI only accepts images by URL.
func toOpenAIRequest(opts *CompletionOptions) (*openaiRequest, error) {
	req := &openaiRequest{
		Model:       opts.Model,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		Stop:        opts.Stop,
		MaxTokens:   opts.MaxTokens,
		User:        opts.UserID,
	}

	for _, msg := range opts.Messages {
		om := openaiMessage{Role: string(msg.Role)}

		switch msg.Role {
		case RoleTool:
			om.ToolCallID = msg.ToolCallID
			om.Content = msg.Content

		case RoleSystem, RoleUser, RoleAssistant:
			if len(msg.Parts) > 0 {
				parts := make([]openaiContentPart, 0, len(msg.Parts))
				for _, part := range msg.Parts {
					switch part.Type {
					case PartText:
						parts = append(parts, openaiContentPart{Type: "text", Text: part.Text})
					case PartImage:
						url := part.ImageURL
						if url == "" {
							url = fmt.Sprintf("data:%s;base64,%s", part.MIMEType, part.ImageData)
						}
						parts = append(parts, openaiContentPart{
							Type:     "image_url",
							ImageURL: &openaiImageURL{URL: url},
						})
					default:
						return nil, fmt.Errorf("unsupported content part type: %s", part.Type)
					}
				}
				om.Content = parts
			} else if msg.Content != "" {
				om.Content = msg.Content
			}

			for _, call := range msg.ToolCalls {
				args, err := json.Marshal(call.Arguments)
				if err != nil {
					return nil, fmt.Errorf("marshaling tool call arguments: %w", err)
				}
				tc := openaiToolCall{ID: call.ID, Type: "function"}
				tc.Function.Name = call.Name
				tc.Function.Arguments = string(args)
				om.ToolCalls = append(om.ToolCalls, tc)
			}

		default:
			return nil, fmt.Errorf("unsupported message role: %s", msg.Role)
		}

		req.Messages = append(req.Messages, om)
	}

	for _, tool := range opts.Tools {
		schema := json.RawMessage(tool.Parameters)
		if len(schema) == 0 {
			schema = json.RawMessage(`{}`)
		}
		req.Tools = append(req.Tools, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}

	switch opts.ToolChoice {
	case "":
	case ToolChoiceAuto, ToolChoiceRequired:
		req.ToolChoice = opts.ToolChoice
	default:
		req.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]string{"name": opts.ToolChoice},
		}
	}

	return req, nil
}

func (o *OpenAIProvider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + o.apiKey}
}

func parseOpenAIError(status int, body string) error {
	var envelope openaiErrorEnvelope
	if err := json.Unmarshal([]byte(body), &envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Errorf("openai API error (status %d): %s", status, envelope.Error.Message)
	}
	return fmt.Errorf("openai API error (status %d): %s", status, body)
}

func decodeOpenAIToolCall(tc openaiToolCall) (ToolCall, error) {
	args := map[string]any{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return ToolCall{}, fmt.Errorf("decoding tool call arguments: %w", err)
		}
	}
	return ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args}, nil
}

// ---------------------------------------------------------------------------
// Non-streaming: Complete
// ---------------------------------------------------------------------------

// Complete sends a non-streaming request to /chat/completions and returns
// the unified result. Vendor failures come back as FinishError results.
func (o *OpenAIProvider) Complete(ctx context.Context, opts *CompletionOptions) *CompletionResult {
	openaiReq, err := toOpenAIRequest(opts)
	if err != nil {
		return ErrorResult(o.Name(), opts.Model, err)
	}

	body, err := json.Marshal(openaiReq)
	if err != nil {
		return ErrorResult(o.Name(), opts.Model, fmt.Errorf("marshaling request: %w", err))
	}

	resp, err := postJSON(ctx, o.client, o.baseURL+"/chat/completions", o.headers(), body, o.maxRetries)
	if err != nil {
		return ErrorResult(o.Name(), opts.Model, fmt.Errorf("sending request to openai: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ErrorResult(o.Name(), opts.Model, parseOpenAIError(resp.StatusCode, readErrorBody(resp.Body)))
	}

	var openaiResp openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&openaiResp); err != nil {
		return ErrorResult(o.Name(), opts.Model, fmt.Errorf("decoding openai response: %w", err))
	}
	if len(openaiResp.Choices) == 0 {
		return ErrorResult(o.Name(), opts.Model, fmt.Errorf("openai response contained no choices"))
	}

	choice := openaiResp.Choices[0]
	var toolCalls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		call, err := decodeOpenAIToolCall(tc)
		if err != nil {
			return ErrorResult(o.Name(), opts.Model, err)
		}
		toolCalls = append(toolCalls, call)
	}

	model := openaiResp.Model
	if model == "" {
		model = opts.Model
	}

	usage := Usage{
		PromptTokens:     openaiResp.Usage.PromptTokens,
		CompletionTokens: openaiResp.Usage.CompletionTokens,
		TotalTokens:      openaiResp.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	usage.Cost = o.CalculateCost(model, usage)

	reason := FinishStop
	if choice.FinishReason == "tool_calls" || len(toolCalls) > 0 {
		reason = FinishToolCalls
	}

	return &CompletionResult{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		Usage:        usage,
		Model:        model,
		Provider:     o.Name(),
		FinishReason: reason,
	}
}

// ---------------------------------------------------------------------------
// Streaming: Stream
// ---------------------------------------------------------------------------

// Stream sends a streaming request and maps OpenAI's chunk format onto
// the internal event enum for the shared assembler.
//
// OpenAI's fragments are indexed rather than bracketed: there is no
// explicit block-close event, so a fragment carrying a new id/index
// implicitly closes the previous tool call, and the [DONE] sentinel
// closes the last one.
func (o *OpenAIProvider) Stream(ctx context.Context, opts *CompletionOptions, handler StreamHandler) {
	asm := newAssembler(o.Name(), opts.Model, handler)

	openaiReq, err := toOpenAIRequest(opts)
	if err != nil {
		asm.fail(err)
		return
	}
	openaiReq.Stream = true
	openaiReq.StreamOptions = &openaiStreamOptions{IncludeUsage: true}

	body, err := json.Marshal(openaiReq)
	if err != nil {
		asm.fail(fmt.Errorf("marshaling request: %w", err))
		return
	}

	resp, err := postJSON(ctx, o.client, o.baseURL+"/chat/completions", o.headers(), body, o.maxRetries)
	if err != nil {
		asm.fail(fmt.Errorf("sending request to openai: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		asm.fail(parseOpenAIError(resp.StatusCode, readErrorBody(resp.Body)))
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	// openToolIndex tracks which fragment index the currently open tool
	// block belongs to; -1 means none.
	openToolIndex := -1

	for scanner.Scan() {
		if ctx.Err() != nil {
			asm.fail(ctx.Err())
			return
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		if payload == "[DONE]" {
			if err := asm.feed(streamEvent{kind: eventDone}); err != nil {
				asm.fail(err)
			}
			return
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			asm.fail(fmt.Errorf("decoding openai stream chunk: %w", err))
			return
		}

		if chunk.Usage != nil {
			if err := asm.feed(usageEvent(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)); err != nil {
				asm.fail(err)
				return
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			if err := asm.feed(streamEvent{kind: eventText, text: delta.Content}); err != nil {
				asm.fail(err)
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			if tc.ID != "" || tc.Index != openToolIndex {
				// New call: the assembler closes any pending one itself.
				openToolIndex = tc.Index
				if err := asm.feed(streamEvent{kind: eventToolOpen, id: tc.ID, name: tc.Function.Name}); err != nil {
					asm.fail(err)
					return
				}
			}
			if tc.Function.Arguments != "" {
				if err := asm.feed(streamEvent{kind: eventToolDelta, fragment: tc.Function.Arguments}); err != nil {
					asm.fail(err)
					return
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		asm.fail(fmt.Errorf("reading openai stream: %w", err))
		return
	}

	if !asm.finished {
		asm.fail(fmt.Errorf("openai stream ended without [DONE]"))
	}
}

// ---------------------------------------------------------------------------
// ValidateConfig
// ---------------------------------------------------------------------------

// ValidateConfig sends one minimal real request and reports whether the
// credentials and endpoint work.
func (o *OpenAIProvider) ValidateConfig(ctx context.Context) bool {
	res := o.Complete(ctx, &CompletionOptions{
		Model:     openaiValidationModel,
		MaxTokens: 1,
		Messages:  []Message{{Role: RoleUser, Content: "ping"}},
	})
	return res.FinishReason != FinishError
}
