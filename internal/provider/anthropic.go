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
// AnthropicProvider struct + constructor
// ---------------------------------------------------------------------------

// AnthropicProvider implements the Provider interface for Anthropic's
// Messages API: translate the unified request into Anthropic's format,
// make the HTTP call, translate back.
type AnthropicProvider struct {
	apiKey     string
	baseURL    string // e.g. "https://api.anthropic.com/v1"
	maxRetries int
	client     *http.Client
}

// anthropicAPIVersion pins the Anthropic API behavior. Anthropic versions
// their API with a date-based header instead of the URL path; every
// request must carry it.
const anthropicAPIVersion = "2023-06-01"

const defaultAnthropicBaseURL = "https://api.anthropic.com/v1"

// defaultMaxTokens is used when the caller doesn't specify max_tokens.
// Anthropic rejects requests without the field.
const defaultMaxTokens = 1024

// anthropicValidationModel is the model used by ValidateConfig — the
// cheapest one in the table, since the probe only needs one token back.
const anthropicValidationModel = "claude-3-5-haiku"

// NewAnthropicProvider creates an AnthropicProvider ready to make API
// calls. A nil client gets one built from cfg.Timeout.
func NewAnthropicProvider(cfg Config, client *http.Client) *AnthropicProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	if client == nil {
		client = newHTTPClient(cfg.Timeout)
	}
	return &AnthropicProvider{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		maxRetries: cfg.MaxRetries,
		client:     client,
	}
}

var _ Provider = (*AnthropicProvider)(nil)

// Name returns the provider identifier.
func (a *AnthropicProvider) Name() string {
	return "anthropic"
}

// CalculateCost derives cost from the static price table.
func (a *AnthropicProvider) CalculateCost(model string, usage Usage) float64 {
	return CostFor(model, usage)
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

// anthropicRequest is the top-level request body for /v1/messages.
//
// Differences from the unified model worth knowing:
//   - "system" is a top-level string, not a message
//   - "max_tokens" is REQUIRED
//   - tool_choice "any" is what the unified "required" maps to
type anthropicRequest struct {
	Model         string               `json:"model"`
	MaxTokens     int                  `json:"max_tokens"`
	System        string               `json:"system,omitempty"`
	Messages      []anthropicMessage   `json:"messages"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Tools         []anthropicTool      `json:"tools,omitempty"`
	ToolChoice    *anthropicToolChoice `json:"tool_choice,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

// anthropicBlock is one content block. Anthropic accepts a plain string
// for content too, but always sending the block form keeps the translation
// uniform across text, images, tool_use and tool_result.
type anthropicBlock struct {
	Type      string                `json:"type"`
	Text      string                `json:"text,omitempty"`
	Source    *anthropicImageSource `json:"source,omitempty"`
	ID        string                `json:"id,omitempty"`
	Name      string                `json:"name,omitempty"`
	Input     json.RawMessage       `json:"input,omitempty"`
	ToolUseID string                `json:"tool_use_id,omitempty"`
	Content   string                `json:"content,omitempty"` // tool_result payload
}

type anthropicImageSource struct {
	Type      string `json:"type"` // "url" or "base64"
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"` // "auto", "any", or "tool"
	Name string `json:"name,omitempty"`
}

type anthropicResponse struct {
	ID         string                   `json:"id"`
	Content    []anthropicResponseBlock `json:"content"`
	Model      string                   `json:"model"`
	StopReason string                   `json:"stop_reason"`
	Usage      anthropicUsage           `json:"usage"`
}

type anthropicResponseBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicErrorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Streaming event types ---
//
// Anthropic sends NAMED SSE events, each with a different payload shape:
//
//	message_start       → response ID, model, input token count
//	content_block_start → a text or tool_use block opened
//	content_block_delta → text_delta (text fragment) or input_json_delta
//	                      (fragment of the tool's JSON arguments)
//	content_block_stop  → the current block closed
//	message_delta       → stop_reason and output token count
//	message_stop        → the stream is done
//
// Every payload includes a "type" field matching the event name, so we
// decode into one wrapper struct and switch on the type — no state needs
// to be tracked between "event:" and "data:" lines.
type anthropicStreamEvent struct {
	Type         string                  `json:"type"`
	Index        int                     `json:"index"`
	Message      *anthropicEventMessage  `json:"message,omitempty"`
	ContentBlock *anthropicResponseBlock `json:"content_block,omitempty"`
	Delta        *anthropicEventDelta    `json:"delta,omitempty"`
	Usage        *anthropicUsage         `json:"usage,omitempty"`
	Error        *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicEventMessage struct {
	ID    string         `json:"id"`
	Model string         `json:"model"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicEventDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toAnthropicRequest translates the unified options into Anthropic's
// format:
//  1. System messages are hoisted into the top-level "system" string.
//  2. Tool results become user messages carrying a tool_result block
//     keyed by the stored tool-call id.
//  3. Assistant tool calls are replayed as tool_use blocks so later
//     results can reference them.
//  4. max_tokens gets a default when unset.
func toAnthropicRequest(opts *CompletionOptions) (*anthropicRequest, error) {
	ar := &anthropicRequest{
		Model:         opts.Model,
		Temperature:   opts.Temperature,
		TopP:          opts.TopP,
		StopSequences: opts.Stop,
	}

	var systemParts []string
	for _, msg := range opts.Messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleTool:
			// Anthropic has no tool role; results travel inside a user
			// message, correlated by tool_use_id.
			ar.Messages = append(ar.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		case RoleUser, RoleAssistant:
			blocks, err := toAnthropicBlocks(msg)
			if err != nil {
				return nil, err
			}
			ar.Messages = append(ar.Messages, anthropicMessage{
				Role:    string(msg.Role),
				Content: blocks,
			})

		default:
			return nil, fmt.Errorf("unsupported message role: %s", msg.Role)
		}
	}

	if len(systemParts) > 0 {
		ar.System = strings.Join(systemParts, "\n")
	}

	if opts.MaxTokens > 0 {
		ar.MaxTokens = opts.MaxTokens
	} else {
		ar.MaxTokens = defaultMaxTokens
	}

	for _, tool := range opts.Tools {
		schema := json.RawMessage(tool.Parameters)
		if len(schema) == 0 {
			schema = json.RawMessage(`{}`)
		}
		ar.Tools = append(ar.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	switch opts.ToolChoice {
	case "":
	case ToolChoiceAuto:
		ar.ToolChoice = &anthropicToolChoice{Type: "auto"}
	case ToolChoiceRequired:
		ar.ToolChoice = &anthropicToolChoice{Type: "any"}
	default:
		ar.ToolChoice = &anthropicToolChoice{Type: "tool", Name: opts.ToolChoice}
	}

	return ar, nil
}

// toAnthropicBlocks converts one user/assistant message into content
// blocks, translating multi-part content part-by-part. URL images and
// inline base64 images go to Anthropic's respective source encodings.
func toAnthropicBlocks(msg Message) ([]anthropicBlock, error) {
	var blocks []anthropicBlock

	if len(msg.Parts) > 0 {
		for _, part := range msg.Parts {
			switch part.Type {
			case PartText:
				blocks = append(blocks, anthropicBlock{Type: "text", Text: part.Text})
			case PartImage:
				source := &anthropicImageSource{}
				if part.ImageURL != "" {
					source.Type = "url"
					source.URL = part.ImageURL
				} else {
					source.Type = "base64"
					source.MediaType = part.MIMEType
					source.Data = part.ImageData
				}
				blocks = append(blocks, anthropicBlock{Type: "image", Source: source})
			default:
				return nil, fmt.Errorf("unsupported content part type: %s", part.Type)
			}
		}
	} else if msg.Content != "" || len(msg.ToolCalls) == 0 {
		blocks = append(blocks, anthropicBlock{Type: "text", Text: msg.Content})
	}

	for _, call := range msg.ToolCalls {
		input, err := json.Marshal(call.Arguments)
		if err != nil {
			return nil, fmt.Errorf("marshaling tool call arguments: %w", err)
		}
		blocks = append(blocks, anthropicBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Name,
			Input: input,
		})
	}

	return blocks, nil
}

func (a *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicAPIVersion,
	}
}

func parseAnthropicError(status int, body string) error {
	var envelope anthropicErrorEnvelope
	if err := json.Unmarshal([]byte(body), &envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Errorf("anthropic API error (status %d): %s", status, envelope.Error.Message)
	}
	return fmt.Errorf("anthropic API error (status %d): %s", status, body)
}

// ---------------------------------------------------------------------------
// Non-streaming: Complete
// ---------------------------------------------------------------------------

// Complete sends a non-streaming request to /v1/messages and returns the
// unified result. Vendor failures come back as FinishError results, never
// as panics — the failover manager needs a value it can inspect.
func (a *AnthropicProvider) Complete(ctx context.Context, opts *CompletionOptions) *CompletionResult {
	anthropicReq, err := toAnthropicRequest(opts)
	if err != nil {
		return ErrorResult(a.Name(), opts.Model, err)
	}

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return ErrorResult(a.Name(), opts.Model, fmt.Errorf("marshaling request: %w", err))
	}

	resp, err := postJSON(ctx, a.client, a.baseURL+"/messages", a.headers(), body, a.maxRetries)
	if err != nil {
		return ErrorResult(a.Name(), opts.Model, fmt.Errorf("sending request to anthropic: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ErrorResult(a.Name(), opts.Model, parseAnthropicError(resp.StatusCode, readErrorBody(resp.Body)))
	}

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&anthropicResp); err != nil {
		return ErrorResult(a.Name(), opts.Model, fmt.Errorf("decoding anthropic response: %w", err))
	}

	// Translate back: concatenate text blocks, decode tool_use blocks.
	var content strings.Builder
	var toolCalls []ToolCall
	for _, block := range anthropicResp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return ErrorResult(a.Name(), opts.Model, fmt.Errorf("decoding tool_use input: %w", err))
				}
			}
			toolCalls = append(toolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}

	model := anthropicResp.Model
	if model == "" {
		model = opts.Model
	}

	usage := Usage{
		PromptTokens:     anthropicResp.Usage.InputTokens,
		CompletionTokens: anthropicResp.Usage.OutputTokens,
		TotalTokens:      anthropicResp.Usage.InputTokens + anthropicResp.Usage.OutputTokens,
	}
	usage.Cost = a.CalculateCost(model, usage)

	reason := FinishStop
	if anthropicResp.StopReason == "tool_use" || len(toolCalls) > 0 {
		reason = FinishToolCalls
	}

	return &CompletionResult{
		Content:      content.String(),
		ToolCalls:    toolCalls,
		Usage:        usage,
		Model:        model,
		Provider:     a.Name(),
		FinishReason: reason,
	}
}

// ---------------------------------------------------------------------------
// Streaming: Stream
// ---------------------------------------------------------------------------

// Stream sends a streaming request to /v1/messages and drives the shared
// assembler with the internal event enum. The adapter's only job here is
// mapping Anthropic's named SSE events onto that enum; all reconstruction
// state lives in the assembler.
func (a *AnthropicProvider) Stream(ctx context.Context, opts *CompletionOptions, handler StreamHandler) {
	asm := newAssembler(a.Name(), opts.Model, handler)

	anthropicReq, err := toAnthropicRequest(opts)
	if err != nil {
		asm.fail(err)
		return
	}
	anthropicReq.Stream = true

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		asm.fail(fmt.Errorf("marshaling request: %w", err))
		return
	}

	resp, err := postJSON(ctx, a.client, a.baseURL+"/messages", a.headers(), body, a.maxRetries)
	if err != nil {
		asm.fail(fmt.Errorf("sending request to anthropic: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		asm.fail(parseAnthropicError(resp.StatusCode, readErrorBody(resp.Body)))
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			asm.fail(ctx.Err())
			return
		}

		line := scanner.Text()
		// The "event:" lines are redundant — the payload's own "type"
		// field identifies the event.
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			asm.fail(fmt.Errorf("decoding anthropic stream event: %w", err))
			return
		}

		if err := a.feedEvent(asm, event); err != nil {
			asm.fail(err)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		asm.fail(fmt.Errorf("reading anthropic stream: %w", err))
		return
	}

	if !asm.finished {
		asm.fail(fmt.Errorf("anthropic stream ended without message_stop"))
	}
}

// feedEvent maps one Anthropic SSE event onto the internal stream enum.
func (a *AnthropicProvider) feedEvent(asm *assembler, event anthropicStreamEvent) error {
	switch event.Type {
	case "message_start":
		if event.Message != nil {
			return asm.feed(usageEvent(event.Message.Usage.InputTokens, -1))
		}

	case "content_block_start":
		if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
			return asm.feed(streamEvent{
				kind: eventToolOpen,
				id:   event.ContentBlock.ID,
				name: event.ContentBlock.Name,
			})
		}

	case "content_block_delta":
		if event.Delta == nil {
			return nil
		}
		switch event.Delta.Type {
		case "text_delta":
			return asm.feed(streamEvent{kind: eventText, text: event.Delta.Text})
		case "input_json_delta":
			return asm.feed(streamEvent{kind: eventToolDelta, fragment: event.Delta.PartialJSON})
		}

	case "content_block_stop":
		return asm.feed(streamEvent{kind: eventToolClose})

	case "message_delta":
		if event.Usage != nil {
			return asm.feed(usageEvent(-1, event.Usage.OutputTokens))
		}

	case "message_stop":
		return asm.feed(streamEvent{kind: eventDone})

	case "error":
		msg := "unknown stream failure"
		if event.Error != nil && event.Error.Message != "" {
			msg = event.Error.Message
		}
		return fmt.Errorf("anthropic stream error: %s", msg)

		// ping and other event types carry nothing we need.
	}
	return nil
}

// ---------------------------------------------------------------------------
// ValidateConfig
// ---------------------------------------------------------------------------

// ValidateConfig sends one minimal real request and reports whether the
// credentials and endpoint work.
func (a *AnthropicProvider) ValidateConfig(ctx context.Context) bool {
	res := a.Complete(ctx, &CompletionOptions{
		Model:     anthropicValidationModel,
		MaxTokens: 1,
		Messages:  []Message{{Role: RoleUser, Content: "ping"}},
	})
	return res.FinishReason != FinishError
}
