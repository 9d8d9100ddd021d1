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
// GoogleProvider struct + constructor
// ---------------------------------------------------------------------------

// GoogleProvider implements the Provider interface for Google's Gemini
// API. Gemini is the odd one out on several axes: the API key travels as
// a query parameter, the model name lives in the URL path, assistant
// messages use the role "model", and tool calls arrive as complete
// functionCall parts rather than argument fragments.
type GoogleProvider struct {
	apiKey     string
	baseURL    string // e.g. "https://generativelanguage.googleapis.com/v1beta"
	maxRetries int
	client     *http.Client
}

const defaultGoogleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

const googleValidationModel = "gemini-2.0-flash"

// NewGoogleProvider creates a GoogleProvider ready to make API calls.
// A nil client gets one built from cfg.Timeout.
func NewGoogleProvider(cfg Config, client *http.Client) *GoogleProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGoogleBaseURL
	}
	if client == nil {
		client = newHTTPClient(cfg.Timeout)
	}
	return &GoogleProvider{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		maxRetries: cfg.MaxRetries,
		client:     client,
	}
}

var _ Provider = (*GoogleProvider)(nil)

// Name returns the provider identifier.
func (g *GoogleProvider) Name() string {
	return "google"
}

// CalculateCost derives cost from the static price table.
func (g *GoogleProvider) CalculateCost(model string, usage Usage) float64 {
	return CostFor(model, usage)
}

// ---------------------------------------------------------------------------
// Gemini API types (unexported)
// ---------------------------------------------------------------------------

// geminiRequest is the top-level request body for generateContent.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiToolSet         `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig       `json:"toolConfig,omitempty"`
}

// geminiContent represents one message. Gemini always uses "parts"
// because every message is potentially multimodal.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// geminiPart is one piece of content within a message: text, inline or
// referenced image data, a function call, or a function response.
type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *geminiInlineData       `json:"inlineData,omitempty"`
	FileData         *geminiFileData         `json:"fileData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type geminiFileData struct {
	MIMEType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiToolSet struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig geminiFunctionCallingConfig `json:"functionCallingConfig"`
}

type geminiFunctionCallingConfig struct {
	Mode                 string   `json:"mode"` // "AUTO" or "ANY"
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// geminiResponse is the top-level response from generateContent, and also
// the shape of every SSE event in the streaming path — Gemini repeats the
// same structure per event instead of using named event types.
type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toGeminiRequest translates the unified options into Gemini's format:
//  1. System messages are hoisted into systemInstruction (Gemini only
//     accepts one, so multiples concatenate as extra parts).
//  2. "assistant" maps to Gemini's "model" role; earlier tool calls are
//     replayed as functionCall parts.
//  3. Tool results become functionResponse parts correlated by function
//     name — Gemini issues no call ids, so the name is the key the
//     adapter stores in ToolCall.ID.
func toGeminiRequest(opts *CompletionOptions) (*geminiRequest, error) {
	gr := &geminiRequest{}

	for _, msg := range opts.Messages {
		switch msg.Role {
		case RoleSystem:
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &geminiContent{
					Parts: []geminiPart{{Text: msg.Content}},
				}
			} else {
				gr.SystemInstruction.Parts = append(
					gr.SystemInstruction.Parts,
					geminiPart{Text: msg.Content},
				)
			}

		case RoleTool:
			gr.Contents = append(gr.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResponse{
						Name:     msg.ToolCallID,
						Response: map[string]any{"content": msg.Content},
					},
				}},
			})

		case RoleUser, RoleAssistant:
			role := "user"
			if msg.Role == RoleAssistant {
				role = "model"
			}
			parts, err := toGeminiParts(msg)
			if err != nil {
				return nil, err
			}
			gr.Contents = append(gr.Contents, geminiContent{Role: role, Parts: parts})

		default:
			return nil, fmt.Errorf("unsupported message role: %s", msg.Role)
		}
	}

	if opts.MaxTokens > 0 || opts.Temperature != nil || opts.TopP != nil || len(opts.Stop) > 0 {
		gr.GenerationConfig = &geminiGenerationConfig{
			MaxOutputTokens: opts.MaxTokens,
			Temperature:     opts.Temperature,
			TopP:            opts.TopP,
			StopSequences:   opts.Stop,
		}
	}

	if len(opts.Tools) > 0 {
		decls := make([]geminiFunctionDecl, 0, len(opts.Tools))
		for _, tool := range opts.Tools {
			decls = append(decls, geminiFunctionDecl{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(tool.Parameters),
			})
		}
		gr.Tools = []geminiToolSet{{FunctionDeclarations: decls}}
	}

	switch opts.ToolChoice {
	case "":
	case ToolChoiceAuto:
		gr.ToolConfig = &geminiToolConfig{
			FunctionCallingConfig: geminiFunctionCallingConfig{Mode: "AUTO"},
		}
	case ToolChoiceRequired:
		gr.ToolConfig = &geminiToolConfig{
			FunctionCallingConfig: geminiFunctionCallingConfig{Mode: "ANY"},
		}
	default:
		gr.ToolConfig = &geminiToolConfig{
			FunctionCallingConfig: geminiFunctionCallingConfig{
				Mode:                 "ANY",
				AllowedFunctionNames: []string{opts.ToolChoice},
			},
		}
	}

	return gr, nil
}

// toGeminiParts converts one user/assistant message to parts, routing URL
// images to fileData and inline base64 images to inlineData.
func toGeminiParts(msg Message) ([]geminiPart, error) {
	var parts []geminiPart

	if len(msg.Parts) > 0 {
		for _, part := range msg.Parts {
			switch part.Type {
			case PartText:
				parts = append(parts, geminiPart{Text: part.Text})
			case PartImage:
				if part.ImageURL != "" {
					parts = append(parts, geminiPart{FileData: &geminiFileData{
						MIMEType: part.MIMEType,
						FileURI:  part.ImageURL,
					}})
				} else {
					parts = append(parts, geminiPart{InlineData: &geminiInlineData{
						MIMEType: part.MIMEType,
						Data:     part.ImageData,
					}})
				}
			default:
				return nil, fmt.Errorf("unsupported content part type: %s", part.Type)
			}
		}
	} else if msg.Content != "" || len(msg.ToolCalls) == 0 {
		parts = append(parts, geminiPart{Text: msg.Content})
	}

	for _, call := range msg.ToolCalls {
		parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
			Name: call.Name,
			Args: call.Arguments,
		}})
	}

	return parts, nil
}

func parseGoogleError(status int, body string) error {
	return fmt.Errorf("gemini API error (status %d): %s", status, body)
}

// ---------------------------------------------------------------------------
// Non-streaming: Complete
// ---------------------------------------------------------------------------

// Complete sends a non-streaming request to generateContent and returns
// the unified result. Vendor failures come back as FinishError results.
func (g *GoogleProvider) Complete(ctx context.Context, opts *CompletionOptions) *CompletionResult {
	geminiReq, err := toGeminiRequest(opts)
	if err != nil {
		return ErrorResult(g.Name(), opts.Model, err)
	}

	body, err := json.Marshal(geminiReq)
	if err != nil {
		return ErrorResult(g.Name(), opts.Model, fmt.Errorf("marshaling request: %w", err))
	}

	// The model is in the URL path and the key is a query parameter —
	// Gemini's convention, unlike every other vendor here.
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, opts.Model, g.apiKey)

	resp, err := postJSON(ctx, g.client, url, nil, body, g.maxRetries)
	if err != nil {
		return ErrorResult(g.Name(), opts.Model, fmt.Errorf("sending request to gemini: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ErrorResult(g.Name(), opts.Model, parseGoogleError(resp.StatusCode, readErrorBody(resp.Body)))
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return ErrorResult(g.Name(), opts.Model, fmt.Errorf("decoding gemini response: %w", err))
	}
	if len(geminiResp.Candidates) == 0 {
		return ErrorResult(g.Name(), opts.Model, fmt.Errorf("gemini returned no candidates"))
	}

	candidate := geminiResp.Candidates[0]
	var content strings.Builder
	var toolCalls []ToolCall
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			content.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			// Gemini has no call ids; the function name is the
			// correlation key a later functionResponse uses.
			toolCalls = append(toolCalls, ToolCall{
				ID:        part.FunctionCall.Name,
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		}
	}

	usage := Usage{}
	if geminiResp.UsageMetadata != nil {
		usage.PromptTokens = geminiResp.UsageMetadata.PromptTokenCount
		usage.CompletionTokens = geminiResp.UsageMetadata.CandidatesTokenCount
		usage.TotalTokens = geminiResp.UsageMetadata.TotalTokenCount
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	usage.Cost = g.CalculateCost(opts.Model, usage)

	reason := FinishStop
	if len(toolCalls) > 0 {
		reason = FinishToolCalls
	}

	return &CompletionResult{
		Content:      content.String(),
		ToolCalls:    toolCalls,
		Usage:        usage,
		Model:        opts.Model,
		Provider:     g.Name(),
		FinishReason: reason,
	}
}

// ---------------------------------------------------------------------------
// Streaming: Stream
// ---------------------------------------------------------------------------

// Stream sends a streaming request to streamGenerateContent?alt=sse.
// Gemini events are self-contained (each one is a full geminiResponse),
// so a functionCall part maps to an open/delta/close triple in one step —
// the arguments never arrive fragmented.
func (g *GoogleProvider) Stream(ctx context.Context, opts *CompletionOptions, handler StreamHandler) {
	asm := newAssembler(g.Name(), opts.Model, handler)

	geminiReq, err := toGeminiRequest(opts)
	if err != nil {
		asm.fail(err)
		return
	}

	body, err := json.Marshal(geminiReq)
	if err != nil {
		asm.fail(fmt.Errorf("marshaling request: %w", err))
		return
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, opts.Model, g.apiKey)

	resp, err := postJSON(ctx, g.client, url, nil, body, g.maxRetries)
	if err != nil {
		asm.fail(fmt.Errorf("sending request to gemini: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		asm.fail(parseGoogleError(resp.StatusCode, readErrorBody(resp.Body)))
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
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var event geminiResponse
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			asm.fail(fmt.Errorf("decoding gemini stream event: %w", err))
			return
		}

		if event.UsageMetadata != nil {
			if err := asm.feed(usageEvent(event.UsageMetadata.PromptTokenCount, event.UsageMetadata.CandidatesTokenCount)); err != nil {
				asm.fail(err)
				return
			}
		}
		if len(event.Candidates) == 0 {
			continue
		}

		for _, part := range event.Candidates[0].Content.Parts {
			if part.Text != "" {
				if err := asm.feed(streamEvent{kind: eventText, text: part.Text}); err != nil {
					asm.fail(err)
					return
				}
			}
			if part.FunctionCall != nil {
				raw, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					asm.fail(fmt.Errorf("marshaling function call args: %w", err))
					return
				}
				for _, ev := range []streamEvent{
					{kind: eventToolOpen, id: part.FunctionCall.Name, name: part.FunctionCall.Name},
					{kind: eventToolDelta, fragment: string(raw)},
					{kind: eventToolClose},
				} {
					if err := asm.feed(ev); err != nil {
						asm.fail(err)
						return
					}
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		asm.fail(fmt.Errorf("reading gemini stream: %w", err))
		return
	}

	// Gemini has no explicit terminal event; clean EOF ends the stream.
	if err := asm.feed(streamEvent{kind: eventDone}); err != nil {
		asm.fail(err)
	}
}

// ---------------------------------------------------------------------------
// ValidateConfig
// ---------------------------------------------------------------------------

// ValidateConfig sends one minimal real request and reports whether the
// credentials and endpoint work.
func (g *GoogleProvider) ValidateConfig(ctx context.Context) bool {
	res := g.Complete(ctx, &CompletionOptions{
		Model:     googleValidationModel,
		MaxTokens: 1,
		Messages:  []Message{{Role: RoleUser, Content: "ping"}},
	})
	return res.FinishReason != FinishError
}
