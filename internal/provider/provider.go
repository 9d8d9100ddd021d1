// Package provider defines the unified completion model and the LLM
// provider adapters.
//
// Every vendor backend (Anthropic, OpenAI, Google) implements the Provider
// interface. The rest of the gateway works with these unified types —
// handlers, failover manager, usage ledger — so they never need to know
// which vendor is actually handling a request.
package provider

import "context"

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FinishReason explains why a completion ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

// Provider is the interface that every LLM backend must satisfy.
type Provider interface {
	// Name returns the provider identifier, e.g. "anthropic" or "openai".
	// Used for logging, metrics labels, and usage records.
	Name() string

	// Complete sends a request and returns the complete response.
	//
	// Vendor-level failures (network errors, non-2xx responses,
	// vendor-reported errors) never surface as a panic or a separate
	// error value: the adapter catches them and returns a result with
	// FinishReason == FinishError and Error set. Only the failover
	// manager inspects that state; callers above it never see it.
	Complete(ctx context.Context, opts *CompletionOptions) *CompletionResult

	// Stream sends a request and delivers the response incrementally
	// through the handler callbacks. Exactly one of OnComplete or
	// OnError fires, after all OnChunk calls.
	Stream(ctx context.Context, opts *CompletionOptions, handler StreamHandler)

	// CalculateCost derives the dollar cost of a call from the static
	// per-model price table. Pure; unknown models cost 0.
	CalculateCost(model string, usage Usage) float64

	// ValidateConfig issues one minimal real request to the vendor and
	// reports whether the credentials and endpoint are usable. It never
	// panics and never returns an error — an unreachable vendor is
	// simply false.
	ValidateConfig(ctx context.Context) bool
}

// ---------------------------------------------------------------------------
// Unified request types
// ---------------------------------------------------------------------------

// Message is a single message in the conversation. Content carries plain
// text; Parts carries mixed text/image content when the caller sends a
// multi-part message (at most one of the two is set). A message with
// RoleTool reports the outcome of an earlier tool call and must carry the
// vendor-issued ToolCallID verbatim — that id is the vendor's correlation
// key.
type Message struct {
	Role       Role          `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`

	// ToolCalls echoes the calls an assistant message requested earlier
	// in the conversation. Vendors require the original request to be
	// present in history before a tool result may reference it.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// PartType discriminates ContentPart variants.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// ContentPart is one element of a multi-part message. Image parts carry
// either a URL or an inline base64 payload with its MIME type; adapters
// route the two forms to the vendor's respective encodings.
type ContentPart struct {
	Type      PartType `json:"type"`
	Text      string   `json:"text,omitempty"`
	ImageURL  string   `json:"image_url,omitempty"`
	ImageData string   `json:"image_data,omitempty"` // base64, no data: prefix
	MIMEType  string   `json:"mime_type,omitempty"`
}

// Tool declares a function the model may call. Name must be unique within
// a request. Parameters is a JSON-schema document passed through to the
// vendor untouched.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  []byte `json:"parameters"`
}

// ToolCall is a structured function invocation emitted by the model.
// ID is vendor-issued and must round-trip verbatim.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Tool-choice values. Anything else is interpreted as the name of a
// specific tool the model is forced to call.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceRequired = "required"
)

// CompletionOptions is the unified request. The HTTP layer parses the
// caller's JSON into this struct and adapters translate it into their
// vendor's wire format.
type CompletionOptions struct {
	Messages    []Message      `json:"messages"`
	Model       string         `json:"model"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	Stop        []string       `json:"stop,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Tools       []Tool         `json:"tools,omitempty"`
	ToolChoice  string         `json:"tool_choice,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	Purpose     string         `json:"purpose,omitempty"` // billing tag
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ---------------------------------------------------------------------------
// Unified response types
// ---------------------------------------------------------------------------

// Usage holds token counts and the locally derived cost. Cost is never
// taken from the vendor — it is computed from the static price table so
// the units are consistent across providers.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

// CompletionResult is the unified response.
//
// Invariant: FinishReason == FinishError implies Error is set and Content
// is empty.
type CompletionResult struct {
	Content      string       `json:"content"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	Usage        Usage        `json:"usage"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	FinishReason FinishReason `json:"finish_reason"`
	Error        string       `json:"error,omitempty"`
}

// ErrorResult builds the FinishError result an adapter returns when the
// vendor call fails.
func ErrorResult(providerName, model string, err error) *CompletionResult {
	return &CompletionResult{
		Model:        model,
		Provider:     providerName,
		FinishReason: FinishError,
		Error:        err.Error(),
	}
}

// ---------------------------------------------------------------------------
// Streaming types
// ---------------------------------------------------------------------------

// ChunkType discriminates StreamChunk variants.
type ChunkType string

const (
	// ChunkContent carries one text delta — forwarded as soon as the
	// vendor emits it, no buffering.
	ChunkContent ChunkType = "content"
	// ChunkToolCall carries one fully reconstructed tool call.
	ChunkToolCall ChunkType = "tool_call"
	// ChunkRestart marks a failover mid-stream: everything received so
	// far came from a provider that failed, and the answer restarts
	// from scratch on Provider.
	ChunkRestart ChunkType = "restart"
	// ChunkDone is the terminal chunk and carries the final usage.
	ChunkDone ChunkType = "done"
)

// StreamChunk is one incremental unit of a streaming response.
type StreamChunk struct {
	Type     ChunkType `json:"type"`
	Delta    string    `json:"delta,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Usage    *Usage    `json:"usage,omitempty"`
	Provider string    `json:"provider,omitempty"`
}

// StreamHandler receives streaming callbacks. All fields are optional;
// a nil callback is skipped. OnComplete and OnError are mutually
// exclusive and fire exactly once, after the last OnChunk.
type StreamHandler struct {
	OnChunk    func(StreamChunk)
	OnComplete func(*CompletionResult)
	OnError    func(error)
}

func (h StreamHandler) chunk(c StreamChunk) {
	if h.OnChunk != nil {
		h.OnChunk(c)
	}
}

func (h StreamHandler) complete(res *CompletionResult) {
	if h.OnComplete != nil {
		h.OnComplete(res)
	}
}

func (h StreamHandler) fail(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}
