package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Internal stream event enum
// ---------------------------------------------------------------------------

// Vendor streams emit fine-grained structural events (block-open, delta,
// block-close) that don't map 1:1 onto unified chunks, and tool-call
// arguments arrive as fragments of a JSON document that is only valid once
// complete. Rather than writing reconstruction logic per vendor, each
// adapter maps its wire events into this small internal enum and feeds
// them to a shared assembler.

type streamEventKind int

const (
	eventText      streamEventKind = iota // one text delta
	eventToolOpen                         // a tool_use block opened (id + name known)
	eventToolDelta                        // one fragment of the tool's JSON arguments
	eventToolClose                        // the current tool block closed
	eventUsage                            // a usage update (either count may be absent)
	eventDone                             // the stream ended normally
)

type streamEvent struct {
	kind     streamEventKind
	text     string // eventText
	id       string // eventToolOpen
	name     string // eventToolOpen
	fragment string // eventToolDelta

	// eventUsage: negative means "not reported in this event".
	promptTokens     int
	completionTokens int
}

func usageEvent(prompt, completion int) streamEvent {
	return streamEvent{kind: eventUsage, promptTokens: prompt, completionTokens: completion}
}

// ---------------------------------------------------------------------------
// Assembler
// ---------------------------------------------------------------------------

// assembler turns a sequence of streamEvents into unified StreamChunks and
// a final CompletionResult. States per stream:
//
//	idle → text-accumulating ⇄ tool-open → tool-accumulating → tool-closed → idle
//
// Text deltas pass straight through as content chunks (low latency, no
// buffering) while also accumulating into the final content. Tool-call
// argument fragments accumulate per open block; the concatenation is
// parsed opportunistically after every fragment, and a parse failure on a
// still-partial fragment is expected and ignored. Only a parse failure
// after the block closes is a real error.
type assembler struct {
	providerName string
	model        string
	handler      StreamHandler

	content   strings.Builder
	toolCalls []ToolCall
	pending   *pendingTool

	promptTokens     int
	completionTokens int

	finished bool
}

type pendingTool struct {
	id     string
	name   string
	args   strings.Builder
	parsed map[string]any // last successful opportunistic parse
}

func newAssembler(providerName, model string, handler StreamHandler) *assembler {
	return &assembler{
		providerName: providerName,
		model:        model,
		handler:      handler,
	}
}

// feed advances the state machine by one event. A non-nil error means the
// stream is broken and the adapter must call fail() with it.
func (a *assembler) feed(ev streamEvent) error {
	if a.finished {
		return nil
	}

	switch ev.kind {
	case eventText:
		if ev.text == "" {
			return nil
		}
		a.content.WriteString(ev.text)
		a.handler.chunk(StreamChunk{
			Type:     ChunkContent,
			Delta:    ev.text,
			Provider: a.providerName,
		})

	case eventToolOpen:
		// A vendor opening a new tool block while another is pending
		// implicitly closes the previous one (OpenAI's indexed deltas
		// behave this way).
		if a.pending != nil {
			if err := a.closeTool(); err != nil {
				return err
			}
		}
		a.pending = &pendingTool{id: ev.id, name: ev.name}

	case eventToolDelta:
		if a.pending == nil {
			return fmt.Errorf("tool argument fragment outside a tool block")
		}
		a.pending.args.WriteString(ev.fragment)
		// Opportunistic parse: succeeds only once the accumulated
		// fragment happens to be complete JSON. Failure here is the
		// normal case mid-block, not an error.
		var parsed map[string]any
		if err := json.Unmarshal([]byte(a.pending.args.String()), &parsed); err == nil {
			a.pending.parsed = parsed
		}

	case eventToolClose:
		// Text blocks close with the same vendor event; only act when a
		// tool block is actually open.
		if a.pending != nil {
			if err := a.closeTool(); err != nil {
				return err
			}
		}

	case eventUsage:
		if ev.promptTokens >= 0 {
			a.promptTokens = ev.promptTokens
		}
		if ev.completionTokens >= 0 {
			a.completionTokens = ev.completionTokens
		}

	case eventDone:
		if a.pending != nil {
			if err := a.closeTool(); err != nil {
				return err
			}
		}
		a.finish()
	}

	return nil
}

// closeTool finalizes the pending tool call, appends it to the result, and
// emits a tool_call chunk.
func (a *assembler) closeTool() error {
	pending := a.pending
	a.pending = nil

	args := pending.parsed
	raw := strings.TrimSpace(pending.args.String())
	if args == nil {
		if raw == "" {
			args = map[string]any{}
		} else if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return fmt.Errorf("tool call %s: arguments are not valid JSON after block close: %w", pending.name, err)
		}
	}

	call := ToolCall{ID: pending.id, Name: pending.name, Arguments: args}
	a.toolCalls = append(a.toolCalls, call)
	a.handler.chunk(StreamChunk{
		Type:     ChunkToolCall,
		ToolCall: &call,
		Provider: a.providerName,
	})
	return nil
}

// finish computes the final usage, emits the terminal done chunk, then
// invokes OnComplete exactly once.
func (a *assembler) finish() {
	if a.finished {
		return
	}
	a.finished = true

	usage := Usage{
		PromptTokens:     a.promptTokens,
		CompletionTokens: a.completionTokens,
		TotalTokens:      a.promptTokens + a.completionTokens,
	}
	usage.Cost = CostFor(a.model, usage)

	a.handler.chunk(StreamChunk{
		Type:     ChunkDone,
		Usage:    &usage,
		Provider: a.providerName,
	})

	reason := FinishStop
	if len(a.toolCalls) > 0 {
		reason = FinishToolCalls
	}
	a.handler.complete(&CompletionResult{
		Content:      a.content.String(),
		ToolCalls:    a.toolCalls,
		Usage:        usage,
		Model:        a.model,
		Provider:     a.providerName,
		FinishReason: reason,
	})
}

// fail invokes OnError exactly once. After fail, further events are
// ignored.
func (a *assembler) fail(err error) {
	if a.finished {
		return
	}
	a.finished = true
	a.handler.fail(err)
}
