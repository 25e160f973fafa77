package translator

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/openai"
)

// StopReason values accumulated from the backend stream.
const (
	StopReasonStop    = "stop"
	StopReasonToolUse = "tool_use"
)

// AggregatedResponse is the fully-consumed backend reply.
type AggregatedResponse struct {
	Content      string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
	ToolCalls    []openai.ToolCall
}

// accumulator folds assistant events into text, tool calls and usage.
// Tool calls open when an event carries both a name and a tool-use id,
// collect input fragments, and close on a stop event.
type accumulator struct {
	content strings.Builder

	inToolUse bool
	toolID    string
	toolName  string
	toolInput strings.Builder
	toolCalls []openai.ToolCall

	inputTokens  int64
	outputTokens int64
	sawUsage     bool
}

func (a *accumulator) feed(ev *kiro.AssistantEvent) {
	if ev.Name != "" && ev.ToolUseID != "" {
		a.closeToolUse()
		a.inToolUse = true
		a.toolID = ev.ToolUseID
		a.toolName = ev.Name
		if ev.Input != "" {
			a.toolInput.WriteString(ev.Input)
		}
		if ev.Stop {
			a.closeToolUse()
		}
		return
	}

	if a.inToolUse {
		if ev.Input != "" {
			a.toolInput.WriteString(ev.Input)
		}
		if ev.Stop {
			a.closeToolUse()
		}
		return
	}

	if ev.Content != "" {
		a.content.WriteString(ev.Content)
	}
	if in, out, ok := ev.TokenCounts(); ok {
		a.inputTokens = in
		a.outputTokens = out
		a.sawUsage = true
	}
}

func (a *accumulator) closeToolUse() {
	if !a.inToolUse {
		return
	}
	args := strings.TrimSpace(a.toolInput.String())
	if args == "" || !gjson.Valid(args) {
		args = "{}"
	}
	a.toolCalls = append(a.toolCalls, openai.ToolCall{
		ID:       a.toolID,
		Type:     "function",
		Function: openai.ToolCallFunction{Name: a.toolName, Arguments: args},
	})
	a.inToolUse = false
	a.toolID = ""
	a.toolName = ""
	a.toolInput.Reset()
}

func (a *accumulator) result() *AggregatedResponse {
	a.closeToolUse()
	stop := StopReasonStop
	if len(a.toolCalls) > 0 {
		stop = StopReasonToolUse
	}
	return &AggregatedResponse{
		Content:      a.content.String(),
		StopReason:   stop,
		InputTokens:  a.inputTokens,
		OutputTokens: a.outputTokens,
		ToolCalls:    a.toolCalls,
	}
}

// AggregateResponse consumes a backend event-stream body into one
// aggregated reply. Exception events abort with the backend's payload.
func AggregateResponse(body io.Reader) (*AggregatedResponse, error) {
	parser := kiro.GetEventStreamParser()
	defer kiro.ReleaseEventStreamParser(parser)

	msgs, err := parser.ParseAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse backend stream: %w", err)
	}

	var acc accumulator
	for _, msg := range msgs {
		if msg.IsException() {
			return nil, fmt.Errorf("backend exception %s: %s", msg.EventType(), string(msg.Payload))
		}
		ev, err := kiro.DecodeAssistantEvent(msg.Payload)
		if err != nil {
			continue
		}
		acc.feed(ev)
	}
	return acc.result(), nil
}

// BuildCompletion shapes the aggregated reply as an OpenAI chat
// completion object. A tool_use stop reason maps to tool_calls.
func BuildCompletion(agg *AggregatedResponse, model, id string) *openai.ChatCompletion {
	finish := openai.FinishStop
	if agg.StopReason == StopReasonToolUse {
		finish = openai.FinishToolCalls
	}

	content := agg.Content
	msg := &openai.ChoiceMessage{Role: "assistant", Content: &content}
	if len(agg.ToolCalls) > 0 {
		msg.ToolCalls = agg.ToolCalls
	}

	return &openai.ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.Choice{{Index: 0, Message: msg, FinishReason: &finish}},
		Usage: &openai.Usage{
			PromptTokens:     agg.InputTokens,
			CompletionTokens: agg.OutputTokens,
			TotalTokens:      agg.InputTokens + agg.OutputTokens,
		},
	}
}
