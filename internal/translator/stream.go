package translator

import (
	"fmt"
	"io"
	"time"

	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/openai"
)

// ChunkSink receives successive streaming chunks. *openai.SSEWriter
// satisfies it through WriteChunk.
type ChunkSink interface {
	WriteChunk(data interface{}) error
}

// streamState re-frames backend events as OpenAI chunk deltas, one chunk
// per backend event.
type streamState struct {
	sink    ChunkSink
	model   string
	id      string
	created int64

	sentRole   bool
	inToolUse  bool
	toolIndex  int
	hadToolUse bool

	inputTokens  int64
	outputTokens int64
}

// StreamResponse consumes a backend event-stream body and writes OpenAI
// chat completion chunks to the sink, ending with a finish chunk that
// carries the finish reason and token usage. The caller terminates the
// SSE stream after a nil return.
func StreamResponse(body io.Reader, sink ChunkSink, model, id string) error {
	st := &streamState{
		sink:    sink,
		model:   model,
		id:      id,
		created: time.Now().Unix(),
	}

	parser := kiro.GetEventStreamParser()
	defer kiro.ReleaseEventStreamParser(parser)

	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			msgs, parseErr := parser.Parse(buf[:n])
			if parseErr != nil {
				return fmt.Errorf("failed to parse backend stream: %w", parseErr)
			}
			for _, msg := range msgs {
				if msg.IsException() {
					return fmt.Errorf("backend exception %s: %s", msg.EventType(), string(msg.Payload))
				}
				ev, decodeErr := kiro.DecodeAssistantEvent(msg.Payload)
				if decodeErr != nil {
					continue
				}
				if err := st.emit(ev); err != nil {
					return err
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("backend stream read failed: %w", err)
		}
	}

	return st.finish()
}

func (st *streamState) emit(ev *kiro.AssistantEvent) error {
	if in, out, ok := ev.TokenCounts(); ok {
		st.inputTokens = in
		st.outputTokens = out
	}

	if ev.Name != "" && ev.ToolUseID != "" {
		if st.inToolUse {
			st.toolIndex++
		}
		st.inToolUse = true
		st.hadToolUse = true
		idx := st.toolIndex
		delta := openai.Delta{ToolCalls: []openai.ToolCall{{
			Index:    &idx,
			ID:       ev.ToolUseID,
			Type:     "function",
			Function: openai.ToolCallFunction{Name: ev.Name, Arguments: ev.Input},
		}}}
		if ev.Stop {
			st.inToolUse = false
			st.toolIndex++
		}
		return st.writeDelta(delta)
	}

	if st.inToolUse {
		if ev.Input != "" {
			idx := st.toolIndex
			delta := openai.Delta{ToolCalls: []openai.ToolCall{{
				Index:    &idx,
				Function: openai.ToolCallFunction{Arguments: ev.Input},
			}}}
			if err := st.writeDelta(delta); err != nil {
				return err
			}
		}
		if ev.Stop {
			st.inToolUse = false
			st.toolIndex++
		}
		return nil
	}

	if ev.Content != "" {
		return st.writeDelta(openai.Delta{Content: ev.Content})
	}
	return nil
}

func (st *streamState) writeDelta(delta openai.Delta) error {
	if !st.sentRole {
		delta.Role = "assistant"
		st.sentRole = true
	}
	chunk := &openai.ChatCompletionChunk{
		ID:      st.id,
		Object:  "chat.completion.chunk",
		Created: st.created,
		Model:   st.model,
		Choices: []openai.Choice{{Index: 0, Delta: &delta}},
	}
	return st.sink.WriteChunk(chunk)
}

// finish writes the terminal chunk with finish reason and usage.
func (st *streamState) finish() error {
	finish := openai.FinishStop
	if st.hadToolUse {
		finish = openai.FinishToolCalls
	}
	chunk := &openai.ChatCompletionChunk{
		ID:      st.id,
		Object:  "chat.completion.chunk",
		Created: st.created,
		Model:   st.model,
		Choices: []openai.Choice{{Index: 0, Delta: &openai.Delta{}, FinishReason: &finish}},
		Usage: &openai.Usage{
			PromptTokens:     st.inputTokens,
			CompletionTokens: st.outputTokens,
			TotalTokens:      st.inputTokens + st.outputTokens,
		},
	}
	return st.sink.WriteChunk(chunk)
}
