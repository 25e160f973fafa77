// Package translator converts OpenAI chat completion requests into the
// CodeWhisperer wire schema and backend event streams back into OpenAI
// completion objects and chunks.
package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/openai"
)

const (
	// DefaultThinkingBudget caps extended reasoning length when the
	// caller does not supply one.
	DefaultThinkingBudget = 20000

	thinkingDirectiveTag = "<thinking_mode>"
)

// ErrNoMessages is returned when the request carries an empty message list.
var ErrNoMessages = errors.New("request has no messages")

type partKind int

const (
	partText partKind = iota
	partToolResult
	partToolUse
	partThinking
	partImage
)

// part is one normalized content element.
type part struct {
	kind      partKind
	text      string
	toolUseID string
	name      string
	input     json.RawMessage
	imgFormat string
	imgBytes  string
}

// message is one normalized conversation turn. plain distinguishes bare
// string content from structured parts so merging can follow the
// string/structured rules.
type message struct {
	role  string
	plain bool
	text  string
	parts []part
}

// BuildRequest translates an OpenAI chat completion request into a
// backend-ready prepared request for the given credentials.
func BuildRequest(req *openai.ChatCompletionRequest, auth kiro.AuthDetails) (*kiro.PreparedRequest, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}

	msgs, sys := normalize(req.Messages)
	if len(msgs) == 0 {
		return nil, ErrNoMessages
	}

	resolved := kiro.ResolveModel(req.Model)
	convID := uuid.New().String()

	if kiro.IsThinkingModel(req.Model) || req.ReasoningEffort != "" {
		budget := req.MaxThinkingTokens
		if budget <= 0 {
			budget = DefaultThinkingBudget
		}
		sys = injectThinkingDirective(sys, budget)
	}

	msgs = mergeAdjacent(msgs)
	msgs = dropTrailingBraceFragment(msgs)
	if len(msgs) == 0 {
		return nil, ErrNoMessages
	}

	history := buildHistory(msgs[:len(msgs)-1], sys, resolved)
	current, history := buildCurrentMessage(msgs[len(msgs)-1], history, resolved)
	if ctx := currentContext(&current, convertTools(req.Tools)); ctx != nil {
		current.UserInputMessage.UserInputMessageContext = ctx
	}

	envelope := kiro.CodeWhispererRequest{
		ConversationState: kiro.ConversationState{
			ChatTriggerType: kiro.ChatTriggerTypeManual,
			ConversationID:  convID,
			History:         history,
			CurrentMessage:  kiro.CodeWhispererTurn{UserInputMessage: &current.UserInputMessage},
		},
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode backend request: %w", err)
	}

	return &kiro.PreparedRequest{
		URL:            kiro.EndpointURL(auth.Region),
		Body:           body,
		Streaming:      req.Stream,
		Model:          resolved,
		ConversationID: convID,
		Auth:           auth,
	}, nil
}

// currentTurn is the assembled current message plus its attachments.
type currentTurn struct {
	UserInputMessage kiro.UserInputMessage
	toolResults      []kiro.ToolResult
}

// normalize maps the OpenAI message shapes onto the internal form:
// system turns are folded into one system prompt, tool-role turns become
// user turns carrying a tool result, assistant tool_calls become
// tool-use parts.
func normalize(in []openai.Message) ([]message, string) {
	var out []message
	var sys strings.Builder

	for _, m := range in {
		switch m.Role {
		case "system":
			text := rawContentText(m.Content)
			if text == "" {
				continue
			}
			if sys.Len() > 0 {
				sys.WriteString("\n")
			}
			sys.WriteString(text)
		case "tool":
			out = append(out, message{
				role: "user",
				parts: []part{{
					kind:      partToolResult,
					toolUseID: m.ToolCallID,
					text:      rawContentText(m.Content),
				}},
			})
		case "assistant":
			msg := parseContent("assistant", m.Content)
			for _, tc := range m.ToolCalls {
				if msg.plain {
					msg = toStructured(msg)
				}
				msg.parts = append(msg.parts, part{
					kind:      partToolUse,
					toolUseID: tc.ID,
					name:      tc.Function.Name,
					input:     toolArguments(tc.Function.Arguments),
				})
			}
			out = append(out, msg)
		case "user":
			out = append(out, parseContent("user", m.Content))
		}
	}

	return out, sys.String()
}

// parseContent handles the string-or-array content polymorphism.
func parseContent(role string, content json.RawMessage) message {
	v := gjson.ParseBytes(content)
	if v.Type == gjson.String {
		return message{role: role, plain: true, text: v.String()}
	}
	if !v.IsArray() {
		return message{role: role, plain: true}
	}

	msg := message{role: role}
	v.ForEach(func(_, p gjson.Result) bool {
		switch p.Get("type").String() {
		case "text":
			msg.parts = append(msg.parts, part{kind: partText, text: p.Get("text").String()})
		case "thinking":
			text := p.Get("thinking").String()
			if text == "" {
				text = p.Get("text").String()
			}
			msg.parts = append(msg.parts, part{kind: partThinking, text: text})
		case "tool_use":
			msg.parts = append(msg.parts, part{
				kind:      partToolUse,
				toolUseID: p.Get("id").String(),
				name:      p.Get("name").String(),
				input:     toolArguments(p.Get("input").Raw),
			})
		case "tool_result":
			msg.parts = append(msg.parts, part{
				kind:      partToolResult,
				toolUseID: p.Get("tool_use_id").String(),
				text:      nestedContentText(p.Get("content")),
			})
		case "image_url":
			if format, data, ok := parseDataURI(p.Get("image_url.url").String()); ok {
				msg.parts = append(msg.parts, part{kind: partImage, imgFormat: format, imgBytes: data})
			}
		case "image":
			format := "png"
			if mt := p.Get("source.media_type").String(); strings.Contains(mt, "/") {
				format = mt[strings.Index(mt, "/")+1:]
			}
			msg.parts = append(msg.parts, part{kind: partImage, imgFormat: format, imgBytes: p.Get("source.data").String()})
		}
		return true
	})
	return msg
}

// rawContentText extracts the joined text of a raw content value.
func rawContentText(content json.RawMessage) string {
	v := gjson.ParseBytes(content)
	if v.Type == gjson.String {
		return v.String()
	}
	if !v.IsArray() {
		return ""
	}
	var b strings.Builder
	v.ForEach(func(_, p gjson.Result) bool {
		if p.Get("type").String() == "text" {
			b.WriteString(p.Get("text").String())
		}
		return true
	})
	return b.String()
}

// nestedContentText joins the text of a tool result's nested content,
// which may itself be a string or a part array.
func nestedContentText(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	if !v.IsArray() {
		return ""
	}
	var b strings.Builder
	v.ForEach(func(_, p gjson.Result) bool {
		if p.Get("type").String() == "text" || p.Get("text").Exists() {
			b.WriteString(p.Get("text").String())
		}
		return true
	})
	return b.String()
}

// toolArguments normalizes a tool input into a raw JSON value.
func toolArguments(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" || !gjson.Valid(trimmed) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(trimmed)
}

// parseDataURI splits a data:image/...;base64,... URI into format and payload.
func parseDataURI(uri string) (format, data string, ok bool) {
	if !strings.HasPrefix(uri, "data:image/") {
		return "", "", false
	}
	rest := strings.TrimPrefix(uri, "data:image/")
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", "", false
	}
	return rest[:sep], rest[sep+len(";base64,"):], true
}

// textOf joins the visible text of a message regardless of shape.
func textOf(m message) string {
	if m.plain {
		return m.text
	}
	var b strings.Builder
	for _, p := range m.parts {
		if p.kind == partText {
			b.WriteString(p.text)
		}
	}
	return b.String()
}

func toStructured(m message) message {
	out := message{role: m.role}
	if m.plain {
		if m.text != "" {
			out.parts = append(out.parts, part{kind: partText, text: m.text})
		}
		return out
	}
	out.parts = m.parts
	return out
}

// mergeAdjacent collapses runs of same-role messages. String pairs join
// with a newline, structured pairs concatenate parts, mixed pairs
// normalize to structured first. Merging an already-merged sequence is
// a no-op.
func mergeAdjacent(msgs []message) []message {
	var merged []message
	for _, m := range msgs {
		if len(merged) == 0 || merged[len(merged)-1].role != m.role {
			merged = append(merged, m)
			continue
		}
		last := &merged[len(merged)-1]
		switch {
		case last.plain && m.plain:
			last.text += "\n" + m.text
		case !last.plain && !m.plain:
			last.parts = append(last.parts, m.parts...)
		default:
			s := toStructured(*last)
			s.parts = append(s.parts, toStructured(m).parts...)
			*last = s
		}
	}
	return merged
}

// dropTrailingBraceFragment removes a trailing assistant message whose
// entire visible text is "{". The backend occasionally emits such a
// truncated tool-call opener and resending it corrupts the conversation.
func dropTrailingBraceFragment(msgs []message) []message {
	if len(msgs) == 0 {
		return msgs
	}
	last := msgs[len(msgs)-1]
	if last.role == "assistant" && textOf(last) == "{" {
		return msgs[:len(msgs)-1]
	}
	return msgs
}

// injectThinkingDirective prepends the extended-reasoning directive
// unless one is already present.
func injectThinkingDirective(sys string, budget int) string {
	if strings.Contains(sys, thinkingDirectiveTag) {
		return sys
	}
	directive := fmt.Sprintf("<thinking_mode>enabled</thinking_mode><max_thinking_length>%d</max_thinking_length>", budget)
	if sys == "" {
		return directive
	}
	return directive + "\n" + sys
}

// buildHistory converts every message except the last into strictly
// alternating backend turns. The system prompt folds into the first
// user turn, or leads as its own user turn when the history starts with
// an assistant message. Synthetic filler turns restore alternation
// wherever merging would produce two consecutive same-role turns.
func buildHistory(msgs []message, sys, modelID string) []kiro.CodeWhispererTurn {
	history := []kiro.CodeWhispererTurn{}
	start := 0

	if sys != "" {
		if len(msgs) > 0 && msgs[0].role == "user" {
			history = append(history, userTurn(kiro.UserInputMessage{
				Content: sys + "\n\n" + textOf(msgs[0]),
				ModelID: modelID,
				Origin:  kiro.OriginAIEditor,
			}))
			start = 1
		} else {
			// No earlier user turn to fold into: the history starts with
			// an assistant message, or the conversation is a lone user
			// message that became the current message. The prompt leads
			// as its own user turn; the current message is never copied
			// back into history.
			history = append(history, userTurn(kiro.UserInputMessage{
				Content: sys,
				ModelID: modelID,
				Origin:  kiro.OriginAIEditor,
			}))
		}
	}

	for _, m := range msgs[start:] {
		switch m.role {
		case "user":
			uim := buildUserTurn(m, modelID)
			if prev := lastTurn(history); prev != nil && prev.UserInputMessage != nil {
				history = append(history, assistantTurn(kiro.AssistantResponseMessage{Content: kiro.FillerContent}))
			}
			history = append(history, userTurn(uim))
		case "assistant":
			arm := buildAssistantTurn(m)
			if prev := lastTurn(history); prev != nil && prev.AssistantResponseMessage != nil {
				history = append(history, userTurn(kiro.UserInputMessage{
					Content: kiro.FillerContent,
					ModelID: modelID,
					Origin:  kiro.OriginAIEditor,
				}))
			}
			history = append(history, assistantTurn(arm))
		}
	}

	return history
}

func buildUserTurn(m message, modelID string) kiro.UserInputMessage {
	uim := kiro.UserInputMessage{ModelID: modelID, Origin: kiro.OriginAIEditor}
	if m.plain {
		uim.Content = m.text
		return uim
	}

	var content strings.Builder
	var results []kiro.ToolResult
	var images []kiro.ImageBlock
	for _, p := range m.parts {
		switch p.kind {
		case partText:
			content.WriteString(p.text)
		case partToolResult:
			results = append(results, kiro.ToolResult{
				Content:   []kiro.ToolResultContent{{Text: p.text}},
				Status:    kiro.ToolResultStatusOK,
				ToolUseID: p.toolUseID,
			})
		case partImage:
			images = append(images, kiro.ImageBlock{
				Format: p.imgFormat,
				Source: kiro.ImageSource{Bytes: p.imgBytes},
			})
		}
	}
	uim.Content = content.String()
	uim.Images = images
	if len(results) > 0 {
		uim.UserInputMessageContext = &kiro.UserInputMessageContext{
			ToolResults: dedupToolResults(results),
		}
	}
	return uim
}

func buildAssistantTurn(m message) kiro.AssistantResponseMessage {
	arm := kiro.AssistantResponseMessage{}
	if m.plain {
		arm.Content = m.text
		return arm
	}

	var content, thinking strings.Builder
	for _, p := range m.parts {
		switch p.kind {
		case partText:
			content.WriteString(p.text)
		case partThinking:
			thinking.WriteString(p.text)
		case partToolUse:
			arm.ToolUses = append(arm.ToolUses, kiro.ToolUse{
				Input:     p.input,
				Name:      p.name,
				ToolUseID: p.toolUseID,
			})
		}
	}
	arm.Content = content.String()
	if thinking.Len() > 0 {
		if arm.Content != "" {
			arm.Content = "<thinking>" + thinking.String() + "</thinking>\n\n" + arm.Content
		} else {
			arm.Content = "<thinking>" + thinking.String() + "</thinking>"
		}
	}
	return arm
}

// buildCurrentMessage turns the final message into the request's current
// message. An assistant final message is a continuation: it is pushed
// into history and the current content becomes the filler.
func buildCurrentMessage(m message, history []kiro.CodeWhispererTurn, modelID string) (currentTurn, []kiro.CodeWhispererTurn) {
	cur := currentTurn{UserInputMessage: kiro.UserInputMessage{ModelID: modelID, Origin: kiro.OriginAIEditor}}

	if m.role == "assistant" {
		history = append(history, assistantTurn(buildAssistantTurn(m)))
		cur.UserInputMessage.Content = kiro.FillerContent
		return cur, history
	}

	if prev := lastTurn(history); prev != nil && prev.AssistantResponseMessage == nil {
		history = append(history, assistantTurn(kiro.AssistantResponseMessage{Content: kiro.FillerContent}))
	}

	uim := buildUserTurn(m, modelID)
	cur.UserInputMessage.Content = uim.Content
	cur.UserInputMessage.Images = uim.Images
	if uim.UserInputMessageContext != nil {
		cur.toolResults = uim.UserInputMessageContext.ToolResults
	}
	if cur.UserInputMessage.Content == "" {
		if len(cur.toolResults) > 0 {
			cur.UserInputMessage.Content = "Tool results provided."
		} else {
			cur.UserInputMessage.Content = kiro.FillerContent
		}
	}
	return cur, history
}

// currentContext assembles the current message's context object, or nil
// when it would be empty.
func currentContext(cur *currentTurn, tools []kiro.ToolSpecification) *kiro.UserInputMessageContext {
	if len(cur.toolResults) == 0 && len(tools) == 0 {
		return nil
	}
	ctx := &kiro.UserInputMessageContext{Tools: tools}
	if len(cur.toolResults) > 0 {
		ctx.ToolResults = cur.toolResults
	}
	return ctx
}

// convertTools filters out non-portable tools and maps the rest into the
// backend's tool schema, capping description length.
func convertTools(tools []openai.Tool) []kiro.ToolSpecification {
	var out []kiro.ToolSpecification
	for _, t := range tools {
		name := t.Function.Name
		switch strings.ToLower(name) {
		case "web_search", "websearch":
			continue
		}
		desc := t.Function.Description
		if len(desc) > kiro.MaxToolDescriptionLen {
			desc = desc[:kiro.MaxToolDescriptionLen]
		}
		schema := t.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{}`)
		}
		out = append(out, kiro.ToolSpecification{
			ToolSpecification: kiro.ToolSpec{
				Name:        name,
				Description: desc,
				InputSchema: kiro.ToolInputSchema{JSON: schema},
			},
		})
	}
	return out
}

// dedupToolResults keeps the first occurrence per tool-use id,
// preserving order.
func dedupToolResults(results []kiro.ToolResult) []kiro.ToolResult {
	seen := make(map[string]struct{}, len(results))
	var out []kiro.ToolResult
	for _, r := range results {
		if _, ok := seen[r.ToolUseID]; ok {
			continue
		}
		seen[r.ToolUseID] = struct{}{}
		out = append(out, r)
	}
	return out
}

func userTurn(uim kiro.UserInputMessage) kiro.CodeWhispererTurn {
	return kiro.CodeWhispererTurn{UserInputMessage: &uim}
}

func assistantTurn(arm kiro.AssistantResponseMessage) kiro.CodeWhispererTurn {
	return kiro.CodeWhispererTurn{AssistantResponseMessage: &arm}
}

func lastTurn(history []kiro.CodeWhispererTurn) *kiro.CodeWhispererTurn {
	if len(history) == 0 {
		return nil
	}
	return &history[len(history)-1]
}
