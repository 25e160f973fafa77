package kiro

import "encoding/json"

// Wire constants for the generateAssistantResponse request envelope.
const (
	OriginAIEditor        = "AI_EDITOR"
	ChatTriggerTypeManual = "MANUAL"
	FillerContent         = "Continue"
	ToolResultStatusOK    = "success"
	MaxToolDescriptionLen = 9216
)

// CodeWhispererRequest is the backend request body.
type CodeWhispererRequest struct {
	ConversationState ConversationState `json:"conversationState"`
}

// ConversationState carries the alternating history plus the current turn.
type ConversationState struct {
	ChatTriggerType string              `json:"chatTriggerType"`
	ConversationID  string              `json:"conversationId"`
	History         []CodeWhispererTurn `json:"history"`
	CurrentMessage  CodeWhispererTurn   `json:"currentMessage"`
}

// CodeWhispererTurn holds exactly one of the two turn variants.
type CodeWhispererTurn struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// UserInputMessage is a user turn.
type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId"`
	Origin                  string                   `json:"origin"`
	Images                  []ImageBlock             `json:"images,omitempty"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

// AssistantResponseMessage is an assistant turn.
type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

// UserInputMessageContext carries tool results and tool definitions.
type UserInputMessageContext struct {
	ToolResults []ToolResult        `json:"toolResults,omitempty"`
	Tools       []ToolSpecification `json:"tools,omitempty"`
}

// ToolResult reports one completed tool invocation back to the model.
type ToolResult struct {
	Content   []ToolResultContent `json:"content"`
	Status    string              `json:"status"`
	ToolUseID string              `json:"toolUseId"`
}

// ToolResultContent is one content block of a tool result.
type ToolResultContent struct {
	Text string `json:"text"`
}

// ToolUse is one tool invocation made by the assistant.
type ToolUse struct {
	Input     json.RawMessage `json:"input"`
	Name      string          `json:"name"`
	ToolUseID string          `json:"toolUseId"`
}

// ToolSpecification declares a callable tool to the backend.
type ToolSpecification struct {
	ToolSpecification ToolSpec `json:"toolSpecification"`
}

// ToolSpec is the inner tool schema.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

// ToolInputSchema wraps the JSON schema of a tool's parameters.
type ToolInputSchema struct {
	JSON json.RawMessage `json:"json"`
}

// ImageBlock is an inline image attached to a user turn.
type ImageBlock struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

// ImageSource carries base64 image bytes.
type ImageSource struct {
	Bytes string `json:"bytes"`
}
