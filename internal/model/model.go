// Package model defines the entities the linking engine operates over:
// requests, their messages and content parts, and the conversation/branch
// groupings the Linker assigns.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType identifies the shape of a ContentPart.
type PartType string

const (
	PartText       PartType = "text"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
)

// TaskToolName is the tool name that seeds a subtask conversation.
const TaskToolName = "Task"

// ToolUse is the payload of a "tool_use" content part.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult is the payload of a "tool_result" content part.
type ToolResult struct {
	ToolUseID string
	Content   any
	IsError   bool
}

// ContentPart is one element of a message's content array. Unknown types
// round-trip through Raw without loss.
type ContentPart struct {
	Type       string
	Text       string
	ToolUse    *ToolUse
	ToolResult *ToolResult
	Raw        map[string]any
}

// Content is the tagged union a message's content or a system prompt can
// take: either a bare string or an ordered list of content parts.
type Content struct {
	IsText bool
	Text   string
	Parts  []ContentPart
}

// PlainText concatenates the text of every text part (or returns Text
// directly when the content is a bare string). Used by the Detector to
// classify summarization and compact-continuation requests, and by the
// Linker to take a subtask candidate's prompt from its first user message.
func (c *Content) PlainText() string {
	if c == nil {
		return ""
	}
	if c.IsText {
		return c.Text
	}
	out := ""
	for _, p := range c.Parts {
		if p.Type == string(PartText) {
			out += p.Text
		}
	}
	return out
}

// Empty reports whether the content carries no text and no parts.
func (c *Content) Empty() bool {
	if c == nil {
		return true
	}
	if c.IsText {
		return c.Text == ""
	}
	return len(c.Parts) == 0
}

// Message is one turn of a conversation.
type Message struct {
	Role    Role
	Content Content
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Role    Role    `json:"role"`
		Content Content `json:"content"`
	}{m.Role, m.Content})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var aux struct {
		Role    Role    `json:"role"`
		Content Content `json:"content"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Role = aux.Role
	m.Content = aux.Content
	return nil
}

// ResponseBody is the structured shape of a recorded response, used to
// locate Task tool invocations (subtask detection) and summary text
// (compact-continuation detection).
type ResponseBody struct {
	Content []ContentPart
}

// ToolUses returns every tool_use part in the response, in order.
func (r *ResponseBody) ToolUses() []ToolUse {
	if r == nil {
		return nil
	}
	var out []ToolUse
	for _, p := range r.Content {
		if p.ToolUse != nil {
			out = append(out, *p.ToolUse)
		}
	}
	return out
}

// Text concatenates every text part in the response, in order.
func (r *ResponseBody) Text() string {
	if r == nil {
		return ""
	}
	out := ""
	for _, p := range r.Content {
		if p.Type == string(PartText) {
			out += p.Text
		}
	}
	return out
}

// Request is one recorded inference request, carrying both the raw
// ingested envelope and the linkage fields the Linker writes back.
type Request struct {
	ID        uuid.UUID
	Domain    string
	Timestamp time.Time

	Messages     []Message
	System       *Content
	ResponseBody *ResponseBody

	Model            string
	PromptTokens     int
	CompletionTokens int

	// Linkage fields. Written by the Linker; read back by the Resolver on
	// subsequent requests.
	CurrentMessageHash  string
	ParentMessageHash   *string
	SystemHash          *string
	ConversationID      uuid.UUID
	BranchID            string
	ParentRequestID     *uuid.UUID
	IsSubtask           bool
	ParentTaskRequestID *uuid.UUID
	MessageCount        int
}

// Validate reports the first structural problem with the request, or nil.
func (r *Request) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("request has no messages")
	}
	for i, m := range r.Messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	if r.Domain == "" {
		return fmt.Errorf("request has no domain")
	}
	return nil
}

// MarshalJSON and UnmarshalJSON implementations below let Content and
// ContentPart round-trip through the ingest envelope shape described in
// §6: a message's "content" field is either a JSON string or an array of
// tagged part objects.

func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsText {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Parts)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		c.IsText = true
		c.Text = asString
		c.Parts = nil
		return nil
	}

	var asParts []ContentPart
	if err := json.Unmarshal(data, &asParts); err != nil {
		return fmt.Errorf("content is neither a string nor a part array: %w", err)
	}
	c.IsText = false
	c.Text = ""
	c.Parts = asParts
	return nil
}

func (p ContentPart) MarshalJSON() ([]byte, error) {
	obj := map[string]any{}
	for k, v := range p.Raw {
		obj[k] = v
	}
	obj["type"] = p.Type
	switch p.Type {
	case string(PartText):
		obj["text"] = p.Text
	case string(PartToolUse):
		if p.ToolUse != nil {
			obj["id"] = p.ToolUse.ID
			obj["name"] = p.ToolUse.Name
			obj["input"] = p.ToolUse.Input
		}
	case string(PartToolResult):
		if p.ToolResult != nil {
			obj["tool_use_id"] = p.ToolResult.ToolUseID
			obj["content"] = p.ToolResult.Content
			obj["is_error"] = p.ToolResult.IsError
		}
	}
	return json.Marshal(obj)
}

func (p *ContentPart) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	typ, _ := raw["type"].(string)
	p.Type = typ
	p.Raw = raw

	switch typ {
	case string(PartText):
		text, _ := raw["text"].(string)
		p.Text = text
	case string(PartToolUse):
		tu := &ToolUse{}
		tu.ID, _ = raw["id"].(string)
		tu.Name, _ = raw["name"].(string)
		if input, ok := raw["input"].(map[string]any); ok {
			tu.Input = input
		}
		p.ToolUse = tu
	case string(PartToolResult):
		tr := &ToolResult{}
		tr.ToolUseID, _ = raw["tool_use_id"].(string)
		tr.Content = raw["content"]
		tr.IsError, _ = raw["is_error"].(bool)
		p.ToolResult = tr
	}
	return nil
}

func (r ResponseBody) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"content": r.Content})
}

func (r *ResponseBody) UnmarshalJSON(data []byte) error {
	var aux struct {
		Content []ContentPart `json:"content"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Content = aux.Content
	return nil
}
