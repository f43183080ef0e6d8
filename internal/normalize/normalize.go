// Package normalize canonicalizes messages and system prompts into the
// deterministic byte sequences the Hasher consumes. Canonicalization
// strips volatile fragments (system-reminder annotations, the CLI-tool
// preamble's drifting tail) and sorts map keys so that reordering fields
// inside a tool input never changes the result.
package normalize

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"convlink/internal/model"
)

// CLIPreamble is the literal prefix that identifies a system prompt whose
// tail (git status, branch, date, recent commits) must be ignored.
const CLIPreamble = "You are an interactive CLI tool that helps users with software engineering tasks."

var systemReminderRe = regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>`)

// stripLeadingSystemReminders removes every system-reminder block anchored
// at the start of the (whitespace-trimmed) text, repeatedly, and reports
// whether anything was stripped.
func stripLeadingSystemReminders(text string) (string, bool) {
	stripped := false
	for {
		trimmed := strings.TrimLeft(text, " \t\r\n")
		leadingWS := text[:len(text)-len(trimmed)]
		if !strings.HasPrefix(trimmed, "<system-reminder>") {
			return text, stripped
		}
		loc := systemReminderRe.FindStringIndex(trimmed)
		if loc == nil || loc[0] != 0 {
			return text, stripped
		}
		text = leadingWS + trimmed[loc[1]:]
		stripped = true
	}
}

// NormalizeMessage produces the canonical byte form of a message: its role
// plus its content parts, with system-reminder-only parts dropped and
// reminder prefixes stripped from mixed parts, rendered with lexicographic
// key order throughout.
func NormalizeMessage(m model.Message) ([]byte, error) {
	content, err := normalizeContent(&m.Content)
	if err != nil {
		return nil, err
	}
	return canonicalJSON(map[string]any{
		"role":    string(m.Role),
		"content": content,
	})
}

// NormalizeSystem produces the canonical byte form of a system prompt, or
// nil if the prompt is empty. A prompt beginning with the CLI-tool
// preamble canonicalizes to the preamble alone, discarding its volatile
// tail.
func NormalizeSystem(s *model.Content) ([]byte, error) {
	if s == nil || s.Empty() {
		return nil, nil
	}
	if strings.HasPrefix(s.PlainText(), CLIPreamble) {
		return canonicalJSON(CLIPreamble)
	}
	content, err := normalizeContent(s)
	if err != nil {
		return nil, err
	}
	return canonicalJSON(content)
}

// normalizeContent renders a Content value (string or content-part array)
// into a canonical, hash-ready representation.
func normalizeContent(c *model.Content) (any, error) {
	if c == nil {
		return nil, nil
	}
	if c.IsText {
		return c.Text, nil
	}

	parts := make([]any, 0, len(c.Parts))
	for _, p := range c.Parts {
		np, drop, err := normalizePart(p)
		if err != nil {
			return nil, err
		}
		if drop {
			continue
		}
		parts = append(parts, np)
	}
	return parts, nil
}

func normalizePart(p model.ContentPart) (any, bool, error) {
	switch p.Type {
	case string(model.PartText):
		text, stripped := stripLeadingSystemReminders(p.Text)
		if stripped && strings.TrimSpace(text) == "" {
			return nil, true, nil
		}
		return map[string]any{"type": "text", "text": text}, false, nil

	case string(model.PartToolUse):
		obj := map[string]any{"type": "tool_use"}
		if p.ToolUse != nil {
			obj["id"] = p.ToolUse.ID
			obj["name"] = p.ToolUse.Name
			obj["input"] = normalizeValue(p.ToolUse.Input)
		}
		return obj, false, nil

	case string(model.PartToolResult):
		obj := map[string]any{"type": "tool_result"}
		if p.ToolResult != nil {
			obj["tool_use_id"] = p.ToolResult.ToolUseID
			obj["content"] = normalizeValue(p.ToolResult.Content)
			obj["is_error"] = p.ToolResult.IsError
		}
		return obj, false, nil

	default:
		// Unknown part type: kept verbatim, field order sorted by the
		// canonical encoder below.
		return normalizeValue(p.Raw), false, nil
	}
}

// normalizeValue recursively copies a decoded-JSON value so that nested
// maps are plain map[string]any (sorted on marshal) regardless of how deep
// the tool input/result payload nests.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalizeValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeValue(vv)
		}
		return out
	default:
		return t
	}
}

// canonicalJSON marshals v with object keys in lexicographic order. Go's
// encoding/json already sorts map[string]any keys on marshal; this helper
// exists to make that contract explicit.
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// sortedKeys returns m's keys in the lexicographic order canonicalJSON
// emits them in. Nothing in the package calls it.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
