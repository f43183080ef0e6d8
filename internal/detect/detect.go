// Package detect classifies a request as one of the special cases the
// Resolver must look up differently: a summarization request, a
// compact-continuation request, or a subtask-candidate request. It is
// kept free of store access so it stays unit-testable in isolation; the
// Resolver owns the store-backed half of subtask and compact matching.
package detect

import (
	"regexp"
	"strings"

	"convlink/internal/model"
)

// SummarizationMarker identifies the system prompt the reference system's
// upstream summarization path sends.
const SummarizationMarker = "You are a helpful AI assistant tasked with summarizing conversations"

// compactRe matches the continuation-summary preamble a compact
// continuation's first user message carries, capturing everything after
// "summarized below:".
var compactRe = regexp.MustCompile(`(?is)This session is being continued from a previous conversation that ran out of context\.\s*.*?The conversation is summarized below:\s*(.+)`)

var summaryPrefixRe = regexp.MustCompile(`(?is)^\s*(Analysis|Summary):\s*`)

// targetMaxLen bounds the extracted compact-continuation target text, used
// by the Resolver as a substring match against stored response bodies.
const targetMaxLen = 200

// Classification is the outcome of classifying one request.
type Classification struct {
	IsSummarization       bool
	IsCompactContinuation bool
	CompactTarget         string
	IsSubtaskCandidate    bool
}

// Classify inspects a request's system prompt and message list and
// reports which special case, if any, applies.
func Classify(system *model.Content, messages []model.Message) Classification {
	var c Classification

	sysText := system.PlainText()
	if strings.Contains(sysText, SummarizationMarker) {
		c.IsSummarization = true
	}

	if len(messages) > 0 {
		first := messages[0]
		if first.Role == model.RoleUser {
			if target, ok := matchCompact(first.Content.PlainText()); ok {
				c.IsCompactContinuation = true
				c.CompactTarget = target
			}
		}
	}

	if len(messages) == 1 && messages[0].Role == model.RoleUser {
		c.IsSubtaskCandidate = true
	}

	return c
}

// matchCompact reports whether text carries the compact-continuation
// preamble and, if so, extracts and bounds its summary target.
func matchCompact(text string) (string, bool) {
	m := compactRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	target := strings.TrimSpace(m[1])
	target = summaryPrefixRe.ReplaceAllString(target, "")
	target = strings.TrimSpace(target)
	if len(target) > targetMaxLen {
		target = target[:targetMaxLen]
	}
	return target, true
}
