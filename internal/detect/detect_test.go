package detect

import (
	"strings"
	"testing"

	"convlink/internal/model"
)

func textContent(s string) *model.Content {
	return &model.Content{IsText: true, Text: s}
}

func userMessage(text string) model.Message {
	return model.Message{Role: model.RoleUser, Content: model.Content{IsText: true, Text: text}}
}

func TestClassify_Summarization(t *testing.T) {
	c := Classify(textContent(SummarizationMarker+" in detail"), []model.Message{userMessage("summarize this")})
	if !c.IsSummarization {
		t.Error("expected summarization marker to be detected")
	}
}

func TestClassify_NotSummarization(t *testing.T) {
	c := Classify(textContent("You are a helpful coding assistant."), []model.Message{userMessage("hi")})
	if c.IsSummarization {
		t.Error("did not expect summarization to be detected")
	}
}

func TestClassify_CompactContinuation(t *testing.T) {
	text := "This session is being continued from a previous conversation that ran out of context. " +
		"Some filler text here. The conversation is summarized below:\nAnalysis: we did X, Y, and Z."
	c := Classify(nil, []model.Message{userMessage(text)})
	if !c.IsCompactContinuation {
		t.Fatal("expected compact-continuation to be detected")
	}
	if !strings.Contains(c.CompactTarget, "we did X, Y, and Z.") {
		t.Errorf("expected target to contain the summary body, got %q", c.CompactTarget)
	}
	if strings.HasPrefix(c.CompactTarget, "Analysis:") {
		t.Errorf("expected Analysis: prefix to be stripped, got %q", c.CompactTarget)
	}
}

func TestClassify_CompactContinuationTargetBounded(t *testing.T) {
	long := strings.Repeat("x", 500)
	text := "This session is being continued from a previous conversation that ran out of context. " +
		"The conversation is summarized below:\n" + long
	c := Classify(nil, []model.Message{userMessage(text)})
	if !c.IsCompactContinuation {
		t.Fatal("expected compact-continuation to be detected")
	}
	if len(c.CompactTarget) > targetMaxLen {
		t.Errorf("expected target to be capped at %d chars, got %d", targetMaxLen, len(c.CompactTarget))
	}
}

func TestClassify_NotCompactContinuation(t *testing.T) {
	c := Classify(nil, []model.Message{userMessage("just a normal question")})
	if c.IsCompactContinuation {
		t.Error("did not expect compact-continuation to be detected")
	}
}

func TestClassify_SubtaskCandidate(t *testing.T) {
	c := Classify(nil, []model.Message{userMessage("do the thing")})
	if !c.IsSubtaskCandidate {
		t.Error("expected a single user message to be a subtask candidate")
	}
}

func TestClassify_NotSubtaskCandidateWithHistory(t *testing.T) {
	c := Classify(nil, []model.Message{
		userMessage("first"),
		{Role: model.RoleAssistant, Content: model.Content{IsText: true, Text: "reply"}},
		userMessage("second"),
	})
	if c.IsSubtaskCandidate {
		t.Error("did not expect a multi-message history to be a subtask candidate")
	}
}

func TestClassify_NotSubtaskCandidateWhenAssistantFirst(t *testing.T) {
	c := Classify(nil, []model.Message{
		{Role: model.RoleAssistant, Content: model.Content{IsText: true, Text: "hello"}},
	})
	if c.IsSubtaskCandidate {
		t.Error("did not expect a lone assistant message to be a subtask candidate")
	}
}
