package hash

import (
	"testing"

	"convlink/internal/model"
)

func userMsg(text string) model.Message {
	return model.Message{Role: model.RoleUser, Content: model.Content{IsText: true, Text: text}}
}

func assistantMsg(text string) model.Message {
	return model.Message{Role: model.RoleAssistant, Content: model.Content{IsText: true, Text: text}}
}

func textResponse(text string) *model.ResponseBody {
	return &model.ResponseBody{Content: []model.ContentPart{{Type: string(model.PartText), Text: text}}}
}

func TestForRequest_SingleMessageHasNoParent(t *testing.T) {
	_, parent, _, err := ForRequest([]model.Message{userMsg("hi")}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if parent != nil {
		t.Errorf("expected nil parent hash for a single-message history, got %v", *parent)
	}
}

func TestForRequest_MultiMessageHasParent(t *testing.T) {
	history := []model.Message{userMsg("hi"), assistantMsg("hello"), userMsg("how are you")}
	current, parent, _, err := ForRequest(history, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if parent == nil {
		t.Fatal("expected a non-nil parent hash for a multi-message history")
	}
	if current == *parent {
		t.Error("expected current hash to differ from parent hash")
	}
}

func TestForRequest_ChildPrefixMatchesParentForwardHash(t *testing.T) {
	// Request 1: user sends "hi", the reply "hello" is recorded as its
	// response. Request 2 carries that reply back as history, in the same
	// content-part shape the response was recorded in.
	req1Current, _, _, err := ForRequest([]model.Message{userMsg("hi")}, nil, textResponse("hello"))
	if err != nil {
		t.Fatal(err)
	}

	replayedReply := model.Message{Role: model.RoleAssistant, Content: model.Content{Parts: textResponse("hello").Content}}
	req2History := []model.Message{userMsg("hi"), replayedReply, userMsg("how are you")}
	_, req2Parent, _, err := ForRequest(req2History, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if req2Parent == nil {
		t.Fatal("expected req2 to carry a parent hash")
	}
	if *req2Parent != req1Current {
		t.Errorf("expected child's parent hash to equal parent's forward hash: got %s want %s", *req2Parent, req1Current)
	}
}

func TestForRequest_Deterministic(t *testing.T) {
	history := []model.Message{userMsg("a"), assistantMsg("b")}
	h1, _, _, err := ForRequest(history, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	h2, _, _, err := ForRequest(history, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("expected current hash to be deterministic for identical input")
	}
}

func TestForRequest_SystemPromptAffectsHash(t *testing.T) {
	history := []model.Message{userMsg("hi")}
	withoutSystem, _, sh1, err := ForRequest(history, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	sys := &model.Content{IsText: true, Text: "be concise"}
	withSystem, _, sh2, err := ForRequest(history, sys, nil)
	if err != nil {
		t.Fatal(err)
	}
	if withoutSystem == withSystem {
		t.Error("expected system prompt to change the current hash")
	}
	if sh1 != nil {
		t.Error("expected nil system hash when no system prompt given")
	}
	if sh2 == nil || *sh2 == "" {
		t.Error("expected non-empty system hash when a system prompt is given")
	}
}

func TestForRequest_DivergentHistoriesDivergeHash(t *testing.T) {
	h1, _, _, err := ForRequest([]model.Message{userMsg("a")}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	h2, _, _, err := ForRequest([]model.Message{userMsg("b")}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("expected divergent single-message histories to hash differently")
	}
}

func TestForRequest_ResponseExtendsForwardHash(t *testing.T) {
	withoutResponse, _, _, err := ForRequest([]model.Message{userMsg("hi")}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	withResponse, _, _, err := ForRequest([]model.Message{userMsg("hi")}, nil, textResponse("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if withoutResponse == withResponse {
		t.Error("expected a recorded response to change the forward hash")
	}
}
