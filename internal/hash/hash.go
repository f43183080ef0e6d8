// Package hash computes the content-addressed hashes the Resolver joins
// requests on. It generalizes the reference system's
// computeHash(prevHash, role, content) = sha256(prevHash||role||content)
// fold to the richer, part-aware normalized encoding produced by
// internal/normalize.
package hash

import (
	"crypto/sha256"
	"encoding/hex"

	"convlink/internal/model"
	"convlink/internal/normalize"
)

// Empty is the hash of the empty prefix, the fold's starting accumulator.
const Empty = ""

// Bytes returns the hex-encoded sha256 of b.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Message returns the hash of a single normalized message.
func Message(m model.Message) (string, error) {
	enc, err := normalize.NormalizeMessage(m)
	if err != nil {
		return "", err
	}
	return Bytes(enc), nil
}

// System returns the hash of a normalized system prompt, or "" if the
// prompt is empty.
func System(s *model.Content) (string, error) {
	enc, err := normalize.NormalizeSystem(s)
	if err != nil {
		return "", err
	}
	if enc == nil {
		return "", nil
	}
	return Bytes(enc), nil
}

// fold advances the cumulative hash accumulator by one message:
// prev = sha256(prev || hashMessage(m)).
func fold(prev string, msgHash string) string {
	return Bytes([]byte(prev + msgHash))
}

// foldMessages folds Message over messages in order starting from Empty.
func foldMessages(messages []model.Message) (string, error) {
	acc := Empty
	for _, m := range messages {
		mh, err := Message(m)
		if err != nil {
			return "", err
		}
		acc = fold(acc, mh)
	}
	return acc, nil
}

// mixSystem folds the system hash into acc with one final round:
// sha256(acc || "system" || systemHash). A request with no system prompt
// leaves acc untouched.
func mixSystem(acc, systemHash string) string {
	if systemHash == "" {
		return acc
	}
	return Bytes([]byte(acc + "system" + systemHash))
}

// responseMessage converts a recorded response into the assistant message
// a client would append to the next request's history, so that a child
// request's prefix hash can be compared against its parent's forward
// hash. Returns ok=false when there is no response to fold in yet.
func responseMessage(rb *model.ResponseBody) (model.Message, bool) {
	if rb == nil || len(rb.Content) == 0 {
		return model.Message{}, false
	}
	return model.Message{Role: model.RoleAssistant, Content: model.Content{Parts: rb.Content}}, true
}

// ForRequest computes every hash the Linker needs for one request:
//
//   - parentMessageHash is the fold of messages[:-1] (the history this
//     request was sent with, before its own newest message), mixed with
//     the system hash. It is nil when len(messages) <= 1, per the data
//     model: a single-message request is either a conversation root or a
//     compact continuation.
//   - currentMessageHash is the fold of the full message list, extended
//     with the request's own response (if recorded) as a synthetic
//     assistant turn, then mixed with the system hash. This is the value
//     a later request's parentMessageHash is matched against, since that
//     later request's own history will include this response verbatim.
//   - systemHash is the hash of the normalized system prompt, or nil if
//     there is none.
func ForRequest(messages []model.Message, system *model.Content, response *model.ResponseBody) (currentHash string, parentHash *string, systemHash *string, err error) {
	sys, err := System(system)
	if err != nil {
		return "", nil, nil, err
	}
	var sh *string
	if sys != "" {
		s := sys
		sh = &s
	}

	if len(messages) > 1 {
		prefixHash, err := foldMessages(messages[:len(messages)-1])
		if err != nil {
			return "", nil, nil, err
		}
		ph := mixSystem(prefixHash, sys)
		parentHash = &ph
	}

	chainHash, err := foldMessages(messages)
	if err != nil {
		return "", nil, nil, err
	}
	if respMsg, ok := responseMessage(response); ok {
		respHash, err := Message(respMsg)
		if err != nil {
			return "", nil, nil, err
		}
		chainHash = fold(chainHash, respHash)
	}
	currentHash = mixSystem(chainHash, sys)

	return currentHash, parentHash, sh, nil
}
