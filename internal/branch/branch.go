// Package branch implements the Branch Assigner (§4.5): the grammar for
// branch ids and the rules for deriving one from a request's resolved
// parent. Grounded on the reference system's AddMessage branch-forking
// block, which mints a new branch row with parent_branch_id/
// parent_message_id whenever a message already has a child.
package branch

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Main is the branch id every conversation root belongs to.
const Main = "main"

// ForkID names the branch created when a request's resolved parent
// already has another child (a fan-out fork).
func ForkID(at time.Time) string {
	return fmt.Sprintf("branch_%d", at.UnixMilli())
}

// SubtaskID names the branch for the nth subtask spawned within a
// conversation, n starting at 1.
func SubtaskID(n int) string {
	return fmt.Sprintf("subtask_%d", n)
}

// CompactID names the branch a compact-continuation request starts,
// timestamped to the minute so that distinct compactions of the same
// conversation in the same minute still collide the way the reference
// system's summarization checkpoints are expected to.
func CompactID(at time.Time) string {
	return fmt.Sprintf("compact_%s", at.UTC().Format("200601021504"))
}

// ParseSubtaskSeq extracts n from a "subtask_<n>" branch id, reporting
// false if id isn't in that form.
func ParseSubtaskSeq(id string) (int, bool) {
	const prefix = "subtask_"
	if !strings.HasPrefix(id, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(id, prefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// NextSubtaskSeq returns the next subtask sequence number to use given
// every branch id already present in a conversation.
func NextSubtaskSeq(existing []string) int {
	max := 0
	for _, id := range existing {
		if n, ok := ParseSubtaskSeq(id); ok && n > max {
			max = n
		}
	}
	return max + 1
}
