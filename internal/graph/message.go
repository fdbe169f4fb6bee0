// Package graph stores the append-only message log of each task and
// reconstructs reply threads from it.
package graph

import (
	"strings"
	"time"

	"github.com/fyrsmithlabs/marathon/internal/capability"
)

// Role identifies the agent that emitted a message.
type Role string

const (
	RoleWorker     Role = "WORKER"
	RoleCodeReview Role = "CODE_REVIEW"
	RoleAudit      Role = "AUDIT"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleWorker, RoleCodeReview, RoleAudit:
		return true
	}
	return false
}

// Body markers. They are presentation only; structured fields carry the
// same information.
const (
	QuestionPrefix = "Question: "
	AnswerPrefix   = "[Answering Code Review] "
	RetryPrefix    = "[RETRY] "
)

// Message is one entry of the event log. Messages are never mutated after
// Append returns.
type Message struct {
	ID                string             `json:"id"`
	TaskID            string             `json:"taskId"`
	Seq               uint64             `json:"seq"`
	Role              Role               `json:"role"`
	Body              string             `json:"body"`
	ThoughtTrace      string             `json:"thoughtTrace,omitempty"`
	Timestamp         time.Time          `json:"timestamp"`
	Phase             int                `json:"phase"`
	RespondsTo        string             `json:"respondsTo,omitempty"`
	IsRevision        bool               `json:"isRevision"`
	OriginalMessageID string             `json:"originalMessageId,omitempty"`
	Changes           string             `json:"changes,omitempty"`
	Verdict           capability.Verdict `json:"verdict,omitempty"`
	Score             *int               `json:"score,omitempty"`
	KeyDecision       string             `json:"keyDecision,omitempty"`
}

// IsQuestion reports whether m is a critic question.
func (m Message) IsQuestion() bool {
	return m.Role == RoleCodeReview && strings.HasPrefix(m.Body, QuestionPrefix)
}

// IsAnswer reports whether m answers a critic question.
func (m Message) IsAnswer() bool {
	return strings.HasPrefix(m.Body, AnswerPrefix)
}

// IsRetry reports whether m is a post-rejection retry.
func (m Message) IsRetry() bool {
	return strings.HasPrefix(m.Body, RetryPrefix)
}

// clone returns a copy that shares no pointers with m.
func (m Message) clone() Message {
	if m.Score != nil {
		score := *m.Score
		m.Score = &score
	}
	return m
}

// RevisionView joins a revision with the message it supersedes.
type RevisionView struct {
	Revision Message  `json:"revision"`
	Original *Message `json:"original,omitempty"`
}

// Thread is a root message and everything reachable from it within its
// phase.
type Thread struct {
	Root     Message   `json:"root"`
	Messages []Message `json:"messages"`
}
