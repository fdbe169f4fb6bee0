// Package memory derives bounded long-term memory for a task from its
// message log and turns it into compressed prompt context.
package memory

import (
	"time"
)

// KeyDecision is a decision recorded by a worker turn.
type KeyDecision struct {
	MessageID string    `json:"messageId"`
	Phase     int       `json:"phase"`
	Decision  string    `json:"decision"`
	Rationale string    `json:"rationale"`
	Timestamp time.Time `json:"timestamp"`
}

// SelfCorrection pairs a revision with the message it replaced.
type SelfCorrection struct {
	MessageID         string    `json:"messageId"`
	Phase             int       `json:"phase"`
	OriginalApproach  string    `json:"originalApproach"`
	Issue             string    `json:"issue"`
	CorrectedApproach string    `json:"correctedApproach"`
	Lesson            string    `json:"lesson"`
	Timestamp         time.Time `json:"timestamp"`
}

// TaskMemory is derived state. It can always be recomputed from the log.
type TaskMemory struct {
	TaskID          string           `json:"taskId"`
	TaskSummary     string           `json:"taskSummary"`
	KeyDecisions    []KeyDecision    `json:"keyDecisions"`
	PhaseSummaries  map[int]string   `json:"phaseSummaries"`
	SelfCorrections []SelfCorrection `json:"selfCorrections"`
	LastUpdated     time.Time        `json:"lastUpdated"`
}

// Clone returns a deep copy.
func (m *TaskMemory) Clone() *TaskMemory {
	if m == nil {
		return nil
	}
	out := *m
	out.KeyDecisions = append([]KeyDecision(nil), m.KeyDecisions...)
	out.SelfCorrections = append([]SelfCorrection(nil), m.SelfCorrections...)
	out.PhaseSummaries = make(map[int]string, len(m.PhaseSummaries))
	for k, v := range m.PhaseSummaries {
		out.PhaseSummaries[k] = v
	}
	return &out
}

// PhaseInfo is the view of a phase the compressor needs. Status uses the
// orchestrator's vocabulary (PENDING, IN_PROGRESS, VERIFIED, REJECTED).
type PhaseInfo struct {
	Number       int
	Name         string
	Status       string
	ThoughtTrace string
}

const statusPending = "PENDING"
