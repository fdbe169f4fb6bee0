package orchestrator

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/marathon/internal/capability"
	"github.com/fyrsmithlabs/marathon/internal/memory"
)

// TaskStatus represents the overall state of a task
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// PhaseStatus represents the state of a single phase
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "PENDING"
	PhaseInProgress PhaseStatus = "IN_PROGRESS"
	PhaseVerified   PhaseStatus = "VERIFIED"
	PhaseRejected   PhaseStatus = "REJECTED"
)

// DefaultPhases is the phase catalogue used when none is configured.
func DefaultPhases() []string {
	return []string{"Analysis", "Planning", "Implementation", "Review", "Finalization"}
}

// Phase is one ordinal stage of a task
type Phase struct {
	Number         int                        `json:"number"`
	Name           string                     `json:"name"`
	Status         PhaseStatus                `json:"status"`
	ThoughtTrace   string                     `json:"thoughtTrace,omitempty"`
	Feedback       string                     `json:"feedback,omitempty"`
	Verdict        capability.Verdict         `json:"verdict,omitempty"`
	Score          *int                       `json:"score,omitempty"`
	Retried        bool                       `json:"retried"`
	ThinkingTraces []capability.ThinkingTrace `json:"thinkingTraces,omitempty"`
	UpdatedAt      time.Time                  `json:"updatedAt"`
}

// advance moves the phase to the next status. A REJECTED phase may be
// re-decided exactly once, by its retry audit; a VERIFIED phase is final.
func (p *Phase) advance(to PhaseStatus, now time.Time) error {
	switch {
	case p.Status == PhasePending && to == PhaseInProgress:
	case p.Status == PhaseInProgress && (to == PhaseVerified || to == PhaseRejected):
	case p.Status == PhaseRejected && !p.Retried && (to == PhaseVerified || to == PhaseRejected):
		p.Retried = true
	default:
		return fmt.Errorf("%w: phase %d %s -> %s", ErrInvalidTransition, p.Number, p.Status, to)
	}
	p.Status = to
	p.UpdatedAt = now
	return nil
}

// Task is a description driven through an ordered list of phases
type Task struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Phases       []Phase    `json:"phases"`
	CurrentPhase int        `json:"currentPhase"`
	Status       TaskStatus `json:"status"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

func newTask(id, description string, phases []string, now time.Time) *Task {
	t := &Task{
		ID:          id,
		Description: description,
		Phases:      make([]Phase, len(phases)),
		Status:      TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i, name := range phases {
		t.Phases[i] = Phase{Number: i + 1, Name: name, Status: PhasePending, UpdatedAt: now}
	}
	return t
}

// advance moves the task to the next status.
func (t *Task) advance(to TaskStatus, now time.Time) error {
	switch {
	case t.Status == TaskPending && to == TaskInProgress:
	case t.Status == TaskPending && to == TaskFailed:
	case t.Status == TaskInProgress && to.Terminal():
	default:
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, t.ID, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

// clone returns a deep copy safe to hand to readers.
func (t *Task) clone() *Task {
	c := *t
	c.Phases = make([]Phase, len(t.Phases))
	for i, p := range t.Phases {
		if p.Score != nil {
			score := *p.Score
			p.Score = &score
		}
		p.ThinkingTraces = append([]capability.ThinkingTrace(nil), p.ThinkingTraces...)
		c.Phases[i] = p
	}
	return &c
}

// phaseInfo projects the phases for the memory compressor.
func (t *Task) phaseInfo() []memory.PhaseInfo {
	out := make([]memory.PhaseInfo, len(t.Phases))
	for i, p := range t.Phases {
		out[i] = memory.PhaseInfo{
			Number:       p.Number,
			Name:         p.Name,
			Status:       string(p.Status),
			ThoughtTrace: p.ThoughtTrace,
		}
	}
	return out
}

// Counts tallies tasks per status.
func Counts(tasks []*Task) map[TaskStatus]int {
	out := map[TaskStatus]int{
		TaskPending:    0,
		TaskInProgress: 0,
		TaskCompleted:  0,
		TaskFailed:     0,
	}
	for _, t := range tasks {
		out[t.Status]++
	}
	return out
}
