package orchestrator

import (
	"context"
	"time"
)

// EventKind distinguishes task and phase status events
type EventKind string

const (
	EventTask  EventKind = "task"
	EventPhase EventKind = "phase"
)

// Event reports a task or phase status change
type Event struct {
	Kind       EventKind `json:"kind"`
	TaskID     string    `json:"taskId"`
	Phase      int       `json:"phase,omitempty"`
	PhaseName  string    `json:"phaseName,omitempty"`
	Status     string    `json:"status"`
	Percentage int       `json:"percentage"`
	Message    string    `json:"message,omitempty"`
	Time       time.Time `json:"time"`
}

// EventCallback receives events synchronously from the task's pipeline.
// Callbacks must not block for long; they delay the pipeline.
type EventCallback func(ctx context.Context, ev Event)

// OnEvent registers a callback. Callbacks are not removed.
func (o *Orchestrator) OnEvent(callback EventCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.callbacks = append(o.callbacks, callback)
}

// emit sends an event to every registered callback
func (o *Orchestrator) emit(ctx context.Context, ev Event) {
	o.mu.RLock()
	callbacks := o.callbacks
	o.mu.RUnlock()
	for _, cb := range callbacks {
		cb(ctx, ev)
	}
}

func (o *Orchestrator) emitTask(ctx context.Context, t *Task, message string) {
	o.emit(ctx, Event{
		Kind:       EventTask,
		TaskID:     t.ID,
		Status:     string(t.Status),
		Percentage: progress(t),
		Message:    message,
		Time:       t.UpdatedAt,
	})
}

func (o *Orchestrator) emitPhase(ctx context.Context, t *Task, index int, message string) {
	p := t.Phases[index]
	o.emit(ctx, Event{
		Kind:       EventPhase,
		TaskID:     t.ID,
		Phase:      p.Number,
		PhaseName:  p.Name,
		Status:     string(p.Status),
		Percentage: progress(t),
		Message:    message,
		Time:       p.UpdatedAt,
	})
}

// progress is the share of phases that reached a verdict.
func progress(t *Task) int {
	if len(t.Phases) == 0 {
		return 0
	}
	done := 0
	for _, p := range t.Phases {
		if p.Status == PhaseVerified || p.Status == PhaseRejected {
			done++
		}
	}
	return done * 100 / len(t.Phases)
}
