package orchestrator

import "errors"

var (
	// ErrInvalidInput is returned by Start for an empty task description.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskRunning is returned by Evict while the task's pipeline is live.
	ErrTaskRunning = errors.New("task is still running")

	// ErrCancelled marks a pipeline that observed Stop. It is a normal
	// terminal state, not a failure of the pipeline itself.
	ErrCancelled = errors.New("task cancelled")

	// ErrPhaseRejected ends a task whose phase stayed rejected after its
	// retry, unless Config.ContinueOnRejected is set.
	ErrPhaseRejected = errors.New("phase rejected")

	// ErrShutdown is returned by Start after Shutdown.
	ErrShutdown = errors.New("orchestrator is shut down")

	// ErrInvalidTransition signals a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidConfig is returned for an unusable orchestrator config.
	ErrInvalidConfig = errors.New("invalid orchestrator config")
)
