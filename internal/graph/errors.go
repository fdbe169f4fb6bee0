package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrDanglingReference indicates a link to a message that does not
	// exist.
	ErrDanglingReference = errors.New("dangling reference")

	// ErrInvalidReference indicates a link to an existing message that
	// violates the graph invariants (other task, later phase, wrong phase
	// for a revision).
	ErrInvalidReference = errors.New("invalid reference")

	// ErrInvalidMessage indicates a message missing required fields.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrDuplicateMessage indicates an ID that was already appended.
	ErrDuplicateMessage = errors.New("duplicate message id")

	// ErrMessageNotFound indicates an unknown message ID.
	ErrMessageNotFound = errors.New("message not found")
)

// IntegrityError describes a rejected link.
type IntegrityError struct {
	MessageID string
	Field     string
	Ref       string
	Err       error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("message %s: %s %q: %v", e.MessageID, e.Field, e.Ref, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }
