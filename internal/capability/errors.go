package capability

import (
	"errors"
	"fmt"
)

var (
	// ErrCapabilityFailure is matched by every *Failure.
	ErrCapabilityFailure = errors.New("capability failure")

	// ErrSchemaViolation indicates a structured response did not match
	// its schema.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrUnknownProvider is returned by New for an unsupported provider.
	ErrUnknownProvider = errors.New("unknown capability provider")
)

// Failure wraps any error raised while completing a call: transport,
// backend, decoding or schema validation.
type Failure struct {
	Call string
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("capability %s: %v", f.Call, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is reports ErrCapabilityFailure as a match.
func (f *Failure) Is(target error) bool {
	return target == ErrCapabilityFailure
}

func schemaErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSchemaViolation, fmt.Sprintf(format, args...))
}
