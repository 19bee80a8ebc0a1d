package session

import (
	"errors"
	"fmt"
)

// ExitInfrastructure is the exit status for any failure of berth or the
// container engine, as opposed to the in-container process.
const ExitInfrastructure = 125

// Kind classifies a session failure.
type Kind int

const (
	KindImageResolution Kind = iota + 1
	KindContainerLifecycle
	KindInitCommand
	KindAttach
	KindSignalForwarding
)

func (k Kind) String() string {
	switch k {
	case KindImageResolution:
		return "image resolution"
	case KindContainerLifecycle:
		return "container lifecycle"
	case KindInitCommand:
		return "init command"
	case KindAttach:
		return "attach"
	case KindSignalForwarding:
		return "signal forwarding"
	default:
		return "unknown"
	}
}

// Sentinels wrapped by lifecycle errors.
var (
	// ErrIdentityMismatch means a container with the derived name exists but
	// was created from a different configuration.
	ErrIdentityMismatch = errors.New("container name is taken by a different configuration")

	// ErrUnusableState means the container is in a state berth cannot start from.
	ErrUnusableState = errors.New("container is in an unusable state")
)

// Error is a fatal session failure.
type Error struct {
	Kind Kind

	// Op is the step that failed, e.g. "start" or "ensure image"
	Op string

	// Container is the container name, when known
	Container string

	Err error
}

func (e *Error) Error() string {
	if e.Container == "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Op, e.Container, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a session Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// InitError describes the init command that failed.
type InitError struct {
	Index    int
	Command  string
	ExitCode int
}

func (e *InitError) Error() string {
	return fmt.Sprintf("init command %d (%s) exited with code %d", e.Index+1, e.Command, e.ExitCode)
}

// ExitCodeError propagates the exit status of the in-container process.
type ExitCodeError struct {
	code int
}

// NewExitCodeError wraps an in-container exit status.
func NewExitCodeError(code int) *ExitCodeError {
	return &ExitCodeError{code: code}
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.code)
}

func (e *ExitCodeError) ExitCode() int {
	return e.code
}

// ExitCode maps the result of a berth invocation to a process exit status:
// nil is 0, an ExitCodeError carries its own code and anything else is
// ExitInfrastructure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return ExitInfrastructure
}
