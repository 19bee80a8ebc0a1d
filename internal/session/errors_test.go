package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", err: nil, want: 0},
		{name: "in-container code", err: NewExitCodeError(3), want: 3},
		{name: "wrapped in-container code", err: fmt.Errorf("run: %w", NewExitCodeError(130)), want: 130},
		{name: "session failure", err: &Error{Kind: KindAttach, Op: "attach", Err: errors.New("eof")}, want: ExitInfrastructure},
		{name: "other failure", err: errors.New("config not found"), want: ExitInfrastructure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: KindContainerLifecycle, Op: "start", Container: "berth-x-0123", Err: errors.New("boom")}
	assert.Equal(t, "container lifecycle: start berth-x-0123: boom", err.Error())

	err = &Error{Kind: KindImageResolution, Op: "ensure image", Err: errors.New("manifest unknown")}
	assert.Equal(t, "image resolution: ensure image: manifest unknown", err.Error())
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", &Error{Kind: KindInitCommand, Err: &InitError{Index: 1, Command: "make", ExitCode: 2}})
	assert.True(t, IsKind(err, KindInitCommand))
	assert.False(t, IsKind(err, KindAttach))
	assert.False(t, IsKind(errors.New("plain"), KindAttach))
	assert.Contains(t, err.Error(), "init command 2 (make) exited with code 2")
}
