package ctlderrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapAndKindOf(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap("state.CreateNode", Duplicate, cause)

	require.Equal(t, Duplicate, KindOf(err))
	require.True(t, Is(err, Duplicate))
	require.False(t, Is(err, NotFound))
	require.ErrorIs(t, err, cause)
}

func TestNewCarriesReason(t *testing.T) {
	err := New("scheduler.Select", InsufficientResources, "no feasible nodes")
	require.Equal(t, InsufficientResources, KindOf(err))
	require.Contains(t, err.Error(), "no feasible nodes")
}

func TestKindOfPlainError(t *testing.T) {
	require.Equal(t, Unknown, KindOf(errors.New("plain")))
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		InvalidRequest:        "INVALID_REQUEST",
		NotFound:              "NOT_FOUND",
		Permission:            "PERMISSION",
		Duplicate:             "DUPLICATE",
		AlreadyTerminal:       "ALREADY_TERMINAL",
		InsufficientResources: "INSUFFICIENT_RESOURCES",
		ValidationFail:        "VALIDATION_FAIL",
		Timeout:               "TIMEOUT",
		NodeDown:              "NODE_DOWN",
		Preempted:             "PREEMPTED",
		FatalConfig:           "FATAL_CONFIG",
		Unknown:               "UNKNOWN",
	}
	for k, want := range cases {
		require.Equal(t, want, k.String())
	}
}
