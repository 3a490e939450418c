package evalerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCauseForErrorsIsAs(t *testing.T) {
	cause := errors.New("exit status 128")
	err := Wrap(CodeCheckpoint, "git commit failed", cause)

	require.ErrorIs(t, err, cause)

	var got *Error
	require.True(t, errors.As(err, &got))
	require.Equal(t, CodeCheckpoint, got.Code)
}

func TestCodeOfAndIs(t *testing.T) {
	err := Errorf(CodeEvaluation, "commit %s failed", "abc123")

	code, ok := CodeOf(err)
	require.True(t, ok)
	require.Equal(t, CodeEvaluation, code)
	require.True(t, Is(err, CodeEvaluation))
	require.False(t, Is(err, CodeAdvisor))

	require.False(t, Is(errors.New("plain"), CodeEvaluation))
}
