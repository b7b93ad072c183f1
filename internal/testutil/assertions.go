package testutil

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/gridforge/internal/cli"
)

// AssertExecutionFinished checks the log for the terminal transition of the
// named execution.
func AssertExecutionFinished(t *testing.T, result *HarnessResult, name, status string) {
	t.Helper()
	want := fmt.Sprintf("execution=%s status=%s", name, status)
	require.True(t, strings.Contains(result.LogOutput, want),
		"expected %q in the log output", want)
}

// AssertExitCode checks the process exit code the command would end with.
func AssertExitCode(t *testing.T, result *HarnessResult, code int) {
	t.Helper()
	if code == 0 {
		require.NoError(t, result.Err)
		return
	}
	var exitErr *cli.ExitError
	require.True(t, errors.As(result.Err, &exitErr), "expected exit code %d, got error %v", code, result.Err)
	require.Equal(t, code, exitErr.Code, exitErr.Message)
}
