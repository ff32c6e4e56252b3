package common

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCrashFile_IncludesState(t *testing.T) {
	dir := t.TempDir()
	InstallCrashHandler(dir)
	SetCrashState(func() map[string]string {
		return map[string]string{"queue_pending": "3", "active_prompt": "p_1"}
	})
	t.Cleanup(func() { SetCrashState(nil) })

	path := WriteCrashFile("boom", "main.main()")
	require.NotEmpty(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	report := string(data)
	assert.Contains(t, report, "panic: boom")
	assert.Contains(t, report, "active_prompt: p_1\nqueue_pending: 3\n")
	assert.Contains(t, report, "main.main()")
}

func TestWriteCrashFile_StatePanicIsContained(t *testing.T) {
	InstallCrashHandler(t.TempDir())
	SetCrashState(func() map[string]string { panic("nil runtime") })
	t.Cleanup(func() { SetCrashState(nil) })

	path := WriteCrashFile("boom", "")
	require.NotEmpty(t, path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "state_error: nil runtime")
}
