//go:build unix

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// processGone reports whether pid no longer runs. Zombies count as gone.
func processGone(pid int) bool {
	if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// State follows the parenthesised command name.
	if idx := strings.LastIndexByte(string(stat), ')'); idx >= 0 && idx+2 < len(stat) {
		return stat[idx+2] == 'Z'
	}
	return false
}

func readPID(t *testing.T, path string) int {
	t.Helper()
	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	return pid
}

func TestExecute_TimeoutKillsProcessGroup(t *testing.T) {
	r := newTestRunner(t, Options{})
	dir := t.TempDir()
	pidDir := t.TempDir()
	script := writeScript(t, dir, "spawn.sh", `sleep 30 &
echo $! > "$PID_DIR/child"
echo $$ > "$PID_DIR/parent"
exec sleep 30
`)

	res, err := r.Execute(context.Background(), ExecutionRequest{
		Sketch:     "spawn",
		ScriptPath: script,
		Timeout:    time.Second,
		Env:        []string{"PID_DIR=" + pidDir},
	})
	require.NoError(t, err)
	defer res.Cleanup()
	assert.Equal(t, FailureTimeout, res.Failure)

	parent := readPID(t, filepath.Join(pidDir, "parent"))
	child := readPID(t, filepath.Join(pidDir, "child"))

	assert.Eventually(t, func() bool { return processGone(parent) }, 3*time.Second, 20*time.Millisecond, "script process survived")
	assert.Eventually(t, func() bool { return processGone(child) }, 3*time.Second, 20*time.Millisecond, "background child survived")
}
