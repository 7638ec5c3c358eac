package supervisor

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T, specs ...ProcessSpec) *Supervisor {
	t.Helper()
	s, err := New(t.TempDir(), specs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.StopAll() })
	return s
}

func sleeperSpec(name string) ProcessSpec {
	return ProcessSpec{Name: name, Command: []string{"/bin/sleep", "60"}}
}

func TestUnknownProcess(t *testing.T) {
	s := newTestSupervisor(t)

	assert.Error(t, s.Start("ghost"))
	assert.Error(t, s.Stop("ghost"))
	assert.Error(t, s.Restart("ghost"))
	_, err := s.Status("ghost")
	assert.Error(t, err)
}

func TestNamesSorted(t *testing.T) {
	s := newTestSupervisor(t, sleeperSpec("zeta"), sleeperSpec("alpha"))
	assert.Equal(t, []string{"alpha", "zeta"}, s.Names())
}

func TestStartStopLifecycle(t *testing.T) {
	s := newTestSupervisor(t, sleeperSpec("worker"))

	require.NoError(t, s.Start("worker"))
	status, err := s.Status("worker")
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Greater(t, status.PID, 0)

	// Starting again is a no-op, the pid stays
	require.NoError(t, s.Start("worker"))
	again, err := s.Status("worker")
	require.NoError(t, err)
	assert.Equal(t, status.PID, again.PID)

	require.NoError(t, s.Stop("worker"))
	status, err = s.Status("worker")
	require.NoError(t, err)
	assert.False(t, status.Running)

	// Stopping a stopped process succeeds
	require.NoError(t, s.Stop("worker"))
}

func TestStalePidfileIsCleaned(t *testing.T) {
	pidDir := t.TempDir()
	s, err := New(pidDir, []ProcessSpec{sleeperSpec("worker")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.StopAll() })

	// A pidfile for a process that no longer exists
	pidFile := filepath.Join(pidDir, "worker.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("999999"), 0o644))

	status, err := s.Status("worker")
	require.NoError(t, err)
	assert.False(t, status.Running)

	_, statErr := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(statErr), "stale pidfile removed")
}

func TestGarbagePidfile(t *testing.T) {
	pidDir := t.TempDir()
	s, err := New(pidDir, []ProcessSpec{sleeperSpec("worker")})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "worker.pid"), []byte("not-a-pid"), 0o644))

	status, err := s.Status("worker")
	require.NoError(t, err)
	assert.False(t, status.Running)
}

func TestEnsureOnlyStartsWhenDown(t *testing.T) {
	s := newTestSupervisor(t, sleeperSpec("worker"))

	require.NoError(t, s.Ensure("worker"))
	first, err := s.Status("worker")
	require.NoError(t, err)
	require.True(t, first.Running)

	require.NoError(t, s.Ensure("worker"))
	second, err := s.Status("worker")
	require.NoError(t, err)
	assert.Equal(t, first.PID, second.PID)
}

func TestRestartChangesPID(t *testing.T) {
	s := newTestSupervisor(t, sleeperSpec("worker"))

	require.NoError(t, s.Start("worker"))
	before, err := s.Status("worker")
	require.NoError(t, err)

	require.NoError(t, s.Restart("worker"))
	after, err := s.Status("worker")
	require.NoError(t, err)
	assert.True(t, after.Running)
	assert.NotEqual(t, before.PID, after.PID)
}

func TestStatusAll(t *testing.T) {
	s := newTestSupervisor(t, sleeperSpec("a"), sleeperSpec("b"))
	require.NoError(t, s.Start("a"))

	statuses := s.StatusAll()
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].Name)
	assert.True(t, statuses[0].Running)
	assert.Equal(t, "b", statuses[1].Name)
	assert.False(t, statuses[1].Running)
}

func TestStopWaitsForExit(t *testing.T) {
	s := newTestSupervisor(t, sleeperSpec("worker"))

	require.NoError(t, s.Start("worker"))
	status, err := s.Status("worker")
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Stop("worker"))
	assert.Less(t, time.Since(start), stopGracePeriod, "sleep dies on SIGTERM well before the kill escalation")
	assert.False(t, pidAlive(status.PID))
}

func TestProcessLogFile(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "echo.log")

	s := newTestSupervisor(t, ProcessSpec{
		Name:    "echo",
		Command: []string{"/bin/sh", "-c", "echo supervised"},
		LogFile: logFile,
	})

	require.NoError(t, s.Start("echo"))

	deadline := time.Now().Add(2 * time.Second)
	var data []byte
	for time.Now().Before(deadline) {
		data, _ = os.ReadFile(logFile)
		if len(data) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.Contains(t, string(data), "supervised")
}

func TestWritePIDRoundTrip(t *testing.T) {
	pidDir := t.TempDir()
	s, err := New(pidDir, []ProcessSpec{sleeperSpec("worker")})
	require.NoError(t, err)

	require.NoError(t, s.writePID("worker", os.Getpid()))
	data, err := os.ReadFile(filepath.Join(pidDir, "worker.pid"))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	pid, running := s.runningPID("worker")
	assert.True(t, running, "our own pid is alive")
	assert.Equal(t, os.Getpid(), pid)
}
