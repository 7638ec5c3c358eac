// Package supervisor starts and stops the coordinator's companion processes
// using pidfiles. Every operation is idempotent: starting a running process
// or stopping a stopped one succeeds without side effects.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/bellmanhq/bellman/pkg/log"
)

const (
	stopPollInterval = 100 * time.Millisecond
	stopGracePeriod  = 10 * time.Second
)

// ProcessSpec describes one supervised process
type ProcessSpec struct {
	Name    string
	Command []string // argv, Command[0] is the binary
	Env     []string // extra KEY=VALUE pairs appended to the environment
	LogFile string   // stdout+stderr destination, empty discards output
}

// ProcessStatus is one row of a status report
type ProcessStatus struct {
	Name    string
	Running bool
	PID     int
}

// Supervisor manages a fixed set of named processes
type Supervisor struct {
	pidDir string
	specs  map[string]ProcessSpec
	logger zerolog.Logger
}

// New creates a supervisor writing pidfiles under pidDir
func New(pidDir string, specs []ProcessSpec) (*Supervisor, error) {
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create pid directory: %w", err)
	}

	byName := make(map[string]ProcessSpec, len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
	}
	return &Supervisor{
		pidDir: pidDir,
		specs:  byName,
		logger: log.WithComponent("supervisor"),
	}, nil
}

// Names returns the managed process names, sorted
func (s *Supervisor) Names() []string {
	out := make([]string, 0, len(s.specs))
	for name := range s.specs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Start launches the named process unless it is already running
func (s *Supervisor) Start(name string) error {
	spec, ok := s.specs[name]
	if !ok {
		return fmt.Errorf("unknown process %q", name)
	}

	if pid, running := s.runningPID(name); running {
		s.logger.Info().Str("process", name).Int("pid", pid).Msg("already running")
		return nil
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true} // survive our exit

	if spec.LogFile != "" {
		f, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file for %s: %w", name, err)
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	if err := s.writePID(name, cmd.Process.Pid); err != nil {
		return err
	}

	// Detach; the supervisor does not wait on children
	_ = cmd.Process.Release()

	s.logger.Info().Str("process", name).Int("pid", cmd.Process.Pid).Msg("started")
	return nil
}

// Stop terminates the named process with SIGTERM, escalating to SIGKILL
// after the grace period. Stopping a stopped process is a no-op.
func (s *Supervisor) Stop(name string) error {
	if _, ok := s.specs[name]; !ok {
		return fmt.Errorf("unknown process %q", name)
	}

	pid, running := s.runningPID(name)
	if !running {
		s.removePID(name)
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		s.removePID(name)
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.removePID(name)
		return nil // already gone
	}

	deadline := time.Now().Add(stopGracePeriod)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			s.removePID(name)
			s.logger.Info().Str("process", name).Int("pid", pid).Msg("stopped")
			return nil
		}
		time.Sleep(stopPollInterval)
	}

	s.logger.Warn().Str("process", name).Int("pid", pid).Msg("grace period elapsed, killing")
	_ = proc.Signal(syscall.SIGKILL)
	s.removePID(name)
	return nil
}

// Restart stops then starts the named process
func (s *Supervisor) Restart(name string) error {
	if err := s.Stop(name); err != nil {
		return err
	}
	return s.Start(name)
}

// Ensure starts the named process only if it is not running
func (s *Supervisor) Ensure(name string) error {
	if _, running := s.runningPID(name); running {
		return nil
	}
	return s.Start(name)
}

// Status reports the state of one process
func (s *Supervisor) Status(name string) (ProcessStatus, error) {
	if _, ok := s.specs[name]; !ok {
		return ProcessStatus{}, fmt.Errorf("unknown process %q", name)
	}
	pid, running := s.runningPID(name)
	return ProcessStatus{Name: name, Running: running, PID: pid}, nil
}

// StartAll starts every managed process; the first failure aborts
func (s *Supervisor) StartAll() error {
	for _, name := range s.Names() {
		if err := s.Start(name); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every managed process, continuing past failures
func (s *Supervisor) StopAll() error {
	var firstErr error
	for _, name := range s.Names() {
		if err := s.Stop(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EnsureAll starts every managed process that is not running
func (s *Supervisor) EnsureAll() error {
	for _, name := range s.Names() {
		if err := s.Ensure(name); err != nil {
			return err
		}
	}
	return nil
}

// StatusAll reports every managed process, sorted by name
func (s *Supervisor) StatusAll() []ProcessStatus {
	out := make([]ProcessStatus, 0, len(s.specs))
	for _, name := range s.Names() {
		status, _ := s.Status(name)
		out = append(out, status)
	}
	return out
}

func (s *Supervisor) pidFile(name string) string {
	return filepath.Join(s.pidDir, name+".pid")
}

// runningPID reads the pidfile and verifies the process is alive. Stale
// pidfiles are removed.
func (s *Supervisor) runningPID(name string) (int, bool) {
	data, err := os.ReadFile(s.pidFile(name))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		s.removePID(name)
		return 0, false
	}
	if !pidAlive(pid) {
		s.removePID(name)
		return 0, false
	}
	return pid, true
}

func (s *Supervisor) writePID(name string, pid int) error {
	if err := os.WriteFile(s.pidFile(name), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("failed to write pidfile for %s: %w", name, err)
	}
	return nil
}

func (s *Supervisor) removePID(name string) {
	_ = os.Remove(s.pidFile(name))
}

// pidAlive probes a pid with signal 0. When the probing process is the
// parent, an exited child is reaped first: a zombie still answers the
// probe and would read as alive forever. Wait4 on a pid we did not spawn
// fails with ECHILD and changes nothing.
func pidAlive(pid int) bool {
	var ws syscall.WaitStatus
	_, _ = syscall.Wait4(pid, &ws, syscall.WNOHANG, nil)

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
