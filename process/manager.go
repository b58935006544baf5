// Package process supervises firecracker hypervisor processes: spawning
// them against a VM's control socket, verifying they survive startup,
// identifying them later through /proc, and tearing them down.
package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/aledbf/firebox/errdefs"
	"github.com/aledbf/firebox/internal/config"
	"github.com/aledbf/firebox/paths"
)

const apiSockFlag = "--api-sock"

// Manager launches and supervises hypervisor processes for VMs under the
// configured data root.
type Manager struct {
	cfg *config.Config
}

// New returns a process manager.
func New(cfg *config.Config) *Manager {
	return &Manager{cfg: cfg}
}

func (m *Manager) pidFile(id string) string {
	return paths.PIDFile(m.cfg.Paths.DataDir, id)
}

func (m *Manager) socketFile(id string) string {
	return paths.SocketFile(m.cfg.Paths.DataDir, id)
}

// Start launches the hypervisor for a VM and verifies it survives the
// startup window. On success the PID is recorded in the VM directory and
// returned. Output goes to the VM's log file.
func (m *Manager) Start(ctx context.Context, id string, extraArgs ...string) (int, error) {
	socket := m.socketFile(id)
	args := append([]string{apiSockFlag, socket, "--id", id}, extraArgs...)

	logFile, err := os.OpenFile(paths.LogFile(m.cfg.Paths.DataDir, id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w: %w", err, errdefs.ErrProcess)
	}
	defer logFile.Close()

	cmd := exec.Command(m.cfg.Paths.BinaryPath, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group, so signals aimed at firebox never hit the VM.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w: %w", m.cfg.Paths.BinaryPath, err, errdefs.ErrProcess)
	}
	pid := cmd.Process.Pid

	// The PID is recorded before the verification window so a crash of
	// this process never strands a live hypervisor without a record.
	if err := os.WriteFile(m.pidFile(id), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		_ = cmd.Process.Kill()
		go func() { _ = cmd.Wait() }()
		return 0, fmt.Errorf("failed to write PID file: %w: %w", err, errdefs.ErrProcess)
	}

	if err := m.verifyStartup(ctx, pid); err != nil {
		_ = os.Remove(m.pidFile(id))
		go func() { _ = cmd.Wait() }()
		return 0, err
	}

	go func() { _ = cmd.Wait() }()
	log.G(ctx).WithFields(log.Fields{"vm": id, "pid": pid}).Info("started hypervisor")
	return pid, nil
}

// verifyStartup distinguishes a hypervisor that came up from one that died
// immediately. Polled twice: once right away, once after the grace window.
func (m *Manager) verifyStartup(ctx context.Context, pid int) error {
	if err := m.checkStartupState(pid, true); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.StartupGrace()):
	}

	return m.checkStartupState(pid, false)
}

// checkStartupState classifies a hypervisor that died inside the startup
// window. A non-blocking reap catches our own dead child, which would
// otherwise linger as a zombie; a 'Z' state after that is a zombie we do
// not own; a pid missing from /proc on the second poll already ran and
// was reaped elsewhere.
func (m *Manager) checkStartupState(pid int, firstPoll bool) error {
	var ws unix.WaitStatus
	if n, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil); err == nil && n == pid && (ws.Exited() || ws.Signaled()) {
		return fmt.Errorf("process exited during startup: %w", errdefs.ErrProcess)
	}

	state, err := procState(pid)
	if err != nil {
		if firstPoll {
			return fmt.Errorf("process exited during startup: %w", errdefs.ErrProcess)
		}
		return fmt.Errorf("process disappeared during startup: %w", errdefs.ErrProcess)
	}
	if state == 'Z' {
		return fmt.Errorf("process became defunct: %w", errdefs.ErrProcess)
	}
	return nil
}

// GetPID returns the recorded PID of a VM's hypervisor after validating it
// still refers to a live firecracker process.
func (m *Manager) GetPID(ctx context.Context, id string) (int, error) {
	raw, err := os.ReadFile(m.pidFile(id))
	if err != nil {
		return 0, fmt.Errorf("no PID file found for %s: %w", id, errdefs.ErrProcess)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file for %s: %w: %w", id, err, errdefs.ErrProcess)
	}
	if !procAlive(pid) {
		return 0, fmt.Errorf("process is not running: %w", errdefs.ErrProcess)
	}
	if err := m.validateIdentity(pid); err != nil {
		return 0, err
	}
	return pid, nil
}

// validateIdentity guards against PID reuse: the pid must be a firecracker
// process serving an API socket.
func (m *Manager) validateIdentity(pid int) error {
	comm, err := procComm(pid)
	if err != nil {
		return fmt.Errorf("process is not running: %w", errdefs.ErrProcess)
	}
	if comm != paths.BinaryName {
		return fmt.Errorf("PID %d is not a firecracker process: %w", pid, errdefs.ErrProcess)
	}
	cmdline, err := procCmdline(pid)
	if err != nil || !slices.Contains(cmdline, apiSockFlag) {
		return fmt.Errorf("PID %d is not a firecracker process: %w", pid, errdefs.ErrProcess)
	}
	return nil
}

// GetPIDs returns every firecracker hypervisor currently running on the
// host, regardless of which VM it belongs to.
func (m *Manager) GetPIDs(ctx context.Context) ([]int, error) {
	pids, err := listPids()
	if err != nil {
		return nil, fmt.Errorf("failed to scan processes: %w: %w", err, errdefs.ErrProcess)
	}
	var out []int
	for _, pid := range pids {
		if m.validateIdentity(pid) == nil {
			out = append(out, pid)
		}
	}
	return out, nil
}

// IsRunning reports whether the VM's hypervisor is alive. A PID file that
// points at a dead or foreign process is removed.
func (m *Manager) IsRunning(ctx context.Context, id string) bool {
	raw, err := os.ReadFile(m.pidFile(id))
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err == nil && procAlive(pid) && m.validateIdentity(pid) == nil {
		return true
	}

	log.G(ctx).WithFields(log.Fields{"vm": id, "pid": pid}).Warn("removing stale PID file")
	_ = os.Remove(m.pidFile(id))
	return false
}

// findRunningProcess scans the host for a hypervisor serving this VM's
// socket, covering the case where the PID file was lost.
func (m *Manager) findRunningProcess(id string) int {
	pids, err := listPids()
	if err != nil {
		return 0
	}
	socket := m.socketFile(id)
	for _, pid := range pids {
		if m.validateIdentity(pid) != nil {
			continue
		}
		cmdline, err := procCmdline(pid)
		if err != nil {
			continue
		}
		if slices.Contains(cmdline, socket) {
			return pid
		}
	}
	return 0
}

// Stop terminates the VM's hypervisor: SIGTERM first, SIGKILL after the
// shutdown grace period. It reports whether a process was actually
// stopped; no process at all is a clean false.
func (m *Manager) Stop(ctx context.Context, id string) (bool, error) {
	pid, err := m.GetPID(ctx, id)
	if err != nil {
		pid = m.findRunningProcess(id)
		if pid == 0 {
			log.G(ctx).WithField("vm", id).Debug("no hypervisor process to stop")
			m.cleanupFiles(id)
			return false, nil
		}
	}

	if err := m.safeKill(pid, unix.SIGTERM); err != nil {
		return false, err
	}

	deadline := time.Now().Add(m.cfg.ShutdownGrace())
	for time.Now().Before(deadline) {
		if !procAlive(pid) {
			m.cleanupFiles(id)
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	log.G(ctx).WithFields(log.Fields{"vm": id, "pid": pid}).Warn("graceful shutdown timed out, killing")
	if err := m.safeKill(pid, unix.SIGKILL); err != nil {
		return false, err
	}
	m.cleanupFiles(id)
	return true, nil
}

// safeKill re-validates the target before signalling so a recycled PID is
// never hit.
func (m *Manager) safeKill(pid int, sig unix.Signal) error {
	if err := m.validateIdentity(pid); err != nil {
		return err
	}
	if err := unix.Kill(pid, sig); err != nil && err != unix.ESRCH {
		return fmt.Errorf("failed to signal PID %d: %w: %w", pid, err, errdefs.ErrProcess)
	}
	return nil
}

// cleanupFiles removes the PID file and control socket left behind by a
// stopped hypervisor.
func (m *Manager) cleanupFiles(id string) {
	_ = os.Remove(m.pidFile(id))
	_ = os.Remove(m.socketFile(id))
}
