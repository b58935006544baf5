package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aledbf/firebox/errdefs"
	"github.com/aledbf/firebox/internal/config"
	"github.com/aledbf/firebox/paths"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	dataDir := t.TempDir()
	return New(&config.Config{
		Paths: config.PathsConfig{
			DataDir:    dataDir,
			BinaryPath: paths.BinaryPath,
		},
		Timeouts: config.TimeoutsConfig{
			StartupGrace:  "50ms",
			ShutdownGrace: "200ms",
		},
	})
}

func fakeProcRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old := procRoot
	procRoot = dir
	t.Cleanup(func() { procRoot = old })
	return dir
}

func addProcEntry(t *testing.T, root string, pid int, comm string, state byte, cmdline ...string) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	stat := fmt.Sprintf("%d (%s) %c 1 %d", pid, comm, state, pid)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))
	args := strings.Join(cmdline, "\x00")
	if len(cmdline) > 0 {
		args += "\x00"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(args), 0o644))
}

func writePIDFile(t *testing.T, m *Manager, id string, pid int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(paths.VMDir(m.cfg.Paths.DataDir, id), 0o755))
	require.NoError(t, os.WriteFile(m.pidFile(id), []byte(strconv.Itoa(pid)), 0o644))
}

func TestGetPIDNoPIDFile(t *testing.T) {
	m := testManager(t)

	_, err := m.GetPID(context.Background(), "vm1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrProcess)
	assert.ErrorContains(t, err, "no PID file found")
}

func TestGetPIDDeadProcess(t *testing.T) {
	fakeProcRoot(t)
	m := testManager(t)
	writePIDFile(t, m, "vm1", 4242)

	_, err := m.GetPID(context.Background(), "vm1")
	require.Error(t, err)
	assert.ErrorContains(t, err, "process is not running")
}

func TestGetPIDRejectsForeignProcess(t *testing.T) {
	root := fakeProcRoot(t)
	m := testManager(t)
	addProcEntry(t, root, 4242, "nginx", 'S', "nginx", "-g", "daemon off;")
	writePIDFile(t, m, "vm1", 4242)

	_, err := m.GetPID(context.Background(), "vm1")
	require.Error(t, err)
	assert.ErrorContains(t, err, "not a firecracker process")
}

func TestGetPIDValid(t *testing.T) {
	root := fakeProcRoot(t)
	m := testManager(t)
	addProcEntry(t, root, 4242, "firecracker", 'S', "firecracker", "--api-sock", m.socketFile("vm1"), "--id", "vm1")
	writePIDFile(t, m, "vm1", 4242)

	pid, err := m.GetPID(context.Background(), "vm1")
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestGetPIDsFiltersByIdentity(t *testing.T) {
	root := fakeProcRoot(t)
	m := testManager(t)
	addProcEntry(t, root, 100, "firecracker", 'S', "firecracker", "--api-sock", "/run/a.socket")
	addProcEntry(t, root, 200, "firecracker", 'S', "firecracker", "--version")
	addProcEntry(t, root, 300, "nginx", 'S', "nginx", "--api-sock", "/run/b.socket")
	addProcEntry(t, root, 400, "firecracker", 'S', "firecracker", "--api-sock", "/run/c.socket")

	pids, err := m.GetPIDs(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{100, 400}, pids)
}

func TestIsRunningRemovesStalePIDFile(t *testing.T) {
	fakeProcRoot(t)
	m := testManager(t)
	writePIDFile(t, m, "vm1", 4242)

	assert.False(t, m.IsRunning(context.Background(), "vm1"))
	_, err := os.Stat(m.pidFile("vm1"))
	assert.True(t, os.IsNotExist(err))
}

func TestIsRunningTrue(t *testing.T) {
	root := fakeProcRoot(t)
	m := testManager(t)
	addProcEntry(t, root, 4242, "firecracker", 'S', "firecracker", "--api-sock", m.socketFile("vm1"))
	writePIDFile(t, m, "vm1", 4242)

	assert.True(t, m.IsRunning(context.Background(), "vm1"))
}

func TestFindRunningProcessBySocket(t *testing.T) {
	root := fakeProcRoot(t)
	m := testManager(t)
	addProcEntry(t, root, 100, "firecracker", 'S', "firecracker", "--api-sock", m.socketFile("other"))
	addProcEntry(t, root, 200, "firecracker", 'S', "firecracker", "--api-sock", m.socketFile("vm1"))

	assert.Equal(t, 200, m.findRunningProcess("vm1"))
	assert.Equal(t, 0, m.findRunningProcess("ghost"))
}

func TestStopWithNothingRunning(t *testing.T) {
	fakeProcRoot(t)
	m := testManager(t)

	stopped, err := m.Stop(context.Background(), "vm1")
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestProcStateHandlesParensInComm(t *testing.T) {
	root := fakeProcRoot(t)
	dir := filepath.Join(root, "55")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte("55 (weird) name) Z 1 55"), 0o644))

	state, err := procState(55)
	require.NoError(t, err)
	assert.Equal(t, byte('Z'), state)
}

func TestProcCmdlineSplitsOnNul(t *testing.T) {
	root := fakeProcRoot(t)
	addProcEntry(t, root, 77, "firecracker", 'S', "firecracker", "--api-sock", "/tmp/x.socket")

	args, err := procCmdline(77)
	require.NoError(t, err)
	assert.Equal(t, []string{"firecracker", "--api-sock", "/tmp/x.socket"}, args)
}
