package process

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// procRoot is swapped by tests to point at a synthetic /proc tree.
var procRoot = "/proc"

// procState returns the single-letter state field from /proc/<pid>/stat.
// The comm field may contain spaces and parentheses, so the state is the
// first field after the last ')'.
func procState(pid int) (byte, error) {
	raw, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, err
	}
	s := string(raw)
	end := strings.LastIndexByte(s, ')')
	if end < 0 || end+2 >= len(s) {
		return 0, os.ErrInvalid
	}
	return s[end+2], nil
}

// procComm returns the executable name from /proc/<pid>/comm.
func procComm(pid int) (string, error) {
	raw, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "comm"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// procCmdline returns the NUL-separated argument vector of a process.
func procCmdline(pid int) ([]string, error) {
	raw, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return nil, err
	}
	args := strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00")
	if len(args) == 1 && args[0] == "" {
		return nil, nil
	}
	return args, nil
}

// procAlive reports whether /proc has an entry for the pid. A zombie
// still counts as alive here; callers that care inspect procState.
func procAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.Stat(filepath.Join(procRoot, strconv.Itoa(pid)))
	return err == nil
}

// listPids returns every numeric entry under /proc.
func listPids() ([]int, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}
