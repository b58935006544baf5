// Package errdefs defines the error kinds used across firebox.
//
// Low-level OS and library failures are never returned raw: every
// component wraps them with one of these sentinels plus a message naming
// the failed operation and the affected resource, so callers can branch
// on the kind with errors.Is while still seeing the full cause chain.
package errdefs

import (
	"errors"

	cerrdefs "github.com/containerd/errdefs"
)

// ErrNotFound indicates a VM or resource that does not exist.
var ErrNotFound = cerrdefs.ErrNotFound

var (
	// ErrConfiguration indicates invalid static setup: empty or oversized
	// names, missing binaries or directories.
	ErrConfiguration = errors.New("configuration error")

	// ErrNetwork indicates a host network or firewall operation failure,
	// including malformed IP input.
	ErrNetwork = errors.New("network error")

	// ErrProcess indicates a hypervisor process lifecycle anomaly:
	// exited/defunct/disappeared during startup, stale or mismatched PID.
	ErrProcess = errors.New("process error")

	// ErrVMM indicates a descriptor persistence, state-query, or composite
	// cleanup failure.
	ErrVMM = errors.New("vmm error")

	// ErrAPI indicates a control-plane transport or protocol failure.
	ErrAPI = errors.New("api error")
)

func IsNotFound(err error) bool      { return cerrdefs.IsNotFound(err) }
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }
func IsNetwork(err error) bool       { return errors.Is(err, ErrNetwork) }
func IsProcess(err error) bool       { return errors.Is(err, ErrProcess) }
func IsVMM(err error) bool           { return errors.Is(err, ErrVMM) }
func IsAPI(err error) bool           { return errors.Is(err, ErrAPI) }
