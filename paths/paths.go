// Package paths provides standard filesystem paths used by firebox.
package paths

import (
	"os"
	"path/filepath"
)

const (
	// DataDir is the default per-VM state directory root.
	DataDir = "/var/lib/firebox"

	// BinaryPath is the default location of the firecracker binary.
	BinaryPath = "/usr/local/bin/firecracker"

	// BinaryName is the executable name the process manager matches
	// against /proc/<pid>/comm when validating recorded PIDs.
	BinaryName = "firecracker"
)

// GetDataDir returns the firebox data root, checking environment variables first.
func GetDataDir() string {
	if dir := os.Getenv("FIREBOX_DATA_DIR"); dir != "" {
		return dir
	}
	return DataDir
}

// GetBinaryPath returns the firecracker binary location, checking
// environment variables first.
func GetBinaryPath() string {
	if path := os.Getenv("FIREBOX_BINARY"); path != "" {
		return path
	}
	return BinaryPath
}

// VMDir returns the state directory for one VM.
func VMDir(dataDir, id string) string {
	return filepath.Join(dataDir, id)
}

// DescriptorPath returns the persisted JSON descriptor location for one VM.
func DescriptorPath(dataDir, id string) string {
	return filepath.Join(dataDir, id, "config.json")
}

// PIDFile returns the hypervisor PID file location for one VM.
func PIDFile(dataDir, id string) string {
	return filepath.Join(dataDir, id, "firecracker.pid")
}

// SocketFile returns the hypervisor control-socket location for one VM.
func SocketFile(dataDir, id string) string {
	return filepath.Join(dataDir, id, "firecracker.socket")
}

// LogFile returns the hypervisor log location for one VM.
func LogFile(dataDir, id string) string {
	return filepath.Join(dataDir, id, "firecracker.log")
}

// IDLedgerPath returns the path to the identifier ledger database. The
// ledger records every VM identifier ever issued so identifiers are not
// reused while orphaned resources may still reference them.
func IDLedgerPath(dataDir string) string {
	return filepath.Join(dataDir, "ids.db")
}

// TapDevicePrefix is the prefix of every TAP device firebox creates. The
// VM identifier follows the underscore, which is how orphan reconciliation
// maps live interfaces back to VMs.
const TapDevicePrefix = "tap_"

// TapDeviceName returns the deterministic TAP device name for a VM.
func TapDeviceName(id string) string {
	return TapDevicePrefix + id
}
