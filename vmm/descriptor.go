// Package vmm tracks microVM state on disk and reconciles it with what is
// actually running. Each VM owns one directory under the data root holding
// its JSON descriptor, PID file, control socket and log; the descriptor is
// the durable record, everything else is runtime debris.
package vmm

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aledbf/firebox/errdefs"
	"github.com/aledbf/firebox/network"
	"github.com/aledbf/firebox/paths"
)

// Descriptor is the durable record of one microVM.
type Descriptor struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	IPAddr     string    `json:"ip_addr"`
	Gateway    string    `json:"gateway,omitempty"`
	VCPUs      int64     `json:"vcpu"`
	MemSizeMib int64     `json:"mem_size_mib"`
	KernelPath string    `json:"kernel_path"`
	RootFSPath string    `json:"rootfs_path"`

	// Ports maps guest ports ("80/tcp") to their host mappings.
	Ports map[string][]network.PortForward `json:"ports,omitempty"`

	// Labels are free-form key/value pairs for lookup.
	Labels map[string]string `json:"labels,omitempty"`
}

// MatchesLabels reports whether the descriptor carries every given label
// with the exact value.
func (d *Descriptor) MatchesLabels(labels map[string]string) bool {
	for k, v := range labels {
		if d.Labels[k] != v {
			return false
		}
	}
	return true
}

// SaveDescriptor writes the VM's descriptor into its directory.
func (m *Manager) SaveDescriptor(d *Descriptor) error {
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to create VMM config file: %w: %w", err, errdefs.ErrVMM)
	}
	path := paths.DescriptorPath(m.cfg.Paths.DataDir, d.ID)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to create VMM config file: %w: %w", err, errdefs.ErrVMM)
	}
	return nil
}

// LoadDescriptor reads a VM's descriptor from its directory.
func (m *Manager) LoadDescriptor(id string) (*Descriptor, error) {
	raw, err := os.ReadFile(paths.DescriptorPath(m.cfg.Paths.DataDir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("VMM %s: %w", id, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get VMM configuration: %w: %w", err, errdefs.ErrVMM)
	}
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("failed to get VMM configuration: %w: %w", err, errdefs.ErrVMM)
	}
	return &d, nil
}
