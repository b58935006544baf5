package vmm

import (
	"context"
	"fmt"
	"os"

	"github.com/containerd/log"

	"github.com/aledbf/firebox/errdefs"
	"github.com/aledbf/firebox/firecracker"
	"github.com/aledbf/firebox/internal/config"
	"github.com/aledbf/firebox/network"
	"github.com/aledbf/firebox/paths"
	"github.com/aledbf/firebox/process"
)

// Manager owns the data root: per-VM directories, descriptors, the id
// ledger, and the network and process managers acting on each VM.
type Manager struct {
	cfg  *config.Config
	net  *network.Manager
	proc *process.Manager
	ids  *idLedger
}

// Option adjusts manager construction.
type Option func(*Manager)

// WithNetworkManager injects a network manager, used by tests.
func WithNetworkManager(n *network.Manager) Option {
	return func(m *Manager) { m.net = n }
}

// New returns a manager rooted at the configured data directory, creating
// it if needed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data root: %w: %w", err, errdefs.ErrVMM)
	}
	ids, err := openIDLedger(paths.IDLedgerPath(cfg.Paths.DataDir))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:  cfg,
		proc: process.New(cfg),
		ids:  ids,
	}
	for _, o := range opts {
		o(m)
	}
	if m.net == nil {
		m.net = network.New(ctx, cfg)
	}
	return m, nil
}

// Close releases the id ledger and the network connection.
func (m *Manager) Close() error {
	m.net.Close()
	return m.ids.close()
}

// Network returns the manager's network layer.
func (m *Manager) Network() *network.Manager { return m.net }

// Process returns the manager's process layer.
func (m *Manager) Process() *process.Manager { return m.proc }

// Config returns the active configuration.
func (m *Manager) Config() *config.Config { return m.cfg }

// NewID issues an identifier that has never been used on this host.
func (m *Manager) NewID(ctx context.Context) (string, error) {
	return m.ids.next(ctx)
}

// CreateDir creates the VM's directory under the data root.
func (m *Manager) CreateDir(id string) error {
	if err := os.MkdirAll(paths.VMDir(m.cfg.Paths.DataDir, id), 0o755); err != nil {
		return fmt.Errorf("failed to create VMM directory: %w: %w", err, errdefs.ErrVMM)
	}
	return nil
}

// DeleteDir removes the VM's directory and everything in it.
func (m *Manager) DeleteDir(id string) error {
	if err := os.RemoveAll(paths.VMDir(m.cfg.Paths.DataDir, id)); err != nil {
		return fmt.Errorf("failed to delete VMM directory: %w: %w", err, errdefs.ErrVMM)
	}
	return nil
}

// CreateLogFile pre-creates the VM's log file so the hypervisor can open
// it for appending.
func (m *Manager) CreateLogFile(id string) error {
	f, err := os.OpenFile(paths.LogFile(m.cfg.Paths.DataDir, id), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w: %w", err, errdefs.ErrVMM)
	}
	return f.Close()
}

// EnsureCleanSocket removes a leftover control socket from a previous run.
// The hypervisor refuses to start when the path exists.
func (m *Manager) EnsureCleanSocket(id string) error {
	err := os.Remove(paths.SocketFile(m.cfg.Paths.DataDir, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w: %w", err, errdefs.ErrVMM)
	}
	return nil
}

// List returns the descriptor of every VM recorded under the data root. A
// missing root means no VMs.
func (m *Manager) List(ctx context.Context) ([]*Descriptor, error) {
	entries, err := os.ReadDir(m.cfg.Paths.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list VMMs: %w: %w", err, errdefs.ErrVMM)
	}

	var out []*Descriptor
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		d, err := m.LoadDescriptor(e.Name())
		if err != nil {
			// Directories without a descriptor are runtime debris,
			// handled by CleanupOrphanedResources.
			log.G(ctx).WithField("vm", e.Name()).WithError(err).Debug("skipping entry without descriptor")
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// FindByID returns the descriptor for the given id.
func (m *Manager) FindByID(ctx context.Context, id string) (*Descriptor, error) {
	return m.LoadDescriptor(id)
}

// FindByLabels returns every VM carrying all the given labels.
func (m *Manager) FindByLabels(ctx context.Context, labels map[string]string) ([]*Descriptor, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Descriptor
	for _, d := range all {
		if d.MatchesLabels(labels) {
			out = append(out, d)
		}
	}
	return out, nil
}

// CheckNetworkOverlap fails when another running VM already uses the
// given guest address.
func (m *Manager) CheckNetworkOverlap(ctx context.Context, id, ip string) error {
	all, err := m.List(ctx)
	if err != nil {
		return err
	}
	for _, d := range all {
		if d.ID == id || d.IPAddr != ip {
			continue
		}
		if m.proc.IsRunning(ctx, d.ID) {
			return fmt.Errorf("IP address %s already in use by VMM %s: %w", ip, d.ID, errdefs.ErrNetwork)
		}
	}
	return nil
}

// APIClient returns a control-plane client bound to the VM's socket.
func (m *Manager) APIClient(id string) *firecracker.Client {
	return firecracker.New(
		paths.SocketFile(m.cfg.Paths.DataDir, id),
		firecracker.WithTimeout(m.cfg.APIRequest()),
	)
}

// GetState queries the hypervisor for the instance state ("Running",
// "Paused", ...). A VM whose hypervisor is gone reports "Stopped".
func (m *Manager) GetState(ctx context.Context, id string) (string, error) {
	if !m.proc.IsRunning(ctx, id) {
		return "Stopped", nil
	}
	client := m.APIClient(id)
	defer client.Close()

	doc, err := client.Describe.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get state for VMM %s: %w: %w", id, err, errdefs.ErrVMM)
	}
	state, _ := doc["state"].(string)
	if state == "" {
		return "", fmt.Errorf("failed to get state for VMM %s: unexpected response: %w", id, errdefs.ErrVMM)
	}
	return state, nil
}

// Pause suspends the VM's vCPUs.
func (m *Manager) Pause(ctx context.Context, id string) error {
	return m.setState(ctx, id, "Paused")
}

// Resume restarts the VM's vCPUs.
func (m *Manager) Resume(ctx context.Context, id string) error {
	return m.setState(ctx, id, "Resumed")
}

func (m *Manager) setState(ctx context.Context, id, state string) error {
	client := m.APIClient(id)
	defer client.Close()

	if err := client.VM.Patch(ctx, firecracker.Fields{"state": state}); err != nil {
		return fmt.Errorf("failed to update state for VMM %s: %w: %w", id, err, errdefs.ErrVMM)
	}
	return nil
}
