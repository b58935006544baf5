// Package microvm is the high-level entry point: create, inspect, pause,
// resume and delete Firecracker microVMs on this host. It composes the
// vmm, network, process and firecracker packages into whole-lifecycle
// operations.
package microvm

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/log"

	"github.com/aledbf/firebox/errdefs"
	"github.com/aledbf/firebox/firecracker"
	"github.com/aledbf/firebox/internal/config"
	"github.com/aledbf/firebox/network"
	"github.com/aledbf/firebox/paths"
	"github.com/aledbf/firebox/vmm"
)

// Manager drives full microVM lifecycles.
type Manager struct {
	vms *vmm.Manager
}

// New returns a manager backed by the given configuration.
func New(ctx context.Context, cfg *config.Config) (*Manager, error) {
	vms, err := vmm.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Manager{vms: vms}, nil
}

// NewWithVMM wraps an existing vmm manager, used by tests and callers that
// already hold one.
func NewWithVMM(vms *vmm.Manager) *Manager {
	return &Manager{vms: vms}
}

// Close releases the underlying managers.
func (m *Manager) Close() error {
	return m.vms.Close()
}

// VMM exposes the underlying vmm manager.
func (m *Manager) VMM() *vmm.Manager { return m.vms }

// CreateOptions describes the microVM to create. Memory and Ports accept
// the flexible shapes handled by ParseMemorySize and ParsePorts.
type CreateOptions struct {
	Name       string
	IPAddr     string
	VCPUs      int64
	Memory     any
	KernelPath string
	RootFSPath string
	Ports      any
	Labels     map[string]string
}

// Create provisions and boots a microVM: directory, network, hypervisor
// process, API configuration, start. Any failure rolls back everything
// already provisioned.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*vmm.Descriptor, error) {
	cfg := m.vms.Config()

	if opts.Memory == nil {
		opts.Memory = 512
	}
	memMib, err := ParseMemorySize(opts.Memory)
	if err != nil {
		return nil, err
	}
	vcpus := opts.VCPUs
	if vcpus <= 0 {
		vcpus = 1
	}
	if opts.KernelPath == "" || opts.RootFSPath == "" {
		return nil, fmt.Errorf("kernel and rootfs paths are required: %w", errdefs.ErrConfiguration)
	}

	ipAddr := opts.IPAddr
	if ipAddr == "" {
		ipAddr = cfg.Network.DefaultIP
		if conflict, err := m.vms.Network().DetectCIDRConflict(fmt.Sprintf("%s/%d", ipAddr, cfg.Network.PrefixLen)); err == nil && conflict {
			ipAddr, err = m.vms.Network().SuggestNonConflictingIP()
			if err != nil {
				return nil, err
			}
		}
	}

	id, err := m.vms.NewID(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.vms.CheckNetworkOverlap(ctx, id, ipAddr); err != nil {
		return nil, err
	}

	d := &vmm.Descriptor{
		ID:         id,
		Name:       opts.Name,
		CreatedAt:  time.Now().UTC(),
		IPAddr:     ipAddr,
		VCPUs:      vcpus,
		MemSizeMib: memMib,
		KernelPath: opts.KernelPath,
		RootFSPath: opts.RootFSPath,
		Ports:      map[string][]network.PortForward{},
		Labels:     opts.Labels,
	}

	if err := m.provision(ctx, d, opts.Ports); err != nil {
		log.G(ctx).WithError(err).WithField("vm", id).Error("create failed, rolling back")
		if cleanupErr := m.vms.Cleanup(ctx, id); cleanupErr != nil {
			log.G(ctx).WithError(cleanupErr).WithField("vm", id).Error("rollback failed")
		}
		return nil, err
	}
	return d, nil
}

func (m *Manager) provision(ctx context.Context, d *vmm.Descriptor, ports any) error {
	if err := m.vms.CreateDir(d.ID); err != nil {
		return err
	}
	if err := m.vms.CreateLogFile(d.ID); err != nil {
		return err
	}
	if err := m.vms.EnsureCleanSocket(d.ID); err != nil {
		return err
	}

	net := m.vms.Network()
	gatewayCIDR, err := net.GatewayCIDR(d.IPAddr)
	if err != nil {
		return err
	}
	d.Gateway, _ = net.GatewayIP(d.IPAddr)

	if _, err := net.CreateTap(ctx, d.ID, gatewayCIDR); err != nil {
		return err
	}
	if err := net.AddNATForwarding(ctx, d.ID); err != nil {
		return err
	}
	if err := net.AddMasquerade(ctx, d.ID, d.IPAddr); err != nil {
		return err
	}
	for _, port := range ParsePorts(ports) {
		if err := m.addForward(ctx, d, port, port); err != nil {
			return err
		}
	}

	if err := m.vms.SaveDescriptor(d); err != nil {
		return err
	}

	if _, err := m.vms.Process().Start(ctx, d.ID); err != nil {
		return err
	}
	return m.bootInstance(ctx, d)
}

// bootInstance pushes the VM configuration through the control plane and
// starts the instance.
func (m *Manager) bootInstance(ctx context.Context, d *vmm.Descriptor) error {
	client := m.vms.APIClient(d.ID)
	defer client.Close()

	if err := client.MachineConfig.Put(ctx, firecracker.Fields{
		"vcpu_count":   d.VCPUs,
		"mem_size_mib": d.MemSizeMib,
	}); err != nil {
		return err
	}
	if err := client.BootSource.Put(ctx, firecracker.Fields{
		"kernel_image_path": d.KernelPath,
		"boot_args":         bootArgs(d),
	}); err != nil {
		return err
	}
	if err := client.Drive.Put(ctx, firecracker.Fields{
		"drive_id":       "rootfs",
		"path_on_host":   d.RootFSPath,
		"is_root_device": true,
		"is_read_only":   false,
	}); err != nil {
		return err
	}
	if err := client.NetworkInterface.Put(ctx, firecracker.Fields{
		"iface_id":      "eth0",
		"host_dev_name": paths.TapDeviceName(d.ID),
	}); err != nil {
		return err
	}
	return client.Actions.Put(ctx, firecracker.Fields{"action_type": "InstanceStart"})
}

func bootArgs(d *vmm.Descriptor) string {
	return fmt.Sprintf(
		"console=ttyS0 reboot=k panic=1 pci=off ip=%s::%s:255.255.255.0::eth0:off",
		d.IPAddr, d.Gateway,
	)
}

// Delete stops and removes one microVM.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.vms.Delete(ctx, id)
}

// DeleteAll removes every microVM recorded on the host. All deletions are
// attempted; the first failure is reported at the end.
func (m *Manager) DeleteAll(ctx context.Context) error {
	all, err := m.vms.List(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, d := range all {
		if err := m.vms.Delete(ctx, d.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Pause suspends the microVM's vCPUs.
func (m *Manager) Pause(ctx context.Context, id string) error {
	if _, err := m.vms.FindByID(ctx, id); err != nil {
		return err
	}
	return m.vms.Pause(ctx, id)
}

// Resume restarts a paused microVM.
func (m *Manager) Resume(ctx context.Context, id string) error {
	if _, err := m.vms.FindByID(ctx, id); err != nil {
		return err
	}
	return m.vms.Resume(ctx, id)
}

// Status is the reconciled view of one microVM.
type Status struct {
	ID        string                           `json:"id"`
	Name      string                           `json:"name,omitempty"`
	State     string                           `json:"state"`
	IPAddr    string                           `json:"ip_addr"`
	PID       int                              `json:"pid,omitempty"`
	Ports     map[string][]network.PortForward `json:"ports,omitempty"`
	Labels    map[string]string                `json:"labels,omitempty"`
	CreatedAt time.Time                        `json:"created_at"`
}

// Status returns the current state of one microVM, combining its
// descriptor with what the hypervisor reports.
func (m *Manager) Status(ctx context.Context, id string) (*Status, error) {
	d, err := m.vms.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	state, err := m.vms.GetState(ctx, id)
	if err != nil {
		return nil, err
	}

	s := &Status{
		ID:        d.ID,
		Name:      d.Name,
		State:     state,
		IPAddr:    d.IPAddr,
		Ports:     d.Ports,
		Labels:    d.Labels,
		CreatedAt: d.CreatedAt,
	}
	if pid, err := m.vms.Process().GetPID(ctx, id); err == nil {
		s.PID = pid
	}
	return s, nil
}

// List returns the status of every microVM on the host.
func (m *Manager) List(ctx context.Context) ([]*Status, error) {
	all, err := m.vms.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Status, 0, len(all))
	for _, d := range all {
		s, err := m.Status(ctx, d.ID)
		if err != nil {
			log.G(ctx).WithError(err).WithField("vm", d.ID).Warn("failed to read status")
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// PortForward maps hostPort on this machine to destPort inside the
// microVM and records the mapping in the descriptor.
func (m *Manager) PortForward(ctx context.Context, id string, hostPort, destPort int) error {
	d, err := m.vms.FindByID(ctx, id)
	if err != nil {
		return err
	}
	return m.addForward(ctx, d, hostPort, destPort)
}

func (m *Manager) addForward(ctx context.Context, d *vmm.Descriptor, hostPort, destPort int) error {
	if err := m.vms.Network().AddPortForward(ctx, d.ID, d.IPAddr, hostPort, destPort); err != nil {
		return err
	}
	if d.Ports == nil {
		d.Ports = map[string][]network.PortForward{}
	}
	key := fmt.Sprintf("%d/tcp", destPort)
	for _, existing := range d.Ports[key] {
		if existing.HostPort == hostPort {
			return nil
		}
	}
	d.Ports[key] = append(d.Ports[key], network.PortForward{HostPort: hostPort, DestPort: destPort})
	return m.vms.SaveDescriptor(d)
}

// RemovePortForward deletes one mapping and updates the descriptor.
func (m *Manager) RemovePortForward(ctx context.Context, id string, hostPort, destPort int) error {
	d, err := m.vms.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := m.vms.Network().DeletePortForward(ctx, id, hostPort, destPort); err != nil {
		return err
	}

	key := fmt.Sprintf("%d/tcp", destPort)
	kept := d.Ports[key][:0]
	for _, pf := range d.Ports[key] {
		if pf.HostPort != hostPort {
			kept = append(kept, pf)
		}
	}
	if len(kept) == 0 {
		delete(d.Ports, key)
	} else {
		d.Ports[key] = kept
	}
	return m.vms.SaveDescriptor(d)
}

// Cleanup reconciles the host, removing orphaned network resources and
// stale runtime files.
func (m *Manager) Cleanup(ctx context.Context) error {
	return m.vms.CleanupOrphanedResources(ctx)
}
