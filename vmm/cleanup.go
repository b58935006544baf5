package vmm

import (
	"context"
	"fmt"

	"github.com/containerd/log"

	"github.com/aledbf/firebox/errdefs"
)

// Cleanup tears down every resource a VM may hold: network rules and TAP
// device, the hypervisor process, and the VM directory. All stages run
// even when earlier ones fail; the first failure is reported at the end.
func (m *Manager) Cleanup(ctx context.Context, id string) error {
	var firstErr error
	record := func(stage string, err error) {
		if err != nil {
			log.G(ctx).WithError(err).WithFields(log.Fields{"vm": id, "stage": stage}).Error("cleanup stage failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	record("network", m.net.Cleanup(ctx, id))

	_, err := m.proc.Stop(ctx, id)
	record("process", err)

	record("directory", m.DeleteDir(id))

	if firstErr != nil {
		return fmt.Errorf("failed to cleanup VMM %s: %w: %w", id, firstErr, errdefs.ErrVMM)
	}
	return nil
}

// Delete stops the VM and removes every trace of it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if _, err := m.FindByID(ctx, id); err != nil {
		return err
	}
	return m.Cleanup(ctx, id)
}

// CleanupOrphanedResources reconciles the host with the recorded VMs:
// TAP devices and rules without a running VM are removed, and directories
// whose hypervisor is gone lose their stale socket and PID files.
func (m *Manager) CleanupOrphanedResources(ctx context.Context) error {
	all, err := m.List(ctx)
	if err != nil {
		return err
	}

	var running []string
	for _, d := range all {
		if m.proc.IsRunning(ctx, d.ID) {
			running = append(running, d.ID)
			continue
		}
		if err := m.EnsureCleanSocket(d.ID); err != nil {
			log.G(ctx).WithError(err).WithField("vm", d.ID).Warn("failed to remove stale socket")
		}
	}

	return m.net.CleanupOrphanedTAPDevices(ctx, running)
}
