package network

import (
	"context"
	"fmt"
	"strings"

	"github.com/containerd/log"

	"github.com/aledbf/firebox/errdefs"
	"github.com/aledbf/firebox/paths"
)

// Cleanup tears down everything the manager created for one VM. Every
// stage is attempted even when an earlier one fails; the first failure is
// reported after all stages ran.
func (m *Manager) Cleanup(ctx context.Context, id string) error {
	var firstErr error
	record := func(err error) {
		if err != nil {
			log.G(ctx).WithError(err).WithField("vm", id).Error("network cleanup stage failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	record(m.DeleteNATRules(ctx, id))
	record(m.DeleteMasquerade(ctx, id))
	record(m.DeleteAllPortForwards(ctx, id))
	record(m.DeleteTap(ctx, id))

	if firstErr != nil {
		return fmt.Errorf("failed to cleanup network resources for %s: %w: %w", id, firstErr, errdefs.ErrNetwork)
	}
	return nil
}

// CleanupOrphanedTAPDevices removes TAP devices whose VM is no longer
// running, along with the rules that reference them. runningIDs holds the
// ids of VMs that must be left alone.
func (m *Manager) CleanupOrphanedTAPDevices(ctx context.Context, runningIDs []string) error {
	running := make(map[string]struct{}, len(runningIDs))
	for _, id := range runningIDs {
		running[id] = struct{}{}
	}

	links, err := m.links.LinkList()
	if err != nil {
		return fmt.Errorf("failed to list host links: %w: %w", err, errdefs.ErrNetwork)
	}

	var firstErr error
	for _, link := range links {
		name := link.Attrs().Name
		if !strings.HasPrefix(name, paths.TapDevicePrefix) {
			continue
		}
		id := strings.TrimPrefix(name, paths.TapDevicePrefix)
		if _, ok := running[id]; ok {
			continue
		}

		log.G(ctx).WithField("tap", name).Info("removing orphaned tap device")
		if err := m.Cleanup(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
