package microvm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/log"

	"github.com/aledbf/firebox/errdefs"
	"github.com/aledbf/firebox/firecracker"
	"github.com/aledbf/firebox/paths"
)

const (
	snapshotStateFile = "snapshot.state"
	snapshotMemFile   = "snapshot.mem"
	snapshotMetaFile  = "snapshot.json"
)

// snapshotMeta records what a restore needs besides the memory and state
// files: the block device paths the snapshotted instance had open, which
// must exist at the same locations when loading.
type snapshotMeta struct {
	VMID         string            `json:"vm_id"`
	BlockDevices map[string]string `json:"block_devices"`
}

// SnapshotCreate pauses the microVM and captures a full snapshot into its
// directory: memory image, device state, and restore metadata.
func (m *Manager) SnapshotCreate(ctx context.Context, id string) error {
	d, err := m.vms.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := m.vms.Pause(ctx, id); err != nil {
		return err
	}

	dir := paths.VMDir(m.vms.Config().Paths.DataDir, id)
	client := m.vms.APIClient(id)
	defer client.Close()

	if err := client.SnapshotCreate.Put(ctx, firecracker.Fields{
		"snapshot_type": "Full",
		"snapshot_path": filepath.Join(dir, snapshotStateFile),
		"mem_file_path": filepath.Join(dir, snapshotMemFile),
	}); err != nil {
		return err
	}

	meta := snapshotMeta{
		VMID:         id,
		BlockDevices: map[string]string{"rootfs": d.RootFSPath},
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to write snapshot metadata: %w: %w", err, errdefs.ErrVMM)
	}
	if err := os.WriteFile(filepath.Join(dir, snapshotMetaFile), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot metadata: %w: %w", err, errdefs.ErrVMM)
	}

	log.G(ctx).WithField("vm", id).Info("snapshot created")
	return nil
}

// SnapshotLoad boots a fresh hypervisor for the microVM and restores it
// from the snapshot captured earlier, resuming execution.
func (m *Manager) SnapshotLoad(ctx context.Context, id string) error {
	if _, err := m.vms.FindByID(ctx, id); err != nil {
		return err
	}
	dir := paths.VMDir(m.vms.Config().Paths.DataDir, id)

	if err := m.prepareSnapshotDevices(ctx, dir); err != nil {
		return err
	}
	if err := m.vms.EnsureCleanSocket(id); err != nil {
		return err
	}
	if _, err := m.vms.Process().Start(ctx, id); err != nil {
		return err
	}

	client := m.vms.APIClient(id)
	defer client.Close()

	return client.SnapshotLoad.Put(ctx, firecracker.Fields{
		"snapshot_path": filepath.Join(dir, snapshotStateFile),
		"mem_backend": map[string]any{
			"backend_type": "File",
			"backend_path": filepath.Join(dir, snapshotMemFile),
		},
		"resume_vm": true,
	})
}

// prepareSnapshotDevices ensures the block device paths recorded at
// snapshot time resolve again, symlinking to relocated files when the
// original path is gone but a file with the same name exists in the VM
// directory.
func (m *Manager) prepareSnapshotDevices(ctx context.Context, dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, snapshotMetaFile))
	if err != nil {
		return fmt.Errorf("failed to read snapshot metadata: %w: %w", err, errdefs.ErrVMM)
	}
	var meta snapshotMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("failed to read snapshot metadata: %w: %w", err, errdefs.ErrVMM)
	}

	for device, path := range meta.BlockDevices {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		relocated := filepath.Join(dir, filepath.Base(path))
		if _, err := os.Stat(relocated); err != nil {
			return fmt.Errorf("block device %s missing at %s: %w", device, path, errdefs.ErrVMM)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to prepare block device path: %w: %w", err, errdefs.ErrVMM)
		}
		if err := os.Symlink(relocated, path); err != nil {
			return fmt.Errorf("failed to link block device %s: %w: %w", device, err, errdefs.ErrVMM)
		}
		log.G(ctx).WithFields(log.Fields{"device": device, "path": path}).Info("relinked snapshot block device")
	}
	return nil
}
