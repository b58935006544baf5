package microvm

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/containerd/log"

	"github.com/aledbf/firebox/errdefs"
	"github.com/aledbf/firebox/paths"
)

// RootFSBuilder produces a writable root filesystem image for a new
// microVM from some source (a base image, a container export, ...).
type RootFSBuilder interface {
	Build(ctx context.Context, vmID string) (string, error)
}

// KeyInstaller injects access credentials into a guest. Implementations
// talk to the guest over its preferred channel once it is reachable.
type KeyInstaller interface {
	InstallKey(ctx context.Context, ip string, publicKey []byte) error
}

// ImageRootFSBuilder copies a base image into the VM directory so each
// microVM boots from its own writable copy.
type ImageRootFSBuilder struct {
	BaseImage string
	DataDir   string
}

// Build places a copy of the base image in the VM's directory and returns
// its path.
func (b *ImageRootFSBuilder) Build(ctx context.Context, vmID string) (string, error) {
	src, err := os.Open(b.BaseImage)
	if err != nil {
		return "", fmt.Errorf("failed to open base image %s: %w: %w", b.BaseImage, err, errdefs.ErrConfiguration)
	}
	defer src.Close()

	target := filepath.Join(paths.VMDir(b.DataDir, vmID), "rootfs.ext4")
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create rootfs %s: %w: %w", target, err, errdefs.ErrVMM)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return "", fmt.Errorf("failed to copy base image: %w: %w", err, errdefs.ErrVMM)
	}

	log.G(ctx).WithFields(log.Fields{"vm": vmID, "rootfs": target, "bytes": n}).Info("built rootfs")
	return target, nil
}
