package bundle

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Mounter mounts and unmounts the stacked instance rootfs.
type Mounter interface {
	MountOverlay(target string, lowerDirs []string, upperDir, workDir string) error
	Unmount(target string) error
}

// overlayMounter is the production mounter.
type overlayMounter struct{}

// NewOverlayMounter creates the production overlay mounter.
func NewOverlayMounter() Mounter {
	return overlayMounter{}
}

func (overlayMounter) MountOverlay(target string, lowerDirs []string, upperDir, workDir string) error {
	options := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
		strings.Join(lowerDirs, ":"), upperDir, workDir)

	if err := unix.Mount("overlay", target, "overlay", 0, options); err != nil {
		return fmt.Errorf("error mounting overlay on %s: %w", target, err)
	}

	return nil
}

func (overlayMounter) Unmount(target string) error {
	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil && err != unix.EINVAL && err != unix.ENOENT {
		return fmt.Errorf("error unmounting %s: %w", target, err)
	}

	return nil
}
