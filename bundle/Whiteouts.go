package bundle

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// createHostWhiteouts creates a 0-mode character device for each top-level
// hostRoot entry that is not in hostBinds, so the overlay hides the host
// path from the guest.
func createHostWhiteouts(whiteoutsPath, hostRoot string, hostBinds []string) error {
	entries, err := os.ReadDir(hostRoot)
	if err != nil {
		return fmt.Errorf("error reading host root: %w", err)
	}

	binds := make(map[string]bool, len(hostBinds))
	for _, bind := range hostBinds {
		binds[filepath.Clean("/"+bind)] = true
	}

	for _, entry := range entries {
		if binds["/"+entry.Name()] {
			continue
		}

		whiteout := filepath.Join(whiteoutsPath, entry.Name())

		if _, err := os.Stat(whiteout); err == nil {
			continue
		}

		if err := unix.Mknod(whiteout, unix.S_IFCHR, int(unix.Mkdev(0, 0))); err != nil {
			return fmt.Errorf("error creating whiteout %s: %w", whiteout, err)
		}

		if err := os.Chmod(whiteout, 0); err != nil {
			return fmt.Errorf("error setting whiteout mode: %w", err)
		}
	}

	return nil
}
