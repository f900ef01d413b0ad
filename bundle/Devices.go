package bundle

import (
	"os"
	"path/filepath"

	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"go_service_manager/model"
)

// populateDevices resolves host device paths, following symlinks to the
// real /dev nodes, into OCI device records.
func populateDevices(devicePaths []string) ([]specs.LinuxDevice, error) {
	devices := make([]specs.LinuxDevice, 0, len(devicePaths))

	for _, path := range devicePaths {
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return nil, model.Errorf(model.ErrNotFound, "device %s: %v", path, err)
		}

		var stat unix.Stat_t

		if err := unix.Stat(resolved, &stat); err != nil {
			return nil, model.Errorf(model.ErrNotFound, "device %s: %v", resolved, err)
		}

		deviceType := "c"
		if stat.Mode&unix.S_IFMT == unix.S_IFBLK {
			deviceType = "b"
		}

		mode := os.FileMode(stat.Mode & 0o777)
		uid := stat.Uid
		gid := stat.Gid

		devices = append(devices, specs.LinuxDevice{
			Path:     resolved,
			Type:     deviceType,
			Major:    int64(unix.Major(uint64(stat.Rdev))),
			Minor:    int64(unix.Minor(uint64(stat.Rdev))),
			FileMode: &mode,
			UID:      &uid,
			GID:      &gid,
		})
	}

	return devices, nil
}
