package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/runtime-spec/specs-go"

	"go_service_manager/logger"
	"go_service_manager/model"
	"go_service_manager/resourcemanager"
)

const (
	configFileName = "config.json"
	rootfsDir      = "rootfs"
	whiteoutsDir   = "whiteouts"
)

// Params collects everything needed to materialise one instance bundle.
type Params struct {
	Instance       model.InstanceInfo
	Service        model.ServiceData
	Layers         []model.LayerData
	HostBinds      []string
	Hosts          []model.Host
	Limits         resourcemanager.ResourceLimits
	DevicePaths    []string
	ResourceMounts []resourcemanager.Mount
	Env            []string
	ResolvConfPath string
	HostsPath      string
	NetnsPath      string
}

// Bundle is an assembled OCI runtime directory.
type Bundle struct {
	Path      string
	RootfsDir string
	LowerDirs []string
	UpperDir  string
	WorkDir   string
}

// Assembler builds OCI bundle directories under runtimeDir.
type Assembler struct {
	runtimeDir string
	hostRoot   string
}

// NewAssembler creates a bundle assembler rooted at runtimeDir.
func NewAssembler(runtimeDir string) (*Assembler, error) {
	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating runtime dir: %w", err)
	}

	return &Assembler{runtimeDir: runtimeDir, hostRoot: "/"}, nil
}

// BundlePath returns the bundle location of an instance.
func (a *Assembler) BundlePath(instanceID string) string {
	return filepath.Join(a.runtimeDir, instanceID)
}

// CreateBundle materialises the bundle directory: rootfs mount point, host
// FS whiteouts, device records and config.json.
func (a *Assembler) CreateBundle(params Params) (*Bundle, error) {
	instanceID := params.Instance.InstanceID()
	bundlePath := a.BundlePath(instanceID)

	logger.InfoLogger().Printf("Creating bundle: instanceID=%s, path=%s", instanceID, bundlePath)

	if err := os.RemoveAll(bundlePath); err != nil {
		return nil, fmt.Errorf("error cleaning bundle dir: %w", err)
	}

	for _, dir := range []string{rootfsDir, whiteoutsDir, "upper", "work"} {
		if err := os.MkdirAll(filepath.Join(bundlePath, dir), 0o755); err != nil {
			return nil, fmt.Errorf("error creating bundle dir: %w", err)
		}
	}

	whiteouts := filepath.Join(bundlePath, whiteoutsDir)

	if err := createHostWhiteouts(whiteouts, a.hostRoot, params.HostBinds); err != nil {
		return nil, err
	}

	devices, err := populateDevices(params.DevicePaths)
	if err != nil {
		return nil, err
	}

	spec := a.createRuntimeSpec(params, devices)

	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("error marshalling runtime spec: %w", err)
	}

	if err := os.WriteFile(filepath.Join(bundlePath, configFileName), data, 0o644); err != nil {
		return nil, fmt.Errorf("error writing config.json: %w", err)
	}

	// Lower dirs top to bottom: whiteouts mask the host, then service
	// rootfs, then shared layers, then the host root.
	lowerDirs := []string{whiteouts, params.Service.Path}
	for _, layer := range params.Layers {
		lowerDirs = append(lowerDirs, layer.Path)
	}
	lowerDirs = append(lowerDirs, "/")

	return &Bundle{
		Path:      bundlePath,
		RootfsDir: filepath.Join(bundlePath, rootfsDir),
		LowerDirs: lowerDirs,
		UpperDir:  filepath.Join(bundlePath, "upper"),
		WorkDir:   filepath.Join(bundlePath, "work"),
	}, nil
}

// RemoveBundle deletes the bundle directory of an instance.
func (a *Assembler) RemoveBundle(instanceID string) error {
	if err := os.RemoveAll(a.BundlePath(instanceID)); err != nil {
		return fmt.Errorf("error removing bundle: %w", err)
	}

	return nil
}

func (a *Assembler) createRuntimeSpec(params Params, devices []specs.LinuxDevice) *specs.Spec {
	instanceID := params.Instance.InstanceID()

	mounts := []specs.Mount{
		{Destination: "/proc", Type: "proc", Source: "proc"},
		{Destination: "/dev", Type: "tmpfs", Source: "tmpfs",
			Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
		{Destination: "/sys", Type: "sysfs", Source: "sysfs",
			Options: []string{"nosuid", "noexec", "nodev", "ro"}},
	}

	if params.ResolvConfPath != "" {
		mounts = append(mounts, specs.Mount{
			Destination: "/etc/resolv.conf", Type: "bind", Source: params.ResolvConfPath,
			Options: []string{"bind", "ro"},
		})
	}

	if params.HostsPath != "" {
		mounts = append(mounts, specs.Mount{
			Destination: "/etc/hosts", Type: "bind", Source: params.HostsPath,
			Options: []string{"bind", "ro"},
		})
	}

	if params.Instance.StoragePath != "" {
		mounts = append(mounts, specs.Mount{
			Destination: "/storage", Type: "bind", Source: params.Instance.StoragePath,
			Options: []string{"bind", "rw"},
		})
	}

	if params.Instance.StatePath != "" {
		mounts = append(mounts, specs.Mount{
			Destination: "/state", Type: "bind", Source: params.Instance.StatePath,
			Options: []string{"bind", "rw"},
		})
	}

	for _, mount := range params.ResourceMounts {
		mounts = append(mounts, specs.Mount{
			Destination: mount.Destination, Type: mount.Type, Source: mount.Source,
			Options: mount.Options,
		})
	}

	env := append([]string{fmt.Sprintf("HOSTNAME=%s", instanceID)}, params.Env...)

	linux := &specs.Linux{
		Devices: devices,
		Namespaces: []specs.LinuxNamespace{
			{Type: specs.PIDNamespace},
			{Type: specs.IPCNamespace},
			{Type: specs.UTSNamespace},
			{Type: specs.MountNamespace},
		},
		Resources: &specs.LinuxResources{},
	}

	if params.NetnsPath != "" {
		linux.Namespaces = append(linux.Namespaces,
			specs.LinuxNamespace{Type: specs.NetworkNamespace, Path: params.NetnsPath})
	}

	if params.Limits.RAMLimit > 0 {
		linux.Resources.Memory = &specs.LinuxMemory{Limit: &params.Limits.RAMLimit}
	}

	if params.Limits.CPUQuota > 0 {
		period := params.Limits.CPUPeriod
		if period == 0 {
			period = 100000
		}
		linux.Resources.CPU = &specs.LinuxCPU{Quota: &params.Limits.CPUQuota, Period: &period}
	}

	if params.Limits.PIDsLimit > 0 {
		linux.Resources.Pids = &specs.LinuxPids{Limit: params.Limits.PIDsLimit}
	}

	return &specs.Spec{
		Version:  specs.Version,
		Hostname: instanceID,
		Root:     &specs.Root{Path: rootfsDir},
		Process: &specs.Process{
			Cwd: "/",
			Env: env,
			User: specs.User{
				UID: params.Instance.UID,
				GID: params.Service.GID,
			},
		},
		Mounts: mounts,
		Linux:  linux,
	}
}
