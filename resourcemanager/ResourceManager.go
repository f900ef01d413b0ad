package resourcemanager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go_service_manager/logger"
	"go_service_manager/model"
)

// QuotaRule holds the raise threshold and the hysteresis fall threshold of
// one monitored parameter.
type QuotaRule struct {
	High uint64 `json:"high"`
	Low  uint64 `json:"low"`
}

// AlertRules are the per-parameter quota rules of the node type.
type AlertRules struct {
	CPU      *QuotaRule `json:"cpu,omitempty"`
	RAM      *QuotaRule `json:"ram,omitempty"`
	Disk     *QuotaRule `json:"disk,omitempty"`
	Download *QuotaRule `json:"download,omitempty"`
	Upload   *QuotaRule `json:"upload,omitempty"`
}

// ResourceLimits is the resource profile applied to every instance bundle.
type ResourceLimits struct {
	CPUQuota    int64  `json:"cpuQuota"`
	CPUPeriod   uint64 `json:"cpuPeriod"`
	RAMLimit    int64  `json:"ramLimit"`
	PIDsLimit   int64  `json:"pidsLimit"`
	NoFileLimit uint64 `json:"noFileLimit"`
}

// DeviceInfo describes one named host device made available to instances.
type DeviceInfo struct {
	Name        string   `json:"name"`
	SharedCount int      `json:"sharedCount"`
	Groups      []string `json:"groups"`
	HostDevices []string `json:"hostDevices"`
}

// Mount is a host path mounted into instances requesting a resource.
type Mount struct {
	Source      string   `json:"source"`
	Destination string   `json:"destination"`
	Type        string   `json:"type"`
	Options     []string `json:"options"`
}

// ResourceInfo describes one named resource group.
type ResourceInfo struct {
	Name   string       `json:"name"`
	Groups []string     `json:"groups"`
	Mounts []Mount      `json:"mounts"`
	Env    []string     `json:"env"`
	Hosts  []model.Host `json:"hosts"`
}

// Partition names a disk partition to monitor.
type Partition struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// NodeConfig is the node type resource profile read from nodeConfigFile.
type NodeConfig struct {
	Version    string         `json:"version"`
	NodeType   string         `json:"nodeType"`
	AlertRules AlertRules     `json:"alertRules"`
	Limits     ResourceLimits `json:"resourceLimits"`
	Devices    []DeviceInfo   `json:"devices"`
	Resources  []ResourceInfo `json:"resources"`
	Partitions []Partition    `json:"partitions"`
	Labels     []string       `json:"labels"`
}

// ResourceManager resolves device and resource names against the node
// config and tracks device allocations.
type ResourceManager struct {
	mu sync.Mutex

	nodeConfig  NodeConfig
	configErr   error
	alertSender model.AlertSender
	allocations map[string][]string
}

// New parses the node config file and validates its devices. A missing file
// yields an empty config; a broken one is kept as the config error reported
// through GetNodeConfigStatus.
func New(nodeConfigFile string, alertSender model.AlertSender) (*ResourceManager, error) {
	rm := &ResourceManager{
		alertSender: alertSender,
		allocations: make(map[string][]string),
	}

	data, err := os.ReadFile(nodeConfigFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading node config: %w", err)
		}

		logger.InfoLogger().Printf("Node config file not found: %s", nodeConfigFile)
		return rm, nil
	}

	if err = json.Unmarshal(data, &rm.nodeConfig); err != nil {
		rm.configErr = model.Errorf(model.ErrValidation, "invalid node config: %v", err)
		return rm, nil
	}

	rm.validateDevices()

	return rm, nil
}

// NodeConfig returns the parsed node config.
func (rm *ResourceManager) NodeConfig() NodeConfig {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	return rm.nodeConfig
}

// GetNodeConfigStatus returns the config version and its validation error,
// if any.
func (rm *ResourceManager) GetNodeConfigStatus() (string, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	return rm.nodeConfig.Version, rm.configErr
}

// GetDeviceInfo returns the named device description.
func (rm *ResourceManager) GetDeviceInfo(name string) (DeviceInfo, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for _, device := range rm.nodeConfig.Devices {
		if device.Name == name {
			return device, nil
		}
	}

	return DeviceInfo{}, model.Errorf(model.ErrNotFound, "device %s not found", name)
}

// GetResourceInfo returns the named resource description.
func (rm *ResourceManager) GetResourceInfo(name string) (ResourceInfo, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for _, resource := range rm.nodeConfig.Resources {
		if resource.Name == name {
			return resource, nil
		}
	}

	return ResourceInfo{}, model.Errorf(model.ErrNotFound, "resource %s not found", name)
}

// AllocateDevice allocates the named device for an instance, honouring its
// shared count. Failures raise a device allocate alert.
func (rm *ResourceManager) AllocateDevice(name string, ident model.InstanceIdent) error {
	rm.mu.Lock()

	var device *DeviceInfo

	for i := range rm.nodeConfig.Devices {
		if rm.nodeConfig.Devices[i].Name == name {
			device = &rm.nodeConfig.Devices[i]
			break
		}
	}

	if device == nil {
		rm.mu.Unlock()
		err := model.Errorf(model.ErrNotFound, "device %s not found", name)
		rm.sendDeviceAlert(name, ident, err)
		return err
	}

	owners := rm.allocations[name]

	for _, owner := range owners {
		if owner == ident.InstanceID() {
			rm.mu.Unlock()
			return nil
		}
	}

	if device.SharedCount > 0 && len(owners) >= device.SharedCount {
		rm.mu.Unlock()
		err := model.Errorf(model.ErrFailed, "device %s shared count %d exceeded", name, device.SharedCount)
		rm.sendDeviceAlert(name, ident, err)
		return err
	}

	rm.allocations[name] = append(owners, ident.InstanceID())
	rm.mu.Unlock()

	return nil
}

// ReleaseDevices releases every device held by the instance. Idempotent.
func (rm *ResourceManager) ReleaseDevices(ident model.InstanceIdent) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	instanceID := ident.InstanceID()

	for name, owners := range rm.allocations {
		filtered := owners[:0]
		for _, owner := range owners {
			if owner != instanceID {
				filtered = append(filtered, owner)
			}
		}
		rm.allocations[name] = filtered
	}
}

// ResolveDevicePaths resolves symlinked host device paths of the named
// device to their real /dev nodes.
func (rm *ResourceManager) ResolveDevicePaths(name string) ([]string, error) {
	device, err := rm.GetDeviceInfo(name)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(device.HostDevices))

	for _, hostDevice := range device.HostDevices {
		resolved, err := filepath.EvalSymlinks(hostDevice)
		if err != nil {
			return nil, model.Errorf(model.ErrNotFound, "device path %s: %v", hostDevice, err)
		}

		paths = append(paths, resolved)
	}

	return paths, nil
}

func (rm *ResourceManager) validateDevices() {
	var missing []string

	for _, device := range rm.nodeConfig.Devices {
		for _, hostDevice := range device.HostDevices {
			if _, err := os.Stat(hostDevice); err != nil {
				missing = append(missing, fmt.Sprintf("%s: %v", hostDevice, err))
			}
		}
	}

	if len(missing) == 0 {
		return
	}

	rm.configErr = model.Errorf(model.ErrValidation, "node config devices missing: %d", len(missing))

	if rm.alertSender != nil {
		rm.alertSender.SendAlert(model.ResourceValidateAlert{
			AlertHeader: model.AlertHeader{Timestamp: time.Now()},
			Name:        rm.nodeConfig.NodeType,
			Errors:      missing,
		})
	}
}

func (rm *ResourceManager) sendDeviceAlert(device string, ident model.InstanceIdent, err error) {
	if rm.alertSender == nil {
		return
	}

	rm.alertSender.SendAlert(model.DeviceAllocateAlert{
		AlertHeader:   model.AlertHeader{Timestamp: time.Now()},
		InstanceIdent: ident,
		Device:        device,
		Message:       err.Error(),
	})
}
