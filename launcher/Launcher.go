package launcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"go_service_manager/bundle"
	"go_service_manager/logger"
	"go_service_manager/model"
	"go_service_manager/resourcemanager"
)

const minWorkers = 4

// Config configures the launcher.
type Config struct {
	WorkingDir string
	StorageDir string
	StateDir   string
	RuntimeDir string
	HostBinds  []string
	Hosts      []model.Host
}

// Storage persists desired instances and env var overrides.
type Storage interface {
	AddInstance(instance model.InstanceInfo, serviceVersion string) error
	UpdateInstanceState(ident model.InstanceIdent, runState string, exitCode int) error
	RemoveInstance(ident model.InstanceIdent) error
	GetAllInstances() ([]model.InstanceInfo, error)
	SetOverrideEnvVars(envVars []model.EnvVarsInstanceInfo) error
	GetOverrideEnvVars() ([]model.EnvVarsInstanceInfo, error)
}

// ServiceProvider installs and resolves services.
type ServiceProvider interface {
	ProcessDesiredServices(ctx context.Context, services []model.ServiceInfo) error
	GetServiceInfo(serviceID, version string) (model.ServiceData, error)
	UseService(serviceID, version string) error
	ReleaseService(serviceID, version string) error
}

// LayerProvider installs and resolves layers.
type LayerProvider interface {
	ProcessDesiredLayers(ctx context.Context, layers []model.LayerInfo) error
	GetLayerInfo(digest string) (model.LayerData, error)
	UseLayer(digest string) error
	ReleaseLayer(digest string) error
}

// NetworkProvider attaches instances to their networks.
type NetworkProvider interface {
	AddInstanceToNetwork(ctx context.Context, instanceID string, params model.NetworkParameters) (string, error)
	RemoveInstanceFromNetwork(ctx context.Context, instanceID, networkID string) error
	GetNetnsPath(instanceID string) string
	ResolveConfPath(instanceID string) string
	HostsPath(instanceID string) string
}

// InstanceRunner supervises instance units.
type InstanceRunner interface {
	StartInstance(instanceID string, params model.RunParameters) model.RunStatus
	StopInstance(instanceID string) error
}

// ResourceProvider supplies the node resource profile and devices.
type ResourceProvider interface {
	NodeConfig() resourcemanager.NodeConfig
	AllocateDevice(name string, ident model.InstanceIdent) error
	ReleaseDevices(ident model.InstanceIdent)
	ResolveDevicePaths(name string) ([]string, error)
	GetResourceInfo(name string) (resourcemanager.ResourceInfo, error)
}

// BundleAssembler materialises OCI bundles.
type BundleAssembler interface {
	CreateBundle(params bundle.Params) (*bundle.Bundle, error)
	RemoveBundle(instanceID string) error
}

// InstanceStatusSender forwards instance status batches to CM.
type InstanceStatusSender interface {
	SendInstanceStatus(statuses []model.InstanceStatus)
}

// DesiredStatus is one RunInstances request.
type DesiredStatus struct {
	Services     []model.ServiceInfo
	Layers       []model.LayerInfo
	Instances    []model.InstanceInfo
	ForceRestart bool
}

type runtimeInstance struct {
	info           model.InstanceInfo
	serviceVersion string
	layerDigests   []string
	runState       string
	exitCode       int
	err            error
	started        bool
	networkID      string
}

// Launcher reconciles the desired instance set against running instances.
type Launcher struct {
	mu sync.Mutex

	cfg              Config
	storage          Storage
	serviceProvider  ServiceProvider
	layerProvider    LayerProvider
	networkProvider  NetworkProvider
	runner           InstanceRunner
	resourceProvider ResourceProvider
	assembler        BundleAssembler
	mounter          bundle.Mounter
	statusSender     InstanceStatusSender

	current             map[model.InstanceIdent]*runtimeInstance
	desiredServices     map[string]model.ServiceInfo
	reconcileInProgress bool
	pendingDesired      *DesiredStatus
	workers             int
}

// New creates the launcher and restores the desired instance set from
// storage.
func New(cfg Config, storage Storage, serviceProvider ServiceProvider, layerProvider LayerProvider,
	networkProvider NetworkProvider, instanceRunner InstanceRunner, resourceProvider ResourceProvider,
	assembler BundleAssembler, mounter bundle.Mounter, statusSender InstanceStatusSender) (*Launcher, error) {
	for _, dir := range []string{cfg.StorageDir, cfg.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("error creating dir %s: %w", dir, err)
		}
	}

	workers := runtime.NumCPU()
	if workers < minWorkers {
		workers = minWorkers
	}

	l := &Launcher{
		cfg:              cfg,
		storage:          storage,
		serviceProvider:  serviceProvider,
		layerProvider:    layerProvider,
		networkProvider:  networkProvider,
		runner:           instanceRunner,
		resourceProvider: resourceProvider,
		assembler:        assembler,
		mounter:          mounter,
		statusSender:     statusSender,
		current:          make(map[model.InstanceIdent]*runtimeInstance),
		desiredServices:  make(map[string]model.ServiceInfo),
		workers:          workers,
	}

	instances, err := storage.GetAllInstances()
	if err != nil {
		return nil, err
	}

	for _, info := range instances {
		l.current[info.InstanceIdent] = &runtimeInstance{
			info:     info,
			runState: model.InstanceStateStopped,
		}
	}

	return l, nil
}

// Stop stops every running instance.
func (l *Launcher) Stop() {
	l.mu.Lock()
	idents := make([]model.InstanceIdent, 0, len(l.current))
	for ident, instance := range l.current {
		if instance.started {
			idents = append(idents, ident)
		}
	}
	l.mu.Unlock()

	l.runTasks(len(idents), func(i int) {
		if err := l.stopInstance(context.Background(), idents[i]); err != nil {
			logger.ErrorLogger().Printf("Error stopping instance %s: %v", idents[i], err)
		}
	})
}

// RunInstances reconciles towards the received desired state. A request
// arriving while a reconcile runs coalesces into a pending desired state
// applied right after the current one drains.
func (l *Launcher) RunInstances(desired DesiredStatus) error {
	l.mu.Lock()

	if l.reconcileInProgress {
		l.pendingDesired = &desired
		l.mu.Unlock()
		return nil
	}

	l.reconcileInProgress = true
	l.mu.Unlock()

	for {
		l.reconcile(context.Background(), desired)

		l.mu.Lock()
		if l.pendingDesired == nil {
			l.reconcileInProgress = false
			l.mu.Unlock()
			return nil
		}

		desired = *l.pendingDesired
		l.pendingDesired = nil
		l.mu.Unlock()
	}
}

// OverrideEnvVars persists the override set and restarts matched running
// instances. Expired overrides are dropped.
func (l *Launcher) OverrideEnvVars(envVars []model.EnvVarsInstanceInfo) error {
	now := time.Now()

	filtered := make([]model.EnvVarsInstanceInfo, 0, len(envVars))

	for _, item := range envVars {
		vars := make([]model.EnvVarInfo, 0, len(item.Vars))
		for _, envVar := range item.Vars {
			if envVar.TTL != nil && envVar.TTL.Before(now) {
				continue
			}
			vars = append(vars, envVar)
		}

		filtered = append(filtered, model.EnvVarsInstanceInfo{Filter: item.Filter, Vars: vars})
	}

	if err := l.storage.SetOverrideEnvVars(filtered); err != nil {
		return err
	}

	l.mu.Lock()
	var matched []model.InstanceIdent
	for ident, instance := range l.current {
		if !instance.started {
			continue
		}
		for _, item := range filtered {
			if item.Filter.Match(ident) {
				matched = append(matched, ident)
				break
			}
		}
	}
	l.mu.Unlock()

	l.runTasks(len(matched), func(i int) {
		l.restartInstance(context.Background(), matched[i])
	})

	l.sendCurrentStatus()

	return nil
}

// UpdateRunStatus receives run state transitions from the runner.
func (l *Launcher) UpdateRunStatus(statuses []model.RunStatus) {
	l.mu.Lock()

	for _, status := range statuses {
		for ident, instance := range l.current {
			if ident.InstanceID() != status.InstanceID {
				continue
			}

			instance.runState = status.State
			instance.exitCode = status.ExitCode
			instance.err = status.Err

			if err := l.storage.UpdateInstanceState(ident, status.State, status.ExitCode); err != nil {
				logger.ErrorLogger().Printf("Error updating instance state: %v", err)
			}
		}
	}

	l.mu.Unlock()

	l.sendCurrentStatus()
}

// OnInstanceQuotaAlert restarts instances whose restart policy reacts to
// quota breaches.
func (l *Launcher) OnInstanceQuotaAlert(alert model.InstanceQuotaAlert) {
	if alert.Status != model.AlertStatusRaise {
		return
	}

	l.mu.Lock()
	instance, ok := l.current[alert.InstanceIdent]
	restart := ok && instance.started && instance.info.RestartPolicy == model.RestartPolicyOnQuota
	l.mu.Unlock()

	if !restart {
		return
	}

	logger.InfoLogger().Printf("Restarting instance on quota alert: %s, parameter=%s",
		alert.InstanceIdent, alert.Parameter)

	go func() {
		l.restartInstance(context.Background(), alert.InstanceIdent)
		l.sendCurrentStatus()
	}()
}

// RunningInstances lists started instances for the resource monitor.
func (l *Launcher) RunningInstances() []model.InstanceIdent {
	l.mu.Lock()
	defer l.mu.Unlock()

	idents := make([]model.InstanceIdent, 0, len(l.current))

	for ident, instance := range l.current {
		if instance.started {
			idents = append(idents, ident)
		}
	}

	return idents
}

// MatchingInstanceIDs lists known instance IDs matching a filter, for the
// log provider.
func (l *Launcher) MatchingInstanceIDs(filter model.InstanceFilter) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ids []string

	for ident := range l.current {
		if filter.Match(ident) {
			ids = append(ids, ident.InstanceID())
		}
	}

	return ids
}

// GetInstanceInfoByID resolves a unit instance ID to its identity and
// service version, for journal alert attribution.
func (l *Launcher) GetInstanceInfoByID(instanceID string) (model.InstanceIdent, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ident, instance := range l.current {
		if ident.InstanceID() == instanceID {
			return ident, instance.serviceVersion, nil
		}
	}

	return model.InstanceIdent{}, "", model.Errorf(model.ErrNotFound, "unknown instance %s", instanceID)
}

/***********************************************************************************************************************
 * Reconciliation
 **********************************************************************************************************************/

func (l *Launcher) reconcile(ctx context.Context, desired DesiredStatus) {
	logger.InfoLogger().Printf("Reconcile: services=%d, layers=%d, instances=%d, forceRestart=%v",
		len(desired.Services), len(desired.Layers), len(desired.Instances), desired.ForceRestart)

	l.persistDesired(desired)

	toStop, toStart := l.computePlan(desired)

	// Stop phase.
	l.runTasks(len(toStop), func(i int) {
		if err := l.stopInstance(ctx, toStop[i]); err != nil {
			logger.ErrorLogger().Printf("Error stopping instance %s: %v", toStop[i], err)
		}
	})

	// Instances absent from the desired state are gone once stopped.
	desiredIdents := make(map[model.InstanceIdent]bool, len(desired.Instances))
	for _, info := range desired.Instances {
		desiredIdents[info.InstanceIdent] = true
	}

	l.mu.Lock()
	for ident := range l.current {
		if !desiredIdents[ident] {
			delete(l.current, ident)
		}
	}
	l.mu.Unlock()

	l.sendCurrentStatus()

	// Install phase: per-item failures surface in the start phase.
	if err := l.serviceProvider.ProcessDesiredServices(ctx, desired.Services); err != nil {
		logger.ErrorLogger().Printf("Errors processing desired services: %v", err)
	}

	if err := l.layerProvider.ProcessDesiredLayers(ctx, desired.Layers); err != nil {
		logger.ErrorLogger().Printf("Errors processing desired layers: %v", err)
	}

	// Start phase: priority descending, equal priorities in parallel.
	sort.Slice(toStart, func(i, j int) bool {
		if toStart[i].Priority != toStart[j].Priority {
			return toStart[i].Priority > toStart[j].Priority
		}
		if toStart[i].ServiceID != toStart[j].ServiceID {
			return toStart[i].ServiceID < toStart[j].ServiceID
		}
		if toStart[i].SubjectID != toStart[j].SubjectID {
			return toStart[i].SubjectID < toStart[j].SubjectID
		}
		return toStart[i].Instance < toStart[j].Instance
	})

	for begin := 0; begin < len(toStart); {
		end := begin + 1
		for end < len(toStart) && toStart[end].Priority == toStart[begin].Priority {
			end++
		}

		group := toStart[begin:end]

		l.runTasks(len(group), func(i int) {
			l.startInstance(ctx, group[i])
		})

		begin = end
	}

	l.sendCurrentStatus()
}

// persistDesired stores the new desired set and prunes absent records.
func (l *Launcher) persistDesired(desired DesiredStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.desiredServices = make(map[string]model.ServiceInfo, len(desired.Services))
	for _, service := range desired.Services {
		l.desiredServices[service.ServiceID] = service
	}

	desiredIdents := make(map[model.InstanceIdent]bool, len(desired.Instances))

	for _, info := range desired.Instances {
		desiredIdents[info.InstanceIdent] = true

		version := ""
		if service, ok := l.desiredServices[info.ServiceID]; ok {
			version = service.Version
		}

		if err := l.storage.AddInstance(info, version); err != nil {
			logger.ErrorLogger().Printf("Error persisting instance %s: %v", info.InstanceIdent, err)
		}
	}

	for ident := range l.current {
		if !desiredIdents[ident] {
			if err := l.storage.RemoveInstance(ident); err != nil &&
				!model.IsErrorCode(err, model.ErrNotFound) {
				logger.ErrorLogger().Printf("Error removing instance %s: %v", ident, err)
			}
		}
	}
}

// computePlan derives stop and start sets from the desired state.
func (l *Launcher) computePlan(desired DesiredStatus) (toStop []model.InstanceIdent, toStart []model.InstanceInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()

	desiredIdents := make(map[model.InstanceIdent]model.InstanceInfo, len(desired.Instances))
	for _, info := range desired.Instances {
		desiredIdents[info.InstanceIdent] = info
	}

	for ident, instance := range l.current {
		info, stillDesired := desiredIdents[ident]

		if !stillDesired {
			if instance.started {
				toStop = append(toStop, ident)
			}
			continue
		}

		if instance.started && l.needsRestart(instance, info, desired.ForceRestart) {
			toStop = append(toStop, ident)
			toStart = append(toStart, info)
			continue
		}

		if !instance.started {
			toStart = append(toStart, info)
		} else {
			// Keep running: refresh desired attributes.
			instance.info = info
		}
	}

	for ident, info := range desiredIdents {
		if _, known := l.current[ident]; !known {
			toStart = append(toStart, info)
		}
	}

	return toStop, toStart
}

func (l *Launcher) needsRestart(instance *runtimeInstance, info model.InstanceInfo, forceRestart bool) bool {
	if forceRestart {
		return true
	}

	if service, ok := l.desiredServices[info.ServiceID]; ok && service.Version != instance.serviceVersion {
		return true
	}

	if !equalStrings(instance.info.Env, info.Env) {
		return true
	}

	if !equalStrings(instance.info.Devices, info.Devices) || !equalStrings(instance.info.Resources, info.Resources) {
		return true
	}

	if fmt.Sprintf("%v", instance.info.NetworkParams) != fmt.Sprintf("%v", info.NetworkParams) {
		return true
	}

	return false
}

func (l *Launcher) startInstance(ctx context.Context, info model.InstanceInfo) {
	ident := info.InstanceIdent
	instanceID := ident.InstanceID()

	l.mu.Lock()
	instance, ok := l.current[ident]
	if !ok {
		instance = &runtimeInstance{}
		l.current[ident] = instance
	}
	instance.info = info
	service, serviceDesired := l.desiredServices[info.ServiceID]
	l.mu.Unlock()

	fail := func(err error) {
		logger.ErrorLogger().Printf("Error starting instance %s: %v", ident, err)

		l.mu.Lock()
		instance.runState = model.InstanceStateFailed
		instance.err = err
		l.mu.Unlock()
	}

	if !serviceDesired {
		fail(model.Errorf(model.ErrNotFound, "service %s is not in desired state", info.ServiceID))
		return
	}

	serviceData, err := l.serviceProvider.GetServiceInfo(info.ServiceID, service.Version)
	if err != nil {
		fail(err)
		return
	}

	layers := make([]model.LayerData, 0, len(service.LayerDigests))
	for _, digest := range service.LayerDigests {
		layer, err := l.layerProvider.GetLayerInfo(digest)
		if err != nil {
			fail(err)
			return
		}
		layers = append(layers, layer)
	}

	if err = l.prepareInstanceDirs(&info); err != nil {
		fail(err)
		return
	}

	// Allocate requested host devices and resolve their /dev nodes.
	var devicePaths []string

	for _, device := range info.Devices {
		if err = l.resourceProvider.AllocateDevice(device, ident); err != nil {
			l.resourceProvider.ReleaseDevices(ident)
			fail(err)
			return
		}

		paths, err := l.resourceProvider.ResolveDevicePaths(device)
		if err != nil {
			l.resourceProvider.ReleaseDevices(ident)
			fail(err)
			return
		}

		devicePaths = append(devicePaths, paths...)
	}

	// Resolve requested resource groups into mounts, env and hosts.
	var resourceMounts []resourcemanager.Mount
	var resourceEnv []string
	var resourceHosts []model.Host

	for _, resource := range info.Resources {
		resourceInfo, err := l.resourceProvider.GetResourceInfo(resource)
		if err != nil {
			l.resourceProvider.ReleaseDevices(ident)
			fail(err)
			return
		}

		resourceMounts = append(resourceMounts, resourceInfo.Mounts...)
		resourceEnv = append(resourceEnv, resourceInfo.Env...)
		resourceHosts = append(resourceHosts, resourceInfo.Hosts...)
	}

	ip, err := l.networkProvider.AddInstanceToNetwork(ctx, instanceID, info.NetworkParams)
	if err != nil {
		l.resourceProvider.ReleaseDevices(ident)
		fail(err)
		return
	}

	nodeConfig := l.resourceProvider.NodeConfig()

	hosts := append(append([]model.Host{}, l.cfg.Hosts...), info.NetworkParams.Hosts...)
	hosts = append(hosts, resourceHosts...)

	assembled, err := l.assembler.CreateBundle(bundle.Params{
		Instance:       info,
		Service:        serviceData,
		Layers:         layers,
		HostBinds:      l.cfg.HostBinds,
		Hosts:          hosts,
		Limits:         nodeConfig.Limits,
		DevicePaths:    devicePaths,
		ResourceMounts: resourceMounts,
		Env:            append(l.instanceEnv(info), resourceEnv...),
		ResolvConfPath: l.networkProvider.ResolveConfPath(instanceID),
		HostsPath:      l.networkProvider.HostsPath(instanceID),
		NetnsPath:      l.networkProvider.GetNetnsPath(instanceID),
	})
	if err != nil {
		l.networkProvider.RemoveInstanceFromNetwork(ctx, instanceID, info.NetworkParams.NetworkID)
		l.resourceProvider.ReleaseDevices(ident)
		fail(err)
		return
	}

	if err = l.mounter.MountOverlay(assembled.RootfsDir, assembled.LowerDirs,
		assembled.UpperDir, assembled.WorkDir); err != nil {
		l.networkProvider.RemoveInstanceFromNetwork(ctx, instanceID, info.NetworkParams.NetworkID)
		l.resourceProvider.ReleaseDevices(ident)
		fail(err)
		return
	}

	status := l.runner.StartInstance(instanceID, info.RunParameters)

	l.mu.Lock()
	instance.serviceVersion = service.Version
	instance.layerDigests = service.LayerDigests
	instance.networkID = info.NetworkParams.NetworkID
	instance.runState = status.State
	instance.exitCode = status.ExitCode
	instance.err = status.Err
	instance.started = true
	l.mu.Unlock()

	if err := l.serviceProvider.UseService(info.ServiceID, service.Version); err != nil {
		logger.ErrorLogger().Printf("Error referencing service: %v", err)
	}
	for _, digest := range service.LayerDigests {
		if err := l.layerProvider.UseLayer(digest); err != nil {
			logger.ErrorLogger().Printf("Error referencing layer: %v", err)
		}
	}

	if err := l.storage.UpdateInstanceState(ident, status.State, status.ExitCode); err != nil {
		logger.ErrorLogger().Printf("Error updating instance state: %v", err)
	}

	logger.InfoLogger().Printf("Instance started: %s, ip=%s, state=%s", ident, ip, status.State)
}

func (l *Launcher) stopInstance(ctx context.Context, ident model.InstanceIdent) error {
	instanceID := ident.InstanceID()

	logger.InfoLogger().Printf("Stopping instance: %s", ident)

	l.mu.Lock()
	instance, ok := l.current[ident]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	started := instance.started
	serviceVersion := instance.serviceVersion
	layerDigests := instance.layerDigests
	networkID := instance.networkID
	l.mu.Unlock()

	if !started {
		return nil
	}

	var firstErr error

	if err := l.runner.StopInstance(instanceID); err != nil {
		firstErr = err
	}

	if err := l.mounter.Unmount(filepath.Join(l.cfg.RuntimeDir, instanceID, "rootfs")); err != nil {
		logger.ErrorLogger().Printf("Error unmounting rootfs: %v", err)
	}

	if err := l.assembler.RemoveBundle(instanceID); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := l.networkProvider.RemoveInstanceFromNetwork(ctx, instanceID, networkID); err != nil && firstErr == nil {
		firstErr = err
	}

	l.resourceProvider.ReleaseDevices(ident)

	if err := l.serviceProvider.ReleaseService(ident.ServiceID, serviceVersion); err != nil {
		logger.ErrorLogger().Printf("Error releasing service: %v", err)
	}
	for _, digest := range layerDigests {
		if err := l.layerProvider.ReleaseLayer(digest); err != nil {
			logger.ErrorLogger().Printf("Error releasing layer: %v", err)
		}
	}

	l.mu.Lock()
	instance.started = false
	instance.runState = model.InstanceStateStopped
	l.mu.Unlock()

	if err := l.storage.UpdateInstanceState(ident, model.InstanceStateStopped, 0); err != nil &&
		!model.IsErrorCode(err, model.ErrNotFound) {
		logger.ErrorLogger().Printf("Error updating instance state: %v", err)
	}

	return firstErr
}

func (l *Launcher) restartInstance(ctx context.Context, ident model.InstanceIdent) {
	if err := l.stopInstance(ctx, ident); err != nil {
		logger.ErrorLogger().Printf("Error stopping instance %s: %v", ident, err)
	}

	l.mu.Lock()
	instance, ok := l.current[ident]
	var info model.InstanceInfo
	if ok {
		info = instance.info
	}
	l.mu.Unlock()

	if !ok {
		return
	}

	l.startInstance(ctx, info)
}

func (l *Launcher) prepareInstanceDirs(info *model.InstanceInfo) error {
	instanceID := info.InstanceID()

	if info.StoragePath == "" {
		info.StoragePath = filepath.Join(l.cfg.StorageDir, instanceID)
	}
	if info.StatePath == "" {
		info.StatePath = filepath.Join(l.cfg.StateDir, instanceID)
	}

	for _, dir := range []string{info.StoragePath, info.StatePath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("error creating instance dir: %w", err)
		}

		if err := os.Chown(dir, int(info.UID), 0); err != nil {
			logger.ErrorLogger().Printf("Can't chown instance dir: %v", err)
		}
	}

	return nil
}

// instanceEnv merges instance env with matching persisted overrides.
func (l *Launcher) instanceEnv(info model.InstanceInfo) []string {
	env := append([]string{}, info.Env...)

	overrides, err := l.storage.GetOverrideEnvVars()
	if err != nil {
		logger.ErrorLogger().Printf("Error reading env overrides: %v", err)
		return env
	}

	now := time.Now()

	for _, item := range overrides {
		if !item.Filter.Match(info.InstanceIdent) {
			continue
		}
		for _, envVar := range item.Vars {
			if envVar.TTL != nil && envVar.TTL.Before(now) {
				continue
			}
			env = append(env, fmt.Sprintf("%s=%s", envVar.Name, envVar.Value))
		}
	}

	return env
}

func (l *Launcher) sendCurrentStatus() {
	if l.statusSender == nil {
		return
	}

	l.mu.Lock()

	statuses := make([]model.InstanceStatus, 0, len(l.current))

	for ident, instance := range l.current {
		statuses = append(statuses, model.InstanceStatus{
			InstanceIdent:  ident,
			ServiceVersion: instance.serviceVersion,
			RunState:       instance.runState,
			ExitCode:       instance.exitCode,
			Error:          model.ErrorInfoFromErr(instance.err),
		})
	}

	l.mu.Unlock()

	l.statusSender.SendInstanceStatus(statuses)
}

// runTasks executes count tasks on the bounded worker pool and waits for
// completion.
func (l *Launcher) runTasks(count int, task func(i int)) {
	if count == 0 {
		return
	}

	sem := make(chan struct{}, l.workers)
	var wg sync.WaitGroup

	for i := 0; i < count; i++ {
		wg.Add(1)
		sem <- struct{}{}

		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			task(i)
		}(i)
	}

	wg.Wait()
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
