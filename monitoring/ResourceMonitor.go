package monitoring

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"
	"github.com/struCoder/pidusage"

	"go_service_manager/logger"
	"go_service_manager/model"
	"go_service_manager/resourcemanager"
)

// Monitored parameter names used in quota alerts.
const (
	ParameterCPU      = "cpu"
	ParameterRAM      = "ram"
	ParameterDisk     = "disk"
	ParameterDownload = "download"
	ParameterUpload   = "upload"
)

// Config configures the resource monitor.
type Config struct {
	PollPeriod    time.Duration
	AverageWindow time.Duration
	Partitions    []resourcemanager.Partition
}

// InstanceProvider lists started instances to sample.
type InstanceProvider interface {
	RunningInstances() []model.InstanceIdent
}

// PIDProvider resolves an instance to its unit main PID.
type PIDProvider interface {
	InstancePID(instanceID string) (int32, error)
}

// TrafficProvider supplies byte counters from the traffic monitor.
type TrafficProvider interface {
	GetSystemTraffic() (inputTraffic, outputTraffic uint64, err error)
	GetInstanceTraffic(instanceID string) (inputTraffic, outputTraffic uint64, err error)
}

// MonitoringSender forwards raw samples to the SM client.
type MonitoringSender interface {
	SendMonitoringData(data model.NodeMonitoringData)
}

// SystemSampler reads node level usage. The production sampler uses
// gopsutil; tests substitute fixed values.
type SystemSampler interface {
	CPUPercent() (float64, error)
	RAMUsed() (uint64, error)
	DiskUsed(path string) (uint64, error)
	InstanceUsage(pid int32) (cpuPercent float64, ramBytes uint64, err error)
}

// ResourceMonitor periodically samples CPU, RAM, disk and network usage,
// applies a moving average and raises quota alerts.
type ResourceMonitor struct {
	mu sync.Mutex

	cfg              Config
	alertRules       resourcemanager.AlertRules
	sampler          SystemSampler
	instanceProvider InstanceProvider
	pidProvider      PIDProvider
	traffic          TrafficProvider
	alertSender      model.AlertSender
	sender           MonitoringSender

	windowLen      int
	nodeAverages   map[string]*movingAverage
	nodeAlerts     map[string]*alertProcessor
	instanceStates map[model.InstanceIdent]*instanceState

	stopChan chan struct{}
	stopOnce sync.Once
}

type instanceState struct {
	averages map[string]*movingAverage
	alerts   map[string]*alertProcessor
}

// New creates the resource monitor.
func New(cfg Config, alertRules resourcemanager.AlertRules, sampler SystemSampler,
	instanceProvider InstanceProvider, pidProvider PIDProvider, traffic TrafficProvider,
	alertSender model.AlertSender, sender MonitoringSender) *ResourceMonitor {
	windowLen := 1
	if cfg.PollPeriod > 0 {
		if n := int(cfg.AverageWindow / cfg.PollPeriod); n > 1 {
			windowLen = n
		}
	}

	if sampler == nil {
		sampler = gopsutilSampler{}
	}

	return &ResourceMonitor{
		cfg:              cfg,
		alertRules:       alertRules,
		sampler:          sampler,
		instanceProvider: instanceProvider,
		pidProvider:      pidProvider,
		traffic:          traffic,
		alertSender:      alertSender,
		sender:           sender,
		windowLen:        windowLen,
		nodeAverages:     make(map[string]*movingAverage),
		nodeAlerts:       make(map[string]*alertProcessor),
		instanceStates:   make(map[model.InstanceIdent]*instanceState),
		stopChan:         make(chan struct{}),
	}
}

// Start launches the sampling thread.
func (m *ResourceMonitor) Start() {
	go m.pollRoutine()
}

// Stop terminates the sampling thread.
func (m *ResourceMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

// Poll takes one sample immediately. Exposed for tests and for the
// getNodeMonitoring request.
func (m *ResourceMonitor) Poll() model.NodeMonitoringData {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sampleLocked()
}

func (m *ResourceMonitor) pollRoutine() {
	ticker := time.NewTicker(m.cfg.PollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return

		case <-ticker.C:
			m.mu.Lock()
			data := m.sampleLocked()
			m.mu.Unlock()

			if m.sender != nil {
				m.sender.SendMonitoringData(data)
			}
		}
	}
}

func (m *ResourceMonitor) sampleLocked() model.NodeMonitoringData {
	now := time.Now()

	data := model.NodeMonitoringData{
		NodeData: model.MonitoringData{Timestamp: now},
	}

	if cpuPercent, err := m.sampler.CPUPercent(); err == nil {
		data.NodeData.CPU = m.average(ParameterCPU, cpuPercent)
	} else {
		logger.ErrorLogger().Printf("Can't sample CPU: %v", err)
	}

	if ramUsed, err := m.sampler.RAMUsed(); err == nil {
		data.NodeData.RAM = uint64(m.average(ParameterRAM, float64(ramUsed)))
	} else {
		logger.ErrorLogger().Printf("Can't sample RAM: %v", err)
	}

	for _, partition := range m.cfg.Partitions {
		used, err := m.sampler.DiskUsed(partition.Path)
		if err != nil {
			logger.ErrorLogger().Printf("Can't sample disk %s: %v", partition.Path, err)
			continue
		}

		data.NodeData.Disk = append(data.NodeData.Disk, model.PartitionUsage{
			Name:     partition.Name,
			UsedSize: uint64(m.average(ParameterDisk+"/"+partition.Name, float64(used))),
		})
	}

	if m.traffic != nil {
		if in, out, err := m.traffic.GetSystemTraffic(); err == nil {
			data.NodeData.Download = in
			data.NodeData.Upload = out
		}
	}

	m.processNodeAlerts(now, data.NodeData)

	data.Instances = m.sampleInstancesLocked(now)

	return data
}

func (m *ResourceMonitor) sampleInstancesLocked(now time.Time) []model.InstanceMonitoringData {
	if m.instanceProvider == nil {
		return nil
	}

	idents := m.instanceProvider.RunningInstances()
	running := make(map[model.InstanceIdent]bool, len(idents))

	var samples []model.InstanceMonitoringData

	for _, ident := range idents {
		running[ident] = true

		state, ok := m.instanceStates[ident]
		if !ok {
			state = &instanceState{
				averages: make(map[string]*movingAverage),
				alerts:   make(map[string]*alertProcessor),
			}
			m.instanceStates[ident] = state
		}

		sample := model.InstanceMonitoringData{
			InstanceIdent:  ident,
			MonitoringData: model.MonitoringData{Timestamp: now},
		}

		if m.pidProvider != nil {
			if pid, err := m.pidProvider.InstancePID(ident.InstanceID()); err == nil && pid > 0 {
				if cpuPercent, ramBytes, err := m.sampler.InstanceUsage(pid); err == nil {
					sample.CPU = state.average(ParameterCPU, m.windowLen, cpuPercent)
					sample.RAM = uint64(state.average(ParameterRAM, m.windowLen, float64(ramBytes)))
				}
			}
		}

		if m.traffic != nil {
			if in, out, err := m.traffic.GetInstanceTraffic(ident.InstanceID()); err == nil {
				sample.Download = in
				sample.Upload = out
			}
		}

		m.processInstanceAlerts(now, ident, state, sample)

		samples = append(samples, sample)
	}

	for ident := range m.instanceStates {
		if !running[ident] {
			delete(m.instanceStates, ident)
		}
	}

	return samples
}

func (m *ResourceMonitor) average(parameter string, value float64) float64 {
	avg, ok := m.nodeAverages[parameter]
	if !ok {
		avg = newMovingAverage(m.windowLen)
		m.nodeAverages[parameter] = avg
	}

	return avg.add(value)
}

func (s *instanceState) average(parameter string, windowLen int, value float64) float64 {
	avg, ok := s.averages[parameter]
	if !ok {
		avg = newMovingAverage(windowLen)
		s.averages[parameter] = avg
	}

	return avg.add(value)
}

func (m *ResourceMonitor) processNodeAlerts(now time.Time, data model.MonitoringData) {
	for parameter, rule := range quotaRules(m.alertRules) {
		value := nodeParameterValue(parameter, data)

		processor, ok := m.nodeAlerts[parameter]
		if !ok {
			processor = &alertProcessor{}
			m.nodeAlerts[parameter] = processor
		}

		if status, fire := processor.process(value, rule); fire && m.alertSender != nil {
			m.alertSender.SendAlert(model.SystemQuotaAlert{
				AlertHeader: model.AlertHeader{Timestamp: now},
				Parameter:   parameter,
				Value:       value,
				Status:      status,
			})
		}
	}
}

func (m *ResourceMonitor) processInstanceAlerts(now time.Time, ident model.InstanceIdent,
	state *instanceState, data model.InstanceMonitoringData) {
	for parameter, rule := range quotaRules(m.alertRules) {
		value := nodeParameterValue(parameter, data.MonitoringData)

		processor, ok := state.alerts[parameter]
		if !ok {
			processor = &alertProcessor{}
			state.alerts[parameter] = processor
		}

		if status, fire := processor.process(value, rule); fire && m.alertSender != nil {
			m.alertSender.SendAlert(model.InstanceQuotaAlert{
				AlertHeader:   model.AlertHeader{Timestamp: now},
				InstanceIdent: ident,
				Parameter:     parameter,
				Value:         value,
				Status:        status,
			})
		}
	}
}

func quotaRules(rules resourcemanager.AlertRules) map[string]resourcemanager.QuotaRule {
	result := make(map[string]resourcemanager.QuotaRule)

	if rules.CPU != nil {
		result[ParameterCPU] = *rules.CPU
	}
	if rules.RAM != nil {
		result[ParameterRAM] = *rules.RAM
	}
	if rules.Download != nil {
		result[ParameterDownload] = *rules.Download
	}
	if rules.Upload != nil {
		result[ParameterUpload] = *rules.Upload
	}

	return result
}

func nodeParameterValue(parameter string, data model.MonitoringData) uint64 {
	switch parameter {
	case ParameterCPU:
		return uint64(data.CPU)
	case ParameterRAM:
		return data.RAM
	case ParameterDownload:
		return data.Download
	case ParameterUpload:
		return data.Upload
	}

	return 0
}

/***********************************************************************************************************************
 * Moving average
 **********************************************************************************************************************/

type movingAverage struct {
	window []float64
	next   int
	filled int
	sum    float64
}

func newMovingAverage(windowLen int) *movingAverage {
	return &movingAverage{window: make([]float64, windowLen)}
}

func (a *movingAverage) add(value float64) float64 {
	if a.filled == len(a.window) {
		a.sum -= a.window[a.next]
	} else {
		a.filled++
	}

	a.window[a.next] = value
	a.sum += value
	a.next = (a.next + 1) % len(a.window)

	return a.sum / float64(a.filled)
}

/***********************************************************************************************************************
 * Alert processor
 **********************************************************************************************************************/

// alertProcessor is the quota alert state machine:
// noAlert -> raise on crossing the high threshold, raise -> continue each
// period it stays above, raise|continue -> fall on the first sample below
// the hysteresis threshold.
type alertProcessor struct {
	raised bool
}

func (p *alertProcessor) process(value uint64, rule resourcemanager.QuotaRule) (string, bool) {
	low := rule.Low
	if low == 0 {
		low = rule.High
	}

	if !p.raised {
		if value >= rule.High {
			p.raised = true
			return model.AlertStatusRaise, true
		}
		return "", false
	}

	if value < low {
		p.raised = false
		return model.AlertStatusFall, true
	}

	if value >= rule.High {
		return model.AlertStatusContinue, true
	}

	return "", false
}

/***********************************************************************************************************************
 * Production sampler
 **********************************************************************************************************************/

type gopsutilSampler struct{}

func (gopsutilSampler) CPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

func (gopsutilSampler) RAMUsed() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Used, nil
}

func (gopsutilSampler) DiskUsed(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Used, nil
}

func (gopsutilSampler) InstanceUsage(pid int32) (float64, uint64, error) {
	stat, err := pidusage.GetStat(int(pid))
	if err != nil {
		return 0, 0, err
	}
	return stat.CPU, uint64(stat.Memory), nil
}
