package networkmanager

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"go_service_manager/logger"
	"go_service_manager/model"
)

const (
	inSystemChain  = "AOS_SYSTEM_IN"
	outSystemChain = "AOS_SYSTEM_OUT"
	chainPrefix    = "AOS_"

	defaultTrafficUpdatePeriod = time.Minute
)

// Traffic accounting periods.
type TrafficPeriod int

const (
	MinutePeriod TrafficPeriod = iota
	HourPeriod
	DayPeriod
	MonthPeriod
	YearPeriod
)

// IPTables is the subset of iptables operations the monitor uses. Satisfied
// by coreos/go-iptables.
type IPTables interface {
	NewChain(table, chain string) error
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
	Insert(table, chain string, pos int, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	ListChains(table string) ([]string, error)
	Stats(table, chain string) ([][]string, error)
}

// TrafficStorage persists last read counter values across restarts.
type TrafficStorage interface {
	SetTrafficMonitorData(chain string, timestamp time.Time, value uint64) error
	GetTrafficMonitorData(chain string) (time.Time, uint64, error)
	RemoveTrafficMonitorData(chain string) error
}

type trafficChain struct {
	chain        string
	parentChain  string
	addresses    string
	limit        uint64
	currentValue uint64
	initialValue uint64
	subValue     uint64
	lastUpdate   time.Time
	disabled     bool
}

type instanceChains struct {
	inChain  string
	outChain string
}

// TrafficMonitor attributes byte counts to instances with per-chain
// iptables counters.
type TrafficMonitor struct {
	mu sync.Mutex

	storage      TrafficStorage
	iptables     IPTables
	period       TrafficPeriod
	updatePeriod time.Duration
	chains       map[string]*trafficChain
	instances    map[string]instanceChains
	stopChan     chan struct{}
	stopOnce     sync.Once
}

// NewTrafficMonitor creates the monitor, removes stale AOS chains and
// installs the system in/out chains.
func NewTrafficMonitor(storage TrafficStorage, iptables IPTables,
	updatePeriod time.Duration) (*TrafficMonitor, error) {
	if updatePeriod == 0 {
		updatePeriod = defaultTrafficUpdatePeriod
	}

	tm := &TrafficMonitor{
		storage:      storage,
		iptables:     iptables,
		period:       DayPeriod,
		updatePeriod: updatePeriod,
		chains:       make(map[string]*trafficChain),
		instances:    make(map[string]instanceChains),
		stopChan:     make(chan struct{}),
	}

	if err := tm.deleteAllTrafficChains(); err != nil {
		return nil, err
	}

	if err := tm.createTrafficChain(inSystemChain, "INPUT", "0/0", 0); err != nil {
		return nil, err
	}

	if err := tm.createTrafficChain(outSystemChain, "OUTPUT", "0/0", 0); err != nil {
		return nil, err
	}

	return tm, nil
}

// Start launches the periodic counter update.
func (tm *TrafficMonitor) Start() {
	go tm.updateRoutine()
}

// Stop terminates the update loop and removes all AOS chains.
func (tm *TrafficMonitor) Stop() error {
	tm.stopOnce.Do(func() { close(tm.stopChan) })

	tm.mu.Lock()
	if err := tm.saveTrafficLocked(); err != nil {
		logger.ErrorLogger().Printf("Error saving traffic data: %v", err)
	}
	tm.mu.Unlock()

	return tm.deleteAllTrafficChains()
}

// SetPeriod sets the billing period granularity.
func (tm *TrafficMonitor) SetPeriod(period TrafficPeriod) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.period = period
}

// StartInstanceMonitoring installs the per-instance counter chains.
func (tm *TrafficMonitor) StartInstanceMonitoring(instanceID, ipAddress string,
	downloadLimit, uploadLimit uint64) error {
	if instanceID == "" || ipAddress == "" {
		return nil
	}

	tm.mu.Lock()
	if _, ok := tm.instances[instanceID]; ok {
		tm.mu.Unlock()
		return nil
	}
	tm.mu.Unlock()

	hash := fnv.New64a()
	hash.Write([]byte(instanceID))
	chainBase := fmt.Sprintf("%x", hash.Sum64())

	chains := instanceChains{
		inChain:  chainPrefix + chainBase + "_IN",
		outChain: chainPrefix + chainBase + "_OUT",
	}

	if err := tm.createTrafficChain(chains.inChain, "FORWARD", ipAddress, downloadLimit); err != nil {
		return err
	}

	if err := tm.createTrafficChain(chains.outChain, "FORWARD", ipAddress, uploadLimit); err != nil {
		return err
	}

	tm.mu.Lock()
	tm.instances[instanceID] = chains
	tm.mu.Unlock()

	return nil
}

// StopInstanceMonitoring removes the instance chains. Idempotent.
func (tm *TrafficMonitor) StopInstanceMonitoring(instanceID string) error {
	tm.mu.Lock()
	chains, ok := tm.instances[instanceID]
	tm.mu.Unlock()

	if !ok {
		return nil
	}

	if err := tm.deleteTrafficChain(chains.inChain, "FORWARD"); err != nil {
		logger.ErrorLogger().Printf("Can't delete chain: %v", err)
	}

	if err := tm.deleteTrafficChain(chains.outChain, "FORWARD"); err != nil {
		logger.ErrorLogger().Printf("Can't delete chain: %v", err)
	}

	tm.mu.Lock()
	delete(tm.instances, instanceID)
	tm.mu.Unlock()

	return nil
}

// GetSystemTraffic returns accumulated system in/out byte counts.
func (tm *TrafficMonitor) GetSystemTraffic() (inputTraffic, outputTraffic uint64, err error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	return tm.trafficData(inSystemChain, outSystemChain)
}

// GetInstanceTraffic returns accumulated instance in/out byte counts.
func (tm *TrafficMonitor) GetInstanceTraffic(instanceID string) (inputTraffic, outputTraffic uint64, err error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	chains, ok := tm.instances[instanceID]
	if !ok {
		return 0, 0, model.Errorf(model.ErrNotFound, "instance %s is not monitored", instanceID)
	}

	return tm.trafficData(chains.inChain, chains.outChain)
}

func (tm *TrafficMonitor) trafficData(inChain, outChain string) (uint64, uint64, error) {
	in, okIn := tm.chains[inChain]
	out, okOut := tm.chains[outChain]

	if !okIn || !okOut {
		return 0, 0, model.NewError(model.ErrNotFound, "traffic chain not found")
	}

	return in.currentValue, out.currentValue, nil
}

func (tm *TrafficMonitor) updateRoutine() {
	ticker := time.NewTicker(tm.updatePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-tm.stopChan:
			return

		case <-ticker.C:
			tm.mu.Lock()
			if err := tm.updateTrafficLocked(); err != nil {
				logger.ErrorLogger().Printf("Can't update traffic data: %v", err)
			}
			if err := tm.saveTrafficLocked(); err != nil {
				logger.ErrorLogger().Printf("Can't save traffic data: %v", err)
			}
			tm.mu.Unlock()
		}
	}
}

func (tm *TrafficMonitor) updateTrafficLocked() error {
	now := time.Now()

	for name, chain := range tm.chains {
		value, err := tm.chainBytes(name)
		if err != nil {
			logger.ErrorLogger().Printf("Can't read chain counter: chain=%s, err=%v", name, err)
			continue
		}

		if !samePeriod(tm.period, chain.lastUpdate, now) {
			// Billing period rollover: counters restart from zero.
			chain.initialValue = 0
			chain.subValue = value
		}

		chain.currentValue = chain.initialValue + value - chain.subValue
		chain.lastUpdate = now

		if chain.limit != 0 && chain.currentValue > chain.limit && !chain.disabled {
			logger.InfoLogger().Printf("Traffic limit exceeded: chain=%s, value=%d", name, chain.currentValue)

			if err := tm.setChainState(name, chain, false); err != nil {
				logger.ErrorLogger().Printf("Can't disable chain: %v", err)
			}
		}
	}

	return nil
}

func (tm *TrafficMonitor) saveTrafficLocked() error {
	for name, chain := range tm.chains {
		if err := tm.storage.SetTrafficMonitorData(name, chain.lastUpdate, chain.currentValue); err != nil {
			return err
		}
	}

	return nil
}

// chainBytes sums the byte counters of all rules in the chain.
func (tm *TrafficMonitor) chainBytes(chain string) (uint64, error) {
	stats, err := tm.iptables.Stats("filter", chain)
	if err != nil {
		return 0, fmt.Errorf("error reading chain stats: %w", err)
	}

	var total uint64

	for _, row := range stats {
		if len(row) < 2 {
			continue
		}

		bytes, err := strconv.ParseUint(row[1], 10, 64)
		if err != nil {
			continue
		}

		total += bytes
	}

	return total, nil
}

func (tm *TrafficMonitor) createTrafficChain(chain, parentChain, addresses string, limit uint64) error {
	if err := tm.iptables.NewChain("filter", chain); err != nil {
		return fmt.Errorf("error creating chain %s: %w", chain, err)
	}

	if err := tm.iptables.Insert("filter", parentChain, 1, tm.jumpRule(parentChain, addresses, chain)...); err != nil {
		return fmt.Errorf("error linking chain %s: %w", chain, err)
	}

	if err := tm.iptables.Insert("filter", chain, 1); err != nil {
		return fmt.Errorf("error adding counter rule to %s: %w", chain, err)
	}

	data := &trafficChain{
		chain:       chain,
		parentChain: parentChain,
		addresses:   addresses,
		limit:       limit,
		lastUpdate:  time.Now(),
	}

	// Restore persisted counters so accounting survives iptables reloads.
	timestamp, value, err := tm.storage.GetTrafficMonitorData(chain)
	if err == nil && samePeriod(tm.period, timestamp, time.Now()) {
		data.initialValue = value
		data.currentValue = value
		data.lastUpdate = timestamp
	}

	tm.mu.Lock()
	tm.chains[chain] = data
	tm.mu.Unlock()

	return nil
}

func (tm *TrafficMonitor) jumpRule(parentChain, addresses, chain string) []string {
	switch parentChain {
	case "INPUT":
		return []string{"-j", chain}
	case "OUTPUT":
		return []string{"-j", chain}
	default:
		if strings.HasSuffix(chain, "_IN") {
			return []string{"-d", addresses, "-j", chain}
		}
		return []string{"-s", addresses, "-j", chain}
	}
}

func (tm *TrafficMonitor) setChainState(name string, chain *trafficChain, enabled bool) error {
	chain.disabled = !enabled

	if enabled {
		return tm.iptables.Delete("filter", name, "-j", "DROP")
	}

	if err := tm.iptables.Insert("filter", name, 1, "-j", "DROP"); err != nil {
		return fmt.Errorf("error disabling chain %s: %w", name, err)
	}

	return nil
}

func (tm *TrafficMonitor) deleteTrafficChain(chain, parentChain string) error {
	tm.mu.Lock()
	data, ok := tm.chains[chain]
	if ok {
		if err := tm.storage.SetTrafficMonitorData(chain, data.lastUpdate, data.currentValue); err != nil {
			logger.ErrorLogger().Printf("Can't save chain data: %v", err)
		}
		delete(tm.chains, chain)
	}
	tm.mu.Unlock()

	addresses := "0/0"
	if data != nil {
		addresses = data.addresses
	}

	if err := tm.iptables.Delete("filter", parentChain, tm.jumpRule(parentChain, addresses, chain)...); err != nil {
		logger.ErrorLogger().Printf("Can't unlink chain %s: %v", chain, err)
	}

	if err := tm.iptables.ClearChain("filter", chain); err != nil {
		return fmt.Errorf("error clearing chain %s: %w", chain, err)
	}

	if err := tm.iptables.DeleteChain("filter", chain); err != nil {
		return fmt.Errorf("error deleting chain %s: %w", chain, err)
	}

	return nil
}

func (tm *TrafficMonitor) deleteAllTrafficChains() error {
	chains, err := tm.iptables.ListChains("filter")
	if err != nil {
		return fmt.Errorf("error listing chains: %w", err)
	}

	for _, chain := range chains {
		if !strings.HasPrefix(chain, chainPrefix) {
			continue
		}

		parent := "FORWARD"
		switch chain {
		case inSystemChain:
			parent = "INPUT"
		case outSystemChain:
			parent = "OUTPUT"
		}

		if err := tm.deleteTrafficChain(chain, parent); err != nil {
			logger.ErrorLogger().Printf("Can't delete chain %s: %v", chain, err)
		}
	}

	return nil
}

func samePeriod(period TrafficPeriod, t1, t2 time.Time) bool {
	y1, m1, d1 := t1.Date()
	y2, m2, d2 := t2.Date()

	switch period {
	case MinutePeriod:
		return y1 == y2 && m1 == m2 && d1 == d2 && t1.Hour() == t2.Hour() && t1.Minute() == t2.Minute()
	case HourPeriod:
		return y1 == y2 && m1 == m2 && d1 == d2 && t1.Hour() == t2.Hour()
	case DayPeriod:
		return y1 == y2 && m1 == m2 && d1 == d2
	case MonthPeriod:
		return y1 == y2 && m1 == m2
	case YearPeriod:
		return y1 == y2
	}

	return false
}
