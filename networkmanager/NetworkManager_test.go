package networkmanager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gotest.tools/assert"

	"go_service_manager/model"
)

/***********************************************************************************************************************
 * Fakes
 **********************************************************************************************************************/

type fakeLeaseStorage struct {
	mu     sync.Mutex
	leases map[string]model.NetworkLease
}

func newFakeLeaseStorage() *fakeLeaseStorage {
	return &fakeLeaseStorage{leases: make(map[string]model.NetworkLease)}
}

func (s *fakeLeaseStorage) AddNetworkLease(lease model.NetworkLease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[lease.NetworkID+"/"+lease.InstanceID] = lease
	return nil
}

func (s *fakeLeaseStorage) RemoveNetworkLease(networkID, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, networkID+"/"+instanceID)
	return nil
}

func (s *fakeLeaseStorage) GetNetworkLeases() ([]model.NetworkLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var leases []model.NetworkLease
	for _, lease := range s.leases {
		leases = append(leases, lease)
	}
	return leases, nil
}

type fakeCNI struct {
	mu      sync.Mutex
	added   []CNIConfig
	removed []CNIConfig
}

func (c *fakeCNI) AddNetwork(ctx context.Context, config CNIConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added = append(c.added, config)
	return nil
}

func (c *fakeCNI) RemoveNetwork(ctx context.Context, config CNIConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, config)
	return nil
}

type fakeNetns struct {
	mu      sync.Mutex
	created []string
}

func (n *fakeNetns) Create(name string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, name)
	return "/run/netns/" + name, nil
}

func (n *fakeNetns) Remove(name string) error { return nil }

// fakeIPTables records chains and rules; Stats returns configured counters.
type fakeIPTables struct {
	mu     sync.Mutex
	chains map[string][][]string
	bytes  map[string]uint64
}

func newFakeIPTables() *fakeIPTables {
	return &fakeIPTables{
		chains: map[string][][]string{"INPUT": {}, "OUTPUT": {}, "FORWARD": {}},
		bytes:  make(map[string]uint64),
	}
}

func (f *fakeIPTables) setBytes(chain string, value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bytes[chain] = value
}

func (f *fakeIPTables) NewChain(table, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.chains[chain]; ok {
		return nil
	}
	f.chains[chain] = [][]string{}
	return nil
}

func (f *fakeIPTables) ClearChain(table, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chains[chain] = [][]string{}
	return nil
}

func (f *fakeIPTables) DeleteChain(table, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.chains, chain)
	return nil
}

func (f *fakeIPTables) Insert(table, chain string, pos int, rulespec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chains[chain] = append([][]string{rulespec}, f.chains[chain]...)
	return nil
}

func (f *fakeIPTables) AppendUnique(table, chain string, rulespec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chains[chain] = append(f.chains[chain], rulespec)
	return nil
}

func (f *fakeIPTables) Delete(table, chain string, rulespec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules := f.chains[chain]
	for i, rule := range rules {
		if strings.Join(rule, " ") == strings.Join(rulespec, " ") {
			f.chains[chain] = append(rules[:i], rules[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeIPTables) ListChains(table string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var chains []string
	for chain := range f.chains {
		chains = append(chains, chain)
	}
	return chains, nil
}

func (f *fakeIPTables) Stats(table, chain string) ([][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.chains[chain]; !ok {
		return nil, model.NewError(model.ErrNotFound, "chain not found")
	}
	return [][]string{{"0", "0"}, {"0", strings.TrimSpace(uintToString(f.bytes[chain]))}}, nil
}

func uintToString(value uint64) string {
	if value == 0 {
		return "0"
	}
	var digits []byte
	for value > 0 {
		digits = append([]byte{byte('0' + value%10)}, digits...)
		value /= 10
	}
	return string(digits)
}

type fakeTrafficStorage struct {
	mu   sync.Mutex
	data map[string]struct {
		time  time.Time
		value uint64
	}
}

func newFakeTrafficStorage() *fakeTrafficStorage {
	return &fakeTrafficStorage{data: make(map[string]struct {
		time  time.Time
		value uint64
	})}
}

func (s *fakeTrafficStorage) SetTrafficMonitorData(chain string, timestamp time.Time, value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[chain] = struct {
		time  time.Time
		value uint64
	}{timestamp, value}
	return nil
}

func (s *fakeTrafficStorage) GetTrafficMonitorData(chain string) (time.Time, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.data[chain]; ok {
		return entry.time, entry.value, nil
	}
	return time.Time{}, 0, model.NewError(model.ErrNotFound, "no data")
}

func (s *fakeTrafficStorage) RemoveTrafficMonitorData(chain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, chain)
	return nil
}

/***********************************************************************************************************************
 * Network manager tests
 **********************************************************************************************************************/

func newTestManager(t *testing.T) (*NetworkManager, *fakeCNI, *fakeNetns, *fakeIPTables) {
	t.Helper()

	ipt := newFakeIPTables()

	traffic, err := NewTrafficMonitor(newFakeTrafficStorage(), ipt, time.Hour)
	assert.NilError(t, err)

	cni := &fakeCNI{}
	ns := &fakeNetns{}

	nm, err := New(newFakeLeaseStorage(), cni, ns, ipt, traffic, t.TempDir())
	assert.NilError(t, err)

	return nm, cni, ns, ipt
}

func netParams() model.NetworkParameters {
	return model.NetworkParameters{
		NetworkID:  "net0",
		Subnet:     "10.0.0.0/24",
		DNSServers: []string{"10.0.0.1"},
		Hosts:      []model.Host{{IP: "10.0.0.100", Hostname: "cm.aos"}},
	}
}

func TestFirstAllocationSkipsGateway(t *testing.T) {
	nm, _, _, _ := newTestManager(t)

	ip, err := nm.AddInstanceToNetwork(context.Background(), "svc_sub_0", netParams())
	assert.NilError(t, err)
	assert.Equal(t, ip, "10.0.0.2")
}

func TestAllocationIsDeterministic(t *testing.T) {
	nm, _, _, _ := newTestManager(t)

	ip1, err := nm.AddInstanceToNetwork(context.Background(), "svc_sub_0", netParams())
	assert.NilError(t, err)

	ip2, err := nm.AddInstanceToNetwork(context.Background(), "svc_sub_0", netParams())
	assert.NilError(t, err)

	assert.Equal(t, ip1, ip2)
}

func TestAllocationsAreUnique(t *testing.T) {
	nm, _, _, _ := newTestManager(t)

	ip1, err := nm.AddInstanceToNetwork(context.Background(), "svc_sub_0", netParams())
	assert.NilError(t, err)

	ip2, err := nm.AddInstanceToNetwork(context.Background(), "svc_sub_1", netParams())
	assert.NilError(t, err)

	assert.Assert(t, ip1 != ip2)
}

func TestAttachWritesResolveFiles(t *testing.T) {
	nm, cni, ns, _ := newTestManager(t)

	_, err := nm.AddInstanceToNetwork(context.Background(), "svc_sub_0", netParams())
	assert.NilError(t, err)

	assert.Equal(t, len(cni.added), 1)
	assert.Equal(t, ns.created[0], "aos-svc_sub_0")

	resolv, err := os.ReadFile(nm.ResolveConfPath("svc_sub_0"))
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(string(resolv), "nameserver 10.0.0.1"))

	hosts, err := os.ReadFile(nm.HostsPath("svc_sub_0"))
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(string(hosts), "10.0.0.100\tcm.aos"))
}

func TestDetachIsIdempotent(t *testing.T) {
	nm, _, _, _ := newTestManager(t)

	_, err := nm.AddInstanceToNetwork(context.Background(), "svc_sub_0", netParams())
	assert.NilError(t, err)

	assert.NilError(t, nm.RemoveInstanceFromNetwork(context.Background(), "svc_sub_0", "net0"))
	assert.NilError(t, nm.RemoveInstanceFromNetwork(context.Background(), "svc_sub_0", "net0"))

	_, err = nm.GetInstanceIP("svc_sub_0", "net0")
	assert.Assert(t, model.IsErrorCode(err, model.ErrNotFound))

	_, err = os.Stat(filepath.Dir(nm.HostsPath("svc_sub_0")))
	assert.Assert(t, os.IsNotExist(err))
}

func TestFirewallRulesApplied(t *testing.T) {
	nm, _, _, ipt := newTestManager(t)

	params := netParams()
	params.FirewallRules = []model.FirewallRule{{DstIP: "10.0.1.5", DstPort: "443", Proto: "tcp"}}

	_, err := nm.AddInstanceToNetwork(context.Background(), "svc_sub_0", params)
	assert.NilError(t, err)

	ipt.mu.Lock()
	rules := ipt.chains[firewallChain]
	ipt.mu.Unlock()

	assert.Equal(t, len(rules), 1)
	assert.Assert(t, strings.Contains(strings.Join(rules[0], " "), "-d 10.0.1.5 -p tcp --dport 443"))
}

/***********************************************************************************************************************
 * Traffic monitor tests
 **********************************************************************************************************************/

func TestTrafficSystemChainsCreated(t *testing.T) {
	ipt := newFakeIPTables()

	tm, err := NewTrafficMonitor(newFakeTrafficStorage(), ipt, time.Hour)
	assert.NilError(t, err)

	ipt.mu.Lock()
	_, inOK := ipt.chains[inSystemChain]
	_, outOK := ipt.chains[outSystemChain]
	ipt.mu.Unlock()

	assert.Assert(t, inOK)
	assert.Assert(t, outOK)

	assert.NilError(t, tm.Stop())
}

func TestTrafficAccumulation(t *testing.T) {
	ipt := newFakeIPTables()
	storage := newFakeTrafficStorage()

	tm, err := NewTrafficMonitor(storage, ipt, time.Hour)
	assert.NilError(t, err)
	defer tm.Stop()

	assert.NilError(t, tm.StartInstanceMonitoring("svc_sub_0", "10.0.0.2", 0, 0))

	tm.mu.Lock()
	chains := tm.instances["svc_sub_0"]
	tm.mu.Unlock()

	ipt.setBytes(chains.inChain, 1000)
	ipt.setBytes(chains.outChain, 500)

	tm.mu.Lock()
	assert.NilError(t, tm.updateTrafficLocked())
	tm.mu.Unlock()

	in, out, err := tm.GetInstanceTraffic("svc_sub_0")
	assert.NilError(t, err)
	assert.Equal(t, in, uint64(1000))
	assert.Equal(t, out, uint64(500))
}

func TestTrafficPersistedAcrossRestart(t *testing.T) {
	ipt := newFakeIPTables()
	storage := newFakeTrafficStorage()

	storage.SetTrafficMonitorData(inSystemChain, time.Now(), 7777)

	tm, err := NewTrafficMonitor(storage, ipt, time.Hour)
	assert.NilError(t, err)
	defer tm.Stop()

	in, _, err := tm.GetSystemTraffic()
	assert.NilError(t, err)
	assert.Equal(t, in, uint64(7777))
}

func TestTrafficPeriodRollover(t *testing.T) {
	ipt := newFakeIPTables()

	tm, err := NewTrafficMonitor(newFakeTrafficStorage(), ipt, time.Hour)
	assert.NilError(t, err)
	defer tm.Stop()

	ipt.setBytes(inSystemChain, 100)

	tm.mu.Lock()
	// Pretend the last update happened in a previous billing period.
	tm.chains[inSystemChain].lastUpdate = time.Now().AddDate(0, 0, -1)
	tm.chains[inSystemChain].initialValue = 9999
	tm.chains[inSystemChain].currentValue = 9999
	assert.NilError(t, tm.updateTrafficLocked())
	tm.mu.Unlock()

	in, _, err := tm.GetSystemTraffic()
	assert.NilError(t, err)
	assert.Equal(t, in, uint64(0))
}

func TestStopInstanceMonitoringRemovesChains(t *testing.T) {
	ipt := newFakeIPTables()

	tm, err := NewTrafficMonitor(newFakeTrafficStorage(), ipt, time.Hour)
	assert.NilError(t, err)
	defer tm.Stop()

	assert.NilError(t, tm.StartInstanceMonitoring("svc_sub_0", "10.0.0.2", 0, 0))

	tm.mu.Lock()
	chains := tm.instances["svc_sub_0"]
	tm.mu.Unlock()

	assert.NilError(t, tm.StopInstanceMonitoring("svc_sub_0"))

	ipt.mu.Lock()
	_, ok := ipt.chains[chains.inChain]
	ipt.mu.Unlock()

	assert.Assert(t, !ok)

	// Stopping an unmonitored instance is fine.
	assert.NilError(t, tm.StopInstanceMonitoring("svc_sub_0"))
}
