package networkmanager

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"go_service_manager/logger"
	"go_service_manager/model"
)

const (
	netnsDir        = "/run/netns"
	netnsNamePrefix = "aos-"
	firewallChain   = "AOS_FIREWALL"
)

// LeaseStorage persists address assignments.
type LeaseStorage interface {
	AddNetworkLease(lease model.NetworkLease) error
	RemoveNetworkLease(networkID, instanceID string) error
	GetNetworkLeases() ([]model.NetworkLease, error)
}

// Netns abstracts namespace creation so tests can run without privileges.
type Netns interface {
	Create(name string) (string, error)
	Remove(name string) error
}

// NetworkManager owns per-instance network namespaces, address allocation,
// firewall rules and DNS/hosts files.
type NetworkManager struct {
	mu sync.Mutex

	storage  LeaseStorage
	cni      CNI
	netns    Netns
	iptables IPTables
	traffic  *TrafficMonitor
	hostsDir string

	// networkID -> instanceID -> ip
	leases map[string]map[string]string
	// networkID -> provider subnet
	networks map[string]string
	// instanceID -> applied firewall rule specs
	firewallRules map[string][][]string
}

// New creates the network manager and restores leases from storage.
func New(storage LeaseStorage, cni CNI, ns Netns, ipt IPTables, traffic *TrafficMonitor,
	workingDir string) (*NetworkManager, error) {
	nm := &NetworkManager{
		storage:       storage,
		cni:           cni,
		netns:         ns,
		iptables:      ipt,
		traffic:       traffic,
		hostsDir:      filepath.Join(workingDir, "network"),
		leases:        make(map[string]map[string]string),
		networks:      make(map[string]string),
		firewallRules: make(map[string][][]string),
	}

	if err := os.MkdirAll(nm.hostsDir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating network dir: %w", err)
	}

	leases, err := storage.GetNetworkLeases()
	if err != nil {
		return nil, err
	}

	for _, lease := range leases {
		if nm.leases[lease.NetworkID] == nil {
			nm.leases[lease.NetworkID] = make(map[string]string)
		}
		nm.leases[lease.NetworkID][lease.InstanceID] = lease.IP
	}

	if err := ipt.NewChain("filter", firewallChain); err != nil {
		logger.InfoLogger().Printf("Firewall chain exists: %v", err)
	}

	return nm, nil
}

// TrafficMonitor returns the owned traffic monitor.
func (nm *NetworkManager) TrafficMonitor() *TrafficMonitor {
	return nm.traffic
}

// UpdateNetworks registers provider networks. Instances whose parameters
// omit a subnet draw addresses from the registered network subnet.
func (nm *NetworkManager) UpdateNetworks(networks []model.NetworkParameters) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	for _, network := range networks {
		if _, _, err := net.ParseCIDR(network.Subnet); err != nil {
			return model.Errorf(model.ErrInvalidArgument, "invalid subnet %s: %v", network.Subnet, err)
		}

		nm.networks[network.NetworkID] = network.Subnet
	}

	return nil
}

// GetInstanceIP returns the leased address of the instance in the network.
func (nm *NetworkManager) GetInstanceIP(instanceID, networkID string) (string, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if ip, ok := nm.leases[networkID][instanceID]; ok {
		return ip, nil
	}

	return "", model.Errorf(model.ErrNotFound, "no lease for instance %s in network %s", instanceID, networkID)
}

// AddInstanceToNetwork creates the instance namespace, allocates an
// address, attaches the CNI interface and programs firewall, DNS and hosts.
// Re-adding an attached instance returns its existing lease.
func (nm *NetworkManager) AddInstanceToNetwork(ctx context.Context, instanceID string,
	params model.NetworkParameters) (string, error) {
	logger.InfoLogger().Printf("Adding instance to network: instanceID=%s, networkID=%s",
		instanceID, params.NetworkID)

	ip, err := nm.allocateIP(instanceID, params)
	if err != nil {
		return "", err
	}

	netnsPath, err := nm.netns.Create(netnsNamePrefix + instanceID)
	if err != nil {
		return "", model.Errorf(model.ErrFailed, "error creating netns: %v", err)
	}

	prefixLen := subnetPrefixLen(params.Subnet)

	cniConfig := CNIConfig{
		NetworkID:  params.NetworkID,
		InstanceID: instanceID,
		NetnsPath:  netnsPath,
		IP:         fmt.Sprintf("%s/%d", ip, prefixLen),
		Subnet:     params.Subnet,
		VlanID:     params.VlanID,
	}

	if err = nm.cni.AddNetwork(ctx, cniConfig); err != nil {
		nm.releaseLease(instanceID, params.NetworkID)
		nm.netns.Remove(netnsNamePrefix + instanceID)
		return "", model.Errorf(model.ErrFailed, "error attaching CNI: %v", err)
	}

	if err = nm.applyFirewallRules(instanceID, ip, params.FirewallRules); err != nil {
		return "", err
	}

	if err = nm.writeResolveFiles(instanceID, ip, params); err != nil {
		return "", err
	}

	if err = nm.traffic.StartInstanceMonitoring(instanceID, ip,
		params.DownloadLimit, params.UploadLimit); err != nil {
		return "", err
	}

	return ip, nil
}

// RemoveInstanceFromNetwork tears the attachment down. Idempotent.
func (nm *NetworkManager) RemoveInstanceFromNetwork(ctx context.Context, instanceID, networkID string) error {
	logger.InfoLogger().Printf("Removing instance from network: instanceID=%s, networkID=%s",
		instanceID, networkID)

	nm.mu.Lock()
	ip, attached := nm.leases[networkID][instanceID]
	nm.mu.Unlock()

	if !attached {
		return nil
	}

	if err := nm.traffic.StopInstanceMonitoring(instanceID); err != nil {
		logger.ErrorLogger().Printf("Error stopping traffic monitoring: %v", err)
	}

	nm.removeFirewallRules(instanceID, ip)

	cniConfig := CNIConfig{
		NetworkID:  networkID,
		InstanceID: instanceID,
		NetnsPath:  filepath.Join(netnsDir, netnsNamePrefix+instanceID),
		IP:         ip,
	}

	if err := nm.cni.RemoveNetwork(ctx, cniConfig); err != nil {
		logger.ErrorLogger().Printf("Error removing CNI network: %v", err)
	}

	if err := nm.netns.Remove(netnsNamePrefix + instanceID); err != nil {
		logger.ErrorLogger().Printf("Error removing netns: %v", err)
	}

	os.RemoveAll(filepath.Join(nm.hostsDir, instanceID))

	nm.releaseLease(instanceID, networkID)

	if err := nm.storage.RemoveNetworkLease(networkID, instanceID); err != nil &&
		!model.IsErrorCode(err, model.ErrNotFound) {
		return err
	}

	return nil
}

// GetNetnsPath returns the namespace path of an instance.
func (nm *NetworkManager) GetNetnsPath(instanceID string) string {
	return filepath.Join(netnsDir, netnsNamePrefix+instanceID)
}

// ResolveConfPath returns the per-instance resolv.conf location.
func (nm *NetworkManager) ResolveConfPath(instanceID string) string {
	return filepath.Join(nm.hostsDir, instanceID, "resolv.conf")
}

// HostsPath returns the per-instance hosts file location.
func (nm *NetworkManager) HostsPath(instanceID string) string {
	return filepath.Join(nm.hostsDir, instanceID, "hosts")
}

// allocateIP returns the existing lease or draws the next free address
// from the pool subnet, excluding the gateway and allocated addresses.
func (nm *NetworkManager) allocateIP(instanceID string, params model.NetworkParameters) (string, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if nm.leases[params.NetworkID] == nil {
		nm.leases[params.NetworkID] = make(map[string]string)
	}

	if ip, ok := nm.leases[params.NetworkID][instanceID]; ok {
		return ip, nil
	}

	subnetCIDR := params.Subnet
	if subnetCIDR == "" {
		subnetCIDR = nm.networks[params.NetworkID]
	}

	_, subnet, err := net.ParseCIDR(subnetCIDR)
	if err != nil {
		return "", model.Errorf(model.ErrInvalidArgument, "invalid subnet %s: %v", subnetCIDR, err)
	}

	allocated := make(map[string]bool)
	for _, ip := range nm.leases[params.NetworkID] {
		allocated[ip] = true
	}

	base := binary.BigEndian.Uint32(subnet.IP.To4())
	ones, bits := subnet.Mask.Size()
	hostCount := uint32(1) << uint(bits-ones)

	// Skip network address and gateway (first host).
	for offset := uint32(2); offset < hostCount-1; offset++ {
		candidate := make(net.IP, 4)
		binary.BigEndian.PutUint32(candidate, base+offset)
		ip := candidate.String()

		if allocated[ip] {
			continue
		}

		nm.leases[params.NetworkID][instanceID] = ip

		if err := nm.storage.AddNetworkLease(model.NetworkLease{
			NetworkID:  params.NetworkID,
			InstanceID: instanceID,
			IP:         ip,
			VlanID:     params.VlanID,
		}); err != nil {
			delete(nm.leases[params.NetworkID], instanceID)
			return "", err
		}

		return ip, nil
	}

	return "", model.Errorf(model.ErrNoSpace, "subnet %s exhausted", params.Subnet)
}

func (nm *NetworkManager) releaseLease(instanceID, networkID string) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	delete(nm.leases[networkID], instanceID)
}

func (nm *NetworkManager) applyFirewallRules(instanceID, ip string, rules []model.FirewallRule) error {
	var applied [][]string

	for _, rule := range rules {
		spec := firewallRuleSpec(ip, rule)

		if err := nm.iptables.Insert("filter", firewallChain, 1, spec...); err != nil {
			return model.Errorf(model.ErrFailed, "error adding firewall rule: %v", err)
		}

		applied = append(applied, spec)
	}

	nm.mu.Lock()
	nm.firewallRules[instanceID] = applied
	nm.mu.Unlock()

	return nil
}

func (nm *NetworkManager) removeFirewallRules(instanceID, ip string) {
	nm.mu.Lock()
	applied := nm.firewallRules[instanceID]
	delete(nm.firewallRules, instanceID)
	nm.mu.Unlock()

	for _, spec := range applied {
		if err := nm.iptables.Delete("filter", firewallChain, spec...); err != nil {
			logger.ErrorLogger().Printf("Can't delete firewall rule: %v", err)
		}
	}
}

func firewallRuleSpec(instanceIP string, rule model.FirewallRule) []string {
	spec := []string{}

	srcIP := rule.SrcIP
	if srcIP == "" {
		srcIP = instanceIP
	}

	spec = append(spec, "-s", srcIP)

	if rule.DstIP != "" {
		spec = append(spec, "-d", rule.DstIP)
	}

	if rule.Proto != "" {
		spec = append(spec, "-p", rule.Proto)

		if rule.DstPort != "" {
			spec = append(spec, "--dport", rule.DstPort)
		}
	}

	return append(spec, "-j", "ACCEPT")
}

func (nm *NetworkManager) writeResolveFiles(instanceID, ip string, params model.NetworkParameters) error {
	dir := filepath.Join(nm.hostsDir, instanceID)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating instance network dir: %w", err)
	}

	var resolv strings.Builder
	for _, server := range params.DNSServers {
		fmt.Fprintf(&resolv, "nameserver %s\n", server)
	}

	if err := os.WriteFile(filepath.Join(dir, "resolv.conf"), []byte(resolv.String()), 0o644); err != nil {
		return fmt.Errorf("error writing resolv.conf: %w", err)
	}

	var hosts strings.Builder
	hosts.WriteString("127.0.0.1\tlocalhost\n")
	fmt.Fprintf(&hosts, "%s\t%s\n", ip, instanceID)
	for _, host := range params.Hosts {
		fmt.Fprintf(&hosts, "%s\t%s\n", host.IP, host.Hostname)
	}

	if err := os.WriteFile(filepath.Join(dir, "hosts"), []byte(hosts.String()), 0o644); err != nil {
		return fmt.Errorf("error writing hosts: %w", err)
	}

	return nil
}

func subnetPrefixLen(subnet string) int {
	_, parsed, err := net.ParseCIDR(subnet)
	if err != nil {
		return 24
	}

	ones, _ := parsed.Mask.Size()

	return ones
}

// hostNetns is the production namespace adapter.
type hostNetns struct{}

// NewHostNetns creates the production namespace adapter.
func NewHostNetns() Netns {
	return hostNetns{}
}

func (hostNetns) Create(name string) (string, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return "", err
	}
	defer origin.Close()

	// NewNamed switches the calling thread into the new namespace.
	handle, err := netns.NewNamed(name)
	if err != nil {
		return "", err
	}
	defer handle.Close()

	if link, err := netlink.LinkByName("lo"); err == nil {
		if err := netlink.LinkSetUp(link); err != nil {
			logger.ErrorLogger().Printf("Can't bring loopback up: %v", err)
		}
	}

	if err = netns.Set(origin); err != nil {
		return "", err
	}

	return filepath.Join(netnsDir, name), nil
}

func (hostNetns) Remove(name string) error {
	return netns.DeleteNamed(name)
}
