package model

// FirewallRule permits one flow for an instance.
type FirewallRule struct {
	SrcIP   string `json:"srcIp"`
	DstIP   string `json:"dstIp"`
	DstPort string `json:"dstPort"`
	Proto   string `json:"proto"`
}

// Host is a static hosts file entry.
type Host struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
}

// NetworkParameters describe the desired network attachment of an instance.
type NetworkParameters struct {
	NetworkID     string         `json:"networkId"`
	Subnet        string         `json:"subnet"`
	IP            string         `json:"ip,omitempty"`
	VlanID        uint64         `json:"vlanId"`
	DNSServers    []string       `json:"dnsServers"`
	FirewallRules []FirewallRule `json:"firewallRules"`
	Hosts         []Host         `json:"hosts"`
	DownloadLimit uint64         `json:"downloadLimit"`
	UploadLimit   uint64         `json:"uploadLimit"`
}

// NetworkLease is a persisted address assignment for one instance.
type NetworkLease struct {
	NetworkID  string
	InstanceID string
	IP         string
	VlanID     uint64
}
