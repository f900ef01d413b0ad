package model

import "time"

// Cache states of installed services and layers.
const (
	ItemStatePending = "pending"
	ItemStateCached  = "cached"
	ItemStateActive  = "active"
)

// ServiceInfo is the desired description of one service version from CM.
type ServiceInfo struct {
	ServiceID    string   `json:"serviceId"`
	Version      string   `json:"version"`
	ProviderID   string   `json:"providerId"`
	URL          string   `json:"url"`
	SHA256       []byte   `json:"sha256"`
	Size         uint64   `json:"size"`
	GID          uint32   `json:"gid"`
	LayerDigests []string `json:"layerDigests,omitempty"`
}

// ServiceData is the durable record of one installed service version.
type ServiceData struct {
	ServiceID  string
	Version    string
	ProviderID string
	Digest     string
	Path       string
	Size       uint64
	GID        uint32
	Timestamp  time.Time
	State      string
}

// LayerInfo is the desired description of one layer from CM.
type LayerInfo struct {
	Digest  string `json:"digest"`
	LayerID string `json:"layerId"`
	Version string `json:"version"`
	URL     string `json:"url"`
	SHA256  []byte `json:"sha256"`
	Size    uint64 `json:"size"`
}

// LayerData is the durable record of one installed layer.
type LayerData struct {
	Digest         string
	UnpackedDigest string
	LayerID        string
	Path           string
	OSVersion      string
	Version        string
	Size           uint64
	Timestamp      time.Time
	State          string
}
