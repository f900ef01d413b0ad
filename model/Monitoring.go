package model

import "time"

// PartitionUsage is disk usage of one monitored partition.
type PartitionUsage struct {
	Name     string `json:"name"`
	UsedSize uint64 `json:"usedSize"`
}

// MonitoringData is one resource usage sample.
type MonitoringData struct {
	Timestamp time.Time        `json:"timestamp"`
	CPU       float64          `json:"cpu"`
	RAM       uint64           `json:"ram"`
	Download  uint64           `json:"download"`
	Upload    uint64           `json:"upload"`
	Disk      []PartitionUsage `json:"disk"`
}

// InstanceMonitoringData is a sample attributed to one instance.
type InstanceMonitoringData struct {
	InstanceIdent
	MonitoringData
}

// NodeMonitoringData aggregates node and per instance samples.
type NodeMonitoringData struct {
	NodeData  MonitoringData           `json:"nodeData"`
	Instances []InstanceMonitoringData `json:"instances"`
}
