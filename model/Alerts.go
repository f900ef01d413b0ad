package model

import "time"

// AlertTag discriminates alert variants.
type AlertTag string

const (
	AlertTagSystem           AlertTag = "systemAlert"
	AlertTagCore             AlertTag = "coreAlert"
	AlertTagServiceInstance  AlertTag = "serviceInstanceAlert"
	AlertTagSystemQuota      AlertTag = "systemQuotaAlert"
	AlertTagInstanceQuota    AlertTag = "instanceQuotaAlert"
	AlertTagDownload         AlertTag = "downloadAlert"
	AlertTagDeviceAllocate   AlertTag = "deviceAllocateAlert"
	AlertTagResourceValidate AlertTag = "resourceValidateAlert"
)

// Quota alert statuses.
const (
	AlertStatusRaise    = "raise"
	AlertStatusContinue = "continue"
	AlertStatusFall     = "fall"
)

// Alert is the tagged sum of all alert variants. Consumers switch on the
// concrete type; Tag is for the wire.
type Alert interface {
	Tag() AlertTag
	Time() time.Time
}

// AlertHeader carries the fields common to all alerts.
type AlertHeader struct {
	Timestamp time.Time `json:"timestamp"`
}

func (h AlertHeader) Time() time.Time { return h.Timestamp }

// SystemAlert reports a high priority journal entry not attributable to a
// service or a core component.
type SystemAlert struct {
	AlertHeader
	Message string `json:"message"`
}

func (SystemAlert) Tag() AlertTag { return AlertTagSystem }

// CoreAlert reports a journal entry from one of the Aos core components.
type CoreAlert struct {
	AlertHeader
	CoreComponent string `json:"coreComponent"`
	Message       string `json:"message"`
}

func (CoreAlert) Tag() AlertTag { return AlertTagCore }

// ServiceInstanceAlert reports a journal entry from a service instance unit.
type ServiceInstanceAlert struct {
	AlertHeader
	InstanceIdent
	ServiceVersion string `json:"serviceVersion"`
	Message        string `json:"message"`
}

func (ServiceInstanceAlert) Tag() AlertTag { return AlertTagServiceInstance }

// SystemQuotaAlert reports a node level quota transition.
type SystemQuotaAlert struct {
	AlertHeader
	Parameter string `json:"parameter"`
	Value     uint64 `json:"value"`
	Status    string `json:"status"`
}

func (SystemQuotaAlert) Tag() AlertTag { return AlertTagSystemQuota }

// InstanceQuotaAlert reports an instance level quota transition.
type InstanceQuotaAlert struct {
	AlertHeader
	InstanceIdent
	Parameter string `json:"parameter"`
	Value     uint64 `json:"value"`
	Status    string `json:"status"`
}

func (InstanceQuotaAlert) Tag() AlertTag { return AlertTagInstanceQuota }

// DownloadAlert reports a failed service or layer download.
type DownloadAlert struct {
	AlertHeader
	URL     string `json:"url"`
	Message string `json:"message"`
}

func (DownloadAlert) Tag() AlertTag { return AlertTagDownload }

// DeviceAllocateAlert reports a failed host device allocation.
type DeviceAllocateAlert struct {
	AlertHeader
	InstanceIdent
	Device  string `json:"device"`
	Message string `json:"message"`
}

func (DeviceAllocateAlert) Tag() AlertTag { return AlertTagDeviceAllocate }

// ResourceValidateAlert reports node config resources failing validation.
type ResourceValidateAlert struct {
	AlertHeader
	Name   string   `json:"name"`
	Errors []string `json:"errors"`
}

func (ResourceValidateAlert) Tag() AlertTag { return AlertTagResourceValidate }

// AlertSender delivers alerts upstream.
type AlertSender interface {
	SendAlert(alert Alert)
}
