package model

import (
	"fmt"
	"time"
)

// Run states reported for service instances.
const (
	InstanceStateActive  = "active"
	InstanceStateFailed  = "failed"
	InstanceStateStopped = "stopped"
)

// InstanceIdent uniquely identifies a service instance on the node.
type InstanceIdent struct {
	ServiceID string `json:"serviceId"`
	SubjectID string `json:"subjectId"`
	Instance  uint64 `json:"instance"`
}

// InstanceID renders the identity used in unit and directory names.
func (i InstanceIdent) InstanceID() string {
	return fmt.Sprintf("%s_%s_%d", i.ServiceID, i.SubjectID, i.Instance)
}

func (i InstanceIdent) String() string {
	return i.InstanceID()
}

// InstanceInfo is the desired description of one instance received from CM.
type InstanceInfo struct {
	InstanceIdent
	UID           uint32            `json:"uid"`
	Priority      uint64            `json:"priority"`
	StoragePath   string            `json:"storagePath"`
	StatePath     string            `json:"statePath"`
	Env           []string          `json:"env,omitempty"`
	Devices       []string          `json:"devices,omitempty"`
	Resources     []string          `json:"resources,omitempty"`
	RestartPolicy string            `json:"restartPolicy,omitempty"`
	RunParameters RunParameters     `json:"runParameters"`
	NetworkParams NetworkParameters `json:"networkParameters"`
}

// InstanceStatus is the run status of one instance reported to CM.
type InstanceStatus struct {
	InstanceIdent
	ServiceVersion string     `json:"serviceVersion"`
	RunState       string     `json:"runState"`
	ExitCode       int        `json:"exitCode,omitempty"`
	Error          *ErrorInfo `json:"errorInfo,omitempty"`
}

// RunStatus is the supervisor level state of one unit as seen by the runner.
type RunStatus struct {
	InstanceID string
	State      string
	ExitCode   int
	Err        error
}

// RunParameters control the supervisor restart policy of one instance.
// Zero fields are substituted with defaults by the runner.
type RunParameters struct {
	StartInterval   time.Duration `json:"startInterval"`
	StartBurst      uint          `json:"startBurst"`
	RestartInterval time.Duration `json:"restartInterval"`
}

// RestartPolicy values for quota driven restarts.
const (
	RestartPolicyNone    = "none"
	RestartPolicyOnQuota = "onQuota"
)

// InstanceFilter selects instances by optional identity fields.
type InstanceFilter struct {
	ServiceID *string `json:"serviceId,omitempty"`
	SubjectID *string `json:"subjectId,omitempty"`
	Instance  *uint64 `json:"instance,omitempty"`
}

// Match reports whether ident passes the filter.
func (f InstanceFilter) Match(ident InstanceIdent) bool {
	if f.ServiceID != nil && *f.ServiceID != ident.ServiceID {
		return false
	}
	if f.SubjectID != nil && *f.SubjectID != ident.SubjectID {
		return false
	}
	if f.Instance != nil && *f.Instance != ident.Instance {
		return false
	}
	return true
}

// EnvVarInfo is one environment variable override with optional expiry.
type EnvVarInfo struct {
	Name  string     `json:"name"`
	Value string     `json:"value"`
	TTL   *time.Time `json:"ttl,omitempty"`
}

// EnvVarsInstanceInfo assigns override variables to matched instances.
type EnvVarsInstanceInfo struct {
	Filter InstanceFilter `json:"filter"`
	Vars   []EnvVarInfo   `json:"variables"`
}
