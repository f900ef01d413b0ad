package model

import "time"

// Log part statuses.
const (
	LogStatusOK     = "ok"
	LogStatusEmpty  = "empty"
	LogStatusError  = "error"
	LogStatusAbsent = "absent"
)

// LogFilter bounds a log request by time and instance identity.
type LogFilter struct {
	From *time.Time `json:"from,omitempty"`
	Till *time.Time `json:"till,omitempty"`
	InstanceFilter
}

// RequestLog is an inbound log retrieval request.
type RequestLog struct {
	LogID  string    `json:"logId"`
	Filter LogFilter `json:"filter"`
}

// PushLog is one outbound log part. The last part carries PartsCount.
type PushLog struct {
	LogID      string     `json:"logId"`
	PartsCount uint64     `json:"partsCount,omitempty"`
	Part       uint64     `json:"part"`
	Content    []byte     `json:"content,omitempty"`
	Status     string     `json:"status"`
	Error      *ErrorInfo `json:"errorInfo,omitempty"`
}
