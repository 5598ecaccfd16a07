package models

import (
	"regexp"
	"time"
)

// InstanceType distinguishes primary supervisor (PS) from meta supervisor (MS) sessions.
type InstanceType string

// Instance type constants.
const (
	InstanceTypePS InstanceType = "PS"
	InstanceTypeMS InstanceType = "MS"
)

// InstanceStatus represents the lifecycle state of a supervisor session.
type InstanceStatus string

// Instance status constants.
const (
	InstanceStatusActive InstanceStatus = "active"
	InstanceStatusStale  InstanceStatus = "stale"
	InstanceStatusClosed InstanceStatus = "closed"
)

// StaleThreshold is how long an instance may go without a heartbeat before the
// health sweep marks it stale.
const StaleThreshold = 120 * time.Second

// InstanceIDPattern matches well-formed instance IDs: "{project}-{PS|MS}-{6 lowercase hex}".
var InstanceIDPattern = regexp.MustCompile(`^[a-z0-9-]+-(PS|MS)-[a-z0-9]{6}$`)

// Instance is a single supervisor session owning an event/command stream.
type Instance struct {
	InstanceID     string         `json:"instance_id"`
	Project        string         `json:"project"`
	Type           InstanceType   `json:"type"`
	Status         InstanceStatus `json:"status"`
	ContextPercent int            `json:"context_percent"`
	CurrentEpic    *string        `json:"current_epic,omitempty"`
	HostMachine    *string        `json:"host_machine,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastHeartbeat  time.Time      `json:"last_heartbeat"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty"`
}

// IsClosed reports whether the instance has been closed.
func (i *Instance) IsClosed() bool {
	return i.Status == InstanceStatusClosed
}

// InstanceListItem is an Instance augmented with fields derived at read time.
type InstanceListItem struct {
	Instance
	AgeSeconds int64 `json:"age_seconds"`
	Stale      bool  `json:"stale"`
}

// RegisterInstanceRequest contains fields for registering a supervisor session.
type RegisterInstanceRequest struct {
	Project        string       `json:"project"`
	Type           InstanceType `json:"type"`
	ContextPercent int          `json:"context_percent,omitempty"`
	HostMachine    string       `json:"host_machine,omitempty"`
}

// HeartbeatRequest contains fields for an instance heartbeat update.
type HeartbeatRequest struct {
	InstanceID     string  `json:"instance_id"`
	ContextPercent int     `json:"context_percent"`
	CurrentEpic    *string `json:"current_epic,omitempty"`
}

// InstanceDetails is the result of a detail lookup by ID or 6-hex suffix prefix.
// Exactly one of Exact or Matches is populated.
type InstanceDetails struct {
	Exact   *Instance  `json:"exact,omitempty"`
	Matches []Instance `json:"matches,omitempty"`
}
