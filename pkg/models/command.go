package models

import "time"

// AnonymousInstanceID is the sink instance for command log entries whose
// caller did not supply an instance_id.
const AnonymousInstanceID = "anonymous"

// CommandLogEntry is an append-only audit record of a tool invocation or
// supervisor command. Cascade-deleted with its owning instance.
type CommandLogEntry struct {
	ID              int64          `json:"id"`
	InstanceID      string         `json:"instance_id"`
	CommandType     string         `json:"command_type"`
	Action          string         `json:"action"`
	ToolName        string         `json:"tool_name,omitempty"`
	Parameters      map[string]any `json:"parameters"`
	Result          map[string]any `json:"result,omitempty"`
	Success         bool           `json:"success"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ExecutionTimeMS *int64         `json:"execution_time_ms,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}
