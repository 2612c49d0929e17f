package model

import "time"

// Audit actions.
const (
	ActionStart         = "start"
	ActionFinish        = "finish"
	ActionClassify      = "classify"
	ActionLinkTickets   = "link_tickets"
	ActionUnlinkTickets = "unlink_tickets"
	ActionDelete        = "delete"
	ActionInterrupt     = "interrupt"
	ActionRecompute     = "recompute"
	ActionMerge         = "merge"
)

// AuditRecord captures an old → new change made by the engine.
type AuditRecord struct {
	Action    string    `json:"action"`
	NodeID    string    `json:"node_id"`
	LaunchID  string    `json:"launch_id,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Before    string    `json:"before,omitempty"`
	After     string    `json:"after,omitempty"`
	At        time.Time `json:"at"`
}
