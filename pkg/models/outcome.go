package models

import "time"

// ActionTaken is the terminal outcome of processing one message.
type ActionTaken string

const (
	ActionReply    ActionTaken = "reply"
	ActionReplyAll ActionTaken = "reply_all"
	ActionMove     ActionTaken = "move"
	ActionIgnore   ActionTaken = "ignore"
	ActionError    ActionTaken = "error"
	ActionNone     ActionTaken = "none"
)

// ActionRecord is the persisted outcome for one processed message.
// Upserted keyed by (account_id, message_uid); never duplicated.
type ActionRecord struct {
	ID           int64       `db:"id"`
	AccountID    int64       `db:"account_id"`
	MessageUID   uint32      `db:"message_uid"`
	MessageID    string      `db:"message_id"`
	ActionTaken  ActionTaken `db:"action_taken"`
	Destination  string      `db:"destination"` // Folder the draft/message went to
	Relationship string      `db:"relationship"`
	ErrorDetail  string      `db:"error_detail"`
	ProcessedAt  time.Time   `db:"processed_at"`
}

// MonitorState is the connection state of one account's mailbox monitor.
type MonitorState string

const (
	MonitorDisconnected MonitorState = "disconnected"
	MonitorConnecting   MonitorState = "connecting"
	MonitorConnected    MonitorState = "connected"
	MonitorReconnecting MonitorState = "reconnecting"
	MonitorError        MonitorState = "error"
)

// MonitorStatus is the observable state of one account's monitor.
type MonitorStatus struct {
	AccountID         int64        `json:"account_id"`
	State             MonitorState `json:"state"`
	MessagesProcessed int64        `json:"messages_processed"`
	LastError         string       `json:"last_error,omitempty"`
	LastChecked       time.Time    `json:"last_checked"`
}

// DraftResponse is the structured reply produced by the language model.
type DraftResponse struct {
	Action     ActionTaken `json:"action"`
	Subject    string      `json:"subject"`
	Body       string      `json:"body"`
	MoveTo     string      `json:"move_to,omitempty"`
	Confidence float64     `json:"confidence"`
}

// Valid reports whether the response carries every field the routing step
// needs. Missing fields indicate provider non-determinism, not a bug, and
// warrant one bounded regeneration.
func (d *DraftResponse) Valid() bool {
	switch d.Action {
	case ActionReply, ActionReplyAll:
		return d.Body != ""
	case ActionMove:
		return d.MoveTo != ""
	case ActionIgnore:
		return true
	default:
		return false
	}
}
