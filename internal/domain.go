package internal

import (
	"encoding/json"
	"time"
)

// ThreadID identifies a conversation thread on the transport.
type ThreadID string

// ScheduleStatus is the lifecycle state of a scheduled message.
type ScheduleStatus string

const (
	StatusPending   ScheduleStatus = "pending"
	StatusSending   ScheduleStatus = "sending"
	StatusSent      ScheduleStatus = "sent"
	StatusCancelled ScheduleStatus = "cancelled"
	StatusFailed    ScheduleStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s ScheduleStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusCancelled || s == StatusFailed
}

// ScheduledMessage is a durable "send text to thread at time" job.
// Rows are retained after they reach a terminal status.
type ScheduledMessage struct {
	ID          string
	ThreadID    ThreadID
	MessageText string
	SendAt      time.Time
	IsGroup     bool
	OriginID    string // command id that created the job
	Repeat      string // optional cron expression for recurring sends
	Status      ScheduleStatus
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsDue reports whether the job should fire at now.
func (m *ScheduledMessage) IsDue(now time.Time) bool {
	return m.Status == StatusPending && !now.Before(m.SendAt)
}

// RuleType classifies what a rule is for.
type RuleType string

const (
	RuleAutoReply     RuleType = "auto_reply"
	RuleForward       RuleType = "forward"
	RuleFilter        RuleType = "filter"
	RuleScheduleReply RuleType = "schedule_reply"
)

// Valid reports whether t is one of the recognized rule types.
func (t RuleType) Valid() bool {
	switch t {
	case RuleAutoReply, RuleForward, RuleFilter, RuleScheduleReply:
		return true
	}
	return false
}

// Condition is a single field/operator/value predicate on an inbound message.
// Field is one of sender, content, thread_id, is_group; operator is one of
// equals, contains, matches, starts_with, ends_with.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// RuleAction is what happens when a rule matches.
type RuleAction struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Rule is a stored condition→action routing rule. All conditions must hold
// for the rule to match (AND semantics).
type Rule struct {
	ID         string
	Type       RuleType
	Name       string
	Enabled    bool
	Conditions []Condition
	Action     RuleAction
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Plan is the versioned free-form state attached to a thread.
type Plan struct {
	ThreadID  ThreadID
	Data      map[string]any
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InboundMessage is a message received from the transport.
type InboundMessage struct {
	Sender   string
	Content  string
	ThreadID ThreadID
	IsGroup  bool
}

// StoredMessage is one row of the message audit log.
type StoredMessage struct {
	ID         string
	ThreadID   ThreadID
	Sender     string
	Content    string
	Timestamp  time.Time
	IsGroup    bool
	IsOutbound bool
}

// Command is the envelope consumed from the backend controller.
type Command struct {
	ID       string          `json:"command_id"`
	Type     string          `json:"command_type"`
	Payload  json.RawMessage `json:"payload"`
	Priority string          `json:"priority,omitempty"`
}

// CommandResult is the uniform reply for every command.
type CommandResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
