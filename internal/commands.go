package internal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Command type names accepted from the controller.
const (
	CmdScheduleMessage = "schedule_message"
	CmdCancelScheduled = "cancel_scheduled"
	CmdSetRule         = "set_rule"
	CmdUpdatePlan      = "update_plan"
)

// PriorityImmediate marks a command that wants the scheduler poked right
// away instead of waiting for the next tick.
const PriorityImmediate = "immediate"

// CommandHandler is the single entry point for backend commands: it
// validates the envelope and payload, routes to the owning component, and
// reports a uniform CommandResult. Nothing here panics across the boundary.
type CommandHandler struct {
	scheduler *Scheduler
	rules     *RuleEngine
	plans     *PlanManager
}

// NewCommandHandler wires the handler to its three components.
func NewCommandHandler(scheduler *Scheduler, rules *RuleEngine, plans *PlanManager) *CommandHandler {
	return &CommandHandler{scheduler: scheduler, rules: rules, plans: plans}
}

// Handle validates and routes one command.
func (h *CommandHandler) Handle(cmd Command) CommandResult {
	slog.Info("command received", "id", cmd.ID, "type", cmd.Type)
	switch cmd.Type {
	case CmdScheduleMessage:
		return h.scheduleMessage(cmd)
	case CmdCancelScheduled:
		return h.cancelScheduled(cmd)
	case CmdSetRule:
		return h.setRule(cmd)
	case CmdUpdatePlan:
		return h.updatePlan(cmd)
	default:
		return failf("unknown command type %q", cmd.Type)
	}
}

func okResult() CommandResult {
	return CommandResult{Success: true}
}

func failf(format string, args ...any) CommandResult {
	return CommandResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

type scheduleMessagePayload struct {
	ThreadID    string `json:"thread_id"`
	MessageText string `json:"message_text"`
	SendAt      string `json:"send_at"`
	IsGroup     bool   `json:"is_group"`
	Repeat      string `json:"repeat,omitempty"`
}

func (h *CommandHandler) scheduleMessage(cmd Command) CommandResult {
	var p scheduleMessagePayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return failf("invalid payload: %v", err)
	}
	if p.ThreadID == "" {
		return failf("thread_id is required")
	}
	if p.MessageText == "" {
		return failf("message_text is required")
	}
	sendAt, err := parseTimestamp(p.SendAt)
	if err != nil {
		return failf("send_at: %v", err)
	}

	m := &ScheduledMessage{
		ThreadID:    ThreadID(p.ThreadID),
		MessageText: p.MessageText,
		SendAt:      sendAt,
		IsGroup:     p.IsGroup,
		OriginID:    cmd.ID,
		Repeat:      p.Repeat,
	}
	if _, err := h.scheduler.Schedule(m); err != nil {
		return failf("%v", err)
	}
	if cmd.Priority == PriorityImmediate || !sendAt.After(time.Now()) {
		h.scheduler.CheckNow()
	}
	return okResult()
}

type cancelScheduledPayload struct {
	ScheduleID string `json:"schedule_id"`
}

func (h *CommandHandler) cancelScheduled(cmd Command) CommandResult {
	var p cancelScheduledPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return failf("invalid payload: %v", err)
	}
	if p.ScheduleID == "" {
		return failf("schedule_id is required")
	}
	ok, err := h.scheduler.Cancel(p.ScheduleID)
	if err != nil {
		return failf("%v", err)
	}
	if !ok {
		return failf("schedule %q not found or already sent", p.ScheduleID)
	}
	return okResult()
}

type setRulePayload struct {
	RuleType   string     `json:"rule_type"`
	RuleConfig ruleConfig `json:"rule_config"`
}

type ruleConfig struct {
	Name       string      `json:"name,omitempty"`
	Enabled    *bool       `json:"enabled,omitempty"`
	Conditions []Condition `json:"conditions"`
	Action     RuleAction  `json:"action"`
}

func (h *CommandHandler) setRule(cmd Command) CommandResult {
	var p setRulePayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return failf("invalid payload: %v", err)
	}
	ruleType := RuleType(p.RuleType)
	if !ruleType.Valid() {
		return failf("unknown rule type %q", p.RuleType)
	}
	if len(p.RuleConfig.Conditions) == 0 {
		return failf("rule must have at least one condition")
	}
	if p.RuleConfig.Action.Type == "" {
		return failf("rule action type is required")
	}

	enabled := true
	if p.RuleConfig.Enabled != nil {
		enabled = *p.RuleConfig.Enabled
	}
	// The command id doubles as the rule id, so re-applying the same
	// command overwrites instead of duplicating.
	rule := &Rule{
		ID:         cmd.ID,
		Type:       ruleType,
		Name:       p.RuleConfig.Name,
		Enabled:    enabled,
		Conditions: p.RuleConfig.Conditions,
		Action:     p.RuleConfig.Action,
	}
	if err := h.rules.SetRule(rule); err != nil {
		return failf("%v", err)
	}
	return okResult()
}

type updatePlanPayload struct {
	ThreadID string          `json:"thread_id"`
	PlanData json.RawMessage `json:"plan_data"`
}

func (h *CommandHandler) updatePlan(cmd Command) CommandResult {
	var p updatePlanPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return failf("invalid payload: %v", err)
	}
	if p.ThreadID == "" {
		return failf("thread_id is required")
	}
	if len(p.PlanData) == 0 || string(p.PlanData) == "null" {
		return failf("plan_data is required")
	}
	var data map[string]any
	if err := json.Unmarshal(p.PlanData, &data); err != nil {
		return failf("plan_data must be an object: %v", err)
	}
	if _, err := h.plans.SetPlan(ThreadID(p.ThreadID), data); err != nil {
		return failf("%v", err)
	}
	return okResult()
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("not a valid ISO-8601 timestamp: %q", s)
	}
	return t, nil
}
