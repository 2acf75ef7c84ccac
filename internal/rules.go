package internal

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RuleEngine stores condition→action rules and matches inbound messages
// against the enabled set. It never executes an action itself; the caller
// (Router) does.
type RuleEngine struct {
	db *DB
}

// NewRuleEngine creates a rule engine backed by db.
func NewRuleEngine(db *DB) *RuleEngine {
	return &RuleEngine{db: db}
}

// SetRule validates and full-upserts a rule. Callers supply the complete
// rule; there is no merge.
func (e *RuleEngine) SetRule(r *Rule) error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unknown rule type %q", r.Type)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule must have at least one condition")
	}
	if r.Action.Type == "" {
		return fmt.Errorf("rule action type is required")
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if err := e.db.SaveRule(r); err != nil {
		return fmt.Errorf("save rule: %w", err)
	}
	return nil
}

// GetRule returns a rule by id, or nil if absent.
func (e *RuleEngine) GetRule(id string) (*Rule, error) {
	return e.db.GetRule(id)
}

// AllRules returns every stored rule.
func (e *RuleEngine) AllRules() ([]Rule, error) {
	return e.db.AllRules()
}

// EnabledRules returns the enabled rules in evaluation order.
func (e *RuleEngine) EnabledRules() ([]Rule, error) {
	return e.db.EnabledRules()
}

// EnableRule turns a rule on, touching only the flag and updated_at.
func (e *RuleEngine) EnableRule(id string) (bool, error) {
	return e.db.SetRuleEnabled(id, true, time.Now())
}

// DisableRule turns a rule off.
func (e *RuleEngine) DisableRule(id string) (bool, error) {
	return e.db.SetRuleEnabled(id, false, time.Now())
}

// DeleteRule removes a rule, reporting false for unknown ids.
func (e *RuleEngine) DeleteRule(id string) (bool, error) {
	return e.db.DeleteRule(id)
}

// EvaluateMessage returns the first enabled rule whose every condition
// matches the message, trying the most recently created rule first. It
// returns nil when nothing matches and has no side effects.
func (e *RuleEngine) EvaluateMessage(msg *InboundMessage) (*Rule, error) {
	rules, err := e.db.EnabledRules()
	if err != nil {
		return nil, fmt.Errorf("load enabled rules: %w", err)
	}
	for i := range rules {
		if ruleMatches(&rules[i], msg) {
			return &rules[i], nil
		}
	}
	return nil, nil
}

func ruleMatches(r *Rule, msg *InboundMessage) bool {
	for _, c := range r.Conditions {
		if !conditionMatches(c, msg) {
			return false
		}
	}
	return true
}

func conditionMatches(c Condition, msg *InboundMessage) bool {
	if c.Field == "is_group" {
		// Only equality is meaningful on a boolean field.
		if c.Operator != "equals" {
			return false
		}
		want, ok := boolValue(c.Value)
		return ok && want == msg.IsGroup
	}

	var field string
	switch c.Field {
	case "sender":
		field = msg.Sender
	case "content":
		field = msg.Content
	case "thread_id":
		field = string(msg.ThreadID)
	default:
		return false
	}

	value := stringValue(c.Value)
	if c.Operator == "matches" {
		re, err := regexp.Compile("(?i)" + value)
		if err != nil {
			// Fail closed: a broken pattern never matches.
			slog.Warn("invalid rule pattern", "pattern", value, "err", err)
			return false
		}
		return re.MatchString(field)
	}

	field = strings.ToLower(field)
	value = strings.ToLower(value)
	switch c.Operator {
	case "equals":
		return field == value
	case "contains":
		return strings.Contains(field, value)
	case "starts_with":
		return strings.HasPrefix(field, value)
	case "ends_with":
		return strings.HasSuffix(field, value)
	}
	return false
}

// stringValue renders a condition or parameter value as a string. JSON
// payloads arrive as any, so numbers and booleans are printed rather than
// rejected.
func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// boolValue accepts JSON booleans and the usual string spellings.
func boolValue(v any) (value, ok bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.ToLower(t))
		return b, err == nil
	default:
		return false, false
	}
}
