package internal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Router handles the inbound side: every transport message is recorded,
// evaluated against the rule engine, and the matched rule's action is
// executed here. Action failures are logged, never propagated back into the
// transport's receive loop.
type Router struct {
	db        *DB
	rules     *RuleEngine
	scheduler *Scheduler
	transport Transport
}

// NewRouter wires the inbound pipeline.
func NewRouter(db *DB, rules *RuleEngine, scheduler *Scheduler, transport Transport) *Router {
	return &Router{db: db, rules: rules, scheduler: scheduler, transport: transport}
}

// HandleInbound processes one message from the transport.
func (r *Router) HandleInbound(ctx context.Context, msg *InboundMessage) {
	rec := &StoredMessage{
		ID:        uuid.New().String(),
		ThreadID:  msg.ThreadID,
		Sender:    msg.Sender,
		Content:   msg.Content,
		Timestamp: time.Now(),
		IsGroup:   msg.IsGroup,
	}
	if err := r.db.SaveMessage(rec); err != nil {
		slog.Error("save inbound message", "thread", msg.ThreadID, "err", err)
	}

	rule, err := r.rules.EvaluateMessage(msg)
	if err != nil {
		slog.Error("evaluate message", "thread", msg.ThreadID, "err", err)
		return
	}
	if rule == nil {
		return
	}
	slog.Info("rule matched", "rule", rule.ID, "type", rule.Type, "thread", msg.ThreadID)
	if err := r.runAction(ctx, rule, msg); err != nil {
		slog.Error("rule action failed", "rule", rule.ID, "action", rule.Action.Type, "err", err)
	}
}

func (r *Router) runAction(ctx context.Context, rule *Rule, msg *InboundMessage) error {
	params := rule.Action.Parameters
	switch rule.Action.Type {
	case "reply":
		if bubbles := stringSlice(params["bubbles"]); len(bubbles) > 0 {
			return r.transport.SendMultiBubble(ctx, msg.ThreadID, bubbles, msg.IsGroup)
		}
		text := stringValue(params["text"])
		if text == "" {
			return fmt.Errorf("reply action has no text")
		}
		return r.transport.SendMessage(ctx, msg.ThreadID, text, msg.IsGroup)

	case "forward":
		target := stringValue(params["target_thread_id"])
		if target == "" {
			return fmt.Errorf("forward action has no target_thread_id")
		}
		targetIsGroup, _ := boolValue(params["is_group"])
		return r.transport.SendMessage(ctx, ThreadID(target), msg.Content, targetIsGroup)

	case "block":
		slog.Info("message blocked", "thread", msg.ThreadID, "rule", rule.ID)
		return nil

	case "schedule_reply":
		text := stringValue(params["text"])
		if text == "" {
			return fmt.Errorf("schedule_reply action has no text")
		}
		delay := time.Duration(floatValue(params["delay_seconds"]) * float64(time.Second))
		m := &ScheduledMessage{
			ThreadID:    msg.ThreadID,
			MessageText: text,
			SendAt:      time.Now().Add(delay),
			IsGroup:     msg.IsGroup,
			OriginID:    "rule:" + rule.ID,
		}
		if _, err := r.scheduler.Schedule(m); err != nil {
			return err
		}
		if delay <= 0 {
			r.scheduler.CheckNow()
		}
		return nil

	default:
		return fmt.Errorf("unknown action type %q", rule.Action.Type)
	}
}

// stringSlice coerces a JSON array parameter into a string slice.
func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, stringValue(item))
		}
		return out
	default:
		return nil
	}
}

// floatValue coerces a JSON number parameter, defaulting to zero.
func floatValue(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return 0
	}
}
