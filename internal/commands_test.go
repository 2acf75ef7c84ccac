package internal

import (
	"encoding/json"
	"testing"
	"time"
)

func newTestHandler(t *testing.T) (*CommandHandler, *Scheduler, *DB) {
	db := TestTempDB(t)
	scheduler := NewScheduler(db, &fakeTransport{}, NewSendQueue(4), time.Minute)
	handler := NewCommandHandler(scheduler, NewRuleEngine(db), NewPlanManager(db))
	return handler, scheduler, db
}

func command(id, cmdType, payload string) Command {
	return Command{ID: id, Type: cmdType, Payload: json.RawMessage(payload)}
}

func TestCommandHandler_ScheduleMessage(t *testing.T) {
	h, _, db := newTestHandler(t)

	sendAt := time.Now().Add(time.Hour).Format(time.RFC3339)
	result := h.Handle(command("cmd-1", CmdScheduleMessage,
		`{"thread_id":"thread@test","message_text":"hi","send_at":"`+sendAt+`","is_group":true}`))
	if !result.Success {
		t.Fatalf("Expected success, got %q", result.Error)
	}

	n, _ := db.CountScheduled(StatusPending)
	if n != 1 {
		t.Fatalf("Expected 1 pending job, got %d", n)
	}

	due, _ := db.DueScheduled(time.Now().Add(2 * time.Hour))
	if len(due) != 1 {
		t.Fatal("Scheduled job not found")
	}
	if due[0].OriginID != "cmd-1" {
		t.Errorf("OriginID = %q, want the command id", due[0].OriginID)
	}
	if !due[0].IsGroup {
		t.Error("is_group lost")
	}
}

func TestCommandHandler_ScheduleMessage_Validation(t *testing.T) {
	h, _, _ := newTestHandler(t)

	cases := []struct {
		name    string
		payload string
	}{
		{"bad timestamp", `{"thread_id":"t","message_text":"hi","send_at":"tomorrow-ish"}`},
		{"missing send_at", `{"thread_id":"t","message_text":"hi"}`},
		{"missing thread", `{"message_text":"hi","send_at":"2030-01-01T00:00:00Z"}`},
		{"missing text", `{"thread_id":"t","send_at":"2030-01-01T00:00:00Z"}`},
		{"malformed json", `{"thread_id":`},
	}
	for _, tc := range cases {
		result := h.Handle(command("cmd-x", CmdScheduleMessage, tc.payload))
		if result.Success {
			t.Errorf("%s: expected a failure result", tc.name)
		}
		if result.Error == "" {
			t.Errorf("%s: expected an error string", tc.name)
		}
	}
}

func TestCommandHandler_ScheduleMessage_PastTriggersPoll(t *testing.T) {
	h, scheduler, _ := newTestHandler(t)

	sendAt := time.Now().Add(-time.Minute).Format(time.RFC3339)
	result := h.Handle(command("cmd-1", CmdScheduleMessage,
		`{"thread_id":"thread@test","message_text":"now","send_at":"`+sendAt+`"}`))
	if !result.Success {
		t.Fatalf("Expected success, got %q", result.Error)
	}

	select {
	case <-scheduler.wake:
	default:
		t.Error("A past send time should nudge the poll loop")
	}
}

func TestCommandHandler_ImmediatePriorityTriggersPoll(t *testing.T) {
	h, scheduler, _ := newTestHandler(t)

	sendAt := time.Now().Add(time.Hour).Format(time.RFC3339)
	cmd := command("cmd-1", CmdScheduleMessage,
		`{"thread_id":"thread@test","message_text":"asap","send_at":"`+sendAt+`"}`)
	cmd.Priority = PriorityImmediate
	if result := h.Handle(cmd); !result.Success {
		t.Fatalf("Expected success, got %q", result.Error)
	}

	select {
	case <-scheduler.wake:
	default:
		t.Error("Immediate priority should nudge the poll loop")
	}
}

func TestCommandHandler_CancelScheduled(t *testing.T) {
	h, scheduler, _ := newTestHandler(t)

	id, _ := scheduler.Schedule(&ScheduledMessage{
		ThreadID:    "thread@test",
		MessageText: "hi",
		SendAt:      time.Now().Add(time.Hour),
	})

	result := h.Handle(command("cmd-1", CmdCancelScheduled, `{"schedule_id":"`+id+`"}`))
	if !result.Success {
		t.Fatalf("Expected success, got %q", result.Error)
	}

	result = h.Handle(command("cmd-2", CmdCancelScheduled, `{"schedule_id":"`+id+`"}`))
	if result.Success {
		t.Error("Cancelling twice should fail")
	}

	result = h.Handle(command("cmd-3", CmdCancelScheduled, `{"schedule_id":"ghost"}`))
	if result.Success || result.Error == "" {
		t.Error("Cancelling an unknown id should yield an error result")
	}

	if result := h.Handle(command("cmd-4", CmdCancelScheduled, `{}`)); result.Success {
		t.Error("Missing schedule_id should fail")
	}
}

func TestCommandHandler_SetRule(t *testing.T) {
	h, _, db := newTestHandler(t)

	result := h.Handle(command("cmd-rule-1", CmdSetRule, `{
		"rule_type": "auto_reply",
		"rule_config": {
			"name": "urgent responder",
			"conditions": [{"field":"content","operator":"contains","value":"urgent"}],
			"action": {"type":"reply","parameters":{"text":"on it"}}
		}
	}`))
	if !result.Success {
		t.Fatalf("Expected success, got %q", result.Error)
	}

	// Rule identity is the command identity.
	rule, err := db.GetRule("cmd-rule-1")
	if err != nil || rule == nil {
		t.Fatalf("GetRule = %v, %v", rule, err)
	}
	if rule.Type != RuleAutoReply || !rule.Enabled {
		t.Errorf("Rule = %+v, want enabled auto_reply", rule)
	}

	// Re-applying the same command overwrites rather than duplicating.
	h.Handle(command("cmd-rule-1", CmdSetRule, `{
		"rule_type": "filter",
		"rule_config": {
			"enabled": false,
			"conditions": [{"field":"sender","operator":"equals","value":"spammer"}],
			"action": {"type":"block"}
		}
	}`))
	rules, _ := db.AllRules()
	if len(rules) != 1 {
		t.Fatalf("Expected 1 rule after re-application, got %d", len(rules))
	}
	if rules[0].Type != RuleFilter || rules[0].Enabled {
		t.Errorf("Rule = %+v, want disabled filter", rules[0])
	}
}

func TestCommandHandler_SetRule_Validation(t *testing.T) {
	h, _, _ := newTestHandler(t)

	cases := []struct {
		name    string
		payload string
	}{
		{"bad type", `{"rule_type":"smite","rule_config":{"conditions":[{"field":"content","operator":"equals","value":"x"}],"action":{"type":"reply"}}}`},
		{"no conditions", `{"rule_type":"auto_reply","rule_config":{"conditions":[],"action":{"type":"reply"}}}`},
		{"no action type", `{"rule_type":"auto_reply","rule_config":{"conditions":[{"field":"content","operator":"equals","value":"x"}],"action":{}}}`},
	}
	for _, tc := range cases {
		result := h.Handle(command("cmd-x", CmdSetRule, tc.payload))
		if result.Success {
			t.Errorf("%s: expected a failure result", tc.name)
		}
	}
}

func TestCommandHandler_UpdatePlan(t *testing.T) {
	h, _, db := newTestHandler(t)

	result := h.Handle(command("cmd-1", CmdUpdatePlan,
		`{"thread_id":"thread@test","plan_data":{"goal":"ship","eta":"friday"}}`))
	if !result.Success {
		t.Fatalf("Expected success, got %q", result.Error)
	}

	plan, _ := db.GetPlan("thread@test")
	if plan == nil || plan.Version != 1 {
		t.Fatalf("Plan = %+v, want version 1", plan)
	}
	if plan.Data["goal"] != "ship" {
		t.Errorf("Data = %v, want goal ship", plan.Data)
	}

	// update_plan replaces wholesale.
	h.Handle(command("cmd-2", CmdUpdatePlan, `{"thread_id":"thread@test","plan_data":{"goal":"ship v2"}}`))
	plan, _ = db.GetPlan("thread@test")
	if plan.Version != 2 {
		t.Errorf("Version = %d, want 2", plan.Version)
	}
	if _, ok := plan.Data["eta"]; ok {
		t.Error("update_plan must replace, not merge")
	}
}

func TestCommandHandler_UpdatePlan_Validation(t *testing.T) {
	h, _, _ := newTestHandler(t)

	if result := h.Handle(command("c", CmdUpdatePlan, `{"plan_data":{"x":1}}`)); result.Success {
		t.Error("Missing thread_id should fail")
	}
	if result := h.Handle(command("c", CmdUpdatePlan, `{"thread_id":"t"}`)); result.Success {
		t.Error("Missing plan_data should fail")
	}
	if result := h.Handle(command("c", CmdUpdatePlan, `{"thread_id":"t","plan_data":"just a string"}`)); result.Success {
		t.Error("Non-object plan_data should fail")
	}
}

func TestCommandHandler_UnknownCommand(t *testing.T) {
	h, _, _ := newTestHandler(t)

	result := h.Handle(command("cmd-1", "self_destruct", `{}`))
	if result.Success {
		t.Error("Unknown command type should yield a failure result")
	}
	if result.Error == "" {
		t.Error("Expected an error string")
	}
}
