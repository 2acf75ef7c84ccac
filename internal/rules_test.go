package internal

import (
	"testing"
	"time"
)

func testRule(id string, conditions ...Condition) *Rule {
	return &Rule{
		ID:         id,
		Type:       RuleAutoReply,
		Name:       "rule " + id,
		Enabled:    true,
		Conditions: conditions,
		Action:     RuleAction{Type: "reply", Parameters: map[string]any{"text": "ack"}},
	}
}

func TestRuleEngine_SetAndGetRule(t *testing.T) {
	e := NewRuleEngine(TestTempDB(t))

	rule := testRule("rule-1",
		Condition{Field: "content", Operator: "contains", Value: "urgent"},
		Condition{Field: "is_group", Operator: "equals", Value: false},
	)
	if err := e.SetRule(rule); err != nil {
		t.Fatalf("SetRule failed: %v", err)
	}

	got, err := e.GetRule("rule-1")
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected a rule, got nil")
	}
	if got.Type != RuleAutoReply || got.Name != "rule rule-1" || !got.Enabled {
		t.Errorf("Rule fields lost: %+v", got)
	}
	if len(got.Conditions) != 2 {
		t.Fatalf("Expected 2 conditions, got %d", len(got.Conditions))
	}
	if got.Conditions[0].Field != "content" || got.Conditions[0].Operator != "contains" || got.Conditions[0].Value != "urgent" {
		t.Errorf("Condition lost: %+v", got.Conditions[0])
	}
	if got.Action.Type != "reply" || got.Action.Parameters["text"] != "ack" {
		t.Errorf("Action lost: %+v", got.Action)
	}
}

func TestRuleEngine_SetRule_Validation(t *testing.T) {
	e := NewRuleEngine(TestTempDB(t))

	noConditions := testRule("r1")
	if err := e.SetRule(noConditions); err == nil {
		t.Error("A rule with zero conditions must be rejected")
	}

	badType := testRule("r2", Condition{Field: "content", Operator: "equals", Value: "x"})
	badType.Type = "banhammer"
	if err := e.SetRule(badType); err == nil {
		t.Error("An unknown rule type must be rejected")
	}

	noAction := testRule("r3", Condition{Field: "content", Operator: "equals", Value: "x"})
	noAction.Action = RuleAction{}
	if err := e.SetRule(noAction); err == nil {
		t.Error("An empty action type must be rejected")
	}

	noID := testRule("", Condition{Field: "content", Operator: "equals", Value: "x"})
	if err := e.SetRule(noID); err == nil {
		t.Error("A rule without an id must be rejected")
	}
}

func TestRuleEngine_SetRule_FullReplace(t *testing.T) {
	e := NewRuleEngine(TestTempDB(t))

	if err := e.SetRule(testRule("rule-1",
		Condition{Field: "content", Operator: "contains", Value: "a"},
		Condition{Field: "sender", Operator: "equals", Value: "bob"},
	)); err != nil {
		t.Fatalf("SetRule failed: %v", err)
	}

	if err := e.SetRule(testRule("rule-1",
		Condition{Field: "content", Operator: "contains", Value: "b"},
	)); err != nil {
		t.Fatalf("SetRule (replace) failed: %v", err)
	}

	got, _ := e.GetRule("rule-1")
	if len(got.Conditions) != 1 {
		t.Fatalf("Replace must not merge: got %d conditions", len(got.Conditions))
	}
	if got.Conditions[0].Value != "b" {
		t.Errorf("Condition = %+v, want value b", got.Conditions[0])
	}
}

func TestRuleEngine_EvaluateMessage_ContainsMatch(t *testing.T) {
	e := NewRuleEngine(TestTempDB(t))

	if err := e.SetRule(testRule("urgent-rule",
		Condition{Field: "content", Operator: "contains", Value: "urgent"},
	)); err != nil {
		t.Fatalf("SetRule failed: %v", err)
	}

	matched, err := e.EvaluateMessage(&InboundMessage{Content: "This is urgent please respond", ThreadID: "t"})
	if err != nil {
		t.Fatalf("EvaluateMessage failed: %v", err)
	}
	if matched == nil || matched.ID != "urgent-rule" {
		t.Fatalf("Expected urgent-rule, got %+v", matched)
	}

	matched, err = e.EvaluateMessage(&InboundMessage{Content: "normal message", ThreadID: "t"})
	if err != nil {
		t.Fatalf("EvaluateMessage failed: %v", err)
	}
	if matched != nil {
		t.Errorf("Expected no match, got %+v", matched)
	}
}

func TestRuleEngine_EvaluateMessage_AllConditionsMustHold(t *testing.T) {
	e := NewRuleEngine(TestTempDB(t))

	e.SetRule(testRule("both",
		Condition{Field: "content", Operator: "contains", Value: "deploy"},
		Condition{Field: "sender", Operator: "equals", Value: "alice"},
	))

	if got, _ := e.EvaluateMessage(&InboundMessage{Content: "deploy now", Sender: "alice"}); got == nil {
		t.Error("Both conditions hold; expected a match")
	}
	if got, _ := e.EvaluateMessage(&InboundMessage{Content: "deploy now", Sender: "bob"}); got != nil {
		t.Error("Only one condition holds; expected no match")
	}
}

func TestRuleEngine_EvaluateMessage_DisabledSkipped(t *testing.T) {
	e := NewRuleEngine(TestTempDB(t))

	rule := testRule("off", Condition{Field: "content", Operator: "contains", Value: "x"})
	rule.Enabled = false
	e.SetRule(rule)

	if got, _ := e.EvaluateMessage(&InboundMessage{Content: "x marks the spot"}); got != nil {
		t.Errorf("Disabled rule must never match, got %+v", got)
	}

	if ok, _ := e.EnableRule("off"); !ok {
		t.Fatal("EnableRule should report true")
	}
	if got, _ := e.EvaluateMessage(&InboundMessage{Content: "x marks the spot"}); got == nil {
		t.Error("Enabled rule should match")
	}
}

func TestRuleEngine_EvaluateMessage_NewestRuleWins(t *testing.T) {
	e := NewRuleEngine(TestTempDB(t))

	base := time.Now().Add(-time.Hour)
	older := testRule("older", Condition{Field: "content", Operator: "contains", Value: "hello"})
	older.CreatedAt = base
	newer := testRule("newer", Condition{Field: "content", Operator: "contains", Value: "hello"})
	newer.CreatedAt = base.Add(time.Minute)

	e.SetRule(older)
	e.SetRule(newer)

	got, err := e.EvaluateMessage(&InboundMessage{Content: "hello there"})
	if err != nil {
		t.Fatalf("EvaluateMessage failed: %v", err)
	}
	if got == nil || got.ID != "newer" {
		t.Fatalf("Expected the most recently created rule, got %+v", got)
	}
}

func TestRuleEngine_ConditionOperators(t *testing.T) {
	msg := &InboundMessage{
		Sender:   "Alice@Example.com",
		Content:  "Deploy finished OK",
		ThreadID: "ops@corp",
		IsGroup:  true,
	}

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals case-insensitive", Condition{Field: "sender", Operator: "equals", Value: "alice@example.com"}, true},
		{"equals mismatch", Condition{Field: "sender", Operator: "equals", Value: "bob"}, false},
		{"contains case-insensitive", Condition{Field: "content", Operator: "contains", Value: "DEPLOY"}, true},
		{"starts_with", Condition{Field: "content", Operator: "starts_with", Value: "deploy"}, true},
		{"starts_with mismatch", Condition{Field: "content", Operator: "starts_with", Value: "finished"}, false},
		{"ends_with", Condition{Field: "content", Operator: "ends_with", Value: "ok"}, true},
		{"matches regexp", Condition{Field: "content", Operator: "matches", Value: `deploy\s+finished`}, true},
		{"matches invalid regexp fails closed", Condition{Field: "content", Operator: "matches", Value: `deploy[`}, false},
		{"thread_id contains", Condition{Field: "thread_id", Operator: "contains", Value: "corp"}, true},
		{"is_group equals bool", Condition{Field: "is_group", Operator: "equals", Value: true}, true},
		{"is_group equals string", Condition{Field: "is_group", Operator: "equals", Value: "true"}, true},
		{"is_group equals false", Condition{Field: "is_group", Operator: "equals", Value: false}, false},
		{"is_group non-equals never matches", Condition{Field: "is_group", Operator: "contains", Value: true}, false},
		{"unknown field", Condition{Field: "mood", Operator: "equals", Value: "happy"}, false},
		{"unknown operator", Condition{Field: "content", Operator: "sounds_like", Value: "deploy"}, false},
	}

	for _, tc := range cases {
		if got := conditionMatches(tc.cond, msg); got != tc.want {
			t.Errorf("%s: conditionMatches = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRuleEngine_EnableDisableDelete(t *testing.T) {
	e := NewRuleEngine(TestTempDB(t))

	e.SetRule(testRule("r", Condition{Field: "content", Operator: "contains", Value: "x"}))

	if ok, _ := e.DisableRule("r"); !ok {
		t.Error("DisableRule should report true")
	}
	got, _ := e.GetRule("r")
	if got.Enabled {
		t.Error("Rule should be disabled")
	}
	if len(got.Conditions) != 1 {
		t.Error("Disable must not touch rule content")
	}

	if ok, _ := e.DisableRule("unknown"); ok {
		t.Error("DisableRule on unknown id should report false")
	}

	if ok, _ := e.DeleteRule("r"); !ok {
		t.Error("DeleteRule should report true")
	}
	if ok, _ := e.DeleteRule("r"); ok {
		t.Error("DeleteRule twice should report false")
	}
	if got, _ := e.GetRule("r"); got != nil {
		t.Errorf("Deleted rule still present: %+v", got)
	}
}
