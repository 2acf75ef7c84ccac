package internal

import (
	"encoding/json"
	"fmt"
	"time"
)

// PlanManager is the versioned per-thread state store. One plan per thread;
// every successful SetPlan bumps the version by exactly one.
type PlanManager struct {
	db *DB
}

// PlanStats summarizes the plan store.
type PlanStats struct {
	Total int `json:"total"`
}

// NewPlanManager creates a plan manager backed by db.
func NewPlanManager(db *DB) *PlanManager {
	return &PlanManager{db: db}
}

// SetPlan replaces a thread's plan data wholesale. A new thread starts at
// version 1; existing plans keep created_at and move to version+1.
func (p *PlanManager) SetPlan(threadID ThreadID, data map[string]any) (*Plan, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread_id is required")
	}
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal plan data: %w", err)
	}
	plan, err := p.db.UpsertPlan(threadID, string(raw), time.Now())
	if err != nil {
		return nil, fmt.Errorf("upsert plan: %w", err)
	}
	return plan, nil
}

// GetPlan returns a thread's plan, or nil if none exists.
func (p *PlanManager) GetPlan(threadID ThreadID) (*Plan, error) {
	return p.db.GetPlan(threadID)
}

// AllPlans returns every plan, most recently updated first.
func (p *PlanManager) AllPlans() ([]Plan, error) {
	return p.db.AllPlans()
}

// DeletePlan removes a thread's plan, reporting false if there was none.
func (p *PlanManager) DeletePlan(threadID ThreadID) (bool, error) {
	return p.db.DeletePlan(threadID)
}

// Stats returns store totals.
func (p *PlanManager) Stats() (PlanStats, error) {
	n, err := p.db.CountPlans()
	if err != nil {
		return PlanStats{}, err
	}
	return PlanStats{Total: n}, nil
}

// MergePlan shallow-merges partial over the existing plan data (top-level
// keys of partial win) and stores the result through SetPlan, so a merge
// bumps the version too. A missing plan is created from partial alone.
func (p *PlanManager) MergePlan(threadID ThreadID, partial map[string]any) (*Plan, error) {
	existing, err := p.db.GetPlan(threadID)
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	merged := make(map[string]any)
	if existing != nil {
		for k, v := range existing.Data {
			merged[k] = v
		}
	}
	for k, v := range partial {
		merged[k] = v
	}
	return p.SetPlan(threadID, merged)
}
