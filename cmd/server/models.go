package main

import (
	"time"

	"github.com/liamcoop/dealflow/entity"
	"github.com/liamcoop/dealflow/multitenantengine"
	"github.com/liamcoop/dealflow/rules"
	"github.com/liamcoop/dealflow/workflow"
)

// API request and response models

// RuleResponse is a business rule in API responses
type RuleResponse struct {
	ID             string                   `json:"id"`
	Name           string                   `json:"name"`
	Description    string                   `json:"description,omitempty"`
	EntityType     entity.Type              `json:"entityType"`
	TriggerType    rules.TriggerType        `json:"triggerType"`
	TriggerEvents  []string                 `json:"triggerEvents"`
	TriggerFields  []string                 `json:"triggerFields"`
	Schedule       string                   `json:"schedule,omitempty"`
	Conditions     []rules.Condition        `json:"conditions"`
	Actions        []rules.ActionDefinition `json:"actions"`
	Status         rules.Status             `json:"status"`
	ExecutionCount int64                    `json:"executionCount"`
	WorkflowID     string                   `json:"wfmWorkflowId,omitempty"`
	StepID         string                   `json:"wfmStepId,omitempty"`
	StatusID       string                   `json:"wfmStatusId,omitempty"`
	CreatedBy      string                   `json:"createdBy"`
	CreatedAt      time.Time                `json:"createdAt"`
	UpdatedAt      time.Time                `json:"updatedAt"`
}

func newRuleResponse(r *rules.BusinessRule) RuleResponse {
	return RuleResponse{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		EntityType:     r.EntityType,
		TriggerType:    r.TriggerType,
		TriggerEvents:  nonNil(r.TriggerEvents),
		TriggerFields:  nonNil(r.TriggerFields),
		Schedule:       r.Schedule,
		Conditions:     append([]rules.Condition{}, r.Conditions...),
		Actions:        rules.EncodeActions(r.Actions),
		Status:         r.Status,
		ExecutionCount: r.ExecutionCount,
		WorkflowID:     r.WorkflowID,
		StepID:         r.StepID,
		StatusID:       r.StatusID,
		CreatedBy:      r.CreatedBy,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// RuleConnection is a page of rules
type RuleConnection struct {
	Nodes      []RuleResponse `json:"nodes"`
	TotalCount int            `json:"totalCount"`
}

// DeleteResponse reports a deletion
type DeleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ActionOutcomeResponse is one executed action
type ActionOutcomeResponse struct {
	Type      rules.ActionType `json:"type"`
	Succeeded bool             `json:"succeeded"`
	Error     string           `json:"error,omitempty"`
}

// RuleResultResponse is one evaluated rule
type RuleResultResponse struct {
	RuleID      string                  `json:"ruleId"`
	RuleName    string                  `json:"ruleName"`
	Matched     bool                    `json:"matched"`
	Outcome     rules.Outcome           `json:"outcome"`
	Actions     []ActionOutcomeResponse `json:"actions"`
	Diagnostics []string                `json:"diagnostics,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// SummaryResponse is a dispatch summary
type SummaryResponse struct {
	EntityID    string               `json:"entityId"`
	EntityType  entity.Type          `json:"entityType"`
	TriggerType rules.TriggerType    `json:"triggerType"`
	Results     []RuleResultResponse `json:"results"`
	Evaluated   int                  `json:"rulesEvaluated"`
	Matched     int                  `json:"rulesMatched"`
	Failed      int                  `json:"rulesFailed"`
	Duration    string               `json:"duration"`
	Error       string               `json:"error,omitempty"`
}

func newRuleResultResponse(r rules.RuleResult) RuleResultResponse {
	res := RuleResultResponse{
		RuleID:   r.RuleID,
		RuleName: r.RuleName,
		Matched:  r.Matched,
		Outcome:  r.Outcome,
		Actions:  make([]ActionOutcomeResponse, 0, len(r.Actions)),
		Error:    errString(r.Error),
	}
	for _, a := range r.Actions {
		res.Actions = append(res.Actions, ActionOutcomeResponse{
			Type:      a.Action.Type(),
			Succeeded: a.Succeeded,
			Error:     errString(a.Error),
		})
	}
	for _, d := range r.Diagnostics {
		res.Diagnostics = append(res.Diagnostics, d.Error())
	}
	return res
}

func newSummaryResponse(s rules.RuleEvaluationSummary) SummaryResponse {
	out := SummaryResponse{
		EntityID:    s.EntityID,
		EntityType:  s.EntityType,
		TriggerType: s.TriggerType,
		Results:     make([]RuleResultResponse, 0, len(s.Results)),
		Evaluated:   s.Evaluated,
		Matched:     s.Matched,
		Failed:      s.Failed,
		Duration:    s.Duration.String(),
		Error:       errString(s.Error),
	}
	for _, r := range s.Results {
		out.Results = append(out.Results, newRuleResultResponse(r))
	}
	return out
}

// EntityResponse is a CRM record in API responses
type EntityResponse struct {
	ID                string         `json:"id"`
	Type              entity.Type    `json:"type"`
	Name              string         `json:"name"`
	Amount            *float64       `json:"amount,omitempty"`
	Currency          string         `json:"currency,omitempty"`
	Priority          string         `json:"priority,omitempty"`
	Status            string         `json:"status,omitempty"`
	AssigneeID        string         `json:"assignedToUserId,omitempty"`
	CreatorID         string         `json:"createdByUserId,omitempty"`
	ExpectedCloseDate *time.Time     `json:"expectedCloseDate,omitempty"`
	ManualProbability *float64       `json:"dealSpecificProbability,omitempty"`
	WorkflowID        string         `json:"wfmWorkflowId,omitempty"`
	CurrentStepID     string         `json:"currentWfmStepId,omitempty"`
	CurrentStatusID   string         `json:"currentWfmStatusId,omitempty"`
	Version           int64          `json:"version"`
	Custom            map[string]any `json:"customFields,omitempty"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

func newEntityResponse(s entity.Snapshot) EntityResponse {
	return EntityResponse{
		ID:                s.ID,
		Type:              s.Type,
		Name:              s.Name,
		Amount:            s.Amount,
		Currency:          s.Currency,
		Priority:          s.Priority,
		Status:            s.Status,
		AssigneeID:        s.AssigneeID,
		CreatorID:         s.CreatorID,
		ExpectedCloseDate: s.ExpectedCloseDate,
		ManualProbability: s.ManualProbability,
		WorkflowID:        s.WorkflowID,
		CurrentStepID:     s.CurrentStepID,
		CurrentStatusID:   s.CurrentStatusID,
		Version:           s.Version,
		Custom:            s.Custom,
		UpdatedAt:         s.UpdatedAt,
	}
}

// ProgressRequest moves a deal to a workflow step
type ProgressRequest struct {
	TargetStepID string `json:"targetStepId"`
}

// ProgressResponse reports a deal's step move
type ProgressResponse struct {
	Deal           EntityResponse      `json:"deal"`
	Moved          bool                `json:"moved"`
	TargetIsFinal  bool                `json:"targetIsFinalStep"`
	Probability    workflow.Resolution `json:"effectiveProbability"`
	RuleEvaluation SummaryResponse     `json:"ruleEvaluation"`
}

// EventRequest raises a lifecycle event for an entity
type EventRequest struct {
	EntityID      string   `json:"entityId"`
	TriggerType   string   `json:"triggerType"`
	Lifecycle     string   `json:"lifecycle,omitempty"`
	ChangedFields []string `json:"changedFields,omitempty"`
}

// SchemaRequest replaces the tenant's custom field schema
type SchemaRequest struct {
	Definition multitenantengine.Schema `json:"definition"`
}

// SchemaResponse is the tenant's schema, with the rules it invalidated on update
type SchemaResponse struct {
	Definition    multitenantengine.Schema `json:"definition"`
	BuiltinFields map[entity.Type][]string `json:"builtinFields,omitempty"`
	InvalidRules  map[string]string        `json:"invalidRules,omitempty"`
}

// TestRuleRequest matches a rule against a stored entity without running its actions
type TestRuleRequest struct {
	EntityID string `json:"entityId"`
}

// RunResponse summarizes a manual run of a scheduled rule
type RunResponse struct {
	RuleID    string `json:"ruleId"`
	Evaluated int    `json:"rulesEvaluated"`
	Matched   int    `json:"rulesMatched"`
	Failed    int    `json:"rulesFailed"`
}

// ErrorResponse is the single error body every failing endpoint returns
type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	Details []string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
	TenantsLoaded int    `json:"tenantsLoaded"`
	Errors        int64  `json:"errors"`
	Warnings      int64  `json:"warnings"`
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
