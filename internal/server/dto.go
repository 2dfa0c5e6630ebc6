package server

import (
	"encoding/json"

	"govline/internal/domain"
)

type CreateConfigRequest struct {
	Definition domain.WorkflowDefinition `json:"definition"`
}

type UpdateConfigRequest struct {
	Definition domain.WorkflowDefinition `json:"definition"`
}

type ConfigResponse struct {
	ID         string                    `json:"id"`
	TenantID   string                    `json:"tenant_id"`
	Version    int                       `json:"version"`
	IsActive   bool                      `json:"is_active"`
	Definition domain.WorkflowDefinition `json:"definition"`
	CreatedAt  string                    `json:"created_at"`
}

func configResponse(c domain.WorkflowConfig) ConfigResponse {
	return ConfigResponse{
		ID:         c.ID,
		TenantID:   c.TenantID,
		Version:    c.Version,
		IsActive:   c.IsActive,
		Definition: c.Definition,
		CreatedAt:  c.CreatedAt,
	}
}

func mapConfigs(items []domain.WorkflowConfig) []ConfigResponse {
	out := make([]ConfigResponse, len(items))
	for i, c := range items {
		out[i] = configResponse(c)
	}
	return out
}

type StartInstanceRequest struct {
	ConfigID      string `json:"config_id"`
	ConfigVersion int    `json:"config_version,omitempty"`
	EntityType    string `json:"entity_type" enum:"agent,vendor,assessment"`
	EntityID      string `json:"entity_id"`
}

type InstanceResponse struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	ConfigID       string `json:"config_id"`
	ConfigVersion  int    `json:"config_version"`
	EntityType     string `json:"entity_type"`
	EntityID       string `json:"entity_id"`
	CurrentStageID string `json:"current_stage_id"`
	StageVisit     int    `json:"stage_visit"`
	Status         string `json:"status"`
	Version        int64  `json:"version"`
	CreatedAt      string `json:"created_at"`
	StageEnteredAt string `json:"stage_entered_at"`
}

func instanceResponse(in domain.Instance) InstanceResponse {
	return InstanceResponse{
		ID:             in.ID,
		TenantID:       in.TenantID,
		ConfigID:       in.ConfigID,
		ConfigVersion:  in.ConfigVersion,
		EntityType:     string(in.EntityType),
		EntityID:       in.EntityID,
		CurrentStageID: in.CurrentStageID,
		StageVisit:     in.StageVisit,
		Status:         string(in.Status),
		Version:        in.Version,
		CreatedAt:      in.CreatedAt,
		StageEnteredAt: in.StageEnteredAt,
	}
}

func mapInstances(items []domain.Instance) []InstanceResponse {
	out := make([]InstanceResponse, len(items))
	for i, in := range items {
		out[i] = instanceResponse(in)
	}
	return out
}

type TransitionRequest struct {
	Decision        string `json:"decision"`
	ExpectedVersion int64  `json:"expected_version"`
}

type CancelRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

type ApprovalRequest struct {
	Decision        string `json:"decision" enum:"approve,reject,needs_revision"`
	Comment         string `json:"comment,omitempty"`
	ExpectedVersion int64  `json:"expected_version"`
}

type ApprovalResponse struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	StageID    string `json:"stage_id"`
	StageVisit int    `json:"stage_visit"`
	ApproverID string `json:"approver_id"`
	Decision   string `json:"decision"`
	Comment    string `json:"comment,omitempty"`
	Superseded bool   `json:"superseded"`
	DecidedAt  string `json:"decided_at"`
}

func approvalResponse(s domain.ApprovalStep) ApprovalResponse {
	return ApprovalResponse{
		ID:         s.ID,
		InstanceID: s.InstanceID,
		StageID:    s.StageID,
		StageVisit: s.StageVisit,
		ApproverID: s.ApproverID,
		Decision:   string(s.Decision),
		Comment:    s.Comment,
		Superseded: s.Superseded,
		DecidedAt:  s.DecidedAt,
	}
}

func mapApprovals(items []domain.ApprovalStep) []ApprovalResponse {
	out := make([]ApprovalResponse, len(items))
	for i, s := range items {
		out[i] = approvalResponse(s)
	}
	return out
}

type AuditEntryResponse struct {
	InstanceID string          `json:"instance_id"`
	Seq        int64           `json:"seq"`
	Type       string          `json:"type"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
	PrevHash   string          `json:"prev_hash,omitempty"`
	Hash       string          `json:"hash,omitempty"`
	RecordedAt string          `json:"recorded_at"`
}

func auditEntryResponse(e domain.AuditEntry) AuditEntryResponse {
	payload := json.RawMessage(`{}`)
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return AuditEntryResponse{
		InstanceID: e.InstanceID,
		Seq:        e.Seq,
		Type:       string(e.Type),
		ActorID:    e.ActorID,
		Payload:    payload,
		PrevHash:   e.PrevHash,
		Hash:       e.Hash,
		RecordedAt: e.RecordedAt,
	}
}

func mapAuditEntries(items []domain.AuditEntry) []AuditEntryResponse {
	out := make([]AuditEntryResponse, len(items))
	for i, e := range items {
		out[i] = auditEntryResponse(e)
	}
	return out
}

type RoleGrantRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}
