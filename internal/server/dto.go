package server

import (
	"encoding/json"

	"stageline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

type ShareRequest struct {
	ManagerID string `json:"manager_id"`
}

type CreateStageRequest struct {
	Name           string  `json:"name"`
	Description    *string `json:"description,omitempty"`
	OwnerProjectID *string `json:"owner_project_id,omitempty"`
}

type UpdateStageRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type AttachStageRequest struct {
	StageID        string  `json:"stage_id"`
	Status         string  `json:"status,omitempty" enum:"ongoing,completed"`
	StartDate      string  `json:"start_date" format:"date"`
	CompletionDate *string `json:"completion_date,omitempty" format:"date"`
}

type UpdateProjectStageRequest struct {
	Status         *string `json:"status,omitempty" enum:"ongoing,completed"`
	StartDate      *string `json:"start_date,omitempty" format:"date"`
	CompletionDate *string `json:"completion_date,omitempty" format:"date"`
}

type ConnectStagesRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type DevLoginRequest struct {
	ManagerID string `json:"manager_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type ProjectResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status" enum:"pending,ongoing,completed,archived"`
	OwnerID     string   `json:"owner_id"`
	SharedWith  []string `json:"shared_with,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date"`
	Locked      bool     `json:"locked"`
}

type StageResponse struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	IsCustom       bool    `json:"is_custom"`
	OwnerProjectID *string `json:"owner_project_id,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type ProjectStageResponse struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	StageID        string         `json:"stage_id"`
	Status         string         `json:"status" enum:"ongoing,completed"`
	StartDate      *string        `json:"start_date,omitempty" format:"date"`
	CompletionDate *string        `json:"completion_date,omitempty" format:"date"`
	Rank           int            `json:"rank"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	Stage          *StageResponse `json:"stage,omitempty"`
}

type ConnectionResponse struct {
	ID        string                `json:"id"`
	ProjectID string                `json:"project_id"`
	From      *ProjectStageResponse `json:"from,omitempty"`
	To        *ProjectStageResponse `json:"to,omitempty"`
	FromStage string                `json:"from_stage"`
	ToStage   string                `json:"to_stage"`
	CreatedAt string                `json:"created_at" format:"date-time"`
}

type ProjectStatusResponse struct {
	ProjectID   string         `json:"project_id"`
	Status      string         `json:"status" enum:"pending,ongoing,completed,archived"`
	Locked      bool           `json:"locked"`
	StageCounts map[string]int `json:"stage_counts"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Status:      p.Status,
		OwnerID:     p.OwnerID,
		SharedWith:  p.SharedWith,
		CreatedAt:   p.CreatedAt,
		Locked:      p.CompletedLocked,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func stageResponse(s domain.Stage) StageResponse {
	return StageResponse{
		ID:             s.ID,
		Name:           s.Name,
		Description:    s.Description,
		IsCustom:       s.IsCustom,
		OwnerProjectID: s.OwnerProjectID,
		CreatedAt:      s.CreatedAt,
	}
}

func mapStages(items []domain.Stage) []StageResponse {
	res := make([]StageResponse, 0, len(items))
	for _, s := range items {
		res = append(res, stageResponse(s))
	}
	return res
}

func projectStageResponse(ps domain.ProjectStage) ProjectStageResponse {
	res := ProjectStageResponse{
		ID:             ps.ID,
		ProjectID:      ps.ProjectID,
		StageID:        ps.StageID,
		Status:         ps.Status,
		StartDate:      ps.StartDate,
		CompletionDate: ps.CompletionDate,
		Rank:           ps.Rank,
		CreatedAt:      ps.CreatedAt,
	}
	if ps.Stage != nil {
		s := stageResponse(*ps.Stage)
		res.Stage = &s
	}
	return res
}

func mapProjectStages(items []domain.ProjectStage) []ProjectStageResponse {
	res := make([]ProjectStageResponse, 0, len(items))
	for _, ps := range items {
		res = append(res, projectStageResponse(ps))
	}
	return res
}

func connectionResponse(c domain.StageConnection) ConnectionResponse {
	res := ConnectionResponse{
		ID:        c.ID,
		ProjectID: c.ProjectID,
		FromStage: c.FromStage,
		ToStage:   c.ToStage,
		CreatedAt: c.CreatedAt,
	}
	if c.From != nil {
		from := projectStageResponse(*c.From)
		res.From = &from
	}
	if c.To != nil {
		to := projectStageResponse(*c.To)
		res.To = &to
	}
	return res
}

func mapConnections(items []domain.StageConnection) []ConnectionResponse {
	res := make([]ConnectionResponse, 0, len(items))
	for _, c := range items {
		res = append(res, connectionResponse(c))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{}
	}
	return m
}
