package domain

// Project statuses. Only pending, ongoing, and completed are ever written by
// derivation; archived is manual-only.
const (
	ProjectPending   = "pending"
	ProjectOngoing   = "ongoing"
	ProjectCompleted = "completed"
	ProjectArchived  = "archived"
)

// ProjectStage statuses. A stage is absent until attached, then immediately
// ongoing or completed.
const (
	StageOngoing   = "ongoing"
	StageCompleted = "completed"
)

type Project struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	Status          string   `json:"status" enum:"pending,ongoing,completed,archived"`
	OwnerID         string   `json:"owner_id"`
	SharedWith      []string `json:"shared_with,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date"`
	CompletedLocked bool     `json:"completed_locked"`
}

// Stage is a catalog entry. Global stages (IsCustom false) are shared across
// all projects of all managers; custom stages belong to exactly one project.
type Stage struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	IsCustom       bool    `json:"is_custom"`
	OwnerProjectID *string `json:"owner_project_id,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// ProjectStage binds one catalog Stage to one Project. Rank comes from the
// project's attach counter and is never reused after detach.
type ProjectStage struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	StageID        string  `json:"stage_id"`
	Status         string  `json:"status" enum:"ongoing,completed"`
	StartDate      *string `json:"start_date,omitempty" format:"date"`
	CompletionDate *string `json:"completion_date,omitempty" format:"date"`
	Rank           int     `json:"rank"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	Stage          *Stage  `json:"stage,omitempty"`
}

// StageConnection is a directed "from precedes to" edge between two
// ProjectStages of the same project. Advisory only: no ordering is enforced
// and cycles are permitted.
type StageConnection struct {
	ID        string        `json:"id"`
	ProjectID string        `json:"project_id"`
	FromStage string        `json:"from_stage"`
	ToStage   string        `json:"to_stage"`
	CreatedAt string        `json:"created_at" format:"date-time"`
	From      *ProjectStage `json:"from,omitempty"`
	To        *ProjectStage `json:"to,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ManagerID string `json:"manager_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
