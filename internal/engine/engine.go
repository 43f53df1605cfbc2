package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine/access"
	"stageline/internal/events"
	"stageline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Access access.Service
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Access: access.Service{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// today renders the current calendar date pinned to local noon.
func (e Engine) today() string {
	t := e.now().In(time.Local)
	return time.Date(t.Year(), t.Month(), t.Day(), 12, 0, 0, 0, time.Local).Format(dateLayout)
}

func newID() string {
	return uuid.NewString()
}

// projectForEditTx loads a project and checks the actor may mutate its
// contents: owner or collaborator, and not locked by an explicit completion.
func (e Engine) projectForEditTx(ctx context.Context, tx *sql.Tx, projectID, actorID string) (domain.Project, error) {
	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return p, err
	}
	ok, err := e.Access.CanEditTx(ctx, tx, projectID, actorID)
	if err != nil {
		return p, err
	}
	if !ok {
		return p, access.DeniedError{ProjectID: projectID, ManagerID: actorID}
	}
	if p.CompletedLocked {
		return p, access.LockedError{ProjectID: projectID}
	}
	return p, nil
}

// projectForOwnerTx loads a project and checks the actor owns it. Owner
// operations stay available after the completion lock.
func (e Engine) projectForOwnerTx(ctx context.Context, tx *sql.Tx, projectID, actorID string) (domain.Project, error) {
	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return p, err
	}
	ok, err := e.Access.IsOwnerTx(ctx, tx, projectID, actorID)
	if err != nil {
		return p, err
	}
	if !ok {
		return p, access.DeniedError{ProjectID: projectID, ManagerID: actorID}
	}
	return p, nil
}

// deriveTx recomputes the project status and persists it when it changed,
// appending a derivation event inside the same transaction.
func (e Engine) deriveTx(ctx context.Context, tx *sql.Tx, projectID, actorID string) (string, error) {
	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return "", err
	}
	stages, err := e.Repo.ListProjectStagesTx(ctx, tx, projectID)
	if err != nil {
		return "", err
	}
	next := Derive(p.Status, stages)
	if next == p.Status {
		return next, nil
	}
	if err := e.Repo.UpdateProjectStatusTx(ctx, tx, projectID, next); err != nil {
		return "", err
	}
	err = e.Events.Append(ctx, tx, "project.status.derived", projectID, "project", projectID, actorID,
		events.EventPayload{"from": p.Status, "to": next})
	return next, err
}

// --- projects ---

func (e Engine) CreateProject(ctx context.Context, name, description, ownerID string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, validationErr("name", "is required")
	}
	if ownerID == "" {
		return domain.Project{}, validationErr("owner", "is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureManager(ctx, tx, ownerID, e.nowStamp()); err != nil {
		return domain.Project{}, err
	}
	p := domain.Project{
		ID:          newID(),
		Name:        name,
		Description: description,
		Status:      domain.ProjectPending,
		OwnerID:     ownerID,
		CreatedAt:   e.today(),
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, ownerID,
		events.EventPayload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) ShareProject(ctx context.Context, projectID, managerID, actorID string) error {
	if managerID == "" {
		return validationErr("manager", "is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.projectForOwnerTx(ctx, tx, projectID, actorID); err != nil {
		return err
	}
	if err := e.Repo.EnsureManager(ctx, tx, managerID, e.nowStamp()); err != nil {
		return err
	}
	if err := e.Repo.AddShareTx(ctx, tx, projectID, managerID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.shared", projectID, "project", projectID, actorID,
		events.EventPayload{"manager": managerID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) UnshareProject(ctx context.Context, projectID, managerID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.projectForOwnerTx(ctx, tx, projectID, actorID); err != nil {
		return err
	}
	if err := e.Repo.RemoveShareTx(ctx, tx, projectID, managerID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.unshared", projectID, "project", projectID, actorID,
		events.EventPayload{"manager": managerID}); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkProjectCompleted forces the project to completed and locks further stage
// and connection mutation. There is no unlock path.
func (e Engine) MarkProjectCompleted(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.projectForOwnerTx(ctx, tx, projectID, actorID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.LockProjectCompletedTx(ctx, tx, projectID); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.completed", projectID, "project", projectID, actorID,
		events.EventPayload{"from": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.Status = domain.ProjectCompleted
	p.CompletedLocked = true
	return p, nil
}

// ArchiveProject sets the manual archived status. The deriver leaves archived
// projects untouched from then on.
func (e Engine) ArchiveProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.projectForOwnerTx(ctx, tx, projectID, actorID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.UpdateProjectStatusTx(ctx, tx, projectID, domain.ProjectArchived); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.archived", projectID, "project", projectID, actorID,
		events.EventPayload{"from": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.Status = domain.ProjectArchived
	return p, nil
}

func (e Engine) DeleteProject(ctx context.Context, projectID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.projectForOwnerTx(ctx, tx, projectID, actorID); err != nil {
		return err
	}
	if err := e.Repo.DeleteProjectTx(ctx, tx, projectID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.deleted", projectID, "project", projectID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ProjectStatus returns the project with its per-status stage counts.
func (e Engine) ProjectStatus(ctx context.Context, projectID string) (domain.Project, map[string]int, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, nil, err
	}
	counts, err := e.Repo.CountProjectStagesByStatus(ctx, projectID)
	if err != nil {
		return domain.Project{}, nil, err
	}
	return p, counts, nil
}

// --- stage catalog ---

func (e Engine) CreateStage(ctx context.Context, name, description, ownerProjectID, actorID string) (domain.Stage, error) {
	name, err := e.validateStageName(name)
	if err != nil {
		return domain.Stage{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()

	s := domain.Stage{
		ID:          newID(),
		Name:        name,
		Description: description,
		CreatedAt:   e.nowStamp(),
	}
	if ownerProjectID != "" {
		if _, err := e.projectForEditTx(ctx, tx, ownerProjectID, actorID); err != nil {
			return domain.Stage{}, err
		}
		s.IsCustom = true
		s.OwnerProjectID = &ownerProjectID
	}
	if err := e.Repo.InsertStageTx(ctx, tx, s); err != nil {
		return domain.Stage{}, err
	}
	if err := e.Events.Append(ctx, tx, "stage.created", ownerProjectID, "stage", s.ID, actorID,
		events.EventPayload{"name": s.Name, "custom": s.IsCustom}); err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}
	return s, nil
}

func (e Engine) UpdateStage(ctx context.Context, id string, name, description *string, actorID string) (domain.Stage, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStageTx(ctx, tx, id)
	if err != nil {
		return domain.Stage{}, err
	}
	if s.IsCustom && s.OwnerProjectID != nil {
		if _, err := e.projectForEditTx(ctx, tx, *s.OwnerProjectID, actorID); err != nil {
			return domain.Stage{}, err
		}
	}
	if name != nil {
		clean, err := e.validateStageName(*name)
		if err != nil {
			return domain.Stage{}, err
		}
		s.Name = clean
	}
	if description != nil {
		s.Description = *description
	}
	if err := e.Repo.UpdateStageTx(ctx, tx, s); err != nil {
		return domain.Stage{}, err
	}
	projectID := ""
	if s.OwnerProjectID != nil {
		projectID = *s.OwnerProjectID
	}
	if err := e.Events.Append(ctx, tx, "stage.updated", projectID, "stage", s.ID, actorID,
		events.EventPayload{"name": s.Name}); err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}
	return s, nil
}

// DeleteStage removes a catalog entry. A custom stage cascades through its
// project's attachments and connections and re-derives the project status. A
// global stage only deletes when nothing references it.
func (e Engine) DeleteStage(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStageTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if s.IsCustom && s.OwnerProjectID != nil {
		if _, err := e.projectForOwnerTx(ctx, tx, *s.OwnerProjectID, actorID); err != nil {
			return err
		}
		attachments, err := e.Repo.ListStageAttachmentsTx(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, ps := range attachments {
			if _, err := e.Repo.DeleteConnectionsByEndpointTx(ctx, tx, ps.ID); err != nil {
				return err
			}
			if err := e.Repo.DeleteProjectStageTx(ctx, tx, ps.ID); err != nil {
				return err
			}
		}
		if err := e.Repo.DeleteStageTx(ctx, tx, id); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "stage.deleted", *s.OwnerProjectID, "stage", id, actorID, nil); err != nil {
			return err
		}
		if _, err := e.deriveTx(ctx, tx, *s.OwnerProjectID, actorID); err != nil {
			return err
		}
		return tx.Commit()
	}

	refs, err := e.Repo.CountStageRefsTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if refs > 0 {
		return ConflictError{Reason: "stage is attached to projects"}
	}
	if err := e.Repo.DeleteStageTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "stage.deleted", "", "stage", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// --- project stages ---

// AttachStageOptions are parameters for attaching a catalog stage to a project.
type AttachStageOptions struct {
	ProjectID      string
	StageID        string
	Status         string
	StartDate      string
	CompletionDate string
	ActorID        string
}

func (e Engine) AttachStage(ctx context.Context, opts AttachStageOptions) (domain.ProjectStage, error) {
	if opts.Status == "" {
		opts.Status = domain.StageOngoing
	}
	if opts.Status != domain.StageOngoing && opts.Status != domain.StageCompleted {
		return domain.ProjectStage{}, validationErr("status", "must be ongoing or completed")
	}
	start, err := normalizeDatePtr("start_date", &opts.StartDate)
	if err != nil {
		return domain.ProjectStage{}, err
	}
	completion, err := normalizeDatePtr("completion_date", &opts.CompletionDate)
	if err != nil {
		return domain.ProjectStage{}, err
	}
	if start == nil {
		return domain.ProjectStage{}, validationErr("start_date", "is required")
	}
	if opts.Status == domain.StageCompleted && completion == nil {
		return domain.ProjectStage{}, validationErr("completion_date", "is required for a completed stage")
	}
	if opts.Status == domain.StageOngoing {
		completion = nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectStage{}, err
	}
	defer tx.Rollback()

	if _, err := e.projectForEditTx(ctx, tx, opts.ProjectID, opts.ActorID); err != nil {
		return domain.ProjectStage{}, err
	}
	s, err := e.Repo.GetStageTx(ctx, tx, opts.StageID)
	if err != nil {
		return domain.ProjectStage{}, err
	}
	if s.IsCustom && (s.OwnerProjectID == nil || *s.OwnerProjectID != opts.ProjectID) {
		return domain.ProjectStage{}, validationErr("stage", "belongs to another project")
	}
	var attached int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM project_stages WHERE project_id=? AND stage_id=?`,
		opts.ProjectID, opts.StageID).Scan(&attached); err != nil {
		return domain.ProjectStage{}, err
	}
	if attached > 0 {
		return domain.ProjectStage{}, validationErr("stage", "is already attached to the project")
	}
	rank, err := e.Repo.NextStageRankTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.ProjectStage{}, err
	}
	ps := domain.ProjectStage{
		ID:             newID(),
		ProjectID:      opts.ProjectID,
		StageID:        opts.StageID,
		Status:         opts.Status,
		StartDate:      start,
		CompletionDate: completion,
		Rank:           rank,
		CreatedAt:      e.nowStamp(),
	}
	if err := e.Repo.InsertProjectStageTx(ctx, tx, ps); err != nil {
		return domain.ProjectStage{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.stage.attached", opts.ProjectID, "project_stage", ps.ID, opts.ActorID,
		events.EventPayload{"stage": opts.StageID, "status": ps.Status, "rank": rank}); err != nil {
		return domain.ProjectStage{}, err
	}
	if _, err := e.deriveTx(ctx, tx, opts.ProjectID, opts.ActorID); err != nil {
		return domain.ProjectStage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectStage{}, err
	}
	ps.Stage = &s
	return ps, nil
}

// UpdateProjectStageOptions are parameters for updating an attached stage. Nil
// means leave the field alone.
type UpdateProjectStageOptions struct {
	ID             string
	Status         *string
	StartDate      *string
	CompletionDate *string
	ActorID        string
}

func (e Engine) UpdateProjectStage(ctx context.Context, opts UpdateProjectStageOptions) (domain.ProjectStage, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectStage{}, err
	}
	defer tx.Rollback()

	ps, err := e.Repo.GetProjectStageTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.ProjectStage{}, err
	}
	if _, err := e.projectForEditTx(ctx, tx, ps.ProjectID, opts.ActorID); err != nil {
		return domain.ProjectStage{}, err
	}

	if opts.Status != nil {
		if *opts.Status != domain.StageOngoing && *opts.Status != domain.StageCompleted {
			return domain.ProjectStage{}, validationErr("status", "must be ongoing or completed")
		}
		ps.Status = *opts.Status
	}
	if opts.StartDate != nil {
		start, err := normalizeDatePtr("start_date", opts.StartDate)
		if err != nil {
			return domain.ProjectStage{}, err
		}
		if start == nil {
			return domain.ProjectStage{}, validationErr("start_date", "cannot be cleared")
		}
		ps.StartDate = start
	}
	if opts.CompletionDate != nil {
		completion, err := normalizeDatePtr("completion_date", opts.CompletionDate)
		if err != nil {
			return domain.ProjectStage{}, err
		}
		ps.CompletionDate = completion
	}
	if ps.Status == domain.StageCompleted {
		if ps.CompletionDate == nil {
			return domain.ProjectStage{}, validationErr("completion_date", "is required for a completed stage")
		}
	} else {
		ps.CompletionDate = nil
	}

	if err := e.Repo.UpdateProjectStageTx(ctx, tx, ps); err != nil {
		return domain.ProjectStage{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.stage.updated", ps.ProjectID, "project_stage", ps.ID, opts.ActorID,
		events.EventPayload{"status": ps.Status}); err != nil {
		return domain.ProjectStage{}, err
	}
	if _, err := e.deriveTx(ctx, tx, ps.ProjectID, opts.ActorID); err != nil {
		return domain.ProjectStage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectStage{}, err
	}
	return ps, nil
}

// DetachStage removes an attached stage, its connections in both directions,
// and the backing catalog entry when the stage is custom to this project.
func (e Engine) DetachStage(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ps, err := e.Repo.GetProjectStageTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if _, err := e.projectForEditTx(ctx, tx, ps.ProjectID, actorID); err != nil {
		return err
	}
	if _, err := e.Repo.DeleteConnectionsByEndpointTx(ctx, tx, ps.ID); err != nil {
		return err
	}
	if err := e.Repo.DeleteProjectStageTx(ctx, tx, ps.ID); err != nil {
		return err
	}
	s, err := e.Repo.GetStageTx(ctx, tx, ps.StageID)
	if err != nil && err != repo.ErrNotFound {
		return err
	}
	if err == nil && s.IsCustom && s.OwnerProjectID != nil && *s.OwnerProjectID == ps.ProjectID {
		if err := e.Repo.DeleteStageTx(ctx, tx, s.ID); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "project.stage.detached", ps.ProjectID, "project_stage", ps.ID, actorID,
		events.EventPayload{"stage": ps.StageID}); err != nil {
		return err
	}
	if _, err := e.deriveTx(ctx, tx, ps.ProjectID, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- connections ---

func (e Engine) ConnectStages(ctx context.Context, projectID, fromID, toID, actorID string) (domain.StageConnection, error) {
	if fromID == toID {
		return domain.StageConnection{}, validationErr("to", "cannot connect a stage to itself")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageConnection{}, err
	}
	defer tx.Rollback()

	if _, err := e.projectForEditTx(ctx, tx, projectID, actorID); err != nil {
		return domain.StageConnection{}, err
	}
	for _, endpoint := range []string{fromID, toID} {
		ps, err := e.Repo.GetProjectStageTx(ctx, tx, endpoint)
		if err != nil {
			return domain.StageConnection{}, err
		}
		if ps.ProjectID != projectID {
			return domain.StageConnection{}, validationErr("stage", "belongs to another project")
		}
	}
	exists, err := e.Repo.ConnectionExistsTx(ctx, tx, projectID, fromID, toID)
	if err != nil {
		return domain.StageConnection{}, err
	}
	if exists {
		return domain.StageConnection{}, ConflictError{Reason: "connection already exists"}
	}
	c := domain.StageConnection{
		ID:        newID(),
		ProjectID: projectID,
		FromStage: fromID,
		ToStage:   toID,
		CreatedAt: e.nowStamp(),
	}
	if err := e.Repo.InsertConnectionTx(ctx, tx, c); err != nil {
		return domain.StageConnection{}, err
	}
	if err := e.Events.Append(ctx, tx, "connection.created", projectID, "connection", c.ID, actorID,
		events.EventPayload{"from": fromID, "to": toID}); err != nil {
		return domain.StageConnection{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StageConnection{}, err
	}
	return c, nil
}

// DisconnectStages deletes a directed connection. The project status is not
// re-derived; connections never feed the deriver.
func (e Engine) DisconnectStages(ctx context.Context, connectionID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if _, err := e.projectForEditTx(ctx, tx, c.ProjectID, actorID); err != nil {
		return err
	}
	if err := e.Repo.DeleteConnectionTx(ctx, tx, c.ProjectID, c.FromStage, c.ToStage); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "connection.deleted", c.ProjectID, "connection", c.ID, actorID,
		events.EventPayload{"from": c.FromStage, "to": c.ToStage}); err != nil {
		return err
	}
	return tx.Commit()
}
