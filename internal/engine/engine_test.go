package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/engine/access"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

const owner = "alice"

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) mustProject(t *testing.T, name string) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, name, "", owner)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func (env testEnv) mustStage(t *testing.T, name string) domain.Stage {
	t.Helper()
	s, err := env.Engine.CreateStage(env.Ctx, name, "", "", owner)
	if err != nil {
		t.Fatalf("create stage %s: %v", name, err)
	}
	return s
}

func (env testEnv) mustAttach(t *testing.T, projectID, stageID, status, start, completion string) domain.ProjectStage {
	t.Helper()
	ps, err := env.Engine.AttachStage(env.Ctx, engine.AttachStageOptions{
		ProjectID:      projectID,
		StageID:        stageID,
		Status:         status,
		StartDate:      start,
		CompletionDate: completion,
		ActorID:        owner,
	})
	if err != nil {
		t.Fatalf("attach stage: %v", err)
	}
	return ps
}

func (env testEnv) status(t *testing.T, projectID string) domain.Project {
	t.Helper()
	p, err := env.Engine.Repo.GetProject(env.Ctx, projectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	return p
}

func TestFirstStageStartsProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.mustProject(t, "Website")
	if p.Status != domain.ProjectPending {
		t.Fatalf("new project status = %q, want pending", p.Status)
	}
	s := env.mustStage(t, "Planning")
	env.mustAttach(t, p.ID, s.ID, "ongoing", "2024-03-01", "")
	if got := env.status(t, p.ID).Status; got != domain.ProjectOngoing {
		t.Fatalf("status after first attach = %q, want ongoing", got)
	}
}

func TestAllStagesCompletedCompletesProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.mustProject(t, "Website")
	s1 := env.mustStage(t, "Planning")
	s2 := env.mustStage(t, "Delivery")
	ps1 := env.mustAttach(t, p.ID, s1.ID, "ongoing", "2024-03-01", "")
	env.mustAttach(t, p.ID, s2.ID, "completed", "2024-03-02", "2024-03-10")
	if got := env.status(t, p.ID).Status; got != domain.ProjectOngoing {
		t.Fatalf("status with one ongoing stage = %q, want ongoing", got)
	}
	done := "completed"
	completion := "2024-03-12"
	if _, err := env.Engine.UpdateProjectStage(env.Ctx, engine.UpdateProjectStageOptions{
		ID: ps1.ID, Status: &done, CompletionDate: &completion, ActorID: owner,
	}); err != nil {
		t.Fatalf("complete stage: %v", err)
	}
	p = env.status(t, p.ID)
	if p.Status != domain.ProjectCompleted {
		t.Fatalf("status = %q, want completed", p.Status)
	}
	if p.CompletedLocked {
		t.Fatalf("derived completion must not lock the project")
	}
}

func TestAttachReopensDerivedCompletedProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.mustProject(t, "Website")
	s1 := env.mustStage(t, "Planning")
	env.mustAttach(t, p.ID, s1.ID, "completed", "2024-03-01", "2024-03-05")
	if got := env.status(t, p.ID).Status; got != domain.ProjectCompleted {
		t.Fatalf("status = %q, want completed", got)
	}
	s2 := env.mustStage(t, "Delivery")
	env.mustAttach(t, p.ID, s2.ID, "ongoing", "2024-03-06", "")
	if got := env.status(t, p.ID).Status; got != domain.ProjectOngoing {
		t.Fatalf("status after reopening attach = %q, want ongoing", got)
	}
}

func TestDetachAllStagesResetsToPending(t *testing.T) {
	env := newTestEnv(t)
	p := env.mustProject(t, "Website")
	s := env.mustStage(t, "Planning")
	ps := env.mustAttach(t, p.ID, s.ID, "ongoing", "2024-03-01", "")
	if err := env.Engine.DetachStage(env.Ctx, ps.ID, owner); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if got := env.status(t, p.ID).Status; got != domain.ProjectPending {
		t.Fatalf("status after detaching everything = %q, want pending", got)
	}
}

func TestMarkCompletedLocksProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.mustProject(t, "Website")
	s := env.mustStage(t, "Planning")
	env.mustAttach(t, p.ID, s.ID, "ongoing", "2024-03-01", "")

	locked, err := env.Engine.MarkProjectCompleted(env.Ctx, p.ID, owner)
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if locked.Status != domain.ProjectCompleted || !locked.CompletedLocked {
		t.Fatalf("got status=%q locked=%v, want completed and locked", locked.Status, locked.CompletedLocked)
	}

	s2 := env.mustStage(t, "Delivery")
	_, err = env.Engine.AttachStage(env.Ctx, engine.AttachStageOptions{
		ProjectID: p.ID, StageID: s2.ID, Status: "ongoing", StartDate: "2024-03-06", ActorID: owner,
	})
	var le access.LockedError
	if !errors.As(err, &le) {
		t.Fatalf("attach to locked project: got %v, want LockedError", err)
	}
}

func TestRanksAreNeverReused(t *testing.T) {
	env := newTestEnv(t)
	p := env.mustProject(t, "Website")
	s1 := env.mustStage(t, "Planning")
	s2 := env.mustStage(t, "Design")
	s3 := env.mustStage(t, "Delivery")
	ps1 := env.mustAttach(t, p.ID, s1.ID, "ongoing", "2024-03-01", "")
	ps2 := env.mustAttach(t, p.ID, s2.ID, "ongoing", "2024-03-02", "")
	if ps1.Rank != 1 || ps2.Rank != 2 {
		t.Fatalf("ranks = %d,%d, want 1,2", ps1.Rank, ps2.Rank)
	}
	if err := env.Engine.DetachStage(env.Ctx, ps2.ID, owner); err != nil {
		t.Fatalf("detach: %v", err)
	}
	ps3 := env.mustAttach(t, p.ID, s3.ID, "ongoing", "2024-03-03", "")
	if ps3.Rank != 3 {
		t.Fatalf("rank after detach = %d, want 3", ps3.Rank)
	}
}

func TestStageDateInvariants(t *testing.T) {
	env := newTestEnv(t)
	p := env.mustProject(t, "Website")
	s := env.mustStage(t, "Planning")

	_, err := env.Engine.AttachStage(env.Ctx, engine.AttachStageOptions{
		ProjectID: p.ID, StageID: s.ID, Status: "completed", StartDate: "2024-03-01", ActorID: owner,
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("completed without completion date: got %v, want ValidationError", err)
	}

	ps := env.mustAttach(t, p.ID, s.ID, "completed", "2024-03-01", "2024-03-05")
	back := "ongoing"
	updated, err := env.Engine.UpdateProjectStage(env.Ctx, engine.UpdateProjectStageOptions{
		ID: ps.ID, Status: &back, ActorID: owner,
	})
	if err != nil {
		t.Fatalf("back to ongoing: %v", err)
	}
	if updated.CompletionDate != nil {
		t.Fatalf("completion date must be cleared when the stage is not completed")
	}
}

func TestAttachRejectsDuplicateStage(t *testing.T) {
	env := newTestEnv(t)
	p := env.mustProject(t, "Website")
	s := env.mustStage(t, "Planning")
	env.mustAttach(t, p.ID, s.ID, "ongoing", "2024-03-01", "")
	_, err := env.Engine.AttachStage(env.Ctx, engine.AttachStageOptions{
		ProjectID: p.ID, StageID: s.ID, Status: "ongoing", StartDate: "2024-03-02", ActorID: owner,
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("duplicate attach: got %v, want ValidationError", err)
	}
}

func TestConnections(t *testing.T) {
	env := newTestEnv(t)
	p := env.mustProject(t, "Website")
	s1 := env.mustStage(t, "Planning")
	s2 := env.mustStage(t, "Delivery")
	ps1 := env.mustAttach(t, p.ID, s1.ID, "ongoing", "2024-03-01", "")
	ps2 := env.mustAttach(t, p.ID, s2.ID, "ongoing", "2024-03-02", "")

	if _, err := env.Engine.ConnectStages(env.Ctx, p.ID, ps1.ID, ps1.ID, owner); err == nil {
		t.Fatalf("self connection must be rejected")
	}

	c, err := env.Engine.ConnectStages(env.Ctx, p.ID, ps1.ID, ps2.ID, owner)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err = env.Engine.ConnectStages(env.Ctx, p.ID, ps1.ID, ps2.ID, owner)
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("duplicate edge: got %v, want ConflictError", err)
	}

	// opposite direction is a distinct edge
	if _, err := env.Engine.ConnectStages(env.Ctx, p.ID, ps2.ID, ps1.ID, owner); err != nil {
		t.Fatalf("reverse edge: %v", err)
	}

	status := env.status(t, p.ID).Status
	if err := env.Engine.DisconnectStages(env.Ctx, c.ID, owner); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if got := env.status(t, p.ID).Status; got != status {
		t.Fatalf("disconnect must not change the project status (%q -> %q)", status, got)
	}
}

func TestDetachCascadesConnections(t *testing.T) {
	env := newTestEnv(t)
	p := env.mustProject(t, "Website")
	s1 := env.mustStage(t, "Planning")
	s2 := env.mustStage(t, "Delivery")
	ps1 := env.mustAttach(t, p.ID, s1.ID, "ongoing", "2024-03-01", "")
	ps2 := env.mustAttach(t, p.ID, s2.ID, "ongoing", "2024-03-02", "")
	if _, err := env.Engine.ConnectStages(env.Ctx, p.ID, ps1.ID, ps2.ID, owner); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := env.Engine.ConnectStages(env.Ctx, p.ID, ps2.ID, ps1.ID, owner); err != nil {
		t.Fatalf("connect reverse: %v", err)
	}
	if err := env.Engine.DetachStage(env.Ctx, ps1.ID, owner); err != nil {
		t.Fatalf("detach: %v", err)
	}
	left, err := env.Engine.Repo.ListConnections(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("list connections: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("connections after detach = %d, want 0", len(left))
	}
}

func TestCustomStageLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p := env.mustProject(t, "Website")
	custom, err := env.Engine.CreateStage(env.Ctx, "Migration rehearsal", "", p.ID, owner)
	if err != nil {
		t.Fatalf("create custom stage: %v", err)
	}
	if !custom.IsCustom || custom.OwnerProjectID == nil || *custom.OwnerProjectID != p.ID {
		t.Fatalf("custom stage not bound to project: %+v", custom)
	}

	other := env.mustProject(t, "Other")
	if _, err := env.Engine.AttachStage(env.Ctx, engine.AttachStageOptions{
		ProjectID: other.ID, StageID: custom.ID, Status: "ongoing", StartDate: "2024-03-01", ActorID: owner,
	}); err == nil {
		t.Fatalf("custom stage must not attach to another project")
	}

	ps := env.mustAttach(t, p.ID, custom.ID, "ongoing", "2024-03-01", "")
	if err := env.Engine.DetachStage(env.Ctx, ps.ID, owner); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if _, err := env.Engine.Repo.GetStage(env.Ctx, custom.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("custom stage must be deleted with its attachment, got %v", err)
	}
}

func TestGlobalStageDeleteRequiresNoRefs(t *testing.T) {
	env := newTestEnv(t)
	p := env.mustProject(t, "Website")
	s := env.mustStage(t, "Planning")
	ps := env.mustAttach(t, p.ID, s.ID, "ongoing", "2024-03-01", "")

	err := env.Engine.DeleteStage(env.Ctx, s.ID, owner)
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("delete referenced global stage: got %v, want ConflictError", err)
	}
	if err := env.Engine.DetachStage(env.Ctx, ps.ID, owner); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := env.Engine.DeleteStage(env.Ctx, s.ID, owner); err != nil {
		t.Fatalf("delete unreferenced global stage: %v", err)
	}
}

func TestStageNameValidation(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"ab", "<script>alert(1)</script>", "drop table projects", "x; delete from stages"} {
		if _, err := env.Engine.CreateStage(env.Ctx, name, "", "", owner); err == nil {
			t.Fatalf("stage name %q must be rejected", name)
		}
	}
	if _, err := env.Engine.CreateStage(env.Ctx, "Perfectly Fine Stage", "", "", owner); err != nil {
		t.Fatalf("valid name rejected: %v", err)
	}
}

func TestSharingGrantsEditRights(t *testing.T) {
	env := newTestEnv(t)
	p := env.mustProject(t, "Website")
	s := env.mustStage(t, "Planning")

	_, err := env.Engine.AttachStage(env.Ctx, engine.AttachStageOptions{
		ProjectID: p.ID, StageID: s.ID, Status: "ongoing", StartDate: "2024-03-01", ActorID: "mallory",
	})
	var de access.DeniedError
	if !errors.As(err, &de) {
		t.Fatalf("stranger attach: got %v, want DeniedError", err)
	}

	if err := env.Engine.ShareProject(env.Ctx, p.ID, "bob", owner); err != nil {
		t.Fatalf("share: %v", err)
	}
	if _, err := env.Engine.AttachStage(env.Ctx, engine.AttachStageOptions{
		ProjectID: p.ID, StageID: s.ID, Status: "ongoing", StartDate: "2024-03-01", ActorID: "bob",
	}); err != nil {
		t.Fatalf("collaborator attach: %v", err)
	}

	// share management stays owner-only
	if err := env.Engine.ShareProject(env.Ctx, p.ID, "carol", "bob"); !errors.As(err, &de) {
		t.Fatalf("collaborator share: got %v, want DeniedError", err)
	}
	if err := env.Engine.UnshareProject(env.Ctx, p.ID, "bob", owner); err != nil {
		t.Fatalf("unshare: %v", err)
	}
	if _, err := env.Engine.AttachStage(env.Ctx, engine.AttachStageOptions{
		ProjectID: p.ID, StageID: s.ID, Status: "ongoing", StartDate: "2024-03-02", ActorID: "bob",
	}); !errors.As(err, &de) {
		t.Fatalf("revoked collaborator attach: got %v, want DeniedError", err)
	}
}

func TestArchivedProjectIgnoresDerivation(t *testing.T) {
	env := newTestEnv(t)
	p := env.mustProject(t, "Website")
	s := env.mustStage(t, "Planning")
	env.mustAttach(t, p.ID, s.ID, "ongoing", "2024-03-01", "")
	if _, err := env.Engine.ArchiveProject(env.Ctx, p.ID, owner); err != nil {
		t.Fatalf("archive: %v", err)
	}
	s2 := env.mustStage(t, "Delivery")
	env.mustAttach(t, p.ID, s2.ID, "completed", "2024-03-02", "2024-03-03")
	if got := env.status(t, p.ID).Status; got != domain.ProjectArchived {
		t.Fatalf("archived project status = %q, want archived", got)
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	env := newTestEnv(t)
	p := env.mustProject(t, "Website")
	custom, err := env.Engine.CreateStage(env.Ctx, "Special stage", "", p.ID, owner)
	if err != nil {
		t.Fatalf("create custom stage: %v", err)
	}
	global := env.mustStage(t, "Planning")
	ps1 := env.mustAttach(t, p.ID, custom.ID, "ongoing", "2024-03-01", "")
	ps2 := env.mustAttach(t, p.ID, global.ID, "ongoing", "2024-03-02", "")
	if _, err := env.Engine.ConnectStages(env.Ctx, p.ID, ps1.ID, ps2.ID, owner); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := env.Engine.DeleteProject(env.Ctx, p.ID, owner); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	if _, err := env.Engine.Repo.GetProject(env.Ctx, p.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("project must be gone, got %v", err)
	}
	if _, err := env.Engine.Repo.GetStage(env.Ctx, custom.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("custom stage must be gone, got %v", err)
	}
	// global catalog entries survive their projects
	if _, err := env.Engine.Repo.GetStage(env.Ctx, global.ID); err != nil {
		t.Fatalf("global stage must survive, got %v", err)
	}
}

func TestListProjectStagesOrder(t *testing.T) {
	env := newTestEnv(t)
	p := env.mustProject(t, "Website")
	s1 := env.mustStage(t, "Planning")
	s2 := env.mustStage(t, "Design")
	s3 := env.mustStage(t, "Delivery")
	env.mustAttach(t, p.ID, s1.ID, "ongoing", "2024-03-10", "")
	env.mustAttach(t, p.ID, s2.ID, "ongoing", "2024-03-02", "")
	env.mustAttach(t, p.ID, s3.ID, "ongoing", "2024-03-05", "")
	items, err := env.Engine.Repo.ListProjectStages(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var got []string
	for _, ps := range items {
		got = append(got, ps.Stage.Name)
	}
	want := []string{"Design", "Delivery", "Planning"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestProjectStatusCounts(t *testing.T) {
	env := newTestEnv(t)
	p := env.mustProject(t, "Website")
	s1 := env.mustStage(t, "Planning")
	s2 := env.mustStage(t, "Delivery")
	env.mustAttach(t, p.ID, s1.ID, "completed", "2024-03-01", "2024-03-02")
	env.mustAttach(t, p.ID, s2.ID, "ongoing", "2024-03-03", "")
	_, counts, err := env.Engine.ProjectStatus(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if counts["completed"] != 1 || counts["ongoing"] != 1 {
		t.Fatalf("counts = %v, want 1 completed / 1 ongoing", counts)
	}
}

func TestEventsAreAppended(t *testing.T) {
	env := newTestEnv(t)
	p := env.mustProject(t, "Website")
	s := env.mustStage(t, "Planning")
	env.mustAttach(t, p.ID, s.ID, "ongoing", "2024-03-01", "")
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, p.ID, "", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	seen := map[string]bool{}
	for _, evt := range events {
		seen[evt.Type] = true
	}
	for _, want := range []string{"project.created", "project.stage.attached", "project.status.derived"} {
		if !seen[want] {
			t.Fatalf("missing event %q in %v", want, seen)
		}
	}
}
