package repo

import (
	"context"
	"database/sql"
	"errors"

	"stageline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) EnsureManager(ctx context.Context, tx *sql.Tx, managerID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO managers(id, created_at) VALUES (?,?)`, managerID, now)
	return err
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,description,status,owner_id,created_at,completed_locked,stage_seq) VALUES (?,?,?,?,?,?,?,0)`,
		p.ID, p.Name, nullable(p.Description), p.Status, p.OwnerID, p.CreatedAt, boolInt(p.CompletedLocked))
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	var locked int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description,status,owner_id,created_at,completed_locked FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &desc, &p.Status, &p.OwnerID, &p.CreatedAt, &locked)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if desc.Valid {
		p.Description = desc.String
	}
	p.CompletedLocked = locked != 0
	p.SharedWith, err = r.ListShares(ctx, p.ID)
	return p, err
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	var locked int
	err := tx.QueryRowContext(ctx, `SELECT id,name,description,status,owner_id,created_at,completed_locked FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &desc, &p.Status, &p.OwnerID, &p.CreatedAt, &locked)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if desc.Valid {
		p.Description = desc.String
	}
	p.CompletedLocked = locked != 0
	return p, nil
}

// ListProjects returns projects the manager owns or is shared into. An empty
// managerID lists everything.
func (r Repo) ListProjects(ctx context.Context, managerID string) ([]domain.Project, error) {
	query := `SELECT id,name,COALESCE(description,''),status,owner_id,created_at,completed_locked FROM projects`
	var args []any
	if managerID != "" {
		query += ` WHERE owner_id=? OR id IN (SELECT project_id FROM project_shares WHERE manager_id=?)`
		args = append(args, managerID, managerID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var locked int
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Status, &p.OwnerID, &p.CreatedAt, &locked); err != nil {
			return nil, err
		}
		p.CompletedLocked = locked != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) LockProjectCompletedTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, completed_locked=1 WHERE id=?`, domain.ProjectCompleted, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// NextStageRankTx bumps and returns the project's attach counter. Ranks are
// handed out from this counter, never from MAX(rank), so a detached rank is
// never reissued.
func (r Repo) NextStageRankTx(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET stage_seq=stage_seq+1 WHERE id=?`, projectID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var rank int
	if err := tx.QueryRowContext(ctx, `SELECT stage_seq FROM projects WHERE id=?`, projectID).Scan(&rank); err != nil {
		return 0, err
	}
	return rank, nil
}

func (r Repo) DeleteProjectTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM stage_connections WHERE project_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM project_stages WHERE project_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stages WHERE owner_project_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM project_shares WHERE project_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AddShareTx(ctx context.Context, tx *sql.Tx, projectID, managerID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO project_shares(project_id, manager_id) VALUES (?,?)`, projectID, managerID)
	return err
}

func (r Repo) RemoveShareTx(ctx context.Context, tx *sql.Tx, projectID, managerID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM project_shares WHERE project_id=? AND manager_id=?`, projectID, managerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListShares(ctx context.Context, projectID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT manager_id FROM project_shares WHERE project_id=? ORDER BY manager_id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
