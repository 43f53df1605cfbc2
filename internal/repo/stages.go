package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

func (r Repo) InsertStageTx(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stages(id,name,description,is_custom,owner_project_id,created_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.Name, nullable(s.Description), boolInt(s.IsCustom), nullableStringPtr(s.OwnerProjectID), s.CreatedAt)
	return err
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	return scanStage(r.DB.QueryRowContext(ctx, `SELECT id,name,description,is_custom,owner_project_id,created_at FROM stages WHERE id=?`, id))
}

func (r Repo) GetStageTx(ctx context.Context, tx *sql.Tx, id string) (domain.Stage, error) {
	return scanStage(tx.QueryRowContext(ctx, `SELECT id,name,description,is_custom,owner_project_id,created_at FROM stages WHERE id=?`, id))
}

type stageRow interface {
	Scan(dest ...any) error
}

func scanStage(row stageRow) (domain.Stage, error) {
	var s domain.Stage
	var desc, ownerProject sql.NullString
	var custom int
	err := row.Scan(&s.ID, &s.Name, &desc, &custom, &ownerProject, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if desc.Valid {
		s.Description = desc.String
	}
	s.IsCustom = custom != 0
	if ownerProject.Valid {
		s.OwnerProjectID = &ownerProject.String
	}
	return s, nil
}

// ListStages returns global catalog stages plus, when projectID is set, the
// custom stages owned by that project.
func (r Repo) ListStages(ctx context.Context, projectID string) ([]domain.Stage, error) {
	query := `SELECT id,name,description,is_custom,owner_project_id,created_at FROM stages WHERE is_custom=0`
	var args []any
	if projectID != "" {
		query += ` OR owner_project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY name ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateStageTx(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	res, err := tx.ExecContext(ctx, `UPDATE stages SET name=?, description=? WHERE id=?`,
		s.Name, nullable(s.Description), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteStageTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM stages WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountStageRefsTx reports how many project_stages reference a catalog stage.
func (r Repo) CountStageRefsTx(ctx context.Context, tx *sql.Tx, stageID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM project_stages WHERE stage_id=?`, stageID).Scan(&n)
	return n, err
}

// FindStageByName returns a global stage by exact name, used when seeding the
// catalog from config.
func (r Repo) FindStageByName(ctx context.Context, name string) (domain.Stage, error) {
	return scanStage(r.DB.QueryRowContext(ctx, `SELECT id,name,description,is_custom,owner_project_id,created_at FROM stages WHERE is_custom=0 AND name=?`, name))
}
