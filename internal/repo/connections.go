package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

func (r Repo) InsertConnectionTx(ctx context.Context, tx *sql.Tx, c domain.StageConnection) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_connections(id,project_id,from_stage,to_stage,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.ProjectID, c.FromStage, c.ToStage, c.CreatedAt)
	return err
}

func (r Repo) DeleteConnectionTx(ctx context.Context, tx *sql.Tx, projectID, fromStage, toStage string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM stage_connections WHERE project_id=? AND from_stage=? AND to_stage=?`,
		projectID, fromStage, toStage)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ConnectionExistsTx(ctx context.Context, tx *sql.Tx, projectID, fromStage, toStage string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM stage_connections WHERE project_id=? AND from_stage=? AND to_stage=?`,
		projectID, fromStage, toStage).Scan(&n)
	return n > 0, err
}

func (r Repo) GetConnection(ctx context.Context, id string) (domain.StageConnection, error) {
	var c domain.StageConnection
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,from_stage,to_stage,created_at FROM stage_connections WHERE id=?`, id).
		Scan(&c.ID, &c.ProjectID, &c.FromStage, &c.ToStage, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// ListConnections returns a project's connections with both endpoints
// populated, newest first.
func (r Repo) ListConnections(ctx context.Context, projectID string) ([]domain.StageConnection, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,from_stage,to_stage,created_at FROM stage_connections WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageConnection
	for rows.Next() {
		var c domain.StageConnection
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.FromStage, &c.ToStage, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		from, err := r.GetProjectStage(ctx, res[i].FromStage)
		if err != nil {
			return nil, err
		}
		to, err := r.GetProjectStage(ctx, res[i].ToStage)
		if err != nil {
			return nil, err
		}
		res[i].From = &from
		res[i].To = &to
	}
	return res, nil
}

// DeleteConnectionsByEndpointTx removes every connection touching a project
// stage, in either direction. Used by the detach cascade.
func (r Repo) DeleteConnectionsByEndpointTx(ctx context.Context, tx *sql.Tx, projectStageID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM stage_connections WHERE from_stage=? OR to_stage=?`, projectStageID, projectStageID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
