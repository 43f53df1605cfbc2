package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

func (r Repo) InsertProjectStageTx(ctx context.Context, tx *sql.Tx, ps domain.ProjectStage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_stages(id,project_id,stage_id,status,start_date,completion_date,rank,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		ps.ID, ps.ProjectID, ps.StageID, ps.Status, nullableStringPtr(ps.StartDate), nullableStringPtr(ps.CompletionDate), ps.Rank, ps.CreatedAt)
	return err
}

func (r Repo) UpdateProjectStageTx(ctx context.Context, tx *sql.Tx, ps domain.ProjectStage) error {
	res, err := tx.ExecContext(ctx, `UPDATE project_stages SET status=?, start_date=?, completion_date=? WHERE id=?`,
		ps.Status, nullableStringPtr(ps.StartDate), nullableStringPtr(ps.CompletionDate), ps.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProjectStageTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM project_stages WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProjectStage(row stageRow) (domain.ProjectStage, error) {
	var ps domain.ProjectStage
	var start, completion sql.NullString
	err := row.Scan(&ps.ID, &ps.ProjectID, &ps.StageID, &ps.Status, &start, &completion, &ps.Rank, &ps.CreatedAt)
	if err == sql.ErrNoRows {
		return ps, ErrNotFound
	}
	if err != nil {
		return ps, err
	}
	if start.Valid {
		ps.StartDate = &start.String
	}
	if completion.Valid {
		ps.CompletionDate = &completion.String
	}
	return ps, nil
}

const projectStageCols = `id,project_id,stage_id,status,start_date,completion_date,rank,created_at`

func (r Repo) GetProjectStage(ctx context.Context, id string) (domain.ProjectStage, error) {
	ps, err := scanProjectStage(r.DB.QueryRowContext(ctx, `SELECT `+projectStageCols+` FROM project_stages WHERE id=?`, id))
	if err != nil {
		return ps, err
	}
	s, err := r.GetStage(ctx, ps.StageID)
	if err != nil {
		return ps, err
	}
	ps.Stage = &s
	return ps, nil
}

func (r Repo) GetProjectStageTx(ctx context.Context, tx *sql.Tx, id string) (domain.ProjectStage, error) {
	return scanProjectStage(tx.QueryRowContext(ctx, `SELECT `+projectStageCols+` FROM project_stages WHERE id=?`, id))
}

// ListProjectStages returns a project's stages with their catalog Stage
// populated, sorted by start date ascending with undated stages last.
func (r Repo) ListProjectStages(ctx context.Context, projectID string) ([]domain.ProjectStage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectStageCols+` FROM project_stages WHERE project_id=?
ORDER BY CASE WHEN start_date IS NULL THEN 1 ELSE 0 END, start_date ASC, rank ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectStage
	for rows.Next() {
		ps, err := scanProjectStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		s, err := r.GetStage(ctx, res[i].StageID)
		if err != nil {
			return nil, err
		}
		res[i].Stage = &s
	}
	return res, nil
}

// ListProjectStagesTx returns a project's stages in rank order without the
// catalog join; the deriver only needs statuses.
func (r Repo) ListProjectStagesTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.ProjectStage, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+projectStageCols+` FROM project_stages WHERE project_id=? ORDER BY rank ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectStage
	for rows.Next() {
		ps, err := scanProjectStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ps)
	}
	return res, rows.Err()
}

// ListStageAttachmentsTx returns every ProjectStage row referencing a catalog
// stage, across projects. Used by the custom-stage delete cascade.
func (r Repo) ListStageAttachmentsTx(ctx context.Context, tx *sql.Tx, stageID string) ([]domain.ProjectStage, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+projectStageCols+` FROM project_stages WHERE stage_id=?`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectStage
	for rows.Next() {
		ps, err := scanProjectStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ps)
	}
	return res, rows.Err()
}

func (r Repo) CountProjectStagesByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM project_stages WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
