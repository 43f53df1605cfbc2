package access

import (
	"context"
	"database/sql"
	"fmt"
)

// DeniedError indicates the manager may not touch the project.
type DeniedError struct {
	ProjectID string
	ManagerID string
}

func (e DeniedError) Error() string {
	return fmt.Sprintf("manager %s has no access to project %s", e.ManagerID, e.ProjectID)
}

// LockedError indicates the project was marked completed and refuses further
// mutation.
type LockedError struct {
	ProjectID string
}

func (e LockedError) Error() string {
	return fmt.Sprintf("project %s is completed and locked", e.ProjectID)
}

// Service answers ownership and sharing questions backed by SQL.
type Service struct {
	DB *sql.DB
}

// CanEditTx reports whether the manager owns the project or is shared into it.
func (s Service) CanEditTx(ctx context.Context, tx *sql.Tx, projectID, managerID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `
SELECT 1 FROM projects p
WHERE p.id=? AND (p.owner_id=? OR EXISTS (
  SELECT 1 FROM project_shares ps WHERE ps.project_id=p.id AND ps.manager_id=?
)) LIMIT 1`, projectID, managerID, managerID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// IsOwnerTx reports whether the manager owns the project.
func (s Service) IsOwnerTx(ctx context.Context, tx *sql.Tx, projectID, managerID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id=? AND owner_id=? LIMIT 1`, projectID, managerID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
