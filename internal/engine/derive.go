package engine

import (
	"stageline/internal/domain"
)

// Derive computes a project's status from its stages. The rules run in order:
//
//  1. no stages: pending
//  2. exactly one stage on a pending project: ongoing
//  3. otherwise, all stages completed: completed;
//     else a previously completed project falls back to ongoing;
//     else the status is kept as-is.
//
// Archived is manual and passes through untouched. Connections play no part.
func Derive(prev string, stages []domain.ProjectStage) string {
	if prev == domain.ProjectArchived {
		return prev
	}
	n := len(stages)
	if n == 0 {
		return domain.ProjectPending
	}
	if n == 1 && prev == domain.ProjectPending {
		return domain.ProjectOngoing
	}
	completed := 0
	for _, ps := range stages {
		if ps.Status == domain.StageCompleted {
			completed++
		}
	}
	switch {
	case completed == n:
		return domain.ProjectCompleted
	case prev == domain.ProjectCompleted:
		return domain.ProjectOngoing
	default:
		return prev
	}
}
