package engine_test

import (
	"testing"

	"stageline/internal/domain"
	"stageline/internal/engine"
)

func stages(statuses ...string) []domain.ProjectStage {
	res := make([]domain.ProjectStage, 0, len(statuses))
	for _, s := range statuses {
		res = append(res, domain.ProjectStage{Status: s})
	}
	return res
}

func TestDerive(t *testing.T) {
	cases := []struct {
		name   string
		prev   string
		stages []domain.ProjectStage
		want   string
	}{
		{"empty project stays pending", domain.ProjectPending, nil, domain.ProjectPending},
		{"all detached falls back to pending", domain.ProjectOngoing, nil, domain.ProjectPending},
		{"completed with no stages falls back to pending", domain.ProjectCompleted, nil, domain.ProjectPending},
		{"first stage starts the project", domain.ProjectPending, stages("ongoing"), domain.ProjectOngoing},
		{"single completed stage on pending project starts it", domain.ProjectPending, stages("completed"), domain.ProjectOngoing},
		{"all stages completed completes the project", domain.ProjectOngoing, stages("completed", "completed"), domain.ProjectCompleted},
		{"one stage left ongoing keeps the project ongoing", domain.ProjectOngoing, stages("completed", "ongoing"), domain.ProjectOngoing},
		{"new stage reopens a completed project", domain.ProjectCompleted, stages("completed", "ongoing"), domain.ProjectOngoing},
		{"single completed stage completes an ongoing project", domain.ProjectOngoing, stages("completed"), domain.ProjectCompleted},
		{"archived ignores stages", domain.ProjectArchived, stages("completed", "completed"), domain.ProjectArchived},
		{"archived ignores empty", domain.ProjectArchived, nil, domain.ProjectArchived},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := engine.Derive(tc.prev, tc.stages); got != tc.want {
				t.Fatalf("Derive(%q, %d stages) = %q, want %q", tc.prev, len(tc.stages), got, tc.want)
			}
		})
	}
}
