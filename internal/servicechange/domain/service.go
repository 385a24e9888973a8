package domain

import (
	"context"

	clientgroupdomain "github.com/billforge/billforge/internal/clientgroup/domain"
)

// RunStats summarizes one processor pass over a client group.
type RunStats struct {
	Completed int
	Expired   int
	Errored   int
	Skipped   int
	Failed    int
}

// Processor walks pending service changes for one client group and
// moves each at most one state per pass.
type Processor interface {
	ProcessPending(ctx context.Context, group clientgroupdomain.ClientGroup) (RunStats, error)
}
