package domain

import (
	"context"

	clientgroupdomain "github.com/billforge/billforge/internal/clientgroup/domain"
)

// RunStats counts what a coordinator pass touched. Failed entities are
// logged and skipped; they never abort the pass.
type RunStats struct {
	Processed int
	Skipped   int
	Failed    int
}

func (s *RunStats) Add(other RunStats) {
	s.Processed += other.Processed
	s.Skipped += other.Skipped
	s.Failed += other.Failed
}

// Coordinator drives service status transitions for one client group at
// a time. Every method is idempotent; rerunning a pass after a crash
// picks up exactly the rows the first pass missed.
type Coordinator interface {
	// ProvisionPaidPending activates pending services whose gating
	// invoice has been paid.
	ProvisionPaidPending(ctx context.Context, group clientgroupdomain.ClientGroup) (RunStats, error)
	// SuspendOverdue suspends active services whose invoices have aged
	// past the group's suspension threshold.
	SuspendOverdue(ctx context.Context, group clientgroupdomain.ClientGroup) (RunStats, error)
	// UnsuspendCleared reinstates suspended services once the client's
	// balance is settled.
	UnsuspendCleared(ctx context.Context, group clientgroupdomain.ClientGroup) (RunStats, error)
	// CancelScheduled cancels services whose scheduled cancellation date
	// has arrived.
	CancelScheduled(ctx context.Context, group clientgroupdomain.ClientGroup) (RunStats, error)
}
