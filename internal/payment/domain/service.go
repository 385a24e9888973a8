package domain

import (
	"context"

	clientgroupdomain "github.com/billforge/billforge/internal/clientgroup/domain"
)

// RunStats summarizes one orchestrator pass over a client group.
type RunStats struct {
	Charged   int
	Applied   int
	Reminders int
	Skipped   int
	Failed    int
}

func (s *RunStats) Add(other RunStats) {
	s.Charged += other.Charged
	s.Applied += other.Applied
	s.Reminders += other.Reminders
	s.Skipped += other.Skipped
	s.Failed += other.Failed
}

// Orchestrator collects due balances. Charging aggregates all of a
// client's due invoices per currency into one gateway call; the
// reminder sub-flow is delivery only and never moves money.
type Orchestrator interface {
	RunAutodebit(ctx context.Context, group clientgroupdomain.ClientGroup) (RunStats, error)
	ApplyCredits(ctx context.Context, group clientgroupdomain.ClientGroup) (RunStats, error)
	SendReminders(ctx context.Context, group clientgroupdomain.ClientGroup) (RunStats, error)
}
