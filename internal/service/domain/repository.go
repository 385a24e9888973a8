package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Service, error)
	Insert(ctx context.Context, db *gorm.DB, service *Service) error

	// ListDueForRenewal claims recurring active services whose renewal
	// date has arrived. Services in exclude stay untouched for the rest
	// of the run.
	ListDueForRenewal(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, dueOnOrBefore time.Time, exclude []snowflake.ID, limit int) ([]Service, error)
	// AdvanceRenewal moves date_renews forward, guarded on the date it
	// processed so a concurrent runner cannot double-advance.
	// date_last_renewed lands on the processed cycle date.
	AdvanceRenewal(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, processed, next time.Time) (bool, error)

	// ListPaidPending claims pending services whose gating invoice has
	// been settled. Rows created after createdBefore are left alone so
	// an order mid-checkout is not activated under the buyer.
	ListPaidPending(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, createdBefore time.Time, limit int) ([]Service, error)
	// ListOverdueActive claims active services with an open invoice line
	// due on or before the cutoff.
	ListOverdueActive(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, dueOnOrBefore time.Time, limit int) ([]Service, error)
	// ListSuspendedClear claims suspended services whose client has no
	// open invoice left in the service's currency.
	ListSuspendedClear(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, limit int) ([]Service, error)
	ListScheduledCancel(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, onOrBefore time.Time, limit int) ([]Service, error)

	// UpdateStatus is a compare-and-set on status. Reports false when
	// the row was no longer in the expected state.
	UpdateStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, from, to ServiceStatus, now time.Time) (bool, error)
	// ApplyPlan rewrites the billable terms, used when a service change
	// completes.
	ApplyPlan(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, name string, price int64, term int, period Period) error
}
