package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, change *ServiceChange) error
	// ListPending claims pending changes for clients of the group.
	ListPending(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, exclude []snowflake.ID, limit int) ([]ServiceChange, error)
	// UpdateStatus is a compare-and-set from PENDING; a false result
	// means another pass transitioned the change first.
	UpdateStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, to ChangeStatus, now time.Time) (bool, error)
	// RetagInvoiceLines points the gating invoice's lines at the
	// service, so the applied plan's lines read as service charges.
	RetagInvoiceLines(ctx context.Context, db *gorm.DB, orgID, invoiceID, serviceID snowflake.ID) error
}
