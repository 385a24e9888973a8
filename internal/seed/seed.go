// Package seed bootstraps the rows the engine needs before its first run.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	clientgroupdomain "github.com/billforge/billforge/internal/clientgroup/domain"
	"github.com/billforge/billforge/internal/config"
)

const defaultGroupName = "Default"

// EnsureDefaultGroup seeds one client group with stock settings so a fresh
// install has somewhere to put clients. Existing groups are left alone.
func EnsureDefaultGroup(db *gorm.DB, cfg config.Config) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	if cfg.CompanyID == 0 {
		return nil
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	orgID := snowflake.ID(cfg.CompanyID)

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing clientgroupdomain.ClientGroup
		err := tx.WithContext(ctx).
			Where("org_id = ?", orgID).
			First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now().UTC()
		group := clientgroupdomain.ClientGroup{
			ID:              node.Generate(),
			OrgID:           orgID,
			Name:            defaultGroupName,
			DefaultCurrency: "USD",
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.WithContext(ctx).Create(&group).Error; err != nil {
			return err
		}

		settings := clientgroupdomain.GroupSettings{
			GroupID:                group.ID,
			OrgID:                  orgID,
			GraceDays:              0,
			AutosuspendEnabled:     false,
			SuspendAfterDays:       10,
			ProvisionPaidPending:   true,
			GroupServicesOnInvoice: false,
			AutoApplyCredits:       true,
			AutoProcessPaidChanges: true,
			ChangeCancelDays:       7,
			FirstNoticeDays:        1,
			SecondNoticeDays:       7,
			ThirdNoticeDays:        14,
			AutodebitNoticeDays:    -1,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		return tx.WithContext(ctx).Create(&settings).Error
	})
}
