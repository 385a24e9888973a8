package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	ListGroups(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]ClientGroup, error)
	FindGroup(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*ClientGroup, error)
	FindSettings(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID) (*GroupSettings, error)
	FindLateFee(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID, currency string) (*LateFeeSchedule, error)
	FindClientSettings(ctx context.Context, db *gorm.DB, orgID, clientID snowflake.ID) (*ClientSettings, error)
}
