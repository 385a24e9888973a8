package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Client, error)
	ListByGroup(ctx context.Context, db *gorm.DB, orgID, groupID snowflake.ID) ([]Client, error)
	Insert(ctx context.Context, db *gorm.DB, client *Client) error
}
