package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrGroupNotFound       = errors.New("client_group_not_found")
)

// Service resolves client groups and their effective settings. Scheduled
// tasks call ResolveSettings once per group pass and work from the
// returned snapshot.
type Service interface {
	ListGroups(ctx context.Context) ([]ClientGroup, error)
	FindGroup(ctx context.Context, groupID snowflake.ID) (ClientGroup, error)
	ResolveSettings(ctx context.Context, groupID snowflake.ID) (GroupSettings, error)
	ResolveLateFee(ctx context.Context, groupID snowflake.ID, currency string) (*LateFeeSchedule, error)
	ResolveClientSettings(ctx context.Context, clientID snowflake.ID) (ClientSettings, error)
}
