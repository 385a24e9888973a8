package service

import (
	"context"

	"github.com/billforge/billforge/internal/clientgroup/domain"
	"github.com/billforge/billforge/internal/config"
	"github.com/billforge/billforge/internal/orgcontext"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Repo   domain.Repository
	Policy *config.BillingPolicyHolder
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	repo   domain.Repository
	policy *config.BillingPolicyHolder
}

func New(p Params) domain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("clientgroup.service"),
		repo:   p.Repo,
		policy: p.Policy,
	}
}

func (s *Service) ListGroups(ctx context.Context) ([]domain.ClientGroup, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	return s.repo.ListGroups(ctx, s.db, orgID)
}

func (s *Service) FindGroup(ctx context.Context, groupID snowflake.ID) (domain.ClientGroup, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.ClientGroup{}, domain.ErrInvalidOrganization
	}
	group, err := s.repo.FindGroup(ctx, s.db, orgID, groupID)
	if err != nil {
		return domain.ClientGroup{}, err
	}
	if group == nil {
		return domain.ClientGroup{}, domain.ErrGroupNotFound
	}
	return *group, nil
}

// ResolveSettings returns the group's settings row, falling back to the
// organization-wide billing policy for groups that never persisted one.
func (s *Service) ResolveSettings(ctx context.Context, groupID snowflake.ID) (domain.GroupSettings, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.GroupSettings{}, domain.ErrInvalidOrganization
	}

	settings, err := s.repo.FindSettings(ctx, s.db, orgID, groupID)
	if err != nil {
		return domain.GroupSettings{}, err
	}
	if settings != nil {
		return *settings, nil
	}

	policy := s.policy.Get()
	return domain.GroupSettings{
		GroupID:                groupID,
		OrgID:                  orgID,
		GraceDays:              policy.GraceDays,
		SuspendAfterDays:       policy.SuspendAfterDays,
		AutoApplyCredits:       true,
		AutoProcessPaidChanges: true,
		ChangeCancelDays:       policy.ChangeCancelDays,
		FirstNoticeDays:        policy.NoticeOffsets.First,
		SecondNoticeDays:       policy.NoticeOffsets.Second,
		ThirdNoticeDays:        policy.NoticeOffsets.Third,
		AutodebitNoticeDays:    policy.NoticeOffsets.Autodebit,
	}, nil
}

// ResolveLateFee returns the schedule for the currency, or the policy
// fallback when the group has no row. A nil result means no fee applies.
func (s *Service) ResolveLateFee(ctx context.Context, groupID snowflake.ID, currency string) (*domain.LateFeeSchedule, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	schedule, err := s.repo.FindLateFee(ctx, s.db, orgID, groupID, currency)
	if err != nil {
		return nil, err
	}
	if schedule != nil {
		if !schedule.Enabled {
			return nil, nil
		}
		return schedule, nil
	}

	policy := s.policy.Get()
	if policy.LateFee.Percent <= 0 && policy.LateFee.Minimum <= 0 {
		return nil, nil
	}
	return &domain.LateFeeSchedule{
		OrgID:    orgID,
		GroupID:  groupID,
		Currency: currency,
		Enabled:  true,
		Percent:  policy.LateFee.Percent,
		Minimum:  policy.LateFee.Minimum,
		OnTotal:  policy.LateFee.OnTotal,
	}, nil
}

func (s *Service) ResolveClientSettings(ctx context.Context, clientID snowflake.ID) (domain.ClientSettings, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.ClientSettings{}, domain.ErrInvalidOrganization
	}

	settings, err := s.repo.FindClientSettings(ctx, s.db, orgID, clientID)
	if err != nil {
		return domain.ClientSettings{}, err
	}
	if settings == nil {
		return domain.ClientSettings{ClientID: clientID, OrgID: orgID}, nil
	}
	return *settings, nil
}
