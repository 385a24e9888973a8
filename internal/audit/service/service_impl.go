package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/billforge/billforge/internal/audit/domain"
	"github.com/billforge/billforge/internal/orgcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
	}
}

func (s *Service) Record(ctx context.Context, entry auditdomain.Entry) error {
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}

	orgID := entry.OrgID
	if orgID == 0 {
		if resolved, ok := orgcontext.OrgIDFromContext(ctx); ok {
			orgID = resolved
		}
	}

	targetType := strings.TrimSpace(entry.TargetType)
	if targetType == "" {
		targetType = "unknown"
	}

	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	row := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		OrgID:      orgID,
		ActorType:  strings.TrimSpace(entry.ActorType),
		ActorID:    strings.TrimSpace(entry.ActorID),
		Action:     action,
		TargetType: targetType,
		TargetID:   strings.TrimSpace(entry.TargetID),
		Metadata:   datatypes.JSONMap(metadata),
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		// The trail is best-effort; an insert failure must never abort the
		// task that produced the event.
		s.log.Warn("audit.record.failed",
			zap.String("action", action),
			zap.Error(err),
		)
		return err
	}
	return nil
}
