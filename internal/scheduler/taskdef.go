package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/billforge/billforge/internal/scheduler/guard"
)

// Task keys. Every automation the engine performs is registered here so
// operators can enable, disable, and reschedule each one independently.
const (
	TaskServiceRenewals    = "service_renewals"
	TaskRecurringTemplates = "recurring_templates"
	TaskLateFees           = "late_fees"
	TaskProvisionPaid      = "provision_paid"
	TaskSuspendOverdue     = "suspend_overdue"
	TaskUnsuspendCleared   = "unsuspend_cleared"
	TaskCancelScheduled    = "cancel_scheduled"
	TaskServiceChanges     = "service_changes"
	TaskAutodebit          = "autodebit"
	TaskApplyCredits       = "apply_credits"
	TaskPaymentReminders   = "payment_reminders"
	TaskDeliverInvoices    = "deliver_invoices"
)

// TaskDefinition is the persisted schedule for one automation task. The row
// doubles as the cross-instance run lock: claiming a run takes the row
// FOR UPDATE and advances date_last_run before the task body executes, so a
// crash mid-run never replays the same slot.
type TaskDefinition struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	Key             string       `gorm:"type:text;not null;uniqueIndex"`
	ScheduleType    string       `gorm:"type:text;not null"`
	IntervalSeconds int          `gorm:"not null;default:0"`
	TimeOfDay       string       `gorm:"type:text;not null;default:''"`
	MonthDays       string       `gorm:"type:text;not null;default:''"`
	Enabled         bool         `gorm:"not null;default:true"`
	DateLastRun     *time.Time
	CreatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (TaskDefinition) TableName() string { return "task_definitions" }

func (d TaskDefinition) guardDefinition() guard.Definition {
	return guard.Definition{
		Key:             d.Key,
		ScheduleType:    d.ScheduleType,
		IntervalSeconds: d.IntervalSeconds,
		TimeOfDay:       d.TimeOfDay,
		MonthDays:       d.MonthDays,
		Enabled:         d.Enabled,
		DateLastRun:     d.DateLastRun,
	}
}

func defaultDefinitions() []TaskDefinition {
	daily := func(key, at string) TaskDefinition {
		return TaskDefinition{Key: key, ScheduleType: guard.ScheduleDaily, TimeOfDay: at, Enabled: true}
	}
	every := func(key string, seconds int) TaskDefinition {
		return TaskDefinition{Key: key, ScheduleType: guard.ScheduleInterval, IntervalSeconds: seconds, Enabled: true}
	}
	return []TaskDefinition{
		daily(TaskServiceRenewals, "00:10"),
		daily(TaskRecurringTemplates, "00:20"),
		daily(TaskLateFees, "01:00"),
		every(TaskProvisionPaid, 300),
		daily(TaskSuspendOverdue, "02:00"),
		every(TaskUnsuspendCleared, 600),
		daily(TaskCancelScheduled, "02:30"),
		daily(TaskServiceChanges, "03:00"),
		daily(TaskAutodebit, "04:00"),
		every(TaskApplyCredits, 3600),
		daily(TaskPaymentReminders, "09:00"),
		every(TaskDeliverInvoices, 300),
	}
}

// EnsureDefinitions inserts the default schedule rows for any task key that
// does not have one yet. Existing rows are never touched, so operator edits
// survive restarts.
func (s *Scheduler) EnsureDefinitions(ctx context.Context) error {
	for _, def := range defaultDefinitions() {
		def.ID = s.genID()
		now := s.clock.Now()
		err := s.db.WithContext(ctx).Exec(
			`INSERT INTO task_definitions
			   (id, key, schedule_type, interval_seconds, time_of_day, month_days, enabled, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (key) DO NOTHING`,
			def.ID, def.Key, def.ScheduleType, def.IntervalSeconds,
			def.TimeOfDay, def.MonthDays, def.Enabled, now, now,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// claimDefinition locks the definition row for key, checks the schedule
// gate, and on success stamps date_last_run inside the same transaction.
// It returns (false, nil) when the task is not due, disabled, missing, or
// currently claimed by another instance.
func (s *Scheduler) claimDefinition(ctx context.Context, key string, now time.Time) (bool, error) {
	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var def TaskDefinition
		err := tx.WithContext(ctx).Raw(
			`SELECT id, key, schedule_type, interval_seconds, time_of_day, month_days, enabled, date_last_run
			 FROM task_definitions
			 WHERE key = ?
			 FOR UPDATE SKIP LOCKED`,
			key,
		).Scan(&def).Error
		if err != nil {
			return err
		}
		if def.ID == 0 {
			return nil
		}
		if err := guard.EnsureDue(def.guardDefinition(), now, s.loc); err != nil {
			switch {
			case err == guard.ErrTaskDisabled, err == guard.ErrNotDue:
				return nil
			default:
				return err
			}
		}
		res := tx.WithContext(ctx).Exec(
			`UPDATE task_definitions SET date_last_run = ?, updated_at = ? WHERE id = ?`,
			now, now, def.ID,
		)
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}
