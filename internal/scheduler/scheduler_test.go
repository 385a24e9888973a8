package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/billforge/billforge/internal/audit/domain"
	"github.com/billforge/billforge/internal/clock"
	"github.com/billforge/billforge/internal/config"
	"github.com/billforge/billforge/internal/notification"
)

type noopNotifier struct{}

func (noopNotifier) NotifyStaff(context.Context, notification.StaffAlert) {}
func (noopNotifier) SendClientNotice(context.Context, notification.ClientNotice) error {
	return nil
}

type captureAudit struct {
	entries []auditdomain.Entry
}

func (a *captureAudit) Record(_ context.Context, entry auditdomain.Entry) error {
	a.entries = append(a.entries, entry)
	return nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	// SQLite support: strip row-locking clauses.
	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			sql = strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			sql = strings.ReplaceAll(sql, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(sql)
		}
	}
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate))
	require.NoError(t, db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&TaskDefinition{}))
	return db
}

func newTestScheduler(t *testing.T, db *gorm.DB, fake *clock.FakeClock) *Scheduler {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return &Scheduler{
		db:       db,
		log:      zap.NewNop(),
		clock:    fake,
		cfg:      DefaultConfig(),
		appCfg:   config.Config{CompanyID: 1},
		loc:      time.UTC,
		node:     node,
		notifier: noopNotifier{},
		audit:    &captureAudit{},
	}
}

func auditEntries(sched *Scheduler) []auditdomain.Entry {
	return sched.audit.(*captureAudit).entries
}

func lastRun(t *testing.T, db *gorm.DB, key string) *time.Time {
	t.Helper()
	var def TaskDefinition
	require.NoError(t, db.Raw(`SELECT * FROM task_definitions WHERE key = ?`, key).Scan(&def).Error)
	require.NotZero(t, def.ID, "definition %s missing", key)
	return def.DateLastRun
}

func TestEnsureDefinitionsIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC))
	sched := newTestScheduler(t, db, fake)
	ctx := context.Background()

	require.NoError(t, sched.EnsureDefinitions(ctx))

	// Operator edits must survive a restart.
	require.NoError(t, db.Exec(
		`UPDATE task_definitions SET enabled = ? WHERE key = ?`, false, TaskLateFees,
	).Error)

	require.NoError(t, sched.EnsureDefinitions(ctx))

	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM task_definitions`).Scan(&count).Error)
	assert.Equal(t, int64(len(defaultDefinitions())), count)

	var enabled bool
	require.NoError(t, db.Raw(
		`SELECT enabled FROM task_definitions WHERE key = ?`, TaskLateFees,
	).Scan(&enabled).Error)
	assert.False(t, enabled)
}

func TestClaimDefinitionStampsLastRun(t *testing.T) {
	db := newTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC))
	sched := newTestScheduler(t, db, fake)
	ctx := context.Background()

	require.NoError(t, sched.EnsureDefinitions(ctx))

	claimed, err := sched.claimDefinition(ctx, TaskLateFees, fake.Now())
	require.NoError(t, err)
	assert.True(t, claimed)

	run := lastRun(t, db, TaskLateFees)
	require.NotNil(t, run)
	assert.True(t, run.Equal(fake.Now()))

	// Same day again: the daily gate rejects a second claim.
	fake.Advance(time.Hour)
	claimed, err = sched.claimDefinition(ctx, TaskLateFees, fake.Now())
	require.NoError(t, err)
	assert.False(t, claimed)

	// Next day past the slot it fires again.
	fake.Set(time.Date(2024, 1, 16, 1, 0, 0, 0, time.UTC))
	claimed, err = sched.claimDefinition(ctx, TaskLateFees, fake.Now())
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimDefinitionSkipsDisabledAndUnknown(t *testing.T) {
	db := newTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC))
	sched := newTestScheduler(t, db, fake)
	ctx := context.Background()

	require.NoError(t, sched.EnsureDefinitions(ctx))
	require.NoError(t, db.Exec(
		`UPDATE task_definitions SET enabled = ? WHERE key = ?`, false, TaskLateFees,
	).Error)

	claimed, err := sched.claimDefinition(ctx, TaskLateFees, fake.Now())
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Nil(t, lastRun(t, db, TaskLateFees))

	claimed, err = sched.claimDefinition(ctx, "no_such_task", fake.Now())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestRunTaskRecordsRunEvenOnPanic(t *testing.T) {
	db := newTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC))
	sched := newTestScheduler(t, db, fake)
	ctx := context.Background()

	require.NoError(t, sched.EnsureDefinitions(ctx))

	err := sched.runTask(ctx, TaskApplyCredits, func(context.Context) (taskResult, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	run := lastRun(t, db, TaskApplyCredits)
	require.NotNil(t, run)
	assert.True(t, run.Equal(fake.Now()))

	// The recorded run keeps the interval gate shut until it elapses.
	err = sched.runTask(ctx, TaskApplyCredits, func(context.Context) (taskResult, error) {
		t.Fatal("task should not have run again")
		return taskResult{}, nil
	})
	require.NoError(t, err)
}

func TestRunTaskTreatsDeadlineAsSoftStop(t *testing.T) {
	db := newTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC))
	sched := newTestScheduler(t, db, fake)
	ctx := context.Background()

	require.NoError(t, sched.EnsureDefinitions(ctx))

	err := sched.runTask(ctx, TaskDeliverInvoices, func(context.Context) (taskResult, error) {
		return taskResult{Processed: 3}, context.DeadlineExceeded
	})
	assert.NoError(t, err)
}

func TestRunTaskLeavesCompletionMarker(t *testing.T) {
	db := newTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC))
	sched := newTestScheduler(t, db, fake)
	ctx := context.Background()

	require.NoError(t, sched.EnsureDefinitions(ctx))

	err := sched.runTask(ctx, TaskLateFees, func(context.Context) (taskResult, error) {
		return taskResult{Processed: 2, Skipped: 1}, nil
	})
	require.NoError(t, err)

	entries := auditEntries(sched)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, "task.completed", entry.Action)
	assert.Equal(t, "system", entry.ActorType)
	assert.Equal(t, "scheduler", entry.ActorID)
	assert.Equal(t, "task", entry.TargetType)
	assert.Equal(t, TaskLateFees, entry.TargetID)
	assert.Equal(t, 2, entry.Metadata["processed"])
	assert.Equal(t, 1, entry.Metadata["skipped"])
	assert.NotEmpty(t, entry.Metadata["run_id"])

	// A gate skip is not a run and leaves no marker.
	err = sched.runTask(ctx, TaskLateFees, func(context.Context) (taskResult, error) {
		return taskResult{}, nil
	})
	require.NoError(t, err)
	assert.Len(t, auditEntries(sched), 1)
}

func TestRunTaskSkipsMarkerOnFailure(t *testing.T) {
	db := newTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC))
	sched := newTestScheduler(t, db, fake)
	ctx := context.Background()

	require.NoError(t, sched.EnsureDefinitions(ctx))

	err := sched.runTask(ctx, TaskApplyCredits, func(context.Context) (taskResult, error) {
		return taskResult{}, context.Canceled
	})
	require.Error(t, err)
	assert.Empty(t, auditEntries(sched))
}

func TestIsTaskEnabled(t *testing.T) {
	sched := &Scheduler{cfg: Config{}.withDefaults()}
	assert.True(t, sched.isTaskEnabled(TaskAutodebit))

	sched.cfg.EnabledTasks = []string{TaskLateFees, TaskServiceRenewals}
	assert.True(t, sched.isTaskEnabled(TaskLateFees))
	assert.False(t, sched.isTaskEnabled(TaskAutodebit))
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, 10*time.Minute, cfg.TaskTimeout)
	assert.Equal(t, 50, cfg.DeliveryBatchSize)

	custom := Config{RunInterval: 5 * time.Second, TaskTimeout: time.Minute, DeliveryBatchSize: 10}.withDefaults()
	assert.Equal(t, 5*time.Second, custom.RunInterval)
	assert.Equal(t, time.Minute, custom.TaskTimeout)
	assert.Equal(t, 10, custom.DeliveryBatchSize)
}
