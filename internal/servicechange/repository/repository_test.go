package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	clientdomain "github.com/billforge/billforge/internal/client/domain"
	servicedomain "github.com/billforge/billforge/internal/service/domain"
	"github.com/billforge/billforge/internal/servicechange/domain"
)

var forUpdateRe = regexp.MustCompile(`FOR UPDATE( OF \w+)?( SKIP LOCKED)?`)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	// SQLite support: strip row-locking clauses.
	strip := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if forUpdateRe.MatchString(sql) {
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(forUpdateRe.ReplaceAllString(sql, ""))
		}
	}
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", strip))
	require.NoError(t, db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", strip))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&clientdomain.Client{},
		&servicedomain.Service{},
		&domain.ServiceChange{},
	))
	return db
}

func seedChange(t *testing.T, db *gorm.DB, id snowflake.ID, now time.Time) {
	t.Helper()

	require.NoError(t, db.Exec(
		`INSERT INTO clients (id, org_id, group_id, status, email, first_name, last_name,
		                      company, default_currency, created_at, updated_at)
		 VALUES (42, 1, 7, 'ACTIVE', 'c@example.com', 'Ada', 'Lovelace', '', '', ?, ?)`,
		now, now,
	).Error)
	require.NoError(t, db.Exec(
		`INSERT INTO services (id, org_id, client_id, module, name, status, term, period,
		                       price, currency, date_renews, metadata, created_at, updated_at)
		 VALUES (100, 1, 42, '', 'Hosting', 'ACTIVE', 1, 'month', 2500, 'USD', ?, '{}', ?, ?)`,
		now, now, now,
	).Error)
	require.NoError(t, Provide().Insert(context.Background(), db, &domain.ServiceChange{
		ID:         id,
		OrgID:      1,
		ServiceID:  100,
		InvoiceID:  900,
		Status:     domain.StatusPending,
		NewName:    "Hosting Pro",
		NewPrice:   4500,
		NewTerm:    1,
		NewPeriod:  "month",
		DateStatus: now,
		Metadata:   datatypes.JSONMap{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
}

func TestUpdateStatusTransitionsOutOfPendingOnce(t *testing.T) {
	db := newTestDB(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seedChange(t, db, 200, now)

	moved, err := repo.UpdateStatus(ctx, db, 1, 200, domain.StatusCompleted, now)
	require.NoError(t, err)
	assert.True(t, moved)

	// Terminal states never transition again, whatever the target.
	for _, to := range []domain.ChangeStatus{domain.StatusCanceled, domain.StatusError, domain.StatusCompleted} {
		moved, err = repo.UpdateStatus(ctx, db, 1, 200, to, now.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, moved, "transition to %s", to)
	}

	var status string
	require.NoError(t, db.Raw(`SELECT status FROM service_changes WHERE id = 200`).Scan(&status).Error)
	assert.Equal(t, string(domain.StatusCompleted), status)
}

func TestUpdateStatusScopedToOrganization(t *testing.T) {
	db := newTestDB(t)
	repo := Provide()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seedChange(t, db, 200, now)

	moved, err := repo.UpdateStatus(context.Background(), db, 99, 200, domain.StatusCanceled, now)
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestListPendingFiltersAndExcludes(t *testing.T) {
	db := newTestDB(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seedChange(t, db, 200, now)
	seedChange2 := &domain.ServiceChange{
		ID: 201, OrgID: 1, ServiceID: 100, InvoiceID: 901,
		Status: domain.StatusPending, NewName: "Hosting Max", NewPrice: 9900,
		NewTerm: 1, NewPeriod: "month", DateStatus: now,
		Metadata: datatypes.JSONMap{}, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, repo.Insert(ctx, db, seedChange2))

	changes, err := repo.ListPending(ctx, db, 1, 7, nil, 10)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	moved, err := repo.UpdateStatus(ctx, db, 1, 200, domain.StatusCompleted, now)
	require.NoError(t, err)
	require.True(t, moved)

	changes, err = repo.ListPending(ctx, db, 1, 7, nil, 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, snowflake.ID(201), changes[0].ID)

	changes, err = repo.ListPending(ctx, db, 1, 7, []snowflake.ID{201}, 10)
	require.NoError(t, err)
	assert.Empty(t, changes)

	// Wrong group resolves to nothing.
	changes, err = repo.ListPending(ctx, db, 1, 8, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, changes)
}
