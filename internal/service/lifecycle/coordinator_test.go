package lifecycle

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	auditdomain "github.com/billforge/billforge/internal/audit/domain"
	clientdomain "github.com/billforge/billforge/internal/client/domain"
	clientrepo "github.com/billforge/billforge/internal/client/repository"
	clientgroupdomain "github.com/billforge/billforge/internal/clientgroup/domain"
	"github.com/billforge/billforge/internal/clock"
	"github.com/billforge/billforge/internal/config"
	invoicedomain "github.com/billforge/billforge/internal/invoice/domain"
	invoicerepo "github.com/billforge/billforge/internal/invoice/repository"
	"github.com/billforge/billforge/internal/notification"
	"github.com/billforge/billforge/internal/orgcontext"
	"github.com/billforge/billforge/internal/provisioning"
	"github.com/billforge/billforge/internal/service/domain"
	servicerepo "github.com/billforge/billforge/internal/service/repository"
)

type noopAudit struct{}

func (noopAudit) Record(context.Context, auditdomain.Entry) error { return nil }

type noopNotifier struct{}

func (noopNotifier) NotifyStaff(context.Context, notification.StaffAlert) {}

func (noopNotifier) SendClientNotice(context.Context, notification.ClientNotice) error { return nil }

type stubGroups struct {
	settings clientgroupdomain.GroupSettings
}

func (s stubGroups) ListGroups(context.Context) ([]clientgroupdomain.ClientGroup, error) {
	return nil, nil
}

func (s stubGroups) FindGroup(context.Context, snowflake.ID) (clientgroupdomain.ClientGroup, error) {
	return clientgroupdomain.ClientGroup{}, nil
}

func (s stubGroups) ResolveSettings(context.Context, snowflake.ID) (clientgroupdomain.GroupSettings, error) {
	return s.settings, nil
}

func (s stubGroups) ResolveLateFee(context.Context, snowflake.ID, string) (*clientgroupdomain.LateFeeSchedule, error) {
	return nil, nil
}

func (s stubGroups) ResolveClientSettings(context.Context, snowflake.ID) (clientgroupdomain.ClientSettings, error) {
	return clientgroupdomain.ClientSettings{}, nil
}

// recordingModule notes every activated service.
type recordingModule struct {
	key       string
	activated []snowflake.ID
}

func (m *recordingModule) Key() string { return m.key }

func (m *recordingModule) Activate(_ context.Context, ref provisioning.ServiceRef) error {
	m.activated = append(m.activated, ref.ID)
	return nil
}

func (m *recordingModule) Suspend(context.Context, provisioning.ServiceRef) error   { return nil }
func (m *recordingModule) Unsuspend(context.Context, provisioning.ServiceRef) error { return nil }
func (m *recordingModule) Cancel(context.Context, provisioning.ServiceRef) error    { return nil }

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
		&domain.Service{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
	))
	return db
}

func newTestCoordinator(t *testing.T, db *gorm.DB, fake *clock.FakeClock, module *recordingModule) domain.Coordinator {
	t.Helper()

	return New(Params{
		DB:         db,
		Log:        zap.NewNop(),
		Config:     config.Config{CompanyID: 1, CompanyTimezone: "UTC"},
		Clock:      fake,
		Repo:       servicerepo.Provide(),
		ClientRepo: clientrepo.Provide(),
		Groups:     stubGroups{settings: clientgroupdomain.GroupSettings{ProvisionPaidPending: true}},
		Registry:   provisioning.NewRegistry(module),
		Notify:     noopNotifier{},
		Audit:      noopAudit{},
	})
}

func testCtx() context.Context {
	return orgcontext.WithOrgID(context.Background(), 1)
}

// seedPaidPending inserts a pending service gated by a settled invoice,
// aged past the checkout grace period.
func seedPaidPending(t *testing.T, db *gorm.DB, serviceID snowflake.ID, moduleKey string, now time.Time) {
	t.Helper()

	clientID := serviceID + 1000
	require.NoError(t, clientrepo.Provide().Insert(context.Background(), db, &clientdomain.Client{
		ID:              clientID,
		OrgID:           1,
		GroupID:         7,
		Status:          clientdomain.StatusActive,
		Email:           "client@example.com",
		FirstName:       "Ada",
		LastName:        "Lovelace",
		DefaultCurrency: "USD",
		CreatedAt:       now,
		UpdatedAt:       now,
	}))

	created := now.Add(-time.Minute)
	require.NoError(t, servicerepo.Provide().Insert(context.Background(), db, &domain.Service{
		ID:         serviceID,
		OrgID:      1,
		ClientID:   clientID,
		ModuleKey:  moduleKey,
		Name:       "Web Hosting",
		Status:     domain.StatusPending,
		Term:       1,
		Period:     domain.PeriodMonth,
		Price:      2500,
		Currency:   "USD",
		DateRenews: now.AddDate(0, 1, 0),
		Metadata:   datatypes.JSONMap{},
		CreatedAt:  created,
		UpdatedAt:  created,
	}))

	closedAt := now.Add(-time.Hour)
	invoiceID := serviceID + 2000
	require.NoError(t, invoicerepo.Provide().Insert(context.Background(), db, &invoicedomain.Invoice{
		ID:         invoiceID,
		OrgID:      1,
		ClientID:   clientID,
		Status:     invoicedomain.InvoiceStatusActive,
		Currency:   "USD",
		Subtotal:   2500,
		Total:      2500,
		Paid:       2500,
		DateBilled: now.AddDate(0, 0, -1),
		DateDue:    now,
		DateClosed: &closedAt,
		Metadata:   datatypes.JSONMap{},
	}))
	svcID := serviceID
	require.NoError(t, invoicerepo.Provide().InsertLine(context.Background(), db, &invoicedomain.InvoiceLine{
		ID:          serviceID + 3000,
		OrgID:       1,
		InvoiceID:   invoiceID,
		ServiceID:   &svcID,
		Description: "Web Hosting",
		Quantity:    1,
		UnitAmount:  2500,
		Amount:      2500,
	}))
}

func loadStatus(t *testing.T, db *gorm.DB, id snowflake.ID) domain.ServiceStatus {
	t.Helper()
	svc, err := servicerepo.Provide().FindByID(context.Background(), db, 1, id)
	require.NoError(t, err)
	require.NotNil(t, svc)
	return svc.Status
}

func TestProvisionActivatesPaidPendingService(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	fake := clock.NewFakeClock(now)
	module := &recordingModule{key: "panel"}
	coord := newTestCoordinator(t, db, fake, module)

	seedPaidPending(t, db, 100, "panel", now)

	stats, err := coord.ProvisionPaidPending(testCtx(), clientgroupdomain.ClientGroup{ID: 7, OrgID: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, []snowflake.ID{100}, module.activated)
	assert.Equal(t, domain.StatusActive, loadStatus(t, db, 100))
}

func TestProvisionParksUnknownModuleForReview(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	fake := clock.NewFakeClock(now)
	module := &recordingModule{key: "panel"}
	coord := newTestCoordinator(t, db, fake, module)

	seedPaidPending(t, db, 200, "retired_panel", now)

	stats, err := coord.ProvisionPaidPending(testCtx(), clientgroupdomain.ClientGroup{ID: 7, OrgID: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, provisioning.ErrUnknownModule)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, domain.StatusInReview, loadStatus(t, db, 200))

	// Parked services stay out of the claim on later runs.
	stats, err = coord.ProvisionPaidPending(testCtx(), clientgroupdomain.ClientGroup{ID: 7, OrgID: 1})
	require.NoError(t, err)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.Processed)
	assert.Empty(t, module.activated)
	assert.Equal(t, domain.StatusInReview, loadStatus(t, db, 200))
}
