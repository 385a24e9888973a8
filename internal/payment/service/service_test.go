package service

import (
	"context"
	"regexp"
	"sync"
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
	"github.com/billforge/billforge/internal/payment/domain"
	"github.com/billforge/billforge/internal/payment/gateway"
	paymentrepo "github.com/billforge/billforge/internal/payment/repository"
)

type noopAudit struct{}

func (noopAudit) Record(context.Context, auditdomain.Entry) error { return nil }

// captureGateway records charges. Charge is called from the autodebit
// fan-out, so the recorder locks.
type captureGateway struct {
	mu       sync.Mutex
	requests []gateway.ChargeRequest
	decline  error
}

func (g *captureGateway) Name() string { return "testpay" }

func (g *captureGateway) Charge(_ context.Context, req gateway.ChargeRequest) (*gateway.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.decline != nil {
		return nil, g.decline
	}
	g.requests = append(g.requests, req)
	return &gateway.Receipt{Reference: "ch_test", Amount: req.Amount}, nil
}

// captureNotifier records client notices by template and recipient.
type captureNotifier struct {
	notices []notification.ClientNotice
	alerts  []notification.StaffAlert
}

func (n *captureNotifier) NotifyStaff(_ context.Context, alert notification.StaffAlert) {
	n.alerts = append(n.alerts, alert)
}

func (n *captureNotifier) SendClientNotice(_ context.Context, notice notification.ClientNotice) error {
	n.notices = append(n.notices, notice)
	return nil
}

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
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceNotice{},
		&domain.AutodebitAccount{},
		&domain.Payment{},
		&domain.PaymentApplication{},
	))
	return db
}

type harness struct {
	svc      domain.Orchestrator
	db       *gorm.DB
	gateway  *captureGateway
	notifier *captureNotifier
}

func newTestService(t *testing.T, db *gorm.DB, fake *clock.FakeClock, settings clientgroupdomain.GroupSettings) harness {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	gw := &captureGateway{}
	notifier := &captureNotifier{}
	svc := New(Params{
		DB:          db,
		Log:         zap.NewNop(),
		Config:      config.Config{CompanyID: 1, CompanyTimezone: "UTC"},
		Clock:       fake,
		GenID:       node,
		Repo:        paymentrepo.Provide(),
		InvoiceRepo: invoicerepo.Provide(),
		ClientRepo:  clientrepo.Provide(),
		Groups:      stubGroups{settings: settings},
		Gateway:     gw,
		Notify:      notifier,
		Audit:       noopAudit{},
	})
	return harness{svc: svc, db: db, gateway: gw, notifier: notifier}
}

func testCtx() context.Context {
	return orgcontext.WithOrgID(context.Background(), 1)
}

func insertClient(t *testing.T, db *gorm.DB, id snowflake.ID, email string, now time.Time) {
	t.Helper()
	require.NoError(t, clientrepo.Provide().Insert(context.Background(), db, &clientdomain.Client{
		ID:              id,
		OrgID:           1,
		GroupID:         7,
		Status:          clientdomain.StatusActive,
		Email:           email,
		FirstName:       "Ada",
		LastName:        "Lovelace",
		DefaultCurrency: "USD",
		CreatedAt:       now,
		UpdatedAt:       now,
	}))
}

func insertInvoice(t *testing.T, db *gorm.DB, id, clientID snowflake.ID, total int64, due time.Time) {
	t.Helper()
	require.NoError(t, invoicerepo.Provide().Insert(context.Background(), db, &invoicedomain.Invoice{
		ID:         id,
		OrgID:      1,
		ClientID:   clientID,
		Status:     invoicedomain.InvoiceStatusActive,
		Currency:   "USD",
		Subtotal:   total,
		Total:      total,
		DateBilled: due.AddDate(0, 0, -14),
		DateDue:    due,
		Metadata:   datatypes.JSONMap{},
	}))
}

func insertAccount(t *testing.T, db *gorm.DB, id, clientID snowflake.ID, now time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&domain.AutodebitAccount{
		ID:          id,
		OrgID:       1,
		ClientID:    clientID,
		Type:        domain.AccountTypeCard,
		Gateway:     "testpay",
		Enabled:     true,
		CustomerRef: "cus_test",
		MethodRef:   "pm_test",
		CreatedAt:   now,
		UpdatedAt:   now,
	}).Error)
}

func insertPayment(t *testing.T, db *gorm.DB, id, clientID snowflake.ID, amount int64, now time.Time) {
	t.Helper()
	require.NoError(t, paymentrepo.Provide().InsertPayment(context.Background(), db, &domain.Payment{
		ID:         id,
		OrgID:      1,
		ClientID:   clientID,
		Currency:   "USD",
		Amount:     amount,
		Gateway:    "manual",
		ReceivedAt: now,
		Metadata:   datatypes.JSONMap{},
		CreatedAt:  now,
	}))
}

func noticeKinds(t *testing.T, db *gorm.DB, invoiceID snowflake.ID) []string {
	t.Helper()
	var kinds []string
	require.NoError(t, db.Raw(
		`SELECT kind FROM invoice_notices WHERE invoice_id = ? ORDER BY kind`, invoiceID,
	).Scan(&kinds).Error)
	return kinds
}

func TestSendRemindersRoutesAutodebitClientsToPreDebitNotice(t *testing.T) {
	db := newTestDB(t)
	due := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	// One day past due: both the first dunning notice and the autodebit
	// notice fall on today.
	now := due.AddDate(0, 0, 1).Add(9 * time.Hour)
	fake := clock.NewFakeClock(now)
	h := newTestService(t, db, fake, clientgroupdomain.GroupSettings{
		FirstNoticeDays:     1,
		SecondNoticeDays:    7,
		ThirdNoticeDays:     14,
		AutodebitNoticeDays: 1,
	})

	insertClient(t, db, 11, "debit@example.com", now)
	insertClient(t, db, 12, "manual@example.com", now)
	insertAccount(t, db, 500, 11, now)
	insertInvoice(t, db, 1001, 11, 2500, due)
	insertInvoice(t, db, 1002, 12, 2500, due)

	stats, err := h.svc.SendReminders(testCtx(), clientgroupdomain.ClientGroup{ID: 7, OrgID: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Reminders)

	// The autodebit client gets the pre-debit notice, never the dunning
	// sequence; the manual payer gets dunning only.
	assert.Equal(t, []string{NoticeKindAutodebit}, noticeKinds(t, db, 1001))
	assert.Equal(t, []string{NoticeKindFirst}, noticeKinds(t, db, 1002))

	require.Len(t, h.notifier.notices, 2)
	byEmail := map[string]string{}
	for _, notice := range h.notifier.notices {
		byEmail[notice.Email] = notice.Template
	}
	assert.Equal(t, "autodebit_upcoming", byEmail["debit@example.com"])
	assert.Equal(t, "invoice_reminder", byEmail["manual@example.com"])
}

func TestSendRemindersSendsEachNoticeOnce(t *testing.T) {
	db := newTestDB(t)
	due := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	now := due.AddDate(0, 0, 1)
	fake := clock.NewFakeClock(now)
	h := newTestService(t, db, fake, clientgroupdomain.GroupSettings{
		FirstNoticeDays:     1,
		SecondNoticeDays:    7,
		ThirdNoticeDays:     14,
		AutodebitNoticeDays: -1,
	})

	insertClient(t, db, 21, "manual@example.com", now)
	insertInvoice(t, db, 2001, 21, 4200, due)

	stats, err := h.svc.SendReminders(testCtx(), clientgroupdomain.ClientGroup{ID: 7, OrgID: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reminders)

	stats, err = h.svc.SendReminders(testCtx(), clientgroupdomain.ClientGroup{ID: 7, OrgID: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Reminders)
	assert.Equal(t, 1, stats.Skipped)

	assert.Equal(t, []string{NoticeKindFirst}, noticeKinds(t, db, 2001))
	assert.Len(t, h.notifier.notices, 1)
}

func TestRunAutodebitSkipsChargeWhenCreditCoversBalance(t *testing.T) {
	db := newTestDB(t)
	due := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	now := due.AddDate(0, 0, 2)
	fake := clock.NewFakeClock(now)
	h := newTestService(t, db, fake, clientgroupdomain.GroupSettings{})

	insertClient(t, db, 31, "debit@example.com", now)
	insertAccount(t, db, 510, 31, now)
	insertInvoice(t, db, 3001, 31, 5000, due)
	// Unapplied manual payment already covers the invoice; the credit
	// pass will settle it.
	insertPayment(t, db, 9001, 31, 5000, now)

	stats, err := h.svc.RunAutodebit(testCtx(), clientgroupdomain.ClientGroup{ID: 7, OrgID: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Charged)
	assert.Equal(t, 1, stats.Skipped)
	assert.Empty(t, h.gateway.requests)
}

func TestRunAutodebitChargesWhenCreditFallsShort(t *testing.T) {
	db := newTestDB(t)
	due := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	now := due.AddDate(0, 0, 2)
	fake := clock.NewFakeClock(now)
	h := newTestService(t, db, fake, clientgroupdomain.GroupSettings{})

	insertClient(t, db, 41, "debit@example.com", now)
	insertAccount(t, db, 520, 41, now)
	insertInvoice(t, db, 4001, 41, 5000, due)
	insertPayment(t, db, 9002, 41, 1500, now)

	stats, err := h.svc.RunAutodebit(testCtx(), clientgroupdomain.ClientGroup{ID: 7, OrgID: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Charged)

	require.Len(t, h.gateway.requests, 1)
	assert.Equal(t, int64(5000), h.gateway.requests[0].Amount)
	assert.Equal(t, "USD", h.gateway.requests[0].Currency)

	inv, err := invoicerepo.Provide().FindByID(context.Background(), db, 1, 4001)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, int64(5000), inv.Paid)
	assert.NotNil(t, inv.DateClosed)
}

func TestRunAutodebitSkipsClientsWithoutAccount(t *testing.T) {
	db := newTestDB(t)
	due := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	now := due.AddDate(0, 0, 2)
	fake := clock.NewFakeClock(now)
	h := newTestService(t, db, fake, clientgroupdomain.GroupSettings{})

	insertClient(t, db, 51, "manual@example.com", now)
	insertInvoice(t, db, 5001, 51, 5000, due)

	stats, err := h.svc.RunAutodebit(testCtx(), clientgroupdomain.ClientGroup{ID: 7, OrgID: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Charged)
	assert.Equal(t, 1, stats.Skipped)
	assert.Empty(t, h.gateway.requests)
}
