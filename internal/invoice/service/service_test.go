package service

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
	"gorm.io/gorm"

	auditdomain "github.com/billforge/billforge/internal/audit/domain"
	"github.com/billforge/billforge/internal/clock"
	"github.com/billforge/billforge/internal/invoice/domain"
	"github.com/billforge/billforge/internal/invoice/repository"
	"github.com/billforge/billforge/internal/orgcontext"
)

type noopAudit struct{}

func (noopAudit) Record(context.Context, auditdomain.Entry) error { return nil }

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
		&domain.Invoice{},
		&domain.InvoiceLine{},
		&domain.LateFeeMarker{},
		&domain.InvoiceDelivery{},
		&domain.InvoiceNotice{},
	))
	require.NoError(t, db.Exec(`
		CREATE TABLE payment_applications (
			id INTEGER PRIMARY KEY,
			org_id INTEGER NOT NULL,
			payment_id INTEGER NOT NULL,
			invoice_id INTEGER NOT NULL,
			amount INTEGER NOT NULL,
			created_at DATETIME
		)`).Error)
	return db
}

func newTestService(t *testing.T, db *gorm.DB, fake *clock.FakeClock) domain.Service {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Repo:  repository.Provide(),
		Audit: noopAudit{},
	})
}

func testCtx() context.Context {
	return orgcontext.WithOrgID(context.Background(), 1)
}

func createTestInvoice(t *testing.T, svc domain.Service, fake *clock.FakeClock) *domain.Invoice {
	t.Helper()

	inv, err := svc.CreateInvoice(testCtx(), domain.CreateInvoiceRequest{
		ClientID:   snowflake.ID(42),
		Currency:   "usd",
		DateBilled: fake.Now(),
		DateDue:    fake.Now().AddDate(0, 0, 14),
		Lines: []domain.LineInput{
			{Description: "Hosting", Quantity: 1, UnitAmount: 5000},
		},
	})
	require.NoError(t, err)
	return inv
}

func TestCreateInvoiceComputesTotals(t *testing.T) {
	db := newTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, fake)

	inv, err := svc.CreateInvoice(testCtx(), domain.CreateInvoiceRequest{
		ClientID:   snowflake.ID(42),
		Currency:   "usd",
		DateBilled: fake.Now(),
		DateDue:    fake.Now().AddDate(0, 0, 14),
		Lines: []domain.LineInput{
			{Description: "Hosting", Quantity: 2, UnitAmount: 1500},
			{Description: "Domain", Quantity: 1, UnitAmount: 1200},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "USD", inv.Currency)
	assert.Equal(t, int64(4200), inv.Subtotal)
	assert.Equal(t, int64(4200), inv.Total)

	var lineCount int64
	require.NoError(t, db.Raw(
		`SELECT COUNT(*) FROM invoice_lines WHERE invoice_id = ?`, inv.ID,
	).Scan(&lineCount).Error)
	assert.Equal(t, int64(2), lineCount)
}

func TestCreateInvoiceValidation(t *testing.T) {
	db := newTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, fake)

	_, err := svc.CreateInvoice(testCtx(), domain.CreateInvoiceRequest{
		ClientID: snowflake.ID(42),
		Currency: "USD",
	})
	assert.ErrorIs(t, err, domain.ErrEmptyInvoice)

	_, err = svc.CreateInvoice(testCtx(), domain.CreateInvoiceRequest{
		ClientID: snowflake.ID(42),
		Currency: "dollars",
		Lines:    []domain.LineInput{{Quantity: 1, UnitAmount: 100}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidCurrency)

	_, err = svc.CreateInvoice(context.Background(), domain.CreateInvoiceRequest{
		ClientID: snowflake.ID(42),
		Currency: "USD",
		Lines:    []domain.LineInput{{Quantity: 1, UnitAmount: 100}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidOrganization)
}

func TestApplyLateFeeIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 1, 6, 8, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, fake)
	inv := createTestInvoice(t, svc, fake)

	require.NoError(t, svc.ApplyLateFee(testCtx(), inv.ID, "Late fee", 1000))

	err := svc.ApplyLateFee(testCtx(), inv.ID, "Late fee", 1000)
	assert.ErrorIs(t, err, domain.ErrFeeAlreadyApplied)

	reloaded, err := svc.FindInvoice(testCtx(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), reloaded.Total)

	var markers int64
	require.NoError(t, db.Raw(
		`SELECT COUNT(*) FROM late_fee_markers WHERE invoice_id = ?`, inv.ID,
	).Scan(&markers).Error)
	assert.Equal(t, int64(1), markers)
}

func TestApplyLateFeeRequiresOpenInvoice(t *testing.T) {
	db := newTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 1, 6, 8, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, fake)
	inv := createTestInvoice(t, svc, fake)

	require.NoError(t, svc.VoidInvoice(testCtx(), inv.ID, "test"))

	err := svc.ApplyLateFee(testCtx(), inv.ID, "Late fee", 1000)
	assert.ErrorIs(t, err, domain.ErrInvoiceNotOpen)

	err = svc.ApplyLateFee(testCtx(), snowflake.ID(999), "Late fee", 1000)
	assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)
}

func TestVoidInvoiceDetachesPayments(t *testing.T) {
	db := newTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 1, 6, 8, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, fake)
	inv := createTestInvoice(t, svc, fake)

	require.NoError(t, db.Exec(
		`UPDATE invoices SET paid = 2000 WHERE id = ?`, inv.ID,
	).Error)
	require.NoError(t, db.Exec(
		`INSERT INTO payment_applications (id, org_id, payment_id, invoice_id, amount, created_at)
		 VALUES (1, 1, 7, ?, 2000, ?)`, inv.ID, fake.Now(),
	).Error)

	require.NoError(t, svc.VoidInvoice(testCtx(), inv.ID, "change expired"))

	reloaded, err := svc.FindInvoice(testCtx(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusVoid, reloaded.Status)
	assert.Equal(t, int64(0), reloaded.Paid)

	var applications int64
	require.NoError(t, db.Raw(
		`SELECT COUNT(*) FROM payment_applications WHERE invoice_id = ?`, inv.ID,
	).Scan(&applications).Error)
	assert.Equal(t, int64(0), applications)

	// Voiding again is a no-op, not an error.
	assert.NoError(t, svc.VoidInvoice(testCtx(), inv.ID, "again"))
}

func TestDeliveryQueue(t *testing.T) {
	db := newTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, fake)

	inv, err := svc.CreateInvoice(testCtx(), domain.CreateInvoiceRequest{
		ClientID:   snowflake.ID(42),
		Currency:   "USD",
		DateBilled: fake.Now(),
		DateDue:    fake.Now().AddDate(0, 0, 14),
		Lines:      []domain.LineInput{{Description: "Hosting", Quantity: 1, UnitAmount: 5000}},
		Deliveries: []domain.DeliveryMethod{domain.DeliveryEmail},
	})
	require.NoError(t, err)

	queue, err := svc.PendingDeliveries(testCtx(), 10)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, inv.ID, queue[0].InvoiceID)
	assert.Equal(t, domain.DeliveryEmail, queue[0].Method)

	require.NoError(t, svc.MarkDelivered(testCtx(), queue[0].DeliveryID))

	queue, err = svc.PendingDeliveries(testCtx(), 10)
	require.NoError(t, err)
	assert.Empty(t, queue)
}
