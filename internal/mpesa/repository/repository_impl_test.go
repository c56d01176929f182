package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&domain.Payment{}, &domain.Transaction{}, &domain.CallbackRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func samplePayment(ref string, status domain.PaymentStatus) *domain.Payment {
	return &domain.Payment{
		PaymentReference:  ref,
		ID:                "gw-" + ref,
		IntentID:          42,
		CheckoutRequestID: "ws_" + ref,
		PhoneNumber:       "254712345678",
		Amount:            decimal.RequireFromString("150.50"),
		PaymentType:       domain.PaymentTypeLoanRepayment,
		Status:            status,
		InitiatedAt:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestSavePaymentUpserts(t *testing.T) {
	db := setupDB(t)
	r := Provide()
	ctx := context.Background()

	p := samplePayment("PAY-1", domain.PaymentStatusProcessing)
	if err := r.SavePayment(ctx, db, p); err != nil {
		t.Fatalf("save: %v", err)
	}

	code := 1032
	completed := time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)
	p.Status = domain.PaymentStatusCancelled
	p.ResultCode = &code
	p.CompletedAt = &completed
	if err := r.SavePayment(ctx, db, p); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := r.FindPayment(ctx, db, "PAY-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got == nil || got.Status != domain.PaymentStatusCancelled {
		t.Fatalf("expected CANCELLED payment, got %+v", got)
	}
	if got.ResultCode == nil || *got.ResultCode != 1032 {
		t.Fatalf("expected result code 1032, got %v", got.ResultCode)
	}
	if !got.Amount.Equal(decimal.RequireFromString("150.5")) {
		t.Fatalf("unexpected amount %s", got.Amount)
	}

	byCheckout, err := r.FindPaymentByCheckoutID(ctx, db, "ws_PAY-1")
	if err != nil || byCheckout == nil {
		t.Fatalf("find by checkout: %v %v", byCheckout, err)
	}
	byGateway, err := r.FindPaymentByGatewayID(ctx, db, "gw-PAY-1")
	if err != nil || byGateway == nil {
		t.Fatalf("find by gateway id: %v %v", byGateway, err)
	}
}

func TestFindPaymentMissingReturnsNil(t *testing.T) {
	db := setupDB(t)
	got, err := Provide().FindPayment(context.Background(), db, "nope")
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil; got %v, %v", got, err)
	}
}

func TestListTimedOutSkipsReconciled(t *testing.T) {
	db := setupDB(t)
	r := Provide()
	ctx := context.Background()

	open := samplePayment("PAY-1", domain.PaymentStatusTimeout)
	reconciled := samplePayment("PAY-2", domain.PaymentStatusTimeout)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	reconciled.LateResultAt = &at
	live := samplePayment("PAY-3", domain.PaymentStatusProcessing)
	for _, p := range []*domain.Payment{open, reconciled, live} {
		if err := r.SavePayment(ctx, db, p); err != nil {
			t.Fatalf("save %s: %v", p.PaymentReference, err)
		}
	}

	timedOut, err := r.ListTimedOut(ctx, db, 10)
	if err != nil {
		t.Fatalf("list timed out: %v", err)
	}
	if len(timedOut) != 1 || timedOut[0].PaymentReference != "PAY-1" {
		t.Fatalf("expected only PAY-1, got %+v", timedOut)
	}

	liveItems, err := r.ListLive(ctx, db, "", 10)
	if err != nil {
		t.Fatalf("list live: %v", err)
	}
	if len(liveItems) != 1 || liveItems[0].PaymentReference != "PAY-3" {
		t.Fatalf("expected only PAY-3, got %+v", liveItems)
	}

	count, err := r.CountIntentAttempts(ctx, db, 42)
	if err != nil || count != 3 {
		t.Fatalf("expected 3 attempts for intent, got %d (%v)", count, err)
	}
}

func TestLatestIntentAttemptPrefersHighestRetry(t *testing.T) {
	db := setupDB(t)
	r := Provide()
	ctx := context.Background()

	first := samplePayment("PAY-1", domain.PaymentStatusFailed)
	second := samplePayment("PAY-2", domain.PaymentStatusProcessing)
	second.RetryCount = 1
	second.InitiatedAt = first.InitiatedAt.Add(time.Minute)
	for _, p := range []*domain.Payment{first, second} {
		if err := r.SavePayment(ctx, db, p); err != nil {
			t.Fatalf("save %s: %v", p.PaymentReference, err)
		}
	}

	latest, err := r.LatestIntentAttempt(ctx, db, 42)
	if err != nil || latest == nil {
		t.Fatalf("latest: %v %v", latest, err)
	}
	if latest.PaymentReference != "PAY-2" {
		t.Fatalf("expected PAY-2, got %s", latest.PaymentReference)
	}
	none, err := r.LatestIntentAttempt(ctx, db, 7)
	if err != nil || none != nil {
		t.Fatalf("expected nil for unknown intent, got %v %v", none, err)
	}
}

func TestTransactionRoundTrip(t *testing.T) {
	db := setupDB(t)
	r := Provide()
	ctx := context.Background()

	txn := &domain.Transaction{
		MpesaReceiptNumber: "QK123",
		TransactionID:      "9",
		PaymentReference:   "PAY-1",
		Amount:             decimal.NewFromInt(500),
		Status:             domain.TransactionStatusCompleted,
		TransactionDate:    time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC),
	}
	if err := r.SaveTransaction(ctx, db, txn); err != nil {
		t.Fatalf("save: %v", err)
	}
	reversedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	txn.Status = domain.TransactionStatusReversed
	txn.ReversalReason = "duplicate"
	txn.ReversedAt = &reversedAt
	if err := r.SaveTransaction(ctx, db, txn); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := r.FindTransaction(ctx, db, "QK123")
	if err != nil || got == nil {
		t.Fatalf("find: %v %v", got, err)
	}
	if got.Status != domain.TransactionStatusReversed || got.ReversalReason != "duplicate" {
		t.Fatalf("unexpected transaction %+v", got)
	}
	if err := r.SaveTransaction(ctx, db, &domain.Transaction{}); err != domain.ErrInvalidReceipt {
		t.Fatalf("expected ErrInvalidReceipt, got %v", err)
	}
}

func TestInsertCallbackStoresPayload(t *testing.T) {
	db := setupDB(t)
	record := &domain.CallbackRecord{
		ID:                7,
		CheckoutRequestID: "ws_CO_1",
		ResultCode:        0,
		Payload:           datatypes.JSON(`{"Body":{"stkCallback":{"ResultCode":0}}}`),
		ReceivedAt:        time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Outcome:           string(domain.CallbackApplied),
	}
	if err := Provide().InsertCallback(context.Background(), db, record); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var stored domain.CallbackRecord
	if err := db.First(&stored, "id = ?", 7).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.CheckoutRequestID != "ws_CO_1" || len(stored.Payload) == 0 {
		t.Fatalf("unexpected record %+v", stored)
	}
}

func TestListLivePagesProcessingWithCheckout(t *testing.T) {
	db := setupDB(t)
	r := Provide()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		pending := samplePayment(fmt.Sprintf("A-PENDING-%d", i), domain.PaymentStatusPending)
		pending.CheckoutRequestID = ""
		if err := r.SavePayment(ctx, db, pending); err != nil {
			t.Fatalf("save pending: %v", err)
		}
	}
	unacknowledged := samplePayment("B-NOCHECKOUT", domain.PaymentStatusProcessing)
	unacknowledged.CheckoutRequestID = ""
	if err := r.SavePayment(ctx, db, unacknowledged); err != nil {
		t.Fatalf("save: %v", err)
	}
	for _, ref := range []string{"LIVE-1", "LIVE-2", "LIVE-3"} {
		if err := r.SavePayment(ctx, db, samplePayment(ref, domain.PaymentStatusProcessing)); err != nil {
			t.Fatalf("save %s: %v", ref, err)
		}
	}

	first, err := r.ListLive(ctx, db, "", 2)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first) != 2 || first[0].PaymentReference != "LIVE-1" || first[1].PaymentReference != "LIVE-2" {
		t.Fatalf("unexpected first page %+v", first)
	}
	second, err := r.ListLive(ctx, db, first[1].PaymentReference, 2)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second) != 1 || second[0].PaymentReference != "LIVE-3" {
		t.Fatalf("unexpected second page %+v", second)
	}
}

func TestListTimedOutRotatesCheckedRows(t *testing.T) {
	db := setupDB(t)
	r := Provide()
	ctx := context.Background()

	older := samplePayment("PAY-OLD", domain.PaymentStatusTimeout)
	olderAt := time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC)
	older.CompletedAt = &olderAt
	newer := samplePayment("PAY-NEW", domain.PaymentStatusTimeout)
	newerAt := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)
	newer.CompletedAt = &newerAt
	for _, p := range []*domain.Payment{older, newer} {
		if err := r.SavePayment(ctx, db, p); err != nil {
			t.Fatalf("save %s: %v", p.PaymentReference, err)
		}
	}

	batch, err := r.ListTimedOut(ctx, db, 1)
	if err != nil || len(batch) != 1 || batch[0].PaymentReference != "PAY-OLD" {
		t.Fatalf("expected PAY-OLD first, got %+v (%v)", batch, err)
	}

	checked := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := r.MarkReconcileChecked(ctx, db, []string{"PAY-OLD"}, checked); err != nil {
		t.Fatalf("mark: %v", err)
	}
	batch, err = r.ListTimedOut(ctx, db, 1)
	if err != nil || len(batch) != 1 || batch[0].PaymentReference != "PAY-NEW" {
		t.Fatalf("expected PAY-NEW after PAY-OLD was checked, got %+v (%v)", batch, err)
	}

	if err := r.MarkReconcileChecked(ctx, db, []string{"PAY-NEW"}, checked.Add(time.Minute)); err != nil {
		t.Fatalf("mark: %v", err)
	}
	batch, err = r.ListTimedOut(ctx, db, 1)
	if err != nil || len(batch) != 1 || batch[0].PaymentReference != "PAY-OLD" {
		t.Fatalf("expected least recently checked PAY-OLD, got %+v (%v)", batch, err)
	}
}
