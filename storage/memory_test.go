package storage

import (
	"context"
	"testing"
	"time"

	"mousekit.app/cloud/models"
	"mousekit.app/cloud/stream"
)

func testCustomer(id string) *models.Customer {
	now := time.Now()
	return &models.Customer{
		ID:                 id,
		Email:              id + "@example.com",
		StripeCustomerID:   "cus_" + id,
		SubscriptionStatus: models.SubscriptionActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestSaveCustomerEmitsInsertThenModify(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	customer := testCustomer("c1")
	if err := store.SaveCustomer(ctx, customer); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	customer.SubscriptionStatus = models.SubscriptionPastDue
	if err := store.SaveCustomer(ctx, customer); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	pending, err := store.PendingChanges(ctx, 10)
	if err != nil {
		t.Fatalf("pending changes: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(pending))
	}
	if pending[0].Change.EventName != stream.EventInsert {
		t.Errorf("first write should emit INSERT, got %s", pending[0].Change.EventName)
	}
	if pending[1].Change.EventName != stream.EventModify {
		t.Errorf("second write should emit MODIFY, got %s", pending[1].Change.EventName)
	}

	status, ok := pending[1].Change.NewImage.String("subscriptionStatus")
	if !ok || status != models.SubscriptionPastDue {
		t.Errorf("image should carry the new status, got (%q, %v)", status, ok)
	}
}

func TestCustomerImageKeepsFalseAndZeroPresent(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	customer := testCustomer("c1")
	customer.PaymentFailureCount = 0
	customer.CancelAtPeriodEnd = false
	if err := store.SaveCustomer(ctx, customer); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	pending, _ := store.PendingChanges(ctx, 1)
	img := pending[0].Change.NewImage

	if v, ok := img.Int("paymentFailureCount"); !ok || v != 0 {
		t.Errorf("zero failure count must be an explicit 0, got (%d, %v)", v, ok)
	}
	if v, ok := img.Bool("cancelAtPeriodEnd"); !ok || v {
		t.Errorf("cancel flag must be an explicit false, got (%v, %v)", v, ok)
	}
	// Unset optional fields stay out of the image entirely.
	if _, ok := img.Time("canceledAt"); ok {
		t.Error("zero canceledAt must be absent from the image")
	}
}

func TestEntityImagesCarryTheRightDiscriminator(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	customer := testCustomer("c1")
	if err := store.SaveCustomer(ctx, customer); err != nil {
		t.Fatalf("save customer: %v", err)
	}
	err := store.PutEventRecord(ctx, &models.EventRecord{
		ID:         "evt_1",
		Type:       models.EventPaymentFailed,
		CustomerID: "c1",
		Email:      customer.Email,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("put event record: %v", err)
	}
	falsy := false
	err = store.PutBillingEvent(ctx, &models.BillingEvent{
		ID:                "bil_1",
		Type:              "invoice.payment_failed",
		StripeCustomerID:  "cus_c1",
		CancelAtPeriodEnd: &falsy,
		CreatedAt:         time.Now(),
	})
	if err != nil {
		t.Fatalf("put billing event: %v", err)
	}

	pending, _ := store.PendingChanges(ctx, 10)
	if len(pending) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(pending))
	}

	customerImg := pending[0].Change.NewImage
	if _, ok := customerImg.String("eventType"); ok {
		t.Error("customer image must not carry eventType")
	}
	if _, ok := customerImg.String("stripeEventType"); ok {
		t.Error("customer image must not carry stripeEventType")
	}

	eventImg := pending[1].Change.NewImage
	if v, ok := eventImg.String("eventType"); !ok || v != models.EventPaymentFailed {
		t.Errorf("event image must carry eventType, got (%q, %v)", v, ok)
	}

	billingImg := pending[2].Change.NewImage
	if v, ok := billingImg.String("stripeEventType"); !ok || v != "invoice.payment_failed" {
		t.Errorf("billing image must carry stripeEventType, got (%q, %v)", v, ok)
	}
	if v, ok := billingImg.Bool("cancelAtPeriodEnd"); !ok || v {
		t.Errorf("explicit false cancel flag must survive the image, got (%v, %v)", v, ok)
	}
}

func TestPutEventRecordIsWriteOnce(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	record := &models.EventRecord{ID: "evt_1", Type: models.EventLicenseCreated, CreatedAt: time.Now()}
	if err := store.PutEventRecord(ctx, record); err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	if err := store.PutEventRecord(ctx, record); err == nil {
		t.Error("second put with the same id must fail")
	}
}

func TestUpdateLicenseStatusStampsReasonAndMeta(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	if err := store.SaveCustomer(ctx, testCustomer("c1")); err != nil {
		t.Fatalf("save customer: %v", err)
	}
	license := &models.License{
		ID:         "lic_1",
		Key:        "MK-abc12345",
		CustomerID: "c1",
		Status:     models.StatusActive,
	}
	if err := store.SaveLicense(ctx, license); err != nil {
		t.Fatalf("save license: %v", err)
	}

	err := store.UpdateLicenseStatus(ctx, "lic_1", models.StatusCanceled, map[string]string{
		"reason":      models.ReasonSubscriptionCanceled,
		"accessUntil": "2026-09-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}

	got, err := store.GetLicense(ctx, "lic_1")
	if err != nil {
		t.Fatalf("get license: %v", err)
	}
	if got.Status != models.StatusCanceled {
		t.Errorf("expected status canceled, got %s", got.Status)
	}
	if got.StatusReason != models.ReasonSubscriptionCanceled {
		t.Errorf("expected reason %s, got %s", models.ReasonSubscriptionCanceled, got.StatusReason)
	}
	if got.StatusMeta["accessUntil"] != "2026-09-01T00:00:00Z" {
		t.Errorf("expected accessUntil in meta, got %v", got.StatusMeta)
	}
	if got.StatusChangedAt.IsZero() {
		t.Error("status change must be timestamped")
	}
}

func TestSaveLicenseRequiresCustomer(t *testing.T) {
	store := NewMemoryStorage()
	err := store.SaveLicense(context.Background(), &models.License{
		ID:         "lic_1",
		CustomerID: "nobody",
	})
	if err == nil {
		t.Error("expected error for license without customer")
	}
}

func TestChangeFeedSettlement(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	if err := store.SaveCustomer(ctx, testCustomer("c1")); err != nil {
		t.Fatalf("save customer: %v", err)
	}
	if err := store.SaveCustomer(ctx, testCustomer("c2")); err != nil {
		t.Fatalf("save customer: %v", err)
	}

	pending, _ := store.PendingChanges(ctx, 10)
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}

	if err := store.MarkDelivered(ctx, pending[0].Seq); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := store.MarkRetry(ctx, pending[1].Seq, "consumer failed"); err != nil {
		t.Fatalf("mark retry: %v", err)
	}

	pending, _ = store.PendingChanges(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending after settlement, got %d", len(pending))
	}
	if pending[0].RetryCount != 1 {
		t.Errorf("retry must bump the counter, got %d", pending[0].RetryCount)
	}
	if pending[0].LastError != "consumer failed" {
		t.Errorf("retry must record the reason, got %q", pending[0].LastError)
	}

	if err := store.MarkParked(ctx, pending[0].Seq, "gave up"); err != nil {
		t.Fatalf("mark parked: %v", err)
	}
	pending, _ = store.PendingChanges(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("parked changes must leave the feed, got %d pending", len(pending))
	}
}

func TestFindCustomersPendingVerification(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	waiting := testCustomer("c1")
	waiting.EmailPendingVerification = true
	waiting.PendingEmailType = models.EventLicenseCreated
	if err := store.SaveCustomer(ctx, waiting); err != nil {
		t.Fatalf("save customer: %v", err)
	}
	if err := store.SaveCustomer(ctx, testCustomer("c2")); err != nil {
		t.Fatalf("save customer: %v", err)
	}

	customers, err := store.FindCustomersPendingVerification(ctx)
	if err != nil {
		t.Fatalf("find pending: %v", err)
	}
	if len(customers) != 1 || customers[0].ID != "c1" {
		t.Errorf("expected only c1 pending, got %v", customers)
	}
}
