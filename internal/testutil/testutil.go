package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"mousekit.app/cloud/internal/email"
	"mousekit.app/cloud/models"
	"mousekit.app/cloud/storage"
	"mousekit.app/cloud/stream"
)

// Storage creates an empty memory storage.
func Storage() *storage.MemoryStorage {
	return storage.NewMemoryStorage()
}

// Customer builds a test customer with an active subscription.
func Customer(id, email string) *models.Customer {
	now := time.Now()
	return &models.Customer{
		ID:                 id,
		Email:              email,
		StripeCustomerID:   "cus_" + id,
		SubscriptionID:     "sub_" + id,
		SubscriptionStatus: models.SubscriptionActive,
		PlanName:           "MouseKit Plus",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// License builds an active test license owned by the given customer.
func License(id, key, customerID string) *models.License {
	now := time.Now()
	return &models.License{
		ID:              id,
		Key:             key,
		CustomerID:      customerID,
		ProductID:       "prod_test",
		ProductName:     "MouseKit",
		Version:         "1.0.0",
		Status:          models.StatusActive,
		StatusChangedAt: now,
		StripeSessionID: "cs_test",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Seed saves a customer with licenses, then clears the change feed so a
// test only observes the changes it causes itself.
func Seed(t *testing.T, store *storage.MemoryStorage, customer *models.Customer, licenses ...*models.License) {
	t.Helper()
	ctx := context.Background()
	if err := store.SaveCustomer(ctx, customer); err != nil {
		t.Fatalf("failed to seed customer %s: %v", customer.ID, err)
	}
	for _, license := range licenses {
		if err := store.SaveLicense(ctx, license); err != nil {
			t.Fatalf("failed to seed license %s: %v", license.ID, err)
		}
	}
	SettleChanges(t, store)
}

// SettleChanges marks everything currently pending as delivered.
func SettleChanges(t *testing.T, store *storage.MemoryStorage) {
	t.Helper()
	ctx := context.Background()
	for {
		pending, err := store.PendingChanges(ctx, 100)
		if err != nil {
			t.Fatalf("failed to fetch pending changes: %v", err)
		}
		if len(pending) == 0 {
			return
		}
		for _, rec := range pending {
			if err := store.MarkDelivered(ctx, rec.Seq); err != nil {
				t.Fatalf("failed to settle change %d: %v", rec.Seq, err)
			}
		}
	}
}

// Drain pumps the change feed through the consumers until it is empty,
// the way the relay does in production. Writes made by the consumers
// themselves (ledger stamps, license updates) are drained too.
func Drain(t *testing.T, store *storage.MemoryStorage, consumers ...stream.Consumer) {
	t.Helper()
	relay := stream.NewRelay(store, consumers)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		pending, err := store.PendingChanges(ctx, 1)
		if err != nil {
			t.Fatalf("failed to fetch pending changes: %v", err)
		}
		if len(pending) == 0 {
			return
		}
		relay.Drain(ctx)
	}
	t.Fatalf("change feed did not settle after 20 drains")
}

// BillingMessage builds a deliverable change message for a billing event,
// the exact envelope the reconciler sees off the stream.
func BillingMessage(t *testing.T, id, eventType string, fields map[string]stream.Attribute) stream.Message {
	t.Helper()
	img := stream.Image{"stripeEventType": stream.StringAttr(eventType)}
	for k, v := range fields {
		img[k] = v
	}
	return Message(t, id, stream.EventInsert, img)
}

// Message encodes an arbitrary change into a message.
func Message(t *testing.T, id, eventName string, img stream.Image) stream.Message {
	t.Helper()
	body, err := json.Marshal(stream.Change{
		EventName: eventName,
		Keys:      map[string]string{"PK": "TEST#" + id},
		NewImage:  img,
	})
	if err != nil {
		t.Fatalf("failed to encode change: %v", err)
	}
	return stream.Message{ID: id, Body: string(body)}
}

// FakeMailer records sends and answers verification queries from a fixed
// table. The zero value verifies every address.
type FakeMailer struct {
	mu           sync.Mutex
	Sent         []email.Message
	Verification map[string]email.VerificationState
	SendErr      error
	VerifyErr    error
}

func (f *FakeMailer) Send(ctx context.Context, msg email.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.Sent = append(f.Sent, msg)
	return nil
}

func (f *FakeMailer) VerificationStatus(ctx context.Context, addrs []string) (map[string]email.VerificationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.VerifyErr != nil {
		return nil, f.VerifyErr
	}
	states := make(map[string]email.VerificationState, len(addrs))
	for _, addr := range addrs {
		state, ok := f.Verification[addr]
		if !ok {
			state = email.VerificationSuccess
		}
		states[addr] = state
	}
	return states, nil
}

// SentTo returns every message delivered to the given address.
func (f *FakeMailer) SentTo(addr string) []email.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var msgs []email.Message
	for _, msg := range f.Sent {
		if msg.To == addr {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// AssertLicenseStatus fails the test unless the license has the expected
// status and reason.
func AssertLicenseStatus(t *testing.T, store *storage.MemoryStorage, licenseID, status, reason string) {
	t.Helper()
	license, err := store.GetLicense(context.Background(), licenseID)
	if err != nil {
		t.Fatalf("failed to get license %s: %v", licenseID, err)
	}
	if license == nil {
		t.Fatalf("license %s not found", licenseID)
	}
	if license.Status != status {
		t.Errorf("license %s: expected status %q, got %q", licenseID, status, license.Status)
	}
	if reason != "" && license.StatusReason != reason {
		t.Errorf("license %s: expected reason %q, got %q", licenseID, reason, license.StatusReason)
	}
}

// EventRecordsOfType returns the stored event records with the given type.
func EventRecordsOfType(store *storage.MemoryStorage, eventType string) []models.EventRecord {
	var records []models.EventRecord
	for _, rec := range store.Events {
		if rec.Type == eventType {
			records = append(records, rec)
		}
	}
	return records
}

// UniqueID returns a distinct message id per call within a test.
var idCounter int

func UniqueID() string {
	idCounter++
	return fmt.Sprintf("msg-%d", idCounter)
}
