package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"mousekit.app/cloud/internal/email"
	"mousekit.app/cloud/internal/testutil"
	"mousekit.app/cloud/models"
	"mousekit.app/cloud/storage"
)

var testNow = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Runner, *storage.MemoryStorage, *testutil.FakeMailer) {
	t.Helper()
	store := testutil.Storage()
	mail := &testutil.FakeMailer{}
	r := NewRunner(store, mail, "hello@mousekit.app")
	r.now = func() time.Time { return testNow }
	return r, store, mail
}

func TestRunRejectsUnknownTask(t *testing.T) {
	r, _, _ := setup(t)
	_, err := r.Run(context.Background(), "defragment-disk")
	if !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
}

func TestTrialReminderMailsTheThreeDayWindow(t *testing.T) {
	r, store, mail := setup(t)

	inWindow := testutil.Customer("c1", "due@example.com")
	inWindow.SubscriptionStatus = models.SubscriptionTrialing
	// Different clock time, same UTC day: still in the window.
	inWindow.CurrentPeriodEnd = testNow.Add(3 * 24 * time.Hour).Add(-5 * time.Hour)
	testutil.Seed(t, store, inWindow)

	tooEarly := testutil.Customer("c2", "early@example.com")
	tooEarly.SubscriptionStatus = models.SubscriptionTrialing
	tooEarly.CurrentPeriodEnd = testNow.Add(5 * 24 * time.Hour)
	testutil.Seed(t, store, tooEarly)

	notTrialing := testutil.Customer("c3", "active@example.com")
	notTrialing.CurrentPeriodEnd = testNow.Add(3 * 24 * time.Hour)
	testutil.Seed(t, store, notTrialing)

	counters, err := r.Run(context.Background(), TaskTrialReminder)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if counters.Sent != 1 {
		t.Errorf("expected 1 sent, got %+v", counters)
	}
	sent := mail.SentTo("due@example.com")
	if len(sent) != 1 {
		t.Fatalf("expected 1 reminder, got %d", len(sent))
	}
	if !strings.Contains(sent[0].Subject, "trial ends") {
		t.Errorf("unexpected subject %q", sent[0].Subject)
	}
	if len(mail.SentTo("early@example.com")) != 0 || len(mail.SentTo("active@example.com")) != 0 {
		t.Error("customers outside the window must not be mailed")
	}
}

func TestTrialReminderIsIdempotentWithinTheWindow(t *testing.T) {
	r, store, mail := setup(t)

	customer := testutil.Customer("c1", "due@example.com")
	customer.SubscriptionStatus = models.SubscriptionTrialing
	customer.CurrentPeriodEnd = testNow.Add(3 * 24 * time.Hour)
	testutil.Seed(t, store, customer)

	if _, err := r.Run(context.Background(), TaskTrialReminder); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	counters, err := r.Run(context.Background(), TaskTrialReminder)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if counters.Sent != 0 || counters.Skipped != 1 {
		t.Errorf("rerun must skip on the ledger, got %+v", counters)
	}
	if len(mail.SentTo("due@example.com")) != 1 {
		t.Errorf("expected exactly 1 reminder, got %d", len(mail.SentTo("due@example.com")))
	}
}

func TestWinbackWindows(t *testing.T) {
	tests := []struct {
		task      string
		days      int
		eventType string
	}{
		{TaskWinback30, 30, models.EventWinback30},
		{TaskWinback90, 90, models.EventWinback90},
	}
	for _, tt := range tests {
		t.Run(tt.task, func(t *testing.T) {
			r, store, mail := setup(t)

			hit := testutil.Customer("c1", "gone@example.com")
			hit.SubscriptionStatus = models.SubscriptionCanceled
			hit.CanceledAt = testNow.Add(-time.Duration(tt.days) * 24 * time.Hour)
			testutil.Seed(t, store, hit)

			miss := testutil.Customer("c2", "recent@example.com")
			miss.SubscriptionStatus = models.SubscriptionCanceled
			miss.CanceledAt = testNow.Add(-time.Duration(tt.days-2) * 24 * time.Hour)
			testutil.Seed(t, store, miss)

			counters, err := r.Run(context.Background(), tt.task)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if counters.Sent != 1 {
				t.Errorf("expected 1 sent, got %+v", counters)
			}
			if len(mail.SentTo("gone@example.com")) != 1 {
				t.Errorf("expected a winback email, got %d", len(mail.SentTo("gone@example.com")))
			}
			if len(mail.SentTo("recent@example.com")) != 0 {
				t.Error("customer outside the window must not be mailed")
			}

			customer, _ := store.GetCustomer(context.Background(), "c1")
			if !customer.EmailSent(tt.eventType) {
				t.Error("ledger must be stamped after the winback send")
			}
		})
	}
}

func TestBothWinbackWindowsCanFireForOneCustomer(t *testing.T) {
	r, store, mail := setup(t)

	customer := testutil.Customer("c1", "gone@example.com")
	customer.SubscriptionStatus = models.SubscriptionCanceled
	customer.CanceledAt = testNow.Add(-30 * 24 * time.Hour)
	testutil.Seed(t, store, customer)

	if _, err := r.Run(context.Background(), TaskWinback30); err != nil {
		t.Fatalf("winback-30 failed: %v", err)
	}

	// Sixty days later the same customer crosses the 90-day window. The
	// ledgers are separate event types, so the second email still fires.
	r.now = func() time.Time { return testNow.Add(60 * 24 * time.Hour) }
	if _, err := r.Run(context.Background(), TaskWinback90); err != nil {
		t.Fatalf("winback-90 failed: %v", err)
	}

	if got := len(mail.SentTo("gone@example.com")); got != 2 {
		t.Errorf("expected one email per window, got %d", got)
	}
}

func TestPendingEmailRetrySendsOnceVerified(t *testing.T) {
	r, store, mail := setup(t)

	customer := testutil.Customer("c1", "user@example.com")
	customer.EmailPendingVerification = true
	customer.PendingEmailType = models.EventLicenseCreated
	testutil.Seed(t, store, customer, testutil.License("lic_1", "MK-abc12345", "c1"))

	counters, err := r.Run(context.Background(), TaskPendingEmailRetry)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if counters.Sent != 1 {
		t.Errorf("expected 1 sent, got %+v", counters)
	}

	sent := mail.SentTo("user@example.com")
	if len(sent) != 1 {
		t.Fatalf("expected 1 email, got %d", len(sent))
	}
	if !strings.Contains(sent[0].Text, "MK-abc12345") {
		t.Error("replayed license email must carry the license key")
	}

	got, _ := store.GetCustomer(context.Background(), "c1")
	if got.EmailPendingVerification || got.PendingEmailType != "" {
		t.Errorf("pending flag must clear after the send, got %+v", got)
	}
	if !got.EmailSent(models.EventLicenseCreated) {
		t.Error("ledger must be stamped after the replay")
	}
}

func TestPendingEmailRetryLeavesUnverifiedPending(t *testing.T) {
	r, store, mail := setup(t)
	mail.Verification = map[string]email.VerificationState{
		"user@example.com": email.VerificationPending,
	}

	customer := testutil.Customer("c1", "user@example.com")
	customer.EmailPendingVerification = true
	testutil.Seed(t, store, customer)

	counters, err := r.Run(context.Background(), TaskPendingEmailRetry)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if counters.StillPending != 1 || counters.Sent != 0 {
		t.Errorf("expected still-pending, got %+v", counters)
	}

	got, _ := store.GetCustomer(context.Background(), "c1")
	if !got.EmailPendingVerification {
		t.Error("flag must stay set while the address is unverified")
	}
}

func TestPendingEmailRetryClearsFlagWhenAlreadySent(t *testing.T) {
	r, store, mail := setup(t)

	customer := testutil.Customer("c1", "user@example.com")
	customer.EmailPendingVerification = true
	customer.PendingEmailType = models.EventLicenseCreated
	customer.MarkEmailSent(models.EventLicenseCreated, testNow.Add(-time.Hour))
	testutil.Seed(t, store, customer)

	counters, err := r.Run(context.Background(), TaskPendingEmailRetry)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if counters.Skipped != 1 || counters.Sent != 0 {
		t.Errorf("expected skip, got %+v", counters)
	}
	if len(mail.Sent) != 0 {
		t.Errorf("no email expected, got %d", len(mail.Sent))
	}

	got, _ := store.GetCustomer(context.Background(), "c1")
	if got.EmailPendingVerification {
		t.Error("flag must clear when the ledger says the email went out")
	}
}

func TestPendingEmailRetryDefaultsToWelcome(t *testing.T) {
	r, store, mail := setup(t)

	// Flag set without a recorded type, from before the type was tracked.
	customer := testutil.Customer("c1", "user@example.com")
	customer.EmailPendingVerification = true
	testutil.Seed(t, store, customer)

	if _, err := r.Run(context.Background(), TaskPendingEmailRetry); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	sent := mail.SentTo("user@example.com")
	if len(sent) != 1 {
		t.Fatalf("expected 1 email, got %d", len(sent))
	}
	if sent[0].Subject != "Welcome to MouseKit" {
		t.Errorf("untyped pending email must default to the welcome, got %q", sent[0].Subject)
	}
}

func TestPendingEmailRetryAbortsWhenVerificationCheckFails(t *testing.T) {
	r, store, mail := setup(t)
	mail.VerifyErr = errors.New("provider down")

	customer := testutil.Customer("c1", "user@example.com")
	customer.EmailPendingVerification = true
	testutil.Seed(t, store, customer)

	if _, err := r.Run(context.Background(), TaskPendingEmailRetry); err == nil {
		t.Error("a failed verification sweep must abort the run")
	}
	if len(mail.Sent) != 0 {
		t.Errorf("no email may go out on an aborted run, got %d", len(mail.Sent))
	}
}

func TestVersionNotifyPromotesLatest(t *testing.T) {
	r, store, _ := setup(t)
	ctx := context.Background()

	err := store.SaveVersionConfig(ctx, &models.VersionConfig{
		Latest: "2.2.0",
		Ready:  "2.1.0",
	})
	if err != nil {
		t.Fatalf("seed version config: %v", err)
	}

	counters, err := r.Run(ctx, TaskVersionNotify)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if counters.Sent != 1 {
		t.Errorf("expected promotion counted as sent, got %+v", counters)
	}

	cfg, _ := store.GetVersionConfig(ctx)
	if cfg.Ready != "2.2.0" {
		t.Errorf("expected ready promoted to 2.2.0, got %q", cfg.Ready)
	}
	if !cfg.UpdatedAt.Equal(testNow) {
		t.Errorf("expected update stamp %v, got %v", testNow, cfg.UpdatedAt)
	}
}

func TestVersionNotifyIsQuietWhenCaughtUp(t *testing.T) {
	r, store, _ := setup(t)
	ctx := context.Background()

	if err := store.SaveVersionConfig(ctx, &models.VersionConfig{Latest: "2.2.0", Ready: "2.2.0"}); err != nil {
		t.Fatalf("seed version config: %v", err)
	}
	counters, err := r.Run(ctx, TaskVersionNotify)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if counters.Skipped != 1 || counters.Sent != 0 {
		t.Errorf("expected skip when ready is current, got %+v", counters)
	}
}

func TestVersionNotifyNeverDemotesReady(t *testing.T) {
	r, store, _ := setup(t)
	ctx := context.Background()

	if err := store.SaveVersionConfig(ctx, &models.VersionConfig{Latest: "2.0.0", Ready: "2.1.0"}); err != nil {
		t.Fatalf("seed version config: %v", err)
	}
	counters, err := r.Run(ctx, TaskVersionNotify)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if counters.Skipped != 1 || counters.Sent != 0 {
		t.Errorf("older latest must not demote ready, got %+v", counters)
	}

	cfg, _ := store.GetVersionConfig(ctx)
	if cfg.Ready != "2.1.0" {
		t.Errorf("ready must stay at 2.1.0, got %q", cfg.Ready)
	}
}

func TestVersionNotifyWithoutConfigIsANoop(t *testing.T) {
	r, _, _ := setup(t)
	counters, err := r.Run(context.Background(), TaskVersionNotify)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if counters != (Counters{}) {
		t.Errorf("expected zero counters, got %+v", counters)
	}
}
