package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types. Each one maps to exactly one email template; the
// mapping lives in the mailer package.
const (
	EventCustomerCreated         = "CUSTOMER_CREATED"
	EventLicenseCreated          = "LICENSE_CREATED"
	EventSubscriptionCancelled   = "SUBSCRIPTION_CANCELLED"
	EventSubscriptionReactivated = "SUBSCRIPTION_REACTIVATED"
	EventPaymentFailed           = "PAYMENT_FAILED"
	EventTrialEnding             = "TRIAL_ENDING"
	EventWinback30               = "WINBACK_30"
	EventWinback90               = "WINBACK_90"
)

// EventRecord is a durable, write-once marker that decouples reconciliation
// from email dispatch. It carries a denormalized copy of everything the
// email template needs so the dispatcher never has to join back to the
// billing provider. Read once by the dispatcher; dedup is the dispatcher's
// job, not the writer's.
type EventRecord struct {
	ID         string
	Type       string
	CustomerID string

	Email       string
	LicenseKey  string
	PlanName    string
	AmountCents int64
	Currency    string

	AccessUntil  time.Time
	AttemptCount int
	NextRetryAt  time.Time

	CreatedAt time.Time
}

// NewEventID builds a time-plus-random identifier. The random suffix keeps
// keys unique even when two events land in the same nanosecond.
func NewEventID(at time.Time) string {
	return fmt.Sprintf("evt_%d_%s", at.UnixNano(), uuid.Must(uuid.NewRandom()).String()[:8])
}

// BillingEvent is the denormalized record the webhook ingress writes for
// every subscription/invoice change. It is the reconciler's input: the
// change stream delivers its image, not the record itself.
//
// CancelAtPeriodEnd is a pointer so "flag not in the payload" and "flag
// explicitly false" stay distinct all the way to the stream image.
type BillingEvent struct {
	ID               string
	Type             string
	StripeCustomerID string
	SubscriptionID   string
	Email            string

	SubscriptionStatus string
	PlanName           string
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  *bool

	AttemptCount       int
	NextPaymentAttempt time.Time
	InvoiceID          string
	AmountCents        int64
	Currency           string

	CreatedAt time.Time
}

// VersionConfig is the singleton gate between "latest released" and "ready
// to advertise". The daily notify job promotes Latest into Ready to absorb
// propagation lag in the distribution channel.
type VersionConfig struct {
	Latest    string
	Ready     string
	UpdatedAt time.Time
}
