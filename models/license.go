package models

import "time"

const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusCanceled  = "canceled"
)

// Status reasons recorded alongside a license status transition.
const (
	ReasonPaymentFailed        = "payment_failed"
	ReasonPaymentRecovered     = "payment_recovered"
	ReasonSubscriptionCanceled = "subscription_canceled"
	ReasonSubscriptionLapsed   = "subscription_lapsed"
)

// License is a key issued to a customer at provisioning time. Licenses are
// never deleted; their status tracks the owning customer's subscription
// status within one reconciliation cycle.
type License struct {
	ID          string
	Key         string
	CustomerID  string
	ProductID   string
	ProductName string
	Version     string

	Status          string
	StatusReason    string
	StatusChangedAt time.Time
	// StatusMeta carries extra context stamped with a transition, e.g. the
	// triggering billing event type or the access-until date.
	StatusMeta map[string]string

	StripeSessionID string
	PricePaid       int64
	Currency        string

	CreatedAt time.Time
	UpdatedAt time.Time
}
