package models

import "time"

// Subscription lifecycle statuses mirrored from the billing provider.
const (
	SubscriptionTrialing = "trialing"
	SubscriptionActive   = "active"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
	SubscriptionNone     = "none"
)

// Customer is the billing-side view of a user. One record per user id;
// StripeCustomerID is unique across customers. Records are never hard-deleted,
// the subscription status carries the lifecycle instead.
type Customer struct {
	ID               string
	Email            string
	Name             string
	Country          string
	AccountType      string
	StripeCustomerID string

	SubscriptionID        string
	SubscriptionStatus    string
	SubscriptionStartedAt time.Time
	PlanName              string
	CurrentPeriodEnd      time.Time
	CancelAtPeriodEnd     bool

	PaymentFailureCount int
	LastPaymentAt       time.Time
	LastInvoiceID       string

	CanceledAt  time.Time
	AccessUntil time.Time

	// EmailsSent is the dedup ledger: lifecycle event type -> time the
	// matching email went out. Checked before every send.
	EmailsSent map[string]time.Time

	// EmailPendingVerification is set when a send was skipped because the
	// recipient address is not yet verified with the mail provider.
	// PendingEmailType records which lifecycle email to replay once it is.
	EmailPendingVerification bool
	PendingEmailType         string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EmailSent reports whether the given lifecycle email already went out.
func (c *Customer) EmailSent(eventType string) bool {
	if c.EmailsSent == nil {
		return false
	}
	_, ok := c.EmailsSent[eventType]
	return ok
}

// MarkEmailSent stamps the dedup ledger for the given event type.
func (c *Customer) MarkEmailSent(eventType string, at time.Time) {
	if c.EmailsSent == nil {
		c.EmailsSent = make(map[string]time.Time)
	}
	c.EmailsSent[eventType] = at
}
