package storage

import (
	"mousekit.app/cloud/models"
	"mousekit.app/cloud/stream"
)

// Change-feed snapshots. Only present fields make it into the image; the
// stream accessors keep absent and zero distinguishable on the other side.
// Customer and license images deliberately carry no eventType field, which
// is what makes the dispatcher skip them.

func customerKeys(c *models.Customer) map[string]string {
	return map[string]string{"PK": "USER#" + c.ID, "SK": "PROFILE"}
}

func customerImage(c *models.Customer) stream.Image {
	img := stream.Image{
		"id":                       stream.StringAttr(c.ID),
		"email":                    stream.StringAttr(c.Email),
		"subscriptionStatus":       stream.StringAttr(c.SubscriptionStatus),
		"paymentFailureCount":      stream.IntAttr(int64(c.PaymentFailureCount)),
		"cancelAtPeriodEnd":        stream.BoolAttr(c.CancelAtPeriodEnd),
		"emailPendingVerification": stream.BoolAttr(c.EmailPendingVerification),
	}
	if c.StripeCustomerID != "" {
		img["stripeCustomerId"] = stream.StringAttr(c.StripeCustomerID)
	}
	if c.SubscriptionID != "" {
		img["subscriptionId"] = stream.StringAttr(c.SubscriptionID)
	}
	if c.PlanName != "" {
		img["planName"] = stream.StringAttr(c.PlanName)
	}
	if !c.CurrentPeriodEnd.IsZero() {
		img["currentPeriodEnd"] = stream.TimeAttr(c.CurrentPeriodEnd)
	}
	if !c.CanceledAt.IsZero() {
		img["canceledAt"] = stream.TimeAttr(c.CanceledAt)
	}
	if !c.AccessUntil.IsZero() {
		img["accessUntil"] = stream.TimeAttr(c.AccessUntil)
	}
	return img
}

func licenseKeys(l *models.License) map[string]string {
	return map[string]string{"PK": "USER#" + l.CustomerID, "SK": "LICENSE#" + l.ID}
}

func licenseImage(l *models.License) stream.Image {
	img := stream.Image{
		"id":         stream.StringAttr(l.ID),
		"key":        stream.StringAttr(l.Key),
		"customerId": stream.StringAttr(l.CustomerID),
		"status":     stream.StringAttr(l.Status),
	}
	if l.StatusReason != "" {
		img["statusReason"] = stream.StringAttr(l.StatusReason)
	}
	return img
}

func eventKeys(e *models.EventRecord) map[string]string {
	return map[string]string{"PK": "EVENT#" + e.ID, "SK": "EVENT"}
}

func eventImage(e *models.EventRecord) stream.Image {
	img := stream.Image{
		"eventId":   stream.StringAttr(e.ID),
		"eventType": stream.StringAttr(e.Type),
	}
	if e.CustomerID != "" {
		img["customerId"] = stream.StringAttr(e.CustomerID)
	}
	if e.Email != "" {
		img["email"] = stream.StringAttr(e.Email)
	}
	if e.LicenseKey != "" {
		img["licenseKey"] = stream.StringAttr(e.LicenseKey)
	}
	if e.PlanName != "" {
		img["planName"] = stream.StringAttr(e.PlanName)
	}
	if e.AmountCents != 0 {
		img["amountCents"] = stream.IntAttr(e.AmountCents)
	}
	if e.Currency != "" {
		img["currency"] = stream.StringAttr(e.Currency)
	}
	if !e.AccessUntil.IsZero() {
		img["accessUntil"] = stream.TimeAttr(e.AccessUntil)
	}
	if e.AttemptCount != 0 {
		img["attemptCount"] = stream.IntAttr(int64(e.AttemptCount))
	}
	if !e.NextRetryAt.IsZero() {
		img["nextRetryAt"] = stream.TimeAttr(e.NextRetryAt)
	}
	return img
}

func billingKeys(b *models.BillingEvent) map[string]string {
	return map[string]string{"PK": "BILLING#" + b.ID, "SK": "BILLING"}
}

func billingImage(b *models.BillingEvent) stream.Image {
	img := stream.Image{
		"stripeEventType": stream.StringAttr(b.Type),
	}
	if b.StripeCustomerID != "" {
		img["stripeCustomerId"] = stream.StringAttr(b.StripeCustomerID)
	}
	if b.SubscriptionID != "" {
		img["subscriptionId"] = stream.StringAttr(b.SubscriptionID)
	}
	if b.Email != "" {
		img["email"] = stream.StringAttr(b.Email)
	}
	if b.SubscriptionStatus != "" {
		img["status"] = stream.StringAttr(b.SubscriptionStatus)
	}
	if b.PlanName != "" {
		img["planName"] = stream.StringAttr(b.PlanName)
	}
	if !b.CurrentPeriodEnd.IsZero() {
		img["currentPeriodEnd"] = stream.TimeAttr(b.CurrentPeriodEnd)
	}
	if b.CancelAtPeriodEnd != nil {
		img["cancelAtPeriodEnd"] = stream.BoolAttr(*b.CancelAtPeriodEnd)
	}
	if b.AttemptCount != 0 {
		img["attemptCount"] = stream.IntAttr(int64(b.AttemptCount))
	}
	if !b.NextPaymentAttempt.IsZero() {
		img["nextPaymentAttempt"] = stream.TimeAttr(b.NextPaymentAttempt)
	}
	if b.InvoiceID != "" {
		img["invoiceId"] = stream.StringAttr(b.InvoiceID)
	}
	if b.AmountCents != 0 {
		img["amountCents"] = stream.IntAttr(b.AmountCents)
	}
	if b.Currency != "" {
		img["currency"] = stream.StringAttr(b.Currency)
	}
	return img
}
