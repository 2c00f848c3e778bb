package mailer

import (
	"fmt"
	"strings"
	"time"

	"mousekit.app/cloud/models"
	"mousekit.app/cloud/stream"
)

// EventTemplates maps a lifecycle event type to a template name. An event
// type without a mapping produces no email. TestTemplateClosure keeps this
// map and the template set in lockstep.
var EventTemplates = map[string]string{
	models.EventCustomerCreated:         "welcome",
	models.EventLicenseCreated:          "license-key",
	models.EventSubscriptionCancelled:   "subscription-canceled",
	models.EventSubscriptionReactivated: "subscription-reactivated",
	models.EventPaymentFailed:           "payment-failed",
	models.EventTrialEnding:             "trial-ending",
	models.EventWinback30:               "winback-30",
	models.EventWinback90:               "winback-90",
}

// CreationOnly lists event types whose email must fire only on the first
// INSERT of the event record, never on a later MODIFY/REMOVE delivery.
var CreationOnly = map[string]bool{
	models.EventCustomerCreated: true,
}

// Fields is the denormalized data a template renders with.
type Fields struct {
	Email        string
	LicenseKey   string
	PlanName     string
	AmountCents  int64
	Currency     string
	AccessUntil  time.Time
	AttemptCount int
	NextRetryAt  time.Time
}

// FieldsFromImage pulls template fields out of a change-stream image.
func FieldsFromImage(img stream.Image) Fields {
	var f Fields
	f.Email, _ = img.String("email")
	f.LicenseKey, _ = img.String("licenseKey")
	f.PlanName, _ = img.String("planName")
	f.AmountCents, _ = img.Int64("amountCents")
	f.Currency, _ = img.String("currency")
	f.AccessUntil, _ = img.Time("accessUntil")
	f.AttemptCount, _ = img.Int("attemptCount")
	f.NextRetryAt, _ = img.Time("nextRetryAt")
	return f
}

type template struct {
	Subject string
	Body    func(f Fields) string
}

// Templates is the template set, keyed by template name.
var Templates = map[string]template{
	"welcome": {
		Subject: "Welcome to MouseKit",
		Body: func(f Fields) string {
			return fmt.Sprintf(`Hello,

Welcome to MouseKit! Your account is set up and ready.

Open MouseKit on your Mac and sign in with this address (%s) to get started.

Questions? Just reply to this email.

The MouseKit Team`, f.Email)
		},
	},
	"license-key": {
		Subject: "Your MouseKit License Key",
		Body: func(f Fields) string {
			return fmt.Sprintf(`Hello,

Thank you for purchasing MouseKit! Your purchase has been processed successfully.

LICENSE DETAILS
License Key: %s
Plan: %s
Amount Paid: %s

GETTING STARTED
1. Open MouseKit on your Mac
2. Go to Settings - License
3. Enter your license key: %s

Thank you for choosing MouseKit!

The MouseKit Team`, f.LicenseKey, f.PlanName, formatPrice(f.AmountCents, f.Currency), f.LicenseKey)
		},
	},
	"subscription-canceled": {
		Subject: "Your MouseKit subscription has been canceled",
		Body: func(f Fields) string {
			return fmt.Sprintf(`Hello,

Your MouseKit subscription has been canceled. You keep full access until %s.

If this was a mistake you can restart your subscription anytime from the
customer portal.

The MouseKit Team`, f.AccessUntil.UTC().Format("January 2, 2006"))
		},
	},
	"subscription-reactivated": {
		Subject: "Your MouseKit subscription is active again",
		Body: func(f Fields) string {
			return `Hello,

Good news: your payment went through and your MouseKit subscription is
active again. All your licenses have been restored.

The MouseKit Team`
		},
	},
	"payment-failed": {
		Subject: "Payment failed for your MouseKit subscription",
		Body: func(f Fields) string {
			retry := "shortly"
			if !f.NextRetryAt.IsZero() {
				retry = "on " + f.NextRetryAt.UTC().Format("January 2, 2006")
			}
			return fmt.Sprintf(`Hello,

We could not process the payment for your MouseKit subscription
(attempt %d). We will retry %s.

Please check your payment method in the customer portal to avoid an
interruption.

The MouseKit Team`, f.AttemptCount, retry)
		},
	},
	"trial-ending": {
		Subject: "Your MouseKit trial ends in 3 days",
		Body: func(f Fields) string {
			return `Hello,

Your MouseKit trial ends in 3 days. After that your plan starts
automatically - no action needed if you want to keep going.

Not for you? Cancel anytime from the customer portal before the trial ends.

The MouseKit Team`
		},
	},
	"winback-30": {
		Subject: "We miss you at MouseKit",
		Body: func(f Fields) string {
			return `Hello,

It has been a month since you left MouseKit. We have shipped a lot since
then - come take a look, your settings are right where you left them.

The MouseKit Team`
		},
	},
	"winback-90": {
		Subject: "A lot has changed at MouseKit",
		Body: func(f Fields) string {
			return `Hello,

Three months is a long time in MouseKit land. If you ever want to pick
things back up, restarting takes one click from the customer portal.

The MouseKit Team`
		},
	},
}

// RenderEvent resolves the template for an event type and renders it.
// ok=false means the event type produces no email.
func RenderEvent(eventType string, f Fields) (subject, body string, ok bool) {
	name, ok := EventTemplates[eventType]
	if !ok {
		return "", "", false
	}
	tpl, ok := Templates[name]
	if !ok {
		return "", "", false
	}
	return tpl.Subject, tpl.Body(f), true
}

func formatPrice(amountCents int64, currency string) string {
	amount := float64(amountCents) / 100.0
	switch strings.ToUpper(currency) {
	case "USD":
		return fmt.Sprintf("$%.2f", amount)
	case "EUR":
		return fmt.Sprintf("€%.2f", amount)
	case "GBP":
		return fmt.Sprintf("£%.2f", amount)
	case "":
		return fmt.Sprintf("%.2f", amount)
	default:
		return fmt.Sprintf("%.2f %s", amount, strings.ToUpper(currency))
	}
}
