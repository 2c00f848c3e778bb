package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"mousekit.app/cloud/internal/logger"
	"mousekit.app/cloud/models"
	"mousekit.app/cloud/reconciler"
)

// Stripe is the webhook ingress. It does not reconcile anything itself: it
// verifies the event, provisions customer and license on checkout, and
// writes a denormalized billing change record. Everything downstream
// happens asynchronously off the change stream, so Stripe gets its 200
// fast and a reconciliation bug never makes the provider retry-storm us.
func (s *Server) Stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	logger.Info("Stripe webhook received", map[string]interface{}{
		"remote_addr": r.RemoteAddr,
		"method":      r.Method,
	})

	const MaxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("Failed to read webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	event := stripe.Event{}
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.Error("Failed to parse webhook JSON", map[string]interface{}{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// Skip signature verification in test mode
	if os.Getenv("TEST_MODE") == "true" {
		logger.Debug("Skipping webhook signature verification (test mode)")
	} else {
		if s.webhookSecret == "" {
			logger.Error("Stripe webhook secret not configured")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		signatureHeader := r.Header.Get("Stripe-Signature")
		event, err = webhook.ConstructEvent(payload, signatureHeader, s.webhookSecret)
		if err != nil {
			logger.Error("Webhook signature verification failed", map[string]interface{}{
				"error": err.Error(),
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	logger.Info("Stripe event parsed", map[string]interface{}{
		"event_type": event.Type,
		"event_id":   event.ID,
	})

	switch string(event.Type) {
	case reconciler.EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			logger.Error("Failed to unmarshal checkout session", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		err = s.handleCheckoutCompleted(ctx, &session)

	case reconciler.EventSubscriptionUpdated, reconciler.EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			logger.Error("Failed to unmarshal subscription", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		err = s.Storage.PutBillingEvent(ctx, subscriptionBillingEvent(string(event.Type), &sub))

	case reconciler.EventPaymentSucceeded, reconciler.EventPaymentFailed:
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			logger.Error("Failed to unmarshal invoice", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		err = s.Storage.PutBillingEvent(ctx, invoiceBillingEvent(string(event.Type), &invoice))

	default:
		logger.Info("Unhandled webhook event type", map[string]interface{}{
			"event_type": event.Type,
			"event_id":   event.ID,
		})
	}

	if err != nil {
		logger.Error("Failed to ingest webhook event", map[string]interface{}{
			"error":      err.Error(),
			"event_type": event.Type,
			"event_id":   event.ID,
		})
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"received": "true"}); err != nil {
		logger.Error("Failed to encode webhook response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Server) handleCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession) error {
	customerEmail := session.CustomerEmail
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		customerEmail = session.CustomerDetails.Email
	}
	if customerEmail == "" {
		logger.Warn("Checkout session without customer email", map[string]interface{}{
			"session_id": session.ID,
		})
		return nil
	}

	customer, created, err := s.findOrCreateCustomer(ctx, session, customerEmail)
	if err != nil {
		return fmt.Errorf("failed to find/create customer: %w", err)
	}

	license := newLicense(customer, session)
	if err := s.Storage.SaveLicense(ctx, license); err != nil {
		return fmt.Errorf("failed to save license: %w", err)
	}

	logger.Info("Licensed customer provisioned", map[string]interface{}{
		"customer_id": customer.ID,
		"license_key": license.Key,
		"session_id":  session.ID,
		"new":         created,
	})

	now := time.Now()
	if created {
		err := s.Storage.PutEventRecord(ctx, &models.EventRecord{
			ID:         models.NewEventID(now),
			Type:       models.EventCustomerCreated,
			CustomerID: customer.ID,
			Email:      customer.Email,
			CreatedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("failed to write customer-created event: %w", err)
		}
	}

	err = s.Storage.PutEventRecord(ctx, &models.EventRecord{
		ID:          models.NewEventID(now),
		Type:        models.EventLicenseCreated,
		CustomerID:  customer.ID,
		Email:       customer.Email,
		LicenseKey:  license.Key,
		PlanName:    license.ProductName,
		AmountCents: license.PricePaid,
		Currency:    license.Currency,
		CreatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("failed to write license-created event: %w", err)
	}

	return s.Storage.PutBillingEvent(ctx, checkoutBillingEvent(session, customer, customerEmail))
}

func (s *Server) findOrCreateCustomer(ctx context.Context, session *stripe.CheckoutSession, customerEmail string) (*models.Customer, bool, error) {
	var stripeCustomerID string
	if session.Customer != nil {
		stripeCustomerID = session.Customer.ID
	}

	if stripeCustomerID != "" {
		customer, err := s.Storage.FindCustomerByStripeID(ctx, stripeCustomerID)
		if err != nil {
			return nil, false, err
		}
		if customer != nil {
			return customer, false, nil
		}
	}

	customer, err := s.Storage.FindCustomerByEmailAddress(ctx, customerEmail)
	if err != nil {
		return nil, false, err
	}
	if customer != nil {
		// Known customer checking out again; attach the provider id.
		if stripeCustomerID != "" && customer.StripeCustomerID == "" {
			customer.StripeCustomerID = stripeCustomerID
			customer.UpdatedAt = time.Now()
			if err := s.Storage.SaveCustomer(ctx, customer); err != nil {
				return nil, false, err
			}
		}
		return customer, false, nil
	}

	var customerName, country string
	if session.CustomerDetails != nil {
		customerName = session.CustomerDetails.Name
		if session.CustomerDetails.Address != nil {
			country = session.CustomerDetails.Address.Country
		}
	}

	now := time.Now()
	customer = &models.Customer{
		ID:                 uuid.Must(uuid.NewRandom()).String(),
		Email:              customerEmail,
		Name:               customerName,
		Country:            country,
		StripeCustomerID:   stripeCustomerID,
		SubscriptionStatus: models.SubscriptionNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.Storage.SaveCustomer(ctx, customer); err != nil {
		return nil, false, fmt.Errorf("failed to save customer: %w", err)
	}

	logger.Info("New customer created", map[string]interface{}{
		"customer_id":        customer.ID,
		"stripe_customer_id": stripeCustomerID,
	})
	return customer, true, nil
}

func newLicense(customer *models.Customer, session *stripe.CheckoutSession) *models.License {
	productName := session.Metadata["product_name"]
	if productName == "" {
		productName = "MouseKit"
	}

	now := time.Now()
	return &models.License{
		ID:              uuid.Must(uuid.NewRandom()).String(),
		Key:             generateLicenseKey(),
		CustomerID:      customer.ID,
		ProductID:       session.Metadata["product_id"],
		ProductName:     productName,
		Version:         session.Metadata["license_version"],
		Status:          models.StatusActive,
		StatusChangedAt: now,
		StripeSessionID: session.ID,
		PricePaid:       session.AmountTotal,
		Currency:        string(session.Currency),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func generateLicenseKey() string {
	return fmt.Sprintf("MK-%s", uuid.Must(uuid.NewRandom()).String()[:8])
}

func checkoutBillingEvent(session *stripe.CheckoutSession, customer *models.Customer, customerEmail string) *models.BillingEvent {
	event := &models.BillingEvent{
		ID:               models.NewEventID(time.Now()),
		Type:             reconciler.EventCheckoutCompleted,
		StripeCustomerID: customer.StripeCustomerID,
		Email:            customerEmail,
		AmountCents:      session.AmountTotal,
		Currency:         string(session.Currency),
		CreatedAt:        time.Now(),
	}
	if session.Subscription != nil {
		event.SubscriptionID = session.Subscription.ID
	}
	return event
}

func subscriptionBillingEvent(eventType string, sub *stripe.Subscription) *models.BillingEvent {
	event := &models.BillingEvent{
		ID:                 models.NewEventID(time.Now()),
		Type:               eventType,
		SubscriptionID:     sub.ID,
		SubscriptionStatus: string(sub.Status),
		CreatedAt:          time.Now(),
	}
	if sub.Customer != nil {
		event.StripeCustomerID = sub.Customer.ID
	}
	cancelAtEnd := sub.CancelAtPeriodEnd
	event.CancelAtPeriodEnd = &cancelAtEnd

	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.CurrentPeriodEnd > 0 {
			event.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
		if item.Price != nil {
			event.PlanName = item.Price.Nickname
		}
	}
	return event
}

func invoiceBillingEvent(eventType string, invoice *stripe.Invoice) *models.BillingEvent {
	event := &models.BillingEvent{
		ID:           models.NewEventID(time.Now()),
		Type:         eventType,
		InvoiceID:    invoice.ID,
		Email:        invoice.CustomerEmail,
		AttemptCount: int(invoice.AttemptCount),
		Currency:     string(invoice.Currency),
		CreatedAt:    time.Now(),
	}
	if invoice.Customer != nil {
		event.StripeCustomerID = invoice.Customer.ID
	}
	if invoice.NextPaymentAttempt > 0 {
		event.NextPaymentAttempt = time.Unix(invoice.NextPaymentAttempt, 0).UTC()
	}
	if eventType == reconciler.EventPaymentSucceeded {
		event.AmountCents = invoice.AmountPaid
	} else {
		event.AmountCents = invoice.AmountDue
	}
	return event
}
