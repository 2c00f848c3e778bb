package reconciler

import (
	"context"
	"time"

	"mousekit.app/cloud/internal/logger"
	"mousekit.app/cloud/models"
	"mousekit.app/cloud/storage"
	"mousekit.app/cloud/stream"
)

// Billing event types the reconciler understands. The dispatch table below
// is the closed set: anything else on the stream is skipped, not failed.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentSucceeded    = "invoice.payment_succeeded"
	EventPaymentFailed       = "invoice.payment_failed"
)

// DefaultFailureLimit is how many failed payments suspend a customer's
// licenses.
const DefaultFailureLimit = 3

type handlerFunc func(ctx context.Context, img stream.Image) error

// Reconciler translates billing-provider change events into customer and
// license state. Invocation is at-least-once; every transition is written
// so that re-running it lands on the same state.
type Reconciler struct {
	store        storage.Storage
	failureLimit int
	now          func() time.Time
	handlers     map[string]handlerFunc
}

func New(store storage.Storage, failureLimit int) *Reconciler {
	if failureLimit <= 0 {
		failureLimit = DefaultFailureLimit
	}
	r := &Reconciler{
		store:        store,
		failureLimit: failureLimit,
		now:          time.Now,
	}
	r.handlers = map[string]handlerFunc{
		EventCheckoutCompleted:   r.handleCheckoutCompleted,
		EventSubscriptionUpdated: r.handleSubscriptionUpdated,
		EventSubscriptionDeleted: r.handleSubscriptionDeleted,
		EventPaymentSucceeded:    r.handlePaymentSucceeded,
		EventPaymentFailed:       r.handlePaymentFailed,
	}
	return r
}

func (r *Reconciler) Name() string {
	return "reconciler"
}

// ProcessBatch handles one batch of change messages sequentially. A message
// without a billing event type is not for us and settles as skipped; a
// handler error fails only that item so the relay redelivers just it.
func (r *Reconciler) ProcessBatch(ctx context.Context, msgs []stream.Message) stream.Result {
	var result stream.Result
	for _, msg := range msgs {
		result.Processed++

		change, err := msg.Change()
		if err != nil {
			logger.Error("Failed to parse change message", map[string]interface{}{
				"item":  msg.ID,
				"error": err.Error(),
			})
			result.MarkFailed(msg.ID)
			continue
		}

		eventType, ok := change.NewImage.String("stripeEventType")
		if !ok {
			result.Skipped++
			continue
		}

		handler, ok := r.handlers[eventType]
		if !ok {
			logger.Info("No handler for billing event type", map[string]interface{}{
				"event_type": eventType,
			})
			result.Skipped++
			continue
		}

		if err := handler(ctx, change.NewImage); err != nil {
			logger.Error("Billing event handler failed", map[string]interface{}{
				"event_type": eventType,
				"item":       msg.ID,
				"error":      err.Error(),
			})
			result.MarkFailed(msg.ID)
			continue
		}
		result.Success++
	}
	return result
}

// lookupCustomer resolves the affected customer by provider customer id.
// Missing id or unknown customer is a normal skip: the provider can fire
// events for records that were never synced.
func (r *Reconciler) lookupCustomer(ctx context.Context, img stream.Image) (*models.Customer, error) {
	stripeCustomerID, ok := img.String("stripeCustomerId")
	if !ok {
		logger.Warn("Billing event without stripe customer id")
		return nil, nil
	}

	customer, err := r.store.FindCustomerByStripeID(ctx, stripeCustomerID)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		logger.Info("No customer for stripe customer id", map[string]interface{}{
			"stripe_customer_id": stripeCustomerID,
		})
		return nil, nil
	}
	return customer, nil
}

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, img stream.Image) error {
	customer, err := r.lookupCustomer(ctx, img)
	if err != nil || customer == nil {
		return err
	}

	subscriptionID, ok := img.String("subscriptionId")
	if !ok {
		// One-time purchase, nothing to reconcile.
		logger.Debug("Checkout completed without subscription", map[string]interface{}{
			"customer_id": customer.ID,
		})
		return nil
	}

	now := r.now()
	customer.SubscriptionID = subscriptionID
	customer.SubscriptionStatus = models.SubscriptionActive
	customer.SubscriptionStartedAt = now
	customer.UpdatedAt = now

	if err := r.store.SaveCustomer(ctx, customer); err != nil {
		return err
	}

	logger.Info("Subscription activated from checkout", map[string]interface{}{
		"customer_id":     customer.ID,
		"subscription_id": subscriptionID,
	})
	return nil
}

func (r *Reconciler) handleSubscriptionUpdated(ctx context.Context, img stream.Image) error {
	customer, err := r.lookupCustomer(ctx, img)
	if err != nil || customer == nil {
		return err
	}

	status, hasStatus := img.String("status")
	if hasStatus {
		customer.SubscriptionStatus = status
	}
	if planName, ok := img.String("planName"); ok {
		customer.PlanName = planName
	}
	if periodEnd, ok := img.Time("currentPeriodEnd"); ok {
		customer.CurrentPeriodEnd = periodEnd
	}
	if cancelAtEnd, ok := img.Bool("cancelAtPeriodEnd"); ok {
		customer.CancelAtPeriodEnd = cancelAtEnd
	}
	customer.UpdatedAt = r.now()

	if err := r.store.SaveCustomer(ctx, customer); err != nil {
		return err
	}

	if hasStatus && status != models.SubscriptionActive && status != models.SubscriptionTrialing {
		licenseStatus, reason := licenseStatusFor(status)
		if err := r.syncLicenseStatus(ctx, customer, licenseStatus, map[string]string{
			"reason": reason,
		}); err != nil {
			return err
		}
	}

	logger.Info("Subscription updated", map[string]interface{}{
		"customer_id": customer.ID,
		"status":      customer.SubscriptionStatus,
	})
	return nil
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, img stream.Image) error {
	customer, err := r.lookupCustomer(ctx, img)
	if err != nil || customer == nil {
		return err
	}

	now := r.now()
	accessUntil := now
	if periodEnd, ok := img.Time("currentPeriodEnd"); ok {
		accessUntil = periodEnd
	}

	customer.SubscriptionStatus = models.SubscriptionCanceled
	customer.CanceledAt = now
	customer.AccessUntil = accessUntil
	customer.UpdatedAt = now

	if err := r.store.SaveCustomer(ctx, customer); err != nil {
		return err
	}

	err = r.syncLicenseStatus(ctx, customer, models.StatusCanceled, map[string]string{
		"reason":      models.ReasonSubscriptionCanceled,
		"eventType":   EventSubscriptionDeleted,
		"email":       customer.Email,
		"accessUntil": accessUntil.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	record := r.newEventRecord(customer, models.EventSubscriptionCancelled, img)
	record.AccessUntil = accessUntil
	record.LicenseKey = firstLicenseKey(ctx, r.store, customer.ID)
	if err := r.store.PutEventRecord(ctx, record); err != nil {
		return err
	}

	logger.Info("Subscription canceled", map[string]interface{}{
		"customer_id":  customer.ID,
		"access_until": accessUntil.UTC().Format(time.RFC3339),
	})
	return nil
}

func (r *Reconciler) handlePaymentSucceeded(ctx context.Context, img stream.Image) error {
	customer, err := r.lookupCustomer(ctx, img)
	if err != nil || customer == nil {
		return err
	}

	wasSuspended := customer.SubscriptionStatus == models.SubscriptionPastDue ||
		customer.PaymentFailureCount > 0

	now := r.now()
	customer.PaymentFailureCount = 0
	customer.SubscriptionStatus = models.SubscriptionActive
	customer.LastPaymentAt = now
	if invoiceID, ok := img.String("invoiceId"); ok {
		customer.LastInvoiceID = invoiceID
	}
	customer.UpdatedAt = now

	if err := r.store.SaveCustomer(ctx, customer); err != nil {
		return err
	}

	if wasSuspended {
		err := r.syncLicenseStatus(ctx, customer, models.StatusActive, map[string]string{
			"reason": models.ReasonPaymentRecovered,
		})
		if err != nil {
			return err
		}
		if err := r.store.PutEventRecord(ctx, r.newEventRecord(customer, models.EventSubscriptionReactivated, img)); err != nil {
			return err
		}
		logger.Info("Subscription reactivated after payment", map[string]interface{}{
			"customer_id": customer.ID,
		})
	}
	return nil
}

func (r *Reconciler) handlePaymentFailed(ctx context.Context, img stream.Image) error {
	customer, err := r.lookupCustomer(ctx, img)
	if err != nil || customer == nil {
		return err
	}

	customer.PaymentFailureCount++
	customer.SubscriptionStatus = models.SubscriptionPastDue
	customer.UpdatedAt = r.now()

	if err := r.store.SaveCustomer(ctx, customer); err != nil {
		return err
	}

	logger.Warn("Payment failed", map[string]interface{}{
		"customer_id": customer.ID,
		"failures":    customer.PaymentFailureCount,
	})

	if customer.PaymentFailureCount >= r.failureLimit {
		err := r.syncLicenseStatus(ctx, customer, models.StatusSuspended, map[string]string{
			"reason": models.ReasonPaymentFailed,
		})
		if err != nil {
			return err
		}
	}

	record := r.newEventRecord(customer, models.EventPaymentFailed, img)
	record.AttemptCount = customer.PaymentFailureCount
	if attempts, ok := img.Int("attemptCount"); ok {
		record.AttemptCount = attempts
	}
	if nextRetry, ok := img.Time("nextPaymentAttempt"); ok {
		record.NextRetryAt = nextRetry
	}
	return r.store.PutEventRecord(ctx, record)
}

// licenseStatusFor maps a subscription status onto the license status it
// cascades as.
func licenseStatusFor(subscriptionStatus string) (status, reason string) {
	if subscriptionStatus == models.SubscriptionCanceled {
		return models.StatusCanceled, models.ReasonSubscriptionCanceled
	}
	return models.StatusSuspended, models.ReasonSubscriptionLapsed
}
