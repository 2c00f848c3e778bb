package mailer

import (
	"context"
	"fmt"
	"time"

	"mousekit.app/cloud/internal/email"
	"mousekit.app/cloud/internal/logger"
	"mousekit.app/cloud/models"
	"mousekit.app/cloud/storage"
	"mousekit.app/cloud/stream"
)

// Dispatcher turns event-record changes into outbound email. It is the
// idempotency boundary of the pipeline: the customer's EmailsSent ledger is
// checked before every send and stamped after, so redelivered changes and
// self-triggered MODIFY events collapse into exactly one email per event
// type per customer.
type Dispatcher struct {
	store storage.Storage
	mail  email.Mailer
	from  string
	now   func() time.Time
}

func NewDispatcher(store storage.Storage, mail email.Mailer, from string) *Dispatcher {
	return &Dispatcher{
		store: store,
		mail:  mail,
		from:  from,
		now:   time.Now,
	}
}

func (d *Dispatcher) Name() string {
	return "email-dispatcher"
}

// ProcessBatch processes messages sequentially. An error on one message is
// recorded as a per-item failure and never aborts its siblings.
func (d *Dispatcher) ProcessBatch(ctx context.Context, msgs []stream.Message) stream.Result {
	var result stream.Result
	for _, msg := range msgs {
		result.Processed++

		sent, err := d.processMessage(ctx, msg)
		if err != nil {
			logger.Error("Failed to process email message", map[string]interface{}{
				"item":  msg.ID,
				"error": err.Error(),
			})
			result.MarkFailed(msg.ID)
			continue
		}
		if sent {
			result.Success++
		} else {
			result.Skipped++
		}
	}
	return result
}

func (d *Dispatcher) processMessage(ctx context.Context, msg stream.Message) (sent bool, err error) {
	change, err := msg.Change()
	if err != nil {
		return false, err
	}
	img := change.NewImage

	// Not every change on the stream is an event record; customer and
	// license snapshots carry no eventType and are not ours to handle.
	eventType, ok := img.String("eventType")
	if !ok {
		return false, nil
	}

	templateName, ok := EventTemplates[eventType]
	if !ok {
		logger.Debug("No template mapped for event type", map[string]interface{}{
			"event_type": eventType,
		})
		return false, nil
	}

	// Guard A: creation-only emails must not re-fire when our own ledger
	// update comes back around as a MODIFY of the record.
	if change.EventName != stream.EventInsert && CreationOnly[eventType] {
		return false, nil
	}

	var customer *models.Customer
	if customerID, ok := img.String("customerId"); ok {
		customer, err = d.store.GetCustomer(ctx, customerID)
		if err != nil {
			return false, err
		}
	}

	// Guard B: the dedup ledger.
	if customer != nil && customer.EmailSent(eventType) {
		logger.Debug("Email already sent, skipping", map[string]interface{}{
			"customer_id": customer.ID,
			"event_type":  eventType,
		})
		return false, nil
	}

	recipient, ok := img.String("email")
	if !ok {
		logger.Warn("Event record without recipient email", map[string]interface{}{
			"event_type": eventType,
		})
		return false, nil
	}

	fields := FieldsFromImage(img)
	subject, body, ok := RenderEvent(eventType, fields)
	if !ok {
		return false, nil
	}

	verified, err := d.recipientVerified(ctx, recipient)
	if err != nil {
		// Fail open: a broken verification check must not hold mail back.
		logger.Warn("Verification check failed, attempting send anyway", map[string]interface{}{
			"email": recipient,
			"error": err.Error(),
		})
	} else if !verified {
		if customer == nil {
			// No customer record to carry the pending flag, so a skip
			// would drop the email for good. Fail the item instead.
			return false, fmt.Errorf("unverified recipient and no customer to defer %s email for", eventType)
		}
		logger.Info("Recipient not verified, deferring email", map[string]interface{}{
			"email":      recipient,
			"event_type": eventType,
		})
		d.markPending(ctx, customer, eventType)
		return false, nil
	}

	err = d.mail.Send(ctx, email.Message{
		From:    d.from,
		To:      recipient,
		Subject: subject,
		Text:    body,
	})
	if err != nil {
		return false, fmt.Errorf("failed to send %s email: %w", templateName, err)
	}

	logger.Info("Email sent", map[string]interface{}{
		"email":      recipient,
		"event_type": eventType,
		"template":   templateName,
	})

	// Best effort: a failed ledger stamp means at worst one duplicate
	// attempt from the retry job, which Guard B absorbs.
	if customer != nil {
		customer.EmailPendingVerification = false
		customer.PendingEmailType = ""
		customer.MarkEmailSent(eventType, d.now())
		customer.UpdatedAt = d.now()
		if err := d.store.SaveCustomer(ctx, customer); err != nil {
			logger.Warn("Failed to stamp email ledger", map[string]interface{}{
				"customer_id": customer.ID,
				"event_type":  eventType,
				"error":       err.Error(),
			})
		}
	}
	return true, nil
}

func (d *Dispatcher) recipientVerified(ctx context.Context, recipient string) (bool, error) {
	states, err := d.mail.VerificationStatus(ctx, []string{recipient})
	if err != nil {
		return false, err
	}
	return states[recipient] == email.VerificationSuccess, nil
}

// markPending flags the customer so the scheduled retry job replays this
// email once the address verifies. Failure here is non-fatal.
func (d *Dispatcher) markPending(ctx context.Context, customer *models.Customer, eventType string) {
	customer.EmailPendingVerification = true
	customer.PendingEmailType = eventType
	customer.UpdatedAt = d.now()
	if err := d.store.SaveCustomer(ctx, customer); err != nil {
		logger.Warn("Failed to flag pending verification", map[string]interface{}{
			"customer_id": customer.ID,
			"error":       err.Error(),
		})
	}
}
