package reconciler

import (
	"mousekit.app/cloud/models"
	"mousekit.app/cloud/stream"
)

// newEventRecord builds a write-once event record with the fields the email
// templates need denormalized in. The time-plus-random id keeps the key
// unique; dedup of the resulting email is the dispatcher's job.
func (r *Reconciler) newEventRecord(customer *models.Customer, eventType string, img stream.Image) *models.EventRecord {
	now := r.now()
	record := &models.EventRecord{
		ID:         models.NewEventID(now),
		Type:       eventType,
		CustomerID: customer.ID,
		Email:      customer.Email,
		PlanName:   customer.PlanName,
		CreatedAt:  now,
	}
	if email, ok := img.String("email"); ok {
		record.Email = email
	}
	if planName, ok := img.String("planName"); ok {
		record.PlanName = planName
	}
	if amount, ok := img.Int64("amountCents"); ok {
		record.AmountCents = amount
	}
	if currency, ok := img.String("currency"); ok {
		record.Currency = currency
	}
	return record
}
