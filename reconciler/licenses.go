package reconciler

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"mousekit.app/cloud/internal/logger"
	"mousekit.app/cloud/models"
	"mousekit.app/cloud/storage"
)

// syncLicenseStatus mirrors the customer's subscription state onto every
// license the customer owns. Each license is a single-record update with an
// updatedAt stamp; a failure on one license does not stop the others, but
// any failure surfaces so the whole change is redelivered. The update is
// idempotent, so re-running over already-transitioned licenses is harmless.
func (r *Reconciler) syncLicenseStatus(ctx context.Context, customer *models.Customer, status string, meta map[string]string) error {
	licenses, err := r.store.FindLicensesByCustomer(ctx, customer.ID)
	if err != nil {
		return err
	}
	if len(licenses) == 0 {
		logger.Debug("Customer has no licenses to sync", map[string]interface{}{
			"customer_id": customer.ID,
		})
		return nil
	}

	var errs *multierror.Error
	for _, license := range licenses {
		if err := r.store.UpdateLicenseStatus(ctx, license.ID, status, meta); err != nil {
			logger.Error("Failed to update license status", map[string]interface{}{
				"license_id": license.ID,
				"status":     status,
				"error":      err.Error(),
			})
			errs = multierror.Append(errs, err)
		}
	}
	if errs.ErrorOrNil() != nil {
		return errs
	}

	logger.Info("License statuses synchronized", map[string]interface{}{
		"customer_id": customer.ID,
		"status":      status,
		"count":       len(licenses),
	})
	return nil
}

// firstLicenseKey returns a key to denormalize into event records, if the
// customer holds any license.
func firstLicenseKey(ctx context.Context, store storage.Storage, customerID string) string {
	licenses, err := store.FindLicensesByCustomer(ctx, customerID)
	if err != nil || len(licenses) == 0 {
		return ""
	}
	return licenses[0].Key
}
