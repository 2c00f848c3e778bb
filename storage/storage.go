package storage

import (
	"context"

	"mousekit.app/cloud/models"
	"mousekit.app/cloud/stream"
)

// Storage is the event record store: customers, licenses, event records and
// the change feed, behind one interface so tests can run on memory and
// production on SQLite.
//
// Lookups return (nil, nil) when nothing matches; not-found is never an
// error. Every entity write appends a row to the change feed, which is what
// the relay drains as the stand-in for a stream-enabled table.
type Storage interface {
	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
	FindCustomerByStripeID(ctx context.Context, stripeCustomerID string) (*models.Customer, error)
	FindCustomerByEmailAddress(ctx context.Context, emailAddress string) (*models.Customer, error)
	FindCustomersByStatus(ctx context.Context, status string) ([]*models.Customer, error)
	FindCustomersPendingVerification(ctx context.Context) ([]*models.Customer, error)
	SaveCustomer(ctx context.Context, customer *models.Customer) error

	GetLicense(ctx context.Context, id string) (*models.License, error)
	FindLicenseByKey(ctx context.Context, key string) (*models.License, error)
	FindLicensesByCustomer(ctx context.Context, customerID string) ([]*models.License, error)
	SaveLicense(ctx context.Context, license *models.License) error
	UpdateLicenseStatus(ctx context.Context, licenseID, status string, meta map[string]string) error

	PutEventRecord(ctx context.Context, record *models.EventRecord) error
	PutBillingEvent(ctx context.Context, event *models.BillingEvent) error

	GetVersionConfig(ctx context.Context) (*models.VersionConfig, error)
	SaveVersionConfig(ctx context.Context, cfg *models.VersionConfig) error

	stream.Feed

	Close() error
}
