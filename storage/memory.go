package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mousekit.app/cloud/models"
	"mousekit.app/cloud/stream"
)

// MemoryStorage is the test backend. It implements the same change-feed
// behavior as SQLite so the relay and consumers can be exercised end to end
// without a database file.
type MemoryStorage struct {
	mu sync.Mutex

	Customers map[string]models.Customer
	Licenses  map[string]models.License
	Events    map[string]models.EventRecord
	Billing   map[string]models.BillingEvent
	Version   *models.VersionConfig

	Changes []*stream.ChangeRecord
	nextSeq int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		Customers: make(map[string]models.Customer),
		Licenses:  make(map[string]models.License),
		Events:    make(map[string]models.EventRecord),
		Billing:   make(map[string]models.BillingEvent),
	}
}

func (m *MemoryStorage) appendChange(eventName string, keys map[string]string, img stream.Image) {
	m.nextSeq++
	m.Changes = append(m.Changes, &stream.ChangeRecord{
		Seq: m.nextSeq,
		Change: stream.Change{
			EventName: eventName,
			Keys:      keys,
			NewImage:  img,
		},
		Status:    stream.ChangePending,
		CreatedAt: time.Now(),
	})
}

func copyCustomer(c models.Customer) *models.Customer {
	out := c
	if c.EmailsSent != nil {
		out.EmailsSent = make(map[string]time.Time, len(c.EmailsSent))
		for k, v := range c.EmailsSent {
			out.EmailsSent[k] = v
		}
	}
	return &out
}

func copyLicense(l models.License) *models.License {
	out := l
	if l.StatusMeta != nil {
		out.StatusMeta = make(map[string]string, len(l.StatusMeta))
		for k, v := range l.StatusMeta {
			out.StatusMeta[k] = v
		}
	}
	return &out
}

func (m *MemoryStorage) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	customer, exists := m.Customers[id]
	if !exists {
		return nil, nil
	}
	return copyCustomer(customer), nil
}

func (m *MemoryStorage) FindCustomerByStripeID(ctx context.Context, stripeCustomerID string) (*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stripeCustomerID == "" {
		return nil, nil
	}
	for _, customer := range m.Customers {
		if customer.StripeCustomerID == stripeCustomerID {
			return copyCustomer(customer), nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) FindCustomerByEmailAddress(ctx context.Context, emailAddress string) (*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, customer := range m.Customers {
		if customer.Email == emailAddress {
			return copyCustomer(customer), nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) FindCustomersByStatus(ctx context.Context, status string) ([]*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var customers []*models.Customer
	for _, customer := range m.Customers {
		if customer.SubscriptionStatus == status {
			customers = append(customers, copyCustomer(customer))
		}
	}
	return customers, nil
}

func (m *MemoryStorage) FindCustomersPendingVerification(ctx context.Context) ([]*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var customers []*models.Customer
	for _, customer := range m.Customers {
		if customer.EmailPendingVerification {
			customers = append(customers, copyCustomer(customer))
		}
	}
	return customers, nil
}

func (m *MemoryStorage) SaveCustomer(ctx context.Context, customer *models.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	eventName := stream.EventInsert
	if _, exists := m.Customers[customer.ID]; exists {
		eventName = stream.EventModify
	}
	m.Customers[customer.ID] = *copyCustomer(*customer)
	m.appendChange(eventName, customerKeys(customer), customerImage(customer))
	return nil
}

func (m *MemoryStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	license, exists := m.Licenses[id]
	if !exists {
		return nil, nil
	}
	return copyLicense(license), nil
}

func (m *MemoryStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, license := range m.Licenses {
		if license.Key == key {
			return copyLicense(license), nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) FindLicensesByCustomer(ctx context.Context, customerID string) ([]*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var licenses []*models.License
	for _, license := range m.Licenses {
		if license.CustomerID == customerID {
			licenses = append(licenses, copyLicense(license))
		}
	}
	return licenses, nil
}

func (m *MemoryStorage) SaveLicense(ctx context.Context, license *models.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.Customers[license.CustomerID]; !exists {
		return fmt.Errorf("customer %s not found", license.CustomerID)
	}

	eventName := stream.EventInsert
	if _, exists := m.Licenses[license.ID]; exists {
		eventName = stream.EventModify
	}
	m.Licenses[license.ID] = *copyLicense(*license)
	m.appendChange(eventName, licenseKeys(license), licenseImage(license))
	return nil
}

func (m *MemoryStorage) UpdateLicenseStatus(ctx context.Context, licenseID, status string, meta map[string]string) error {
	m.mu.Lock()
	license, exists := m.Licenses[licenseID]
	m.mu.Unlock()
	if !exists {
		return fmt.Errorf("license %s not found", licenseID)
	}

	applyStatus(&license, status, meta, time.Now())
	return m.SaveLicense(ctx, &license)
}

// applyStatus mutates a license for a status transition. Shared between the
// memory and SQLite backends so both stamp the same fields.
func applyStatus(license *models.License, status string, meta map[string]string, now time.Time) {
	license.Status = status
	license.StatusChangedAt = now
	license.UpdatedAt = now
	if len(meta) > 0 {
		if license.StatusMeta == nil {
			license.StatusMeta = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			if k == "reason" {
				license.StatusReason = v
				continue
			}
			license.StatusMeta[k] = v
		}
	}
}

func (m *MemoryStorage) PutEventRecord(ctx context.Context, record *models.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.Events[record.ID]; exists {
		return fmt.Errorf("event record %s already exists", record.ID)
	}
	m.Events[record.ID] = *record
	m.appendChange(stream.EventInsert, eventKeys(record), eventImage(record))
	return nil
}

func (m *MemoryStorage) PutBillingEvent(ctx context.Context, event *models.BillingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.Billing[event.ID]; exists {
		return fmt.Errorf("billing event %s already exists", event.ID)
	}
	m.Billing[event.ID] = *event
	m.appendChange(stream.EventInsert, billingKeys(event), billingImage(event))
	return nil
}

func (m *MemoryStorage) GetVersionConfig(ctx context.Context) (*models.VersionConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Version == nil {
		return nil, nil
	}
	cfg := *m.Version
	return &cfg, nil
}

func (m *MemoryStorage) SaveVersionConfig(ctx context.Context, cfg *models.VersionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := *cfg
	m.Version = &saved
	return nil
}

func (m *MemoryStorage) PendingChanges(ctx context.Context, limit int) ([]*stream.ChangeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*stream.ChangeRecord
	for _, rec := range m.Changes {
		if rec.Status != stream.ChangePending {
			continue
		}
		cp := *rec
		pending = append(pending, &cp)
		if len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (m *MemoryStorage) MarkDelivered(ctx context.Context, seq int64) error {
	return m.setChangeStatus(seq, stream.ChangeDelivered, "", false)
}

func (m *MemoryStorage) MarkRetry(ctx context.Context, seq int64, reason string) error {
	return m.setChangeStatus(seq, stream.ChangePending, reason, true)
}

func (m *MemoryStorage) MarkParked(ctx context.Context, seq int64, reason string) error {
	return m.setChangeStatus(seq, stream.ChangeFailed, reason, true)
}

func (m *MemoryStorage) setChangeStatus(seq int64, status, reason string, bumpRetry bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.Changes {
		if rec.Seq != seq {
			continue
		}
		rec.Status = status
		rec.LastError = reason
		if bumpRetry {
			rec.RetryCount++
		}
		return nil
	}
	return fmt.Errorf("change %d not found", seq)
}

func (m *MemoryStorage) Close() error {
	return nil
}
