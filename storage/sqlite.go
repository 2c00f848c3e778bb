package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"mousekit.app/cloud/models"
	"mousekit.app/cloud/stream"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStorage is the production backend. Entity writes and their change
// feed rows go through one transaction so a crash can never produce a write
// without its stream entry.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStorage{db: db, path: path}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

const customerColumns = `id, email, name, country, account_type, stripe_customer_id,
	subscription_id, subscription_status, subscription_started_at, plan_name,
	current_period_end, cancel_at_period_end, payment_failure_count,
	last_payment_at, last_invoice_id, canceled_at, access_until, emails_sent,
	email_pending_verification, pending_email_type, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCustomer(row rowScanner) (*models.Customer, error) {
	var c models.Customer
	var emailsSent string
	err := row.Scan(
		&c.ID, &c.Email, &c.Name, &c.Country, &c.AccountType, &c.StripeCustomerID,
		&c.SubscriptionID, &c.SubscriptionStatus, &c.SubscriptionStartedAt, &c.PlanName,
		&c.CurrentPeriodEnd, &c.CancelAtPeriodEnd, &c.PaymentFailureCount,
		&c.LastPaymentAt, &c.LastInvoiceID, &c.CanceledAt, &c.AccessUntil, &emailsSent,
		&c.EmailPendingVerification, &c.PendingEmailType, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(emailsSent), &c.EmailsSent); err != nil {
		return nil, fmt.Errorf("failed to decode emails_sent for %s: %w", c.ID, err)
	}
	return &c, nil
}

func (s *SQLiteStorage) getCustomerBy(ctx context.Context, where string, arg interface{}) (*models.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE ` + where
	return scanCustomer(s.db.QueryRowContext(ctx, query, arg))
}

func (s *SQLiteStorage) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	return s.getCustomerBy(ctx, "id = ?", id)
}

func (s *SQLiteStorage) FindCustomerByStripeID(ctx context.Context, stripeCustomerID string) (*models.Customer, error) {
	if stripeCustomerID == "" {
		return nil, nil
	}
	return s.getCustomerBy(ctx, "stripe_customer_id = ?", stripeCustomerID)
}

func (s *SQLiteStorage) FindCustomerByEmailAddress(ctx context.Context, emailAddress string) (*models.Customer, error) {
	return s.getCustomerBy(ctx, "email = ?", emailAddress)
}

func (s *SQLiteStorage) listCustomers(ctx context.Context, where string, args ...interface{}) ([]*models.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE ` + where
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}
	defer rows.Close()

	var customers []*models.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func (s *SQLiteStorage) FindCustomersByStatus(ctx context.Context, status string) ([]*models.Customer, error) {
	return s.listCustomers(ctx, "subscription_status = ?", status)
}

func (s *SQLiteStorage) FindCustomersPendingVerification(ctx context.Context) ([]*models.Customer, error) {
	return s.listCustomers(ctx, "email_pending_verification = 1")
}

func (s *SQLiteStorage) SaveCustomer(ctx context.Context, customer *models.Customer) error {
	emailsSent := customer.EmailsSent
	if emailsSent == nil {
		emailsSent = map[string]time.Time{}
	}
	encoded, err := json.Marshal(emailsSent)
	if err != nil {
		return fmt.Errorf("failed to encode emails_sent: %w", err)
	}

	eventName, err := s.writeEventName(ctx, "customers", customer.ID)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT OR REPLACE INTO customers (` + customerColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err := tx.ExecContext(ctx, query,
			customer.ID, customer.Email, customer.Name, customer.Country, customer.AccountType,
			customer.StripeCustomerID, customer.SubscriptionID, customer.SubscriptionStatus,
			customer.SubscriptionStartedAt, customer.PlanName, customer.CurrentPeriodEnd,
			customer.CancelAtPeriodEnd, customer.PaymentFailureCount, customer.LastPaymentAt,
			customer.LastInvoiceID, customer.CanceledAt, customer.AccessUntil, string(encoded),
			customer.EmailPendingVerification, customer.PendingEmailType,
			customer.CreatedAt, customer.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save customer: %w", err)
		}
		return appendChange(ctx, tx, eventName, customerKeys(customer), customerImage(customer))
	})
}

const licenseColumns = `id, key, customer_id, product_id, product_name, version,
	status, status_reason, status_changed_at, status_meta, stripe_session_id,
	price_paid, currency, created_at, updated_at`

func scanLicense(row rowScanner) (*models.License, error) {
	var l models.License
	var meta string
	err := row.Scan(
		&l.ID, &l.Key, &l.CustomerID, &l.ProductID, &l.ProductName, &l.Version,
		&l.Status, &l.StatusReason, &l.StatusChangedAt, &meta, &l.StripeSessionID,
		&l.PricePaid, &l.Currency, &l.CreatedAt, &l.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &l.StatusMeta); err != nil {
		return nil, fmt.Errorf("failed to decode status_meta for %s: %w", l.ID, err)
	}
	return &l, nil
}

func (s *SQLiteStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE id = ?`
	return scanLicense(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE key = ?`
	return scanLicense(s.db.QueryRowContext(ctx, query, key))
}

func (s *SQLiteStorage) FindLicensesByCustomer(ctx context.Context, customerID string) ([]*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE customer_id = ?`
	rows, err := s.db.QueryContext(ctx, query, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query licenses: %w", err)
	}
	defer rows.Close()

	var licenses []*models.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license: %w", err)
		}
		licenses = append(licenses, l)
	}
	return licenses, rows.Err()
}

func (s *SQLiteStorage) SaveLicense(ctx context.Context, license *models.License) error {
	meta := license.StatusMeta
	if meta == nil {
		meta = map[string]string{}
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode status_meta: %w", err)
	}

	eventName, err := s.writeEventName(ctx, "licenses", license.ID)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT OR REPLACE INTO licenses (` + licenseColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err := tx.ExecContext(ctx, query,
			license.ID, license.Key, license.CustomerID, license.ProductID,
			license.ProductName, license.Version, license.Status, license.StatusReason,
			license.StatusChangedAt, string(encoded), license.StripeSessionID,
			license.PricePaid, license.Currency, license.CreatedAt, license.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save license: %w", err)
		}
		return appendChange(ctx, tx, eventName, licenseKeys(license), licenseImage(license))
	})
}

func (s *SQLiteStorage) UpdateLicenseStatus(ctx context.Context, licenseID, status string, meta map[string]string) error {
	license, err := s.GetLicense(ctx, licenseID)
	if err != nil {
		return err
	}
	if license == nil {
		return fmt.Errorf("license %s not found", licenseID)
	}
	applyStatus(license, status, meta, time.Now())
	return s.SaveLicense(ctx, license)
}

func (s *SQLiteStorage) PutEventRecord(ctx context.Context, record *models.EventRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT INTO event_records (id, type, customer_id, email, license_key,
			plan_name, amount_cents, currency, access_until, attempt_count, next_retry_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err := tx.ExecContext(ctx, query,
			record.ID, record.Type, record.CustomerID, record.Email, record.LicenseKey,
			record.PlanName, record.AmountCents, record.Currency, record.AccessUntil,
			record.AttemptCount, record.NextRetryAt, record.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to put event record: %w", err)
		}
		return appendChange(ctx, tx, stream.EventInsert, eventKeys(record), eventImage(record))
	})
}

func (s *SQLiteStorage) PutBillingEvent(ctx context.Context, event *models.BillingEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT INTO billing_events (id, type, stripe_customer_id, subscription_id,
			email, subscription_status, plan_name, current_period_end, cancel_at_period_end,
			attempt_count, next_payment_attempt, invoice_id, amount_cents, currency, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err := tx.ExecContext(ctx, query,
			event.ID, event.Type, event.StripeCustomerID, event.SubscriptionID,
			event.Email, event.SubscriptionStatus, event.PlanName, event.CurrentPeriodEnd,
			event.CancelAtPeriodEnd, event.AttemptCount, event.NextPaymentAttempt,
			event.InvoiceID, event.AmountCents, event.Currency, event.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to put billing event: %w", err)
		}
		return appendChange(ctx, tx, stream.EventInsert, billingKeys(event), billingImage(event))
	})
}

func (s *SQLiteStorage) GetVersionConfig(ctx context.Context) (*models.VersionConfig, error) {
	var cfg models.VersionConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT latest, ready, updated_at FROM version_config WHERE id = 1`,
	).Scan(&cfg.Latest, &cfg.Ready, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *SQLiteStorage) SaveVersionConfig(ctx context.Context, cfg *models.VersionConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO version_config (id, latest, ready, updated_at) VALUES (1, ?, ?, ?)`,
		cfg.Latest, cfg.Ready, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save version config: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) PendingChanges(ctx context.Context, limit int) ([]*stream.ChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, event_name, keys, new_image, status, retry_count, last_error, created_at
		 FROM changes WHERE status = ? ORDER BY seq ASC LIMIT ?`,
		stream.ChangePending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var records []*stream.ChangeRecord
	for rows.Next() {
		var rec stream.ChangeRecord
		var keys, image string
		err := rows.Scan(&rec.Seq, &rec.Change.EventName, &keys, &image,
			&rec.Status, &rec.RetryCount, &rec.LastError, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		if err := json.Unmarshal([]byte(keys), &rec.Change.Keys); err != nil {
			return nil, fmt.Errorf("failed to decode change keys: %w", err)
		}
		if err := json.Unmarshal([]byte(image), &rec.Change.NewImage); err != nil {
			return nil, fmt.Errorf("failed to decode change image: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStorage) MarkDelivered(ctx context.Context, seq int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE changes SET status = ? WHERE seq = ?`, stream.ChangeDelivered, seq)
	return err
}

func (s *SQLiteStorage) MarkRetry(ctx context.Context, seq int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE changes SET retry_count = retry_count + 1, last_error = ? WHERE seq = ?`,
		reason, seq)
	return err
}

func (s *SQLiteStorage) MarkParked(ctx context.Context, seq int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE changes SET status = ?, retry_count = retry_count + 1, last_error = ? WHERE seq = ?`,
		stream.ChangeFailed, reason, seq)
	return err
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// writeEventName reports whether the upcoming write is an INSERT or MODIFY
// for the change feed.
func (s *SQLiteStorage) writeEventName(ctx context.Context, table, id string) (string, error) {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = ?)`, table)
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return "", fmt.Errorf("failed to check %s existence: %w", table, err)
	}
	if exists {
		return stream.EventModify, nil
	}
	return stream.EventInsert, nil
}

func (s *SQLiteStorage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func appendChange(ctx context.Context, tx *sql.Tx, eventName string, keys map[string]string, img stream.Image) error {
	encodedKeys, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to encode change keys: %w", err)
	}
	encodedImage, err := json.Marshal(img)
	if err != nil {
		return fmt.Errorf("failed to encode change image: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO changes (event_name, keys, new_image, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		eventName, string(encodedKeys), string(encodedImage), stream.ChangePending, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to append change: %w", err)
	}
	return nil
}
