package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"mousekit.app/cloud/internal/email"
	"mousekit.app/cloud/internal/logger"
	"mousekit.app/cloud/internal/version"
	"mousekit.app/cloud/mailer"
	"mousekit.app/cloud/models"
	"mousekit.app/cloud/storage"
)

// Task selectors, the fixed set a schedule trigger may carry.
const (
	TaskPendingEmailRetry = "pending-email-retry"
	TaskVersionNotify     = "mouse-version-notify"
	TaskTrialReminder     = "trial-reminder"
	TaskWinback30         = "winback-30"
	TaskWinback90         = "winback-90"
)

// ErrUnknownTask is returned for a task selector outside the fixed set.
var ErrUnknownTask = errors.New("unknown task type")

// Counters summarize one job run.
type Counters struct {
	Sent         int `json:"sent"`
	Skipped      int `json:"skipped"`
	StillPending int `json:"stillPending"`
	Failed       int `json:"failed"`
}

// Runner executes the scheduled reconciliation sweeps. Every sweep follows
// the dispatcher's discipline: check the EmailsSent ledger before acting,
// stamp it after, so a rerun within the same window sends nothing twice.
type Runner struct {
	store storage.Storage
	mail  email.Mailer
	from  string
	now   func() time.Time
}

func NewRunner(store storage.Storage, mail email.Mailer, from string) *Runner {
	return &Runner{
		store: store,
		mail:  mail,
		from:  from,
		now:   time.Now,
	}
}

// Run executes one task. A job-level error aborts only this task's run;
// other tasks are triggered independently.
func (r *Runner) Run(ctx context.Context, taskType string) (Counters, error) {
	logger.Info("Running scheduled task", map[string]interface{}{
		"task": taskType,
	})

	switch taskType {
	case TaskTrialReminder:
		return r.trialReminder(ctx)
	case TaskWinback30:
		return r.winback(ctx, 30, models.EventWinback30)
	case TaskWinback90:
		return r.winback(ctx, 90, models.EventWinback90)
	case TaskPendingEmailRetry:
		return r.pendingEmailRetry(ctx)
	case TaskVersionNotify:
		return r.versionNotify(ctx)
	default:
		return Counters{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskType)
	}
}

// trialReminder mails trialing customers whose period end falls exactly
// three days out.
func (r *Runner) trialReminder(ctx context.Context) (Counters, error) {
	customers, err := r.store.FindCustomersByStatus(ctx, models.SubscriptionTrialing)
	if err != nil {
		return Counters{}, err
	}

	target := r.now().Add(3 * 24 * time.Hour)
	var counters Counters
	var errs *multierror.Error
	for _, customer := range customers {
		if customer.CurrentPeriodEnd.IsZero() || !sameUTCDay(customer.CurrentPeriodEnd, target) {
			continue
		}
		r.sendOnce(ctx, customer, models.EventTrialEnding, &counters, &errs)
	}
	return counters, errs.ErrorOrNil()
}

// winback mails canceled customers whose cancellation date falls exactly
// the given number of days in the past, once per window.
func (r *Runner) winback(ctx context.Context, days int, eventType string) (Counters, error) {
	customers, err := r.store.FindCustomersByStatus(ctx, models.SubscriptionCanceled)
	if err != nil {
		return Counters{}, err
	}

	target := r.now().Add(-time.Duration(days) * 24 * time.Hour)
	var counters Counters
	var errs *multierror.Error
	for _, customer := range customers {
		if customer.CanceledAt.IsZero() || !sameUTCDay(customer.CanceledAt, target) {
			continue
		}
		r.sendOnce(ctx, customer, eventType, &counters, &errs)
	}
	return counters, errs.ErrorOrNil()
}

// pendingEmailRetry replays deferred emails for customers whose address has
// since verified. One verification call covers the whole sweep; if that
// call fails the run aborts.
func (r *Runner) pendingEmailRetry(ctx context.Context) (Counters, error) {
	customers, err := r.store.FindCustomersPendingVerification(ctx)
	if err != nil {
		return Counters{}, err
	}
	if len(customers) == 0 {
		return Counters{}, nil
	}

	addrs := make([]string, 0, len(customers))
	for _, customer := range customers {
		addrs = append(addrs, customer.Email)
	}
	states, err := r.mail.VerificationStatus(ctx, addrs)
	if err != nil {
		return Counters{}, fmt.Errorf("verification check failed: %w", err)
	}

	var counters Counters
	var errs *multierror.Error
	for _, customer := range customers {
		if states[customer.Email] != email.VerificationSuccess {
			counters.StillPending++
			continue
		}

		eventType := customer.PendingEmailType
		if eventType == "" {
			eventType = models.EventCustomerCreated
		}

		if customer.EmailSent(eventType) {
			// Ledger says it went out already; just clear the flag.
			customer.EmailPendingVerification = false
			customer.PendingEmailType = ""
			customer.UpdatedAt = r.now()
			if err := r.store.SaveCustomer(ctx, customer); err != nil {
				errs = multierror.Append(errs, err)
				counters.Failed++
				continue
			}
			counters.Skipped++
			continue
		}

		if err := r.send(ctx, customer, eventType); err != nil {
			errs = multierror.Append(errs, err)
			counters.Failed++
			continue
		}

		customer.EmailPendingVerification = false
		customer.PendingEmailType = ""
		customer.MarkEmailSent(eventType, r.now())
		customer.UpdatedAt = r.now()
		if err := r.store.SaveCustomer(ctx, customer); err != nil {
			logger.Warn("Failed to stamp email ledger after retry", map[string]interface{}{
				"customer_id": customer.ID,
				"error":       err.Error(),
			})
		}
		counters.Sent++
	}
	return counters, errs.ErrorOrNil()
}

// versionNotify promotes the latest released version into the ready field
// on its daily cadence, absorbing distribution-channel propagation lag.
func (r *Runner) versionNotify(ctx context.Context) (Counters, error) {
	cfg, err := r.store.GetVersionConfig(ctx)
	if err != nil {
		return Counters{}, err
	}
	if cfg == nil {
		logger.Info("No version config, nothing to promote")
		return Counters{}, nil
	}
	if cfg.Ready == cfg.Latest {
		return Counters{Skipped: 1}, nil
	}

	// Ready only moves forward. A stale latest value must not demote it.
	if cfg.Ready != "" {
		latest, lerr := version.Parse(cfg.Latest)
		ready, rerr := version.Parse(cfg.Ready)
		if lerr == nil && rerr == nil && latest.Compare(ready) < 0 {
			logger.Warn("Latest version is older than ready, not demoting", map[string]interface{}{
				"latest": cfg.Latest,
				"ready":  cfg.Ready,
			})
			return Counters{Skipped: 1}, nil
		}
	}

	previous := cfg.Ready
	cfg.Ready = cfg.Latest
	cfg.UpdatedAt = r.now()
	if err := r.store.SaveVersionConfig(ctx, cfg); err != nil {
		return Counters{Failed: 1}, err
	}

	logger.Info("Version promoted to ready", map[string]interface{}{
		"previous": previous,
		"ready":    cfg.Ready,
	})
	return Counters{Sent: 1}, nil
}

// sendOnce applies the ledger check, sends, and stamps, updating counters.
func (r *Runner) sendOnce(ctx context.Context, customer *models.Customer, eventType string, counters *Counters, errs **multierror.Error) {
	if customer.EmailSent(eventType) {
		counters.Skipped++
		return
	}
	if err := r.send(ctx, customer, eventType); err != nil {
		logger.Error("Scheduled email failed", map[string]interface{}{
			"customer_id": customer.ID,
			"event_type":  eventType,
			"error":       err.Error(),
		})
		*errs = multierror.Append(*errs, err)
		counters.Failed++
		return
	}
	customer.MarkEmailSent(eventType, r.now())
	customer.UpdatedAt = r.now()
	if err := r.store.SaveCustomer(ctx, customer); err != nil {
		logger.Warn("Failed to stamp email ledger", map[string]interface{}{
			"customer_id": customer.ID,
			"event_type":  eventType,
			"error":       err.Error(),
		})
	}
	counters.Sent++
}

func (r *Runner) send(ctx context.Context, customer *models.Customer, eventType string) error {
	fields := mailer.Fields{
		Email:       customer.Email,
		PlanName:    customer.PlanName,
		AccessUntil: customer.AccessUntil,
	}
	if licenses, err := r.store.FindLicensesByCustomer(ctx, customer.ID); err == nil && len(licenses) > 0 {
		fields.LicenseKey = licenses[0].Key
	}

	subject, body, ok := mailer.RenderEvent(eventType, fields)
	if !ok {
		return fmt.Errorf("no template for event type %s", eventType)
	}
	return r.mail.Send(ctx, email.Message{
		From:    r.from,
		To:      customer.Email,
		Subject: subject,
		Text:    body,
	})
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
