package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"feedback-mailer/database"
	"feedback-mailer/utils"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// RecipientResult is the outcome of reminding one user.
type RecipientResult struct {
	UserID    int64            `json:"user_id"`
	Username  string           `json:"username"`
	Remaining int              `json:"remaining"`
	Address   string           `json:"email,omitempty"`
	Outcome   database.Outcome `json:"status,omitempty"`
	Skipped   bool             `json:"skipped,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// BatchResult aggregates one reminder batch.
type BatchResult struct {
	SuccessCount int               `json:"success_count"`
	FailureCount int               `json:"failure_count"`
	SkippedCount int               `json:"skipped_count"`
	Recipients   []RecipientResult `json:"recipients"`
	// Err collects every per-recipient failure; nil when all succeeded.
	Err error `json:"-"`
}

// ReminderRunner notifies under-quota users. Only one batch runs at a time.
type ReminderRunner struct {
	store      database.Store
	quota      *QuotaGuard
	dispatcher *Dispatcher
	clock      utils.Clock
	spacing    time.Duration

	batch sync.Mutex
}

func NewReminderRunner(store database.Store, quota *QuotaGuard, dispatcher *Dispatcher, clock utils.Clock, spacing time.Duration) *ReminderRunner {
	return &ReminderRunner{
		store:      store,
		quota:      quota,
		dispatcher: dispatcher,
		clock:      clock,
		spacing:    spacing,
	}
}

// ParseUserIdentifier treats an all-digit identifier as a user id and
// anything else as a username.
func ParseUserIdentifier(identifier string) database.UserFilter {
	identifier = strings.TrimSpace(identifier)
	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil && id > 0 {
		return database.ByUserID(id)
	}
	return database.ByUsername(identifier)
}

func (r *ReminderRunner) underQuota(ctx context.Context, filter database.UserFilter) ([]database.QuotaStatus, error) {
	start, end := r.quota.DayBounds(r.clock.Now())
	var users []database.QuotaStatus
	err := r.store.WithTx(ctx, func(tx database.Tx) error {
		var err error
		users, err = tx.UnderQuotaUsers(ctx, start, end, DailyQuota, filter)
		return err
	})
	return users, storeErr(err)
}

// RunBatch reminds every under-quota non-admin user matching filter, keeping
// at least the configured spacing between consecutive sends. Once started
// the batch ignores cancellation of ctx and runs to completion.
func (r *ReminderRunner) RunBatch(ctx context.Context, filter database.UserFilter) (*BatchResult, error) {
	if !r.batch.TryLock() {
		return nil, ErrBatchInProgress
	}
	defer r.batch.Unlock()
	ctx = context.WithoutCancel(ctx)

	users, err := r.underQuota(ctx, filter)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"filter": filter.String(), "recipients": len(users)}).Info("Starting reminder batch")

	result := &BatchResult{Recipients: make([]RecipientResult, 0, len(users))}
	var errs *multierror.Error
	pacer := utils.NewPacer(r.clock, r.spacing)
	for _, qs := range users {
		rr := RecipientResult{UserID: qs.User.ID, Username: qs.User.Username, Remaining: DailyQuota - qs.Count}
		if !qs.User.HasAddress() {
			log.WithFields(log.Fields{"user_id": qs.User.ID, "username": qs.User.Username}).Warn("User has no email address, skipping reminder")
			rr.Skipped = true
			result.SkippedCount++
			result.Recipients = append(result.Recipients, rr)
			continue
		}

		pacer.Pace()
		res, err := r.remind(ctx, &qs, "")
		pacer.Mark()
		switch {
		case errors.Is(err, ErrNoAddress):
			rr.Skipped = true
			result.SkippedCount++
		case err != nil:
			rr.Error = err.Error()
			rr.Outcome = database.OutcomeFailure
			if res != nil {
				rr.Address = res.Address
			}
			result.FailureCount++
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", qs.User.Username, err))
		default:
			rr.Address, rr.Outcome = res.Address, res.Outcome
			result.SuccessCount++
		}
		result.Recipients = append(result.Recipients, rr)
	}
	result.Err = errs.ErrorOrNil()

	log.WithFields(log.Fields{
		"success": result.SuccessCount,
		"failure": result.FailureCount,
		"skipped": result.SkippedCount,
	}).Info("Reminder batch finished")
	return result, nil
}

// SendOne reminds a single under-quota user, optionally at an explicit
// address that must belong to them. No spacing is applied.
func (r *ReminderRunner) SendOne(ctx context.Context, identifier, address string) (*RecipientResult, error) {
	if strings.TrimSpace(identifier) == "" {
		return nil, ErrUserNotFound
	}
	users, err := r.underQuota(ctx, ParseUserIdentifier(identifier))
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrUserNotFound
	}
	qs := users[0]
	rr := &RecipientResult{UserID: qs.User.ID, Username: qs.User.Username, Remaining: DailyQuota - qs.Count}

	res, err := r.remind(ctx, &qs, address)
	if res != nil {
		rr.Address, rr.Outcome = res.Address, res.Outcome
	}
	if err != nil {
		rr.Error = err.Error()
		return rr, err
	}
	return rr, nil
}

func (r *ReminderRunner) remind(ctx context.Context, qs *database.QuotaStatus, override string) (*Result, error) {
	remaining := DailyQuota - qs.Count
	log.WithFields(log.Fields{
		"user_id":   qs.User.ID,
		"username":  qs.User.Username,
		"submitted": qs.Count,
		"remaining": remaining,
	}).Info("Sending reminder")
	return r.dispatcher.Send(ctx, Notification{
		Kind:     database.KindReminder,
		UserID:   qs.User.ID,
		Override: override,
		Data:     TemplateData{Remaining: remaining},
	})
}
