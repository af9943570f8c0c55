package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"feedback-mailer/database"
	"feedback-mailer/utils"

	log "github.com/sirupsen/logrus"
)

// Notification describes one logical email to a user.
type Notification struct {
	Kind        database.NotificationKind
	UserID      int64
	FeedbackID  string
	OldStatus   database.Status
	NewStatus   database.Status
	HandlerName string
	// Override targets a specific address instead of rotation. It must be
	// one of the user's own addresses.
	Override string
	Data     TemplateData
}

// Result is the bookkeeping of one dispatch attempt.
type Result struct {
	LogID   int64
	Address string
	Outcome database.Outcome
}

// Dispatcher renders, sends and logs notifications. Dispatches to the same
// user are serialized so rotation always sees the previous attempt.
type Dispatcher struct {
	store       database.Store
	rotation    *RotationPolicy
	templates   *Templates
	mailer      Mailer
	clock       utils.Clock
	systemURL   string
	sendTimeout time.Duration

	mu    sync.Mutex
	locks map[int64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// DispatcherConfig carries the settings injected at construction.
type DispatcherConfig struct {
	SystemURL   string
	SendTimeout time.Duration
}

func NewDispatcher(store database.Store, rotation *RotationPolicy, templates *Templates, mailer Mailer, clock utils.Clock, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		store:       store,
		rotation:    rotation,
		templates:   templates,
		mailer:      mailer,
		clock:       clock,
		systemURL:   cfg.SystemURL,
		sendTimeout: cfg.SendTimeout,
		locks:       make(map[int64]*userLock),
	}
}

func (d *Dispatcher) lockUser(userID int64) func() {
	d.mu.Lock()
	l, ok := d.locks[userID]
	if !ok {
		l = &userLock{}
		d.locks[userID] = l
	}
	l.refs++
	d.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, userID)
		}
		d.mu.Unlock()
	}
}

// Send delivers n and records exactly one notification log entry whatever
// the outcome. A transport failure is returned as a *DeliveryError after it
// has been logged.
func (d *Dispatcher) Send(ctx context.Context, n Notification) (*Result, error) {
	unlock := d.lockUser(n.UserID)
	defer unlock()

	var user *database.User
	var addr string
	err := d.store.WithTx(ctx, func(tx database.Tx) error {
		var err error
		user, err = tx.GetUser(ctx, n.UserID)
		if err != nil {
			return notFoundAs(err, ErrUserNotFound)
		}
		if n.Override != "" {
			if !user.OwnsAddress(n.Override) {
				return ErrAddressNotOwned
			}
			addr = strings.TrimSpace(n.Override)
			return nil
		}
		addr, err = d.rotation.selectInTx(ctx, tx, user)
		return err
	})
	if err != nil {
		return nil, storeErr(err)
	}

	data := n.Data
	data.RecipientName = user.DisplayName()
	data.SystemURL = d.systemURL
	if data.FeedbackID == "" {
		data.FeedbackID = n.FeedbackID
	}
	subject, body, err := d.templates.Render(n.Kind, data)
	if err != nil {
		return nil, err
	}

	fields := log.Fields{"kind": n.Kind, "user_id": user.ID, "email": addr}
	if n.FeedbackID != "" {
		fields["feedback_id"] = n.FeedbackID
	}
	logger := log.WithFields(fields)

	sendErr := d.transmit(ctx, &Message{To: addr, Subject: subject, Body: body})

	entry := &database.NotificationLogEntry{
		FeedbackID:  n.FeedbackID,
		UserID:      user.ID,
		Email:       addr,
		Kind:        n.Kind,
		OldStatus:   n.OldStatus,
		NewStatus:   n.NewStatus,
		Outcome:     database.OutcomeSuccess,
		HandlerName: n.HandlerName,
		SentAt:      d.clock.Now(),
	}
	if sendErr != nil {
		entry.Outcome = database.OutcomeFailure
		entry.Error = sendErr.Error()
	}
	// Logging must not inherit a cancelled request context, or a failed
	// send could go unrecorded.
	logCtx := context.WithoutCancel(ctx)
	logErr := d.store.WithTx(logCtx, func(tx database.Tx) error {
		if _, err := tx.InsertNotificationLog(logCtx, entry); err != nil {
			return err
		}
		_, err := tx.InsertReminderLog(logCtx, &database.ReminderLogEntry{
			UserID:  entry.UserID,
			Email:   entry.Email,
			Outcome: entry.Outcome,
			Error:   entry.Error,
			SentAt:  entry.SentAt,
		})
		return err
	})

	result := &Result{LogID: entry.ID, Address: addr, Outcome: entry.Outcome}
	if logErr != nil {
		logger.WithError(logErr).Error("CRITICAL: Failed to log notification attempt")
		logErr = fmt.Errorf("failed to log notification: %w", storeErr(logErr))
	}
	if sendErr != nil {
		logger.WithError(sendErr).Error("Notification delivery failed")
		return result, errors.Join(&DeliveryError{Kind: n.Kind, Address: addr, Err: sendErr}, logErr)
	}
	if logErr != nil {
		return result, logErr
	}
	logger.Info("Notification sent")
	return result, nil
}

func (d *Dispatcher) transmit(ctx context.Context, msg *Message) error {
	if d.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
	}
	return d.mailer.Send(ctx, msg)
}
