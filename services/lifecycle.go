package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"feedback-mailer/database"
	"feedback-mailer/utils"

	log "github.com/sirupsen/logrus"
)

// SubmitRequest is a new feedback item from its author.
type SubmitRequest struct {
	UserID     int64
	Content    string
	HasAnswer  bool
	AnswerText string
}

// EditRequest replaces the author-supplied fields of a New item.
type EditRequest struct {
	FeedbackID string
	UserID     int64
	Content    string
	HasAnswer  bool
	AnswerText string
}

// Answer is an admin revision of the original-answer fields.
type Answer struct {
	HasAnswer bool
	Text      string
}

// TransitionRequest is an administrative status change.
type TransitionRequest struct {
	FeedbackID      string
	OperatorID      int64
	NewStatus       database.Status
	RevisedProposal string
	AdminComment    string
	// HandlerName defaults to the operator's display name.
	HandlerName string
	// RevisedAnswer, when nil, leaves the answer fields untouched.
	RevisedAnswer *Answer
}

// TransitionOutcome is everything notification needs about a committed
// transition, so nothing has to be re-read afterwards.
type TransitionOutcome struct {
	Before         database.FeedbackItem
	After          database.FeedbackItem
	Owner          database.User
	Operator       database.User
	Operation      database.OperationType
	OperationLogID int64
}

// OldStatus is the status before the transition.
func (o *TransitionOutcome) OldStatus() database.Status { return o.Before.Status }

// NewStatus is the status after the transition.
func (o *TransitionOutcome) NewStatus() database.Status { return o.After.Status }

// DeleteRequest removes a feedback item.
type DeleteRequest struct {
	FeedbackID string
	OperatorID int64
	Reason     string
}

// DeletedFeedback is the snapshot of a removed item.
type DeletedFeedback struct {
	Item           database.FeedbackItem
	Owner          database.User
	Operator       database.User
	Reason         string
	OperationLogID int64
}

// Lifecycle validates and applies every mutation of a feedback item.
type Lifecycle struct {
	store database.Store
	quota *QuotaGuard
	audit *AuditRecorder
	clock utils.Clock
}

func NewLifecycle(store database.Store, quota *QuotaGuard, audit *AuditRecorder, clock utils.Clock) *Lifecycle {
	return &Lifecycle{store: store, quota: quota, audit: audit, clock: clock}
}

// now is truncated to the store's timestamp precision.
func (l *Lifecycle) now() time.Time {
	return l.clock.Now().Truncate(time.Microsecond)
}

// touch returns an updated_at strictly after prev.
func (l *Lifecycle) touch(prev time.Time) time.Time {
	now := l.now()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

func validateContent(content string, hasAnswer bool, answer string) error {
	if utils.IsBlank(content) {
		return ErrEmptyContent
	}
	if hasAnswer && utils.IsBlank(answer) {
		return ErrMissingAnswerText
	}
	return nil
}

func answerText(hasAnswer bool, text string) string {
	if !hasAnswer {
		return ""
	}
	return strings.TrimSpace(text)
}

// Submit creates a New item for req.UserID. The quota check, id assignment
// and insert share one transaction holding the user's row lock.
func (l *Lifecycle) Submit(ctx context.Context, req SubmitRequest) (*database.FeedbackItem, error) {
	var item *database.FeedbackItem
	err := l.store.WithTx(ctx, func(tx database.Tx) error {
		user, err := tx.LockUser(ctx, req.UserID)
		if err != nil {
			return notFoundAs(err, ErrUserNotFound)
		}
		now := l.now()
		id, err := l.quota.reserve(ctx, tx, user, now)
		if err != nil {
			return err
		}
		if err := validateContent(req.Content, req.HasAnswer, req.AnswerText); err != nil {
			return err
		}
		item = &database.FeedbackItem{
			ID:        id,
			UserID:    user.ID,
			Content:   strings.TrimSpace(req.Content),
			HasAnswer: req.HasAnswer,
			Answer:    answerText(req.HasAnswer, req.AnswerText),
			Status:    database.StatusNew,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.InsertFeedback(ctx, item)
	})
	if err != nil {
		return nil, storeErr(err)
	}
	log.WithFields(log.Fields{"feedback_id": item.ID, "user_id": item.UserID}).Info("Feedback submitted")
	return item, nil
}

// EditOwnContent lets the owner revise an item while it is still New.
func (l *Lifecycle) EditOwnContent(ctx context.Context, req EditRequest) (*database.FeedbackItem, error) {
	var item *database.FeedbackItem
	err := l.store.WithTx(ctx, func(tx database.Tx) error {
		var err error
		item, err = tx.LockFeedback(ctx, req.FeedbackID)
		if err != nil {
			return notFoundAs(err, ErrNotFound)
		}
		if item.UserID != req.UserID {
			return ErrNotOwner
		}
		if item.Status != database.StatusNew {
			return ErrNotEditable
		}
		if err := validateContent(req.Content, req.HasAnswer, req.AnswerText); err != nil {
			return err
		}
		item.Content = strings.TrimSpace(req.Content)
		item.HasAnswer = req.HasAnswer
		item.Answer = answerText(req.HasAnswer, req.AnswerText)
		item.UpdatedAt = l.touch(item.UpdatedAt)
		return tx.UpdateFeedback(ctx, item)
	})
	if err != nil {
		return nil, storeErr(err)
	}
	log.WithFields(log.Fields{"feedback_id": item.ID, "user_id": req.UserID}).Info("Feedback edited by owner")
	return item, nil
}

func requireAdmin(ctx context.Context, tx database.Tx, operatorID int64) (*database.User, error) {
	op, err := tx.GetUser(ctx, operatorID)
	if err != nil {
		return nil, notFoundAs(err, ErrNotAdmin)
	}
	if !op.IsAdmin {
		return nil, ErrNotAdmin
	}
	return op, nil
}

// ApplyAdminTransition sets a new status and admin fields. A non-empty
// revised proposal on a transition to Resolved also replaces the content.
// Exactly one operation log entry is written in the same transaction.
// Moving a terminal item back to New or Processing is allowed.
func (l *Lifecycle) ApplyAdminTransition(ctx context.Context, req TransitionRequest) (*TransitionOutcome, error) {
	if !req.NewStatus.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, req.NewStatus)
	}
	var out TransitionOutcome
	err := l.store.WithTx(ctx, func(tx database.Tx) error {
		operator, err := requireAdmin(ctx, tx, req.OperatorID)
		if err != nil {
			return err
		}
		item, err := tx.LockFeedback(ctx, req.FeedbackID)
		if err != nil {
			return notFoundAs(err, ErrNotFound)
		}
		owner, err := tx.GetUser(ctx, item.UserID)
		if err != nil {
			return err
		}
		before := *item

		revised := strings.TrimSpace(req.RevisedProposal)
		entry := &database.OperationLogEntry{
			FeedbackID: item.ID,
			OperatorID: operator.ID,
			Type:       database.OperationStatusUpdate,
			OldStatus:  before.Status,
			NewStatus:  req.NewStatus,
			Comment:    req.AdminComment,
			CreatedAt:  l.now(),
		}
		if revised != "" && req.NewStatus == database.StatusResolved {
			entry.Type = database.OperationContentRevision
			entry.OldContent = before.Content
			entry.NewContent = revised
			item.Content = revised
		}
		logID, err := l.audit.Record(ctx, tx, entry)
		if err != nil {
			return err
		}

		handler := strings.TrimSpace(req.HandlerName)
		if handler == "" {
			handler = operator.DisplayName()
		}
		item.Status = req.NewStatus
		item.RevisedProposal = revised
		item.AdminComment = req.AdminComment
		item.Handler = handler
		if req.RevisedAnswer != nil {
			item.HasAnswer = req.RevisedAnswer.HasAnswer
			item.Answer = answerText(req.RevisedAnswer.HasAnswer, req.RevisedAnswer.Text)
		}
		item.UpdatedAt = l.touch(before.UpdatedAt)
		if err := tx.UpdateFeedback(ctx, item); err != nil {
			return err
		}

		out = TransitionOutcome{
			Before:         before,
			After:          *item,
			Owner:          *owner,
			Operator:       *operator,
			Operation:      entry.Type,
			OperationLogID: logID,
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	log.WithFields(log.Fields{
		"feedback_id": out.After.ID,
		"operator_id": out.Operator.ID,
		"old_status":  out.Before.Status,
		"new_status":  out.After.Status,
		"operation":   out.Operation,
	}).Info("Feedback transitioned")
	return &out, nil
}

// Delete audits and removes an item together with its notification log
// entries. The returned snapshot is the only remaining copy of the item.
func (l *Lifecycle) Delete(ctx context.Context, req DeleteRequest) (*DeletedFeedback, error) {
	var out DeletedFeedback
	err := l.store.WithTx(ctx, func(tx database.Tx) error {
		operator, err := requireAdmin(ctx, tx, req.OperatorID)
		if err != nil {
			return err
		}
		item, err := tx.LockFeedback(ctx, req.FeedbackID)
		if err != nil {
			return notFoundAs(err, ErrNotFound)
		}
		owner, err := tx.GetUser(ctx, item.UserID)
		if err != nil {
			return err
		}

		comment := fmt.Sprintf("%s deleted feedback of %s: %s",
			operator.DisplayName(), owner.Username, utils.Truncate(item.Content, 50))
		if reason := strings.TrimSpace(req.Reason); reason != "" {
			comment += " (reason: " + reason + ")"
		}
		logID, err := l.audit.Record(ctx, tx, &database.OperationLogEntry{
			FeedbackID: item.ID,
			OperatorID: operator.ID,
			Type:       database.OperationDelete,
			OldContent: item.Content,
			OldStatus:  item.Status,
			Comment:    comment,
			CreatedAt:  l.now(),
		})
		if err != nil {
			return err
		}
		if _, err := tx.DeleteNotificationLogsForFeedback(ctx, item.ID); err != nil {
			return err
		}
		if err := tx.DeleteFeedback(ctx, item.ID); err != nil {
			return err
		}

		out = DeletedFeedback{
			Item:           *item,
			Owner:          *owner,
			Operator:       *operator,
			Reason:         strings.TrimSpace(req.Reason),
			OperationLogID: logID,
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	log.WithFields(log.Fields{"feedback_id": out.Item.ID, "operator_id": out.Operator.ID}).Info("Feedback deleted")
	return &out, nil
}

// Get returns a feedback item.
func (l *Lifecycle) Get(ctx context.Context, id string) (*database.FeedbackItem, error) {
	var item *database.FeedbackItem
	err := l.store.WithTx(ctx, func(tx database.Tx) error {
		var err error
		item, err = tx.GetFeedback(ctx, id)
		return notFoundAs(err, ErrNotFound)
	})
	return item, storeErr(err)
}
