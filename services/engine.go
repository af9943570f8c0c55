package services

import (
	"context"
	"time"

	"feedback-mailer/database"
	"feedback-mailer/utils"
)

// NotifyResult is the outcome of the notification step that follows a
// committed business operation. It is reported to callers but never turns
// the business operation into a failure.
type NotifyResult struct {
	Attempted bool             `json:"attempted"`
	Address   string           `json:"email,omitempty"`
	Outcome   database.Outcome `json:"status,omitempty"`
	LogID     int64            `json:"log_id,omitempty"`
	Error     string           `json:"error,omitempty"`
	Err       error            `json:"-"`
}

func notifyResult(res *Result, err error) NotifyResult {
	nr := NotifyResult{Attempted: res != nil, Err: err}
	if res != nil {
		nr.Address, nr.Outcome, nr.LogID = res.Address, res.Outcome, res.LogID
	}
	if err != nil {
		nr.Error = err.Error()
	}
	return nr
}

// EngineConfig carries the policy settings injected at construction.
type EngineConfig struct {
	Location        *time.Location
	SystemURL       string
	SendTimeout     time.Duration
	ReminderSpacing time.Duration
}

// Engine wires the lifecycle, audit and notification components over one
// store and exposes the operations used by the HTTP and CLI layers.
type Engine struct {
	Quota      *QuotaGuard
	Lifecycle  *Lifecycle
	Audit      *AuditRecorder
	Rotation   *RotationPolicy
	Dispatcher *Dispatcher
	Reminders  *ReminderRunner

	store database.Store
	clock utils.Clock
}

func NewEngine(store database.Store, mailer Mailer, clock utils.Clock, cfg EngineConfig) *Engine {
	quota := NewQuotaGuard(store, cfg.Location)
	audit := NewAuditRecorder(store, clock)
	rotation := NewRotationPolicy(store)
	dispatcher := NewDispatcher(store, rotation, NewTemplates(), mailer, clock, DispatcherConfig{
		SystemURL:   cfg.SystemURL,
		SendTimeout: cfg.SendTimeout,
	})
	return &Engine{
		Quota:      quota,
		Lifecycle:  NewLifecycle(store, quota, audit, clock),
		Audit:      audit,
		Rotation:   rotation,
		Dispatcher: dispatcher,
		Reminders:  NewReminderRunner(store, quota, dispatcher, clock, cfg.ReminderSpacing),
		store:      store,
		clock:      clock,
	}
}

// Submit creates a feedback item for the caller.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*database.FeedbackItem, error) {
	return e.Lifecycle.Submit(ctx, req)
}

// CanSubmit reports the caller's quota for today.
func (e *Engine) CanSubmit(ctx context.Context, userID int64) (bool, int, error) {
	return e.Quota.CanSubmit(ctx, userID, e.clock.Now())
}

// EditOwnContent lets an author revise a New item.
func (e *Engine) EditOwnContent(ctx context.Context, req EditRequest) (*database.FeedbackItem, error) {
	return e.Lifecycle.EditOwnContent(ctx, req)
}

// ApplyAdminTransition commits a status change. Call NotifyTransition with
// the outcome to inform the submitter.
func (e *Engine) ApplyAdminTransition(ctx context.Context, req TransitionRequest) (*TransitionOutcome, error) {
	return e.Lifecycle.ApplyAdminTransition(ctx, req)
}

// NotifyTransition emails the submitter about a committed transition.
func (e *Engine) NotifyTransition(ctx context.Context, out *TransitionOutcome) NotifyResult {
	return notifyResult(e.Dispatcher.Send(ctx, Notification{
		Kind:        database.KindStatusUpdate,
		UserID:      out.Owner.ID,
		FeedbackID:  out.After.ID,
		OldStatus:   out.Before.Status,
		NewStatus:   out.After.Status,
		HandlerName: out.After.Handler,
		Data: TemplateData{
			Content:         out.After.Content,
			OldStatus:       out.Before.Status,
			NewStatus:       out.After.Status,
			HandlerName:     out.After.Handler,
			AdminComment:    out.After.AdminComment,
			RevisedProposal: out.After.RevisedProposal,
		},
	}))
}

// Delete removes an item. Call NotifyDeletion with the snapshot to inform
// the submitter.
func (e *Engine) Delete(ctx context.Context, req DeleteRequest) (*DeletedFeedback, error) {
	return e.Lifecycle.Delete(ctx, req)
}

// NotifyDeletion emails the submitter that their item was deleted.
func (e *Engine) NotifyDeletion(ctx context.Context, d *DeletedFeedback) NotifyResult {
	handler := d.Operator.DisplayName()
	return notifyResult(e.Dispatcher.Send(ctx, Notification{
		Kind:        database.KindDeletion,
		UserID:      d.Owner.ID,
		FeedbackID:  d.Item.ID,
		OldStatus:   d.Item.Status,
		HandlerName: handler,
		Data: TemplateData{
			Content:     d.Item.Content,
			HandlerName: handler,
			Reason:      d.Reason,
		},
	}))
}

// Resend repeats the status update email for an item's current state. The
// old status comes from the latest transition in the audit trail.
func (e *Engine) Resend(ctx context.Context, feedbackID string, operatorID int64) (NotifyResult, error) {
	operator, err := e.RequireAdmin(ctx, operatorID)
	if err != nil {
		return NotifyResult{}, err
	}
	item, err := e.Lifecycle.Get(ctx, feedbackID)
	if err != nil {
		return NotifyResult{}, err
	}
	oldStatus := item.Status
	last, err := e.Audit.LatestTransition(ctx, feedbackID)
	if err != nil {
		return NotifyResult{}, err
	}
	if last != nil {
		oldStatus = last.OldStatus
	}

	nr := notifyResult(e.Dispatcher.Send(ctx, Notification{
		Kind:        database.KindStatusUpdate,
		UserID:      item.UserID,
		FeedbackID:  item.ID,
		OldStatus:   oldStatus,
		NewStatus:   item.Status,
		HandlerName: operator.DisplayName(),
		Data: TemplateData{
			Content:         item.Content,
			OldStatus:       oldStatus,
			NewStatus:       item.Status,
			HandlerName:     operator.DisplayName(),
			AdminComment:    item.AdminComment,
			RevisedProposal: item.RevisedProposal,
		},
	}))
	return nr, nil
}

// RunBatch reminds every matching under-quota user.
func (e *Engine) RunBatch(ctx context.Context, filter database.UserFilter) (*BatchResult, error) {
	return e.Reminders.RunBatch(ctx, filter)
}

// SendOne reminds one user, optionally at an explicit address.
func (e *Engine) SendOne(ctx context.Context, identifier, address string) (*RecipientResult, error) {
	return e.Reminders.SendOne(ctx, identifier, address)
}

// PruneLogs applies notification log retention.
func (e *Engine) PruneLogs(ctx context.Context, olderThanDays int) (int64, error) {
	return e.Audit.Prune(ctx, olderThanDays)
}

// NotificationStats summarizes the notification log for today.
func (e *Engine) NotificationStats(ctx context.Context) (*database.NotificationStats, error) {
	start, end := e.Quota.DayBounds(e.clock.Now())
	return e.Audit.NotificationStats(ctx, start, end)
}

// RequireAdmin loads userID and fails with ErrNotAdmin unless it is an admin.
func (e *Engine) RequireAdmin(ctx context.Context, userID int64) (*database.User, error) {
	var op *database.User
	err := e.store.WithTx(ctx, func(tx database.Tx) error {
		var err error
		op, err = requireAdmin(ctx, tx, userID)
		return err
	})
	return op, storeErr(err)
}
