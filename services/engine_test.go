package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"feedback-mailer/database"
)

func TestNotifyTransitionAfterCommit(t *testing.T) {
	t.Parallel()
	f := newLifecycleFixture(t)
	ctx := context.Background()
	item := f.submit(t, f.alice.ID, "add dark mode")

	out := f.transition(t, TransitionRequest{FeedbackID: item.ID, NewStatus: database.StatusProcessing, AdminComment: "on it"})
	nr := f.engine.NotifyTransition(ctx, out)
	if !nr.Attempted || nr.Err != nil || nr.Outcome != database.OutcomeSuccess || nr.Address != f.alice.Email {
		t.Fatalf("NotifyTransition: got %+v", nr)
	}

	sent := f.mailer.Sent()
	if len(sent) != 1 || !strings.Contains(sent[0].Subject, "is now Processing") || !strings.Contains(sent[0].Body, "Status: New -> Processing") {
		t.Errorf("message: %+v", sent)
	}
	logs := f.notificationLogs(t)
	if len(logs) != 1 || logs[0].FeedbackID != item.ID || logs[0].OldStatus != database.StatusNew ||
		logs[0].NewStatus != database.StatusProcessing || logs[0].HandlerName != "Admin" {
		t.Errorf("log entry: %+v", logs)
	}
}

func TestNotifyFailureKeepsBusinessResult(t *testing.T) {
	t.Parallel()
	f := newLifecycleFixture(t)
	ctx := context.Background()
	item := f.submit(t, f.bob.ID, "idea")
	f.mailer.failFor(f.bob.Email, errRefused)

	out := f.transition(t, TransitionRequest{FeedbackID: item.ID, NewStatus: database.StatusClosed})
	nr := f.engine.NotifyTransition(ctx, out)
	if !errors.Is(nr.Err, ErrDeliveryFailed) || nr.Outcome != database.OutcomeFailure || nr.Error == "" {
		t.Errorf("NotifyTransition: got %+v", nr)
	}

	got, err := f.engine.Lifecycle.Get(ctx, item.ID)
	if err != nil || got.Status != database.StatusClosed {
		t.Errorf("transition rolled back by failed notification: %+v, %v", got, err)
	}
}

func TestNotifyDeletion(t *testing.T) {
	t.Parallel()
	f := newLifecycleFixture(t)
	ctx := context.Background()
	item := f.submit(t, f.bob.ID, "remove me")

	deleted, err := f.engine.Delete(ctx, DeleteRequest{FeedbackID: item.ID, OperatorID: f.admin.ID, Reason: "spam"})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	nr := f.engine.NotifyDeletion(ctx, deleted)
	if nr.Err != nil || nr.Address != f.bob.Email {
		t.Fatalf("NotifyDeletion: %+v", nr)
	}
	sent := f.mailer.Sent()
	if len(sent) != 1 || !strings.Contains(sent[0].Body, "deleted by Admin") || !strings.Contains(sent[0].Body, "Reason: spam") {
		t.Errorf("message: %+v", sent)
	}
	logs := f.notificationLogs(t)
	if len(logs) != 1 || logs[0].Kind != database.KindDeletion || logs[0].FeedbackID != item.ID {
		t.Errorf("log entry: %+v", logs)
	}
}

func TestResend(t *testing.T) {
	t.Parallel()
	f := newLifecycleFixture(t)
	ctx := context.Background()
	item := f.submit(t, f.alice.ID, "idea")
	f.transition(t, TransitionRequest{FeedbackID: item.ID, NewStatus: database.StatusResolved})

	if _, err := f.engine.Resend(ctx, item.ID, f.bob.ID); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("non-admin resend: got %v, want ErrNotAdmin", err)
	}
	if _, err := f.engine.Resend(ctx, "missing", f.admin.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing item: got %v, want ErrNotFound", err)
	}

	nr, err := f.engine.Resend(ctx, item.ID, f.admin.ID)
	if err != nil || nr.Err != nil {
		t.Fatalf("Resend: %+v, %v", nr, err)
	}
	sent := f.mailer.Sent()
	if len(sent) != 1 || !strings.Contains(sent[0].Body, "Status: New -> Resolved") {
		t.Errorf("message: %+v", sent)
	}
}

func TestRequireAdmin(t *testing.T) {
	t.Parallel()
	f := newLifecycleFixture(t)
	ctx := context.Background()

	op, err := f.engine.RequireAdmin(ctx, f.admin.ID)
	if err != nil || op.ID != f.admin.ID {
		t.Errorf("admin: got %+v, %v", op, err)
	}
	for _, id := range []int64{f.alice.ID, 999} {
		if _, err := f.engine.RequireAdmin(ctx, id); !errors.Is(err, ErrNotAdmin) {
			t.Errorf("RequireAdmin(%d): got %v, want ErrNotAdmin", id, err)
		}
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{ErrEmptyContent, KindValidation},
		{ErrNotOwner, KindAuthorization},
		{ErrUserNotFound, KindNotFound},
		{ErrQuotaExceeded, KindQuota},
		{ErrBatchInProgress, KindConflict},
		{&DeliveryError{Kind: database.KindReminder, Err: errRefused}, KindDelivery},
		{storeErr(errors.New("connection reset")), KindStoreUnavailable},
		{storeErr(ErrNotEditable), KindConflict},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
