package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"feedback-mailer/database"
)

func TestPruneRemovesOnlyOldNotificationLogs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.addUser(t, database.User{Username: "root", Email: "root@example.com", IsAdmin: true})
	bob := env.addUser(t, database.User{Username: "bob", Email: "bob@example.com"})
	item := env.submit(t, bob.ID, "idea")
	out, err := env.engine.ApplyAdminTransition(ctx, TransitionRequest{FeedbackID: item.ID, OperatorID: admin.ID, NewStatus: database.StatusProcessing})
	if err != nil {
		t.Fatalf("ApplyAdminTransition: %v", err)
	}
	env.engine.NotifyTransition(ctx, out)

	env.clock.Advance(31 * 24 * time.Hour)
	if _, err := env.engine.SendOne(ctx, "bob", ""); err != nil {
		t.Fatalf("SendOne: %v", err)
	}

	if _, err := env.engine.PruneLogs(ctx, 0); !errors.Is(err, ErrInvalidRetention) {
		t.Errorf("PruneLogs(0): got %v, want ErrInvalidRetention", err)
	}
	removed, err := env.engine.PruneLogs(ctx, 30)
	if err != nil || removed != 1 {
		t.Fatalf("PruneLogs(30): removed %d, %v; want 1", removed, err)
	}
	logs := env.notificationLogs(t)
	if len(logs) != 1 || logs[0].Kind != database.KindReminder {
		t.Errorf("remaining logs: %+v", logs)
	}
	if entries := env.history(t, item.ID); len(entries) != 1 {
		t.Errorf("operation log pruned: %+v", entries)
	}
}

func TestNotificationLogLookup(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	bob := env.addUser(t, database.User{Username: "bob", Name: "Bob", Email: "bob@example.com"})
	res, err := env.engine.Dispatcher.Send(ctx, reminderFor(bob.ID))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	entry, err := env.engine.Audit.NotificationLog(ctx, res.LogID)
	if err != nil || entry.UserName != "Bob" || entry.Email != bob.Email {
		t.Errorf("NotificationLog: got %+v, %v", entry, err)
	}
	if _, err := env.engine.Audit.NotificationLog(ctx, 12345); !errors.Is(err, ErrLogNotFound) {
		t.Errorf("missing log: got %v, want ErrLogNotFound", err)
	}

	stats, err := env.engine.NotificationStats(ctx)
	if err != nil {
		t.Fatalf("NotificationStats: %v", err)
	}
	if stats.Total != 1 || stats.Success != 1 || stats.Today != 1 {
		t.Errorf("stats: got %+v", stats)
	}
}

func TestLatestTransition(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.addUser(t, database.User{Username: "root", Email: "root@example.com", IsAdmin: true})
	bob := env.addUser(t, database.User{Username: "bob", Email: "bob@example.com"})
	item := env.submit(t, bob.ID, "idea")

	if last, err := env.engine.Audit.LatestTransition(ctx, item.ID); err != nil || last != nil {
		t.Errorf("untouched item: got %+v, %v", last, err)
	}
	for _, st := range []database.Status{database.StatusProcessing, database.StatusResolved} {
		if _, err := env.engine.ApplyAdminTransition(ctx, TransitionRequest{FeedbackID: item.ID, OperatorID: admin.ID, NewStatus: st}); err != nil {
			t.Fatalf("ApplyAdminTransition: %v", err)
		}
	}
	last, err := env.engine.Audit.LatestTransition(ctx, item.ID)
	if err != nil || last == nil || last.OldStatus != database.StatusProcessing || last.NewStatus != database.StatusResolved {
		t.Errorf("LatestTransition: got %+v, %v", last, err)
	}
}
