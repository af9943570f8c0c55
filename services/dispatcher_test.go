package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"feedback-mailer/database"
)

func reminderFor(userID int64) Notification {
	return Notification{Kind: database.KindReminder, UserID: userID, Data: TemplateData{Remaining: 2}}
}

func TestDispatcherLogsSuccess(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	bob := env.addUser(t, database.User{Username: "bob", Name: "Bob", Email: "bob@example.com"})

	res, err := env.engine.Dispatcher.Send(context.Background(), reminderFor(bob.ID))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Outcome != database.OutcomeSuccess || res.Address != bob.Email || res.LogID == 0 {
		t.Errorf("result: got %+v", res)
	}

	sent := env.mailer.Sent()
	if len(sent) != 1 {
		t.Fatalf("got %d messages, want 1", len(sent))
	}
	if !strings.Contains(sent[0].Body, "Dear Bob") || !strings.Contains(sent[0].Body, "submit 2 feedback") {
		t.Errorf("body: %q", sent[0].Body)
	}

	logs := env.notificationLogs(t)
	if len(logs) != 1 {
		t.Fatalf("got %d log entries, want 1", len(logs))
	}
	if logs[0].ID != res.LogID || logs[0].Kind != database.KindReminder || logs[0].Error != "" {
		t.Errorf("log entry: got %+v", logs[0])
	}
}

func TestDispatcherLogsFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	bob := env.addUser(t, database.User{Username: "bob", Email: "bob@example.com"})
	env.mailer.failFor(bob.Email, errRefused)

	res, err := env.engine.Dispatcher.Send(context.Background(), reminderFor(bob.ID))
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("Send: got %v, want ErrDeliveryFailed", err)
	}
	if !errors.Is(err, errRefused) {
		t.Errorf("Send: cause %v not wrapped", err)
	}
	var de *DeliveryError
	if !errors.As(err, &de) || de.Address != bob.Email {
		t.Errorf("DeliveryError: got %+v", de)
	}
	if KindOf(err) != KindDelivery {
		t.Errorf("KindOf: got %v", KindOf(err))
	}
	if res == nil || res.Outcome != database.OutcomeFailure {
		t.Errorf("result: got %+v", res)
	}

	logs := env.notificationLogs(t)
	if len(logs) != 1 || logs[0].Outcome != database.OutcomeFailure || !strings.Contains(logs[0].Error, "550") {
		t.Errorf("log entries: got %+v", logs)
	}
}

func TestDispatcherOverride(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addUser(t, database.User{Username: "alice", Email: "alice@example.com", BackupEmail: "alice@backup.example.com"})

	n := reminderFor(alice.ID)
	n.Override = "mallory@example.com"
	if _, err := env.engine.Dispatcher.Send(ctx, n); !errors.Is(err, ErrAddressNotOwned) {
		t.Errorf("foreign override: got %v, want ErrAddressNotOwned", err)
	}
	if logs := env.notificationLogs(t); len(logs) != 0 {
		t.Errorf("rejected override was logged: %+v", logs)
	}

	n.Override = alice.BackupEmail
	res, err := env.engine.Dispatcher.Send(ctx, n)
	if err != nil || res.Address != alice.BackupEmail {
		t.Fatalf("own override: got %+v, %v", res, err)
	}

	// The override feeds rotation like any other send.
	addr, err := env.engine.Rotation.SelectAddress(ctx, alice.ID)
	if err != nil || addr != alice.Email {
		t.Errorf("after backup override: got %q, %v; want primary", addr, err)
	}
}

func TestDispatcherUnknownUserAndNoAddress(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	nomail := env.addUser(t, database.User{Username: "nomail"})

	if _, err := env.engine.Dispatcher.Send(context.Background(), reminderFor(999)); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("unknown user: got %v, want ErrUserNotFound", err)
	}
	if _, err := env.engine.Dispatcher.Send(context.Background(), reminderFor(nomail.ID)); !errors.Is(err, ErrNoAddress) {
		t.Errorf("no address: got %v, want ErrNoAddress", err)
	}
	if len(env.mailer.Sent()) != 0 {
		t.Error("messages sent without a recipient")
	}
}

func TestDispatcherTimeoutIsFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.engine.Dispatcher.sendTimeout = 20 * time.Millisecond
	env.mailer.hook = func(ctx context.Context, _ *Message) error {
		<-ctx.Done()
		return ctx.Err()
	}
	bob := env.addUser(t, database.User{Username: "bob", Email: "bob@example.com"})

	_, err := env.engine.Dispatcher.Send(context.Background(), reminderFor(bob.ID))
	if !errors.Is(err, ErrDeliveryFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send: got %v, want delivery failure caused by deadline", err)
	}
	logs := env.notificationLogs(t)
	if len(logs) != 1 || logs[0].Outcome != database.OutcomeFailure {
		t.Errorf("log entries: got %+v", logs)
	}
}

func TestDispatcherLogsWhenCallerCancels(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	bob := env.addUser(t, database.User{Username: "bob", Email: "bob@example.com"})

	ctx, cancel := context.WithCancel(context.Background())
	env.mailer.hook = func(context.Context, *Message) error {
		cancel()
		return context.Canceled
	}
	if _, err := env.engine.Dispatcher.Send(ctx, reminderFor(bob.ID)); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("Send: got %v, want ErrDeliveryFailed", err)
	}
	if logs := env.notificationLogs(t); len(logs) != 1 {
		t.Errorf("got %d log entries after cancellation, want 1", len(logs))
	}
}

func TestDispatcherSerializesPerUser(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	alice := env.addUser(t, database.User{Username: "alice", Email: "alice@example.com", BackupEmail: "alice@backup.example.com"})

	const sends = 6
	var wg sync.WaitGroup
	for i := 0; i < sends; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.engine.Dispatcher.Send(context.Background(), reminderFor(alice.ID)); err != nil {
				t.Errorf("Send: %v", err)
			}
		}()
	}
	wg.Wait()

	counts := map[string]int{}
	for _, m := range env.mailer.Sent() {
		counts[m.To]++
	}
	if counts[alice.Email] != sends/2 || counts[alice.BackupEmail] != sends/2 {
		t.Errorf("concurrent sends did not alternate: %v", counts)
	}
	if len(env.engine.Dispatcher.locks) != 0 {
		t.Errorf("per-user locks leaked: %d", len(env.engine.Dispatcher.locks))
	}
}
