package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"feedback-mailer/database"
)

func TestSubmitAssignsDailySequence(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	alice := env.addUser(t, database.User{Username: "alice", Email: "alice@example.com"})

	for i, want := range []string{"20240101-alice-1", "20240101-alice-2", "20240101-alice-3"} {
		item := env.submit(t, alice.ID, "idea")
		if item.ID != want {
			t.Errorf("submission %d: got id %q, want %q", i+1, item.ID, want)
		}
		if item.Status != database.StatusNew {
			t.Errorf("submission %d: got status %q, want new", i+1, item.Status)
		}
	}

	_, err := env.engine.Submit(context.Background(), SubmitRequest{UserID: alice.ID, Content: "one more"})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("fourth submission: got %v, want ErrQuotaExceeded", err)
	}
	if KindOf(err) != KindQuota {
		t.Errorf("KindOf: got %v, want quota_exceeded", KindOf(err))
	}

	env.clock.Set(testStart.AddDate(0, 0, 1))
	if item := env.submit(t, alice.ID, "new day"); item.ID != "20240102-alice-1" {
		t.Errorf("next day: got id %q, want 20240102-alice-1", item.ID)
	}
}

func TestSubmitQuotaCheckedBeforeContent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	alice := env.addUser(t, database.User{Username: "alice", Email: "alice@example.com"})
	for i := 0; i < DailyQuota; i++ {
		env.submit(t, alice.ID, "idea")
	}
	_, err := env.engine.Submit(context.Background(), SubmitRequest{UserID: alice.ID, Content: "  "})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("got %v, want ErrQuotaExceeded", err)
	}
}

func TestSubmitConcurrentRespectsQuota(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	alice := env.addUser(t, database.User{Username: "alice", Email: "alice@example.com"})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
		ids       = make(map[string]bool)
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := env.engine.Submit(context.Background(), SubmitRequest{UserID: alice.ID, Content: "race"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
				ids[item.ID] = true
			case errors.Is(err, ErrQuotaExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != DailyQuota || rejected != 10-DailyQuota {
		t.Errorf("got %d succeeded and %d rejected, want %d and %d", succeeded, rejected, DailyQuota, 10-DailyQuota)
	}
	if len(ids) != succeeded {
		t.Errorf("duplicate ids assigned: %v", ids)
	}
	_, count, err := env.engine.CanSubmit(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("CanSubmit: %v", err)
	}
	if count != DailyQuota {
		t.Errorf("stored count: got %d, want %d", count, DailyQuota)
	}
}

func TestSubmitSkipsTakenSequenceAfterDelete(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	admin := env.addUser(t, database.User{Username: "root", Email: "root@example.com", IsAdmin: true})
	alice := env.addUser(t, database.User{Username: "alice", Email: "alice@example.com"})
	env.submit(t, alice.ID, "first")
	second := env.submit(t, alice.ID, "second")
	env.submit(t, alice.ID, "third")

	if _, err := env.engine.Delete(context.Background(), DeleteRequest{FeedbackID: second.ID, OperatorID: admin.ID}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	item := env.submit(t, alice.ID, "replacement")
	if item.ID != "20240101-alice-4" {
		t.Errorf("got id %q, want 20240101-alice-4", item.ID)
	}
}

func TestCanSubmit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	alice := env.addUser(t, database.User{Username: "alice", Email: "alice@example.com"})

	ok, count, err := env.engine.CanSubmit(context.Background(), alice.ID)
	if err != nil || !ok || count != 0 {
		t.Errorf("fresh user: got %v, %d, %v", ok, count, err)
	}
	for i := 0; i < DailyQuota; i++ {
		env.submit(t, alice.ID, "idea")
	}
	ok, count, err = env.engine.CanSubmit(context.Background(), alice.ID)
	if err != nil || ok || count != DailyQuota {
		t.Errorf("full user: got %v, %d, %v", ok, count, err)
	}

	if _, _, err := env.engine.CanSubmit(context.Background(), 999); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("unknown user: got %v, want ErrUserNotFound", err)
	}
	if _, err := env.engine.Submit(context.Background(), SubmitRequest{UserID: 999, Content: "x"}); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Submit unknown user: got %v, want ErrUserNotFound", err)
	}
}

func TestNextSequence(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	alice := env.addUser(t, database.User{Username: "alice", Email: "alice@example.com"})
	env.submit(t, alice.ID, "idea")

	seq, err := env.engine.Quota.NextSequence(context.Background(), alice.ID, env.clock.Now())
	if err != nil || seq != 2 {
		t.Errorf("NextSequence: got %d, %v; want 2", seq, err)
	}
}

func TestDayBoundsUsesLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+8", 8*60*60)
	q := NewQuotaGuard(database.NewMemoryStore(), loc)

	// 2024-01-01 20:00 UTC is already 2024-01-02 in UTC+8.
	start, end := q.DayBounds(time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC))
	wantStart := time.Date(2024, 1, 2, 0, 0, 0, 0, loc)
	if !start.Equal(wantStart) || !end.Equal(wantStart.AddDate(0, 0, 1)) {
		t.Errorf("DayBounds: got [%v, %v), want start %v", start, end, wantStart)
	}
}

func TestFeedbackID(t *testing.T) {
	t.Parallel()
	got := FeedbackID(time.Date(2024, 3, 7, 23, 59, 0, 0, time.UTC), "bob", 2)
	if got != "20240307-bob-2" {
		t.Errorf("FeedbackID: got %q", got)
	}
}
