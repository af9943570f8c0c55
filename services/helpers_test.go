package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"feedback-mailer/database"
	"feedback-mailer/utils"
)

var (
	testStart  = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	errRefused = errors.New("550 mailbox unavailable")
)

// fakeMailer records every message. Addresses in fail are rejected; hook,
// when set, runs before the message is recorded and its error is returned.
type fakeMailer struct {
	mu   sync.Mutex
	sent []Message
	fail map[string]error
	hook func(ctx context.Context, msg *Message) error
}

func (m *fakeMailer) Send(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	hook := m.hook
	err := m.fail[msg.To]
	m.mu.Unlock()
	if hook != nil {
		if herr := hook(ctx, msg); herr != nil {
			return herr
		}
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *msg)
	return nil
}

func (m *fakeMailer) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

func (m *fakeMailer) failFor(addr string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail == nil {
		m.fail = make(map[string]error)
	}
	m.fail[addr] = err
}

type testEnv struct {
	store  *database.MemoryStore
	clock  *utils.FakeClock
	mailer *fakeMailer
	engine *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := database.NewMemoryStore()
	clock := utils.NewFakeClock(testStart)
	mailer := &fakeMailer{}
	engine := NewEngine(store, mailer, clock, EngineConfig{
		Location:        time.UTC,
		SystemURL:       "https://feedback.example.com",
		SendTimeout:     time.Second,
		ReminderSpacing: 10 * time.Second,
	})
	return &testEnv{store: store, clock: clock, mailer: mailer, engine: engine}
}

func (e *testEnv) addUser(t *testing.T, u database.User) *database.User {
	t.Helper()
	err := e.store.WithTx(context.Background(), func(tx database.Tx) error {
		_, err := tx.InsertUser(context.Background(), &u)
		return err
	})
	if err != nil {
		t.Fatalf("InsertUser(%s): %v", u.Username, err)
	}
	return &u
}

func (e *testEnv) submit(t *testing.T, userID int64, content string) *database.FeedbackItem {
	t.Helper()
	item, err := e.engine.Submit(context.Background(), SubmitRequest{UserID: userID, Content: content})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return item
}

func (e *testEnv) notificationLogs(t *testing.T) []database.NotificationLogEntry {
	t.Helper()
	logs, err := e.engine.Audit.NotificationLogs(context.Background(), 0)
	if err != nil {
		t.Fatalf("NotificationLogs: %v", err)
	}
	return logs
}

func (e *testEnv) history(t *testing.T, feedbackID string) []database.OperationLogEntry {
	t.Helper()
	entries, err := e.engine.Audit.History(context.Background(), feedbackID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	return entries
}
