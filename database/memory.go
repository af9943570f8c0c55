package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Transactions are serialized by a
// single mutex and applied to a private copy of the data, which replaces the
// live copy only on success. Used for local development and tests.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	users         map[int64]User
	feedback      map[string]FeedbackItem
	operationLogs []OperationLogEntry
	notifications []NotificationLogEntry
	reminders     []ReminderLogEntry
	nextUserID    int64
	nextLogID     int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memData{
		users:    make(map[int64]User),
		feedback: make(map[string]FeedbackItem),
	}}
}

func (d *memData) clone() *memData {
	c := &memData{
		users:         make(map[int64]User, len(d.users)),
		feedback:      make(map[string]FeedbackItem, len(d.feedback)),
		operationLogs: append([]OperationLogEntry(nil), d.operationLogs...),
		notifications: append([]NotificationLogEntry(nil), d.notifications...),
		reminders:     append([]ReminderLogEntry(nil), d.reminders...),
		nextUserID:    d.nextUserID,
		nextLogID:     d.nextLogID,
	}
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.feedback {
		c.feedback[k] = v
	}
	return c
}

// WithTx runs fn against a copy of the data and commits it if fn succeeds.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(&memTx{d: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

type memTx struct {
	d *memData
}

func (t *memTx) nextID() int64 {
	t.d.nextLogID++
	return t.d.nextLogID
}

func (t *memTx) GetUser(_ context.Context, id int64) (*User, error) {
	u, ok := t.d.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (t *memTx) GetUserByUsername(_ context.Context, username string) (*User, error) {
	for _, u := range t.d.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

// LockUser is GetUser: the store mutex already serializes transactions.
func (t *memTx) LockUser(ctx context.Context, id int64) (*User, error) {
	return t.GetUser(ctx, id)
}

func (t *memTx) InsertUser(ctx context.Context, u *User) (bool, error) {
	if existing, err := t.GetUserByUsername(ctx, u.Username); err == nil {
		u.ID = existing.ID
		return false, nil
	}
	t.d.nextUserID++
	u.ID = t.d.nextUserID
	t.d.users[u.ID] = *u
	return true, nil
}

func inRange(ts, from, to time.Time) bool {
	return !ts.Before(from) && ts.Before(to)
}

func (t *memTx) CountFeedback(_ context.Context, userID int64, from, to time.Time) (int, error) {
	count := 0
	for _, f := range t.d.feedback {
		if f.UserID == userID && inRange(f.CreatedAt, from, to) {
			count++
		}
	}
	return count, nil
}

func (t *memTx) FeedbackExists(_ context.Context, id string) (bool, error) {
	_, ok := t.d.feedback[id]
	return ok, nil
}

func (t *memTx) InsertFeedback(_ context.Context, item *FeedbackItem) error {
	if _, ok := t.d.feedback[item.ID]; ok {
		return ErrDuplicate
	}
	t.d.feedback[item.ID] = *item
	return nil
}

func (t *memTx) GetFeedback(_ context.Context, id string) (*FeedbackItem, error) {
	f, ok := t.d.feedback[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &f, nil
}

func (t *memTx) LockFeedback(ctx context.Context, id string) (*FeedbackItem, error) {
	return t.GetFeedback(ctx, id)
}

func (t *memTx) UpdateFeedback(_ context.Context, item *FeedbackItem) error {
	if _, ok := t.d.feedback[item.ID]; !ok {
		return ErrNotFound
	}
	t.d.feedback[item.ID] = *item
	return nil
}

func (t *memTx) DeleteFeedback(_ context.Context, id string) error {
	if _, ok := t.d.feedback[id]; !ok {
		return ErrNotFound
	}
	delete(t.d.feedback, id)
	return nil
}

// matchFeedback applies the UserID and Search fields of filter.
func matchFeedback(f *FeedbackItem, filter FeedbackFilter) bool {
	if filter.UserID != 0 && f.UserID != filter.UserID {
		return false
	}
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	return search == "" || strings.Contains(strings.ToLower(f.Content), search)
}

func (t *memTx) ListFeedback(_ context.Context, filter FeedbackFilter) ([]FeedbackItem, error) {
	var items []FeedbackItem
	for _, f := range t.d.feedback {
		if !matchFeedback(&f, filter) || !filter.MatchStatus(f.Status) {
			continue
		}
		if u, ok := t.d.users[f.UserID]; ok {
			f.Submitter = u.DisplayName()
		}
		items = append(items, f)
	}
	key := func(f *FeedbackItem) time.Time {
		if filter.ByUpdated {
			return f.UpdatedAt
		}
		return f.CreatedAt
	}
	sort.Slice(items, func(i, j int) bool {
		ki, kj := key(&items[i]), key(&items[j])
		if ki.Equal(kj) {
			return items[i].ID > items[j].ID
		}
		return ki.After(kj)
	})
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

func (t *memTx) FeedbackStatusCounts(_ context.Context, filter FeedbackFilter) (map[Status]int, error) {
	counts := make(map[Status]int, len(Statuses))
	for _, f := range t.d.feedback {
		if matchFeedback(&f, filter) {
			counts[f.Status]++
		}
	}
	return counts, nil
}

func (t *memTx) InsertOperationLog(_ context.Context, e *OperationLogEntry) (int64, error) {
	e.ID = t.nextID()
	t.d.operationLogs = append(t.d.operationLogs, *e)
	return e.ID, nil
}

func (t *memTx) ListOperationLogs(_ context.Context, feedbackID string) ([]OperationLogEntry, error) {
	var entries []OperationLogEntry
	for _, e := range t.d.operationLogs {
		if e.FeedbackID == feedbackID {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func (t *memTx) InsertNotificationLog(_ context.Context, e *NotificationLogEntry) (int64, error) {
	e.ID = t.nextID()
	t.d.notifications = append(t.d.notifications, *e)
	return e.ID, nil
}

func (t *memTx) withUserName(e NotificationLogEntry) NotificationLogEntry {
	if u, ok := t.d.users[e.UserID]; ok {
		e.UserName = u.Name
	}
	return e
}

func (t *memTx) GetNotificationLog(_ context.Context, id int64) (*NotificationLogEntry, error) {
	for _, e := range t.d.notifications {
		if e.ID == id {
			e = t.withUserName(e)
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) ListNotificationLogs(_ context.Context, limit int) ([]NotificationLogEntry, error) {
	entries := make([]NotificationLogEntry, 0, len(t.d.notifications))
	for _, e := range t.d.notifications {
		entries = append(entries, t.withUserName(e))
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].SentAt.Equal(entries[j].SentAt) {
			return entries[i].ID > entries[j].ID
		}
		return entries[i].SentAt.After(entries[j].SentAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (t *memTx) NotificationStats(_ context.Context, dayStart, dayEnd time.Time) (*NotificationStats, error) {
	var stats NotificationStats
	for _, e := range t.d.notifications {
		stats.Total++
		switch e.Outcome {
		case OutcomeSuccess:
			stats.Success++
		case OutcomeFailure:
			stats.Failure++
		}
		if inRange(e.SentAt, dayStart, dayEnd) {
			stats.Today++
		}
	}
	return &stats, nil
}

func (t *memTx) removeNotifications(drop func(NotificationLogEntry) bool) int64 {
	kept := t.d.notifications[:0:0]
	var removed int64
	for _, e := range t.d.notifications {
		if drop(e) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	t.d.notifications = kept
	return removed
}

func (t *memTx) DeleteNotificationLogsForFeedback(_ context.Context, feedbackID string) (int64, error) {
	return t.removeNotifications(func(e NotificationLogEntry) bool { return e.FeedbackID == feedbackID }), nil
}

func (t *memTx) PruneNotificationLogs(_ context.Context, before time.Time) (int64, error) {
	return t.removeNotifications(func(e NotificationLogEntry) bool { return e.SentAt.Before(before) }), nil
}

func (t *memTx) InsertReminderLog(_ context.Context, e *ReminderLogEntry) (int64, error) {
	e.ID = t.nextID()
	t.d.reminders = append(t.d.reminders, *e)
	return e.ID, nil
}

func (t *memTx) LastReminderLog(_ context.Context, userID int64) (*ReminderLogEntry, error) {
	var last *ReminderLogEntry
	for i := range t.d.reminders {
		e := &t.d.reminders[i]
		if e.UserID != userID {
			continue
		}
		if last == nil || e.SentAt.After(last.SentAt) || (e.SentAt.Equal(last.SentAt) && e.ID > last.ID) {
			last = e
		}
	}
	if last == nil {
		return nil, ErrNotFound
	}
	found := *last
	return &found, nil
}

func (t *memTx) UnderQuotaUsers(ctx context.Context, from, to time.Time, quota int, filter UserFilter) ([]QuotaStatus, error) {
	return t.submissionCounts(ctx, from, to, quota, filter), nil
}

func (t *memTx) SubmissionCounts(ctx context.Context, from, to time.Time, filter UserFilter) ([]QuotaStatus, error) {
	return t.submissionCounts(ctx, from, to, -1, filter), nil
}

// submissionCounts drops users at or above quota unless quota is negative.
func (t *memTx) submissionCounts(ctx context.Context, from, to time.Time, quota int, filter UserFilter) []QuotaStatus {
	var result []QuotaStatus
	for _, u := range t.d.users {
		if u.IsAdmin || !filter.Match(&u) {
			continue
		}
		count, _ := t.CountFeedback(ctx, u.ID, from, to)
		if quota < 0 || count < quota {
			result = append(result, QuotaStatus{User: u, Count: count})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].User.ID < result[j].User.ID })
	return result
}
