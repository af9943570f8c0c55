package database

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert collides with an existing key.
	ErrDuplicate = errors.New("duplicate record")
)

// Store is the transactional entry point to persisted state. Every read and
// write happens inside WithTx; fn's changes are committed only when it
// returns nil.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx exposes the queries available inside one transaction.
type Tx interface {
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	// LockUser loads the user and holds a row lock until the transaction ends.
	LockUser(ctx context.Context, id int64) (*User, error)
	// InsertUser creates u unless the username is taken. It reports whether a
	// row was created and sets u.ID either way.
	InsertUser(ctx context.Context, u *User) (bool, error)

	// CountFeedback counts items owned by userID created in [from, to).
	CountFeedback(ctx context.Context, userID int64, from, to time.Time) (int, error)
	FeedbackExists(ctx context.Context, id string) (bool, error)
	InsertFeedback(ctx context.Context, item *FeedbackItem) error
	GetFeedback(ctx context.Context, id string) (*FeedbackItem, error)
	// LockFeedback loads the item and holds a row lock until the transaction ends.
	LockFeedback(ctx context.Context, id string) (*FeedbackItem, error)
	UpdateFeedback(ctx context.Context, item *FeedbackItem) error
	DeleteFeedback(ctx context.Context, id string) error
	// ListFeedback returns matching items newest first with Submitter filled in.
	ListFeedback(ctx context.Context, filter FeedbackFilter) ([]FeedbackItem, error)
	// FeedbackStatusCounts counts items per status. Only the UserID and Search
	// fields of filter apply.
	FeedbackStatusCounts(ctx context.Context, filter FeedbackFilter) (map[Status]int, error)

	InsertOperationLog(ctx context.Context, entry *OperationLogEntry) (int64, error)
	ListOperationLogs(ctx context.Context, feedbackID string) ([]OperationLogEntry, error)

	InsertNotificationLog(ctx context.Context, entry *NotificationLogEntry) (int64, error)
	GetNotificationLog(ctx context.Context, id int64) (*NotificationLogEntry, error)
	// ListNotificationLogs returns the newest entries first; limit <= 0 returns all.
	ListNotificationLogs(ctx context.Context, limit int) ([]NotificationLogEntry, error)
	NotificationStats(ctx context.Context, dayStart, dayEnd time.Time) (*NotificationStats, error)
	DeleteNotificationLogsForFeedback(ctx context.Context, feedbackID string) (int64, error)
	PruneNotificationLogs(ctx context.Context, before time.Time) (int64, error)

	InsertReminderLog(ctx context.Context, entry *ReminderLogEntry) (int64, error)
	// LastReminderLog returns the most recent entry by sent_at, ties broken by id.
	LastReminderLog(ctx context.Context, userID int64) (*ReminderLogEntry, error)

	// UnderQuotaUsers returns non-admin users matching filter whose item count
	// in [from, to) is below quota, ordered by id.
	UnderQuotaUsers(ctx context.Context, from, to time.Time, quota int, filter UserFilter) ([]QuotaStatus, error)
	// SubmissionCounts returns every non-admin user matching filter with their
	// item count in [from, to), ordered by id.
	SubmissionCounts(ctx context.Context, from, to time.Time, filter UserFilter) ([]QuotaStatus, error)
}

// FeedbackFilter narrows ListFeedback. Zero fields match everything.
type FeedbackFilter struct {
	UserID   int64
	Statuses []Status
	// Search matches a case-insensitive substring of the content.
	Search string
	// ByUpdated orders by updated_at instead of created_at.
	ByUpdated bool
	// Limit <= 0 returns all matches.
	Limit int
}

// MatchStatus reports whether status passes the Statuses filter.
func (f FeedbackFilter) MatchStatus(status Status) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

type filterKind int

const (
	filterAll filterKind = iota
	filterUserID
	filterUsername
)

// UserFilter narrows a user query to everyone, one id, or one username.
type UserFilter struct {
	kind     filterKind
	userID   int64
	username string
}

// AllUsers matches every user.
func AllUsers() UserFilter { return UserFilter{kind: filterAll} }

// ByUserID matches the user with the given id.
func ByUserID(id int64) UserFilter { return UserFilter{kind: filterUserID, userID: id} }

// ByUsername matches the user with the given username.
func ByUsername(name string) UserFilter { return UserFilter{kind: filterUsername, username: name} }

// Match reports whether u satisfies the filter.
func (f UserFilter) Match(u *User) bool {
	switch f.kind {
	case filterUserID:
		return u.ID == f.userID
	case filterUsername:
		return u.Username == f.username
	default:
		return true
	}
}

func (f UserFilter) String() string {
	switch f.kind {
	case filterUserID:
		return fmt.Sprintf("user id %d", f.userID)
	case filterUsername:
		return fmt.Sprintf("username %q", f.username)
	default:
		return "all users"
	}
}
