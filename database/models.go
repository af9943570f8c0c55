package database

import (
	"fmt"
	"strings"
	"time"
)

// Status is the review state of a feedback item.
type Status string

const (
	StatusNew        Status = "new"
	StatusProcessing Status = "processing"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

var statusLabels = map[Status]string{
	StatusNew:        "New",
	StatusProcessing: "Processing",
	StatusResolved:   "Resolved",
	StatusClosed:     "Closed",
}

// Statuses lists every status in workflow order.
var Statuses = []Status{StatusNew, StatusProcessing, StatusResolved, StatusClosed}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// Label returns the display label used in emails and API responses.
func (s Status) Label() string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return string(s)
}

// ParseStatus accepts either the stored code ("resolved") or the display label
// ("Resolved"), case-insensitively.
func ParseStatus(s string) (Status, error) {
	s = strings.TrimSpace(s)
	for _, st := range Statuses {
		if strings.EqualFold(s, string(st)) || strings.EqualFold(s, st.Label()) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// OperationType classifies an operation log entry.
type OperationType string

const (
	OperationStatusUpdate    OperationType = "status_update"
	OperationContentRevision OperationType = "content_revision"
	OperationDelete          OperationType = "delete"
)

// NotificationKind identifies the template and purpose of an outbound email.
type NotificationKind string

const (
	KindReminder     NotificationKind = "reminder"
	KindStatusUpdate NotificationKind = "status_update"
	KindDeletion     NotificationKind = "deletion"
)

// Outcome is the result of a single delivery attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// User represents a row in the users table
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	BackupEmail  string    `json:"backup_email,omitempty"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// DisplayName falls back to the username when no name was provisioned.
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Username
}

// OwnsAddress reports whether addr is the user's primary or backup email.
func (u *User) OwnsAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	return strings.EqualFold(addr, u.Email) || (u.BackupEmail != "" && strings.EqualFold(addr, u.BackupEmail))
}

// HasAddress reports whether any destination address is on file.
func (u *User) HasAddress() bool {
	return u.Email != "" || u.BackupEmail != ""
}

// FeedbackItem represents a row in the feedback table
type FeedbackItem struct {
	ID              string    `json:"id"`
	UserID          int64     `json:"user_id"`
	Content         string    `json:"content"`
	HasAnswer       bool      `json:"has_answer"`
	Answer          string    `json:"answer,omitempty"`
	Status          Status    `json:"status"`
	RevisedProposal string    `json:"revised_proposal,omitempty"`
	AdminComment    string    `json:"admin_comment,omitempty"`
	Handler         string    `json:"handler,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Submitter       string    `json:"submitter,omitempty"` // joined from users by ListFeedback
}

// OperationLogEntry represents a row in the operation_logs table
type OperationLogEntry struct {
	ID         int64         `json:"id"`
	FeedbackID string        `json:"feedback_id"`
	OperatorID int64         `json:"operator_id"`
	Type       OperationType `json:"operation_type"`
	OldContent string        `json:"old_content,omitempty"`
	NewContent string        `json:"new_content,omitempty"`
	OldStatus  Status        `json:"old_status,omitempty"`
	NewStatus  Status        `json:"new_status,omitempty"`
	Comment    string        `json:"comment,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// NotificationLogEntry represents a row in the notification_logs table.
// FeedbackID is empty for reminders. Error is set iff Outcome is failure.
type NotificationLogEntry struct {
	ID          int64            `json:"id"`
	FeedbackID  string           `json:"feedback_id,omitempty"`
	UserID      int64            `json:"user_id"`
	UserName    string           `json:"user_name,omitempty"` // joined from users on read
	Email       string           `json:"email"`
	Kind        NotificationKind `json:"notification_type"`
	OldStatus   Status           `json:"old_status,omitempty"`
	NewStatus   Status           `json:"new_status,omitempty"`
	Outcome     Outcome          `json:"status"`
	Error       string           `json:"error_message,omitempty"`
	HandlerName string           `json:"handler_name,omitempty"`
	SentAt      time.Time        `json:"sent_at"`
}

// ReminderLogEntry represents a row in the reminder_logs table, the address
// history consulted by rotation.
type ReminderLogEntry struct {
	ID      int64     `json:"id"`
	UserID  int64     `json:"user_id"`
	Email   string    `json:"email"`
	Outcome Outcome   `json:"status"`
	Error   string    `json:"error_message,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// QuotaStatus pairs a user with the number of items submitted in a day.
type QuotaStatus struct {
	User  User
	Count int
}

// NotificationStats summarizes the notification log.
type NotificationStats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failure int `json:"failure"`
	Today   int `json:"today"`
}
