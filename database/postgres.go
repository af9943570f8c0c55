package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

const uniqueViolation = "23505"

// PostgresStore implements Store on a *sql.DB opened with the lib/pq driver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithTx runs fn inside a read-committed transaction, rolling back on error
// or panic.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.WithError(rbErr).Error("Failed to roll back transaction")
			}
		}
	}()

	if err = fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type pgTx struct {
	tx *sql.Tx
}

const userColumns = `id, username, password_hash, name, email, COALESCE(backup_email, ''), is_admin, created_at`

func scanUser(row interface{ Scan(...any) error }, u *User) error {
	return row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Name, &u.Email, &u.BackupEmail, &u.IsAdmin, &u.CreatedAt)
}

func (t *pgTx) queryUser(ctx context.Context, query string, arg any) (*User, error) {
	var u User
	if err := scanUser(t.tx.QueryRowContext(ctx, query, arg), &u); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &u, nil
}

func (t *pgTx) GetUser(ctx context.Context, id int64) (*User, error) {
	return t.queryUser(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
}

func (t *pgTx) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return t.queryUser(ctx, "SELECT "+userColumns+" FROM users WHERE username = $1", username)
}

func (t *pgTx) LockUser(ctx context.Context, id int64) (*User, error) {
	return t.queryUser(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1 FOR UPDATE", id)
}

func (t *pgTx) InsertUser(ctx context.Context, u *User) (bool, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO users (username, password_hash, name, email, backup_email, is_admin, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
		ON CONFLICT (username) DO NOTHING
		RETURNING id`,
		u.Username, u.PasswordHash, u.Name, u.Email, u.BackupEmail, u.IsAdmin, u.CreatedAt,
	).Scan(&u.ID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to insert user: %w", err)
	}
	existing, err := t.GetUserByUsername(ctx, u.Username)
	if err != nil {
		return false, err
	}
	u.ID = existing.ID
	return false, nil
}

func (t *pgTx) CountFeedback(ctx context.Context, userID int64, from, to time.Time) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM feedback WHERE user_id = $1 AND created_at >= $2 AND created_at < $3",
		userID, from, to,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count feedback: %w", err)
	}
	return count, nil
}

func (t *pgTx) FeedbackExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := t.tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM feedback WHERE id = $1)", id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check feedback id: %w", err)
	}
	return exists, nil
}

func (t *pgTx) InsertFeedback(ctx context.Context, item *FeedbackItem) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO feedback (id, user_id, content, has_answer, answer, status, revised_proposal, admin_comment, handler, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10, $11)`,
		item.ID, item.UserID, item.Content, item.HasAnswer, item.Answer, string(item.Status),
		item.RevisedProposal, item.AdminComment, item.Handler, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert feedback: %w", err)
	}
	return nil
}

// feedbackColumns expects the feedback table aliased as f.
const feedbackColumns = `f.id, f.user_id, f.content, f.has_answer, COALESCE(f.answer, ''), f.status,
	COALESCE(f.revised_proposal, ''), COALESCE(f.admin_comment, ''), COALESCE(f.handler, ''), f.created_at, f.updated_at`

func scanFeedback(row interface{ Scan(...any) error }, f *FeedbackItem, extra ...any) error {
	var status string
	dest := []any{
		&f.ID, &f.UserID, &f.Content, &f.HasAnswer, &f.Answer, &status,
		&f.RevisedProposal, &f.AdminComment, &f.Handler, &f.CreatedAt, &f.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	f.Status = Status(status)
	return nil
}

func (t *pgTx) queryFeedback(ctx context.Context, query, id string) (*FeedbackItem, error) {
	var f FeedbackItem
	if err := scanFeedback(t.tx.QueryRowContext(ctx, query, id), &f); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load feedback: %w", err)
	}
	return &f, nil
}

func (t *pgTx) GetFeedback(ctx context.Context, id string) (*FeedbackItem, error) {
	return t.queryFeedback(ctx, "SELECT "+feedbackColumns+" FROM feedback f WHERE f.id = $1", id)
}

func (t *pgTx) LockFeedback(ctx context.Context, id string) (*FeedbackItem, error) {
	return t.queryFeedback(ctx, "SELECT "+feedbackColumns+" FROM feedback f WHERE f.id = $1 FOR UPDATE", id)
}

func (t *pgTx) UpdateFeedback(ctx context.Context, item *FeedbackItem) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE feedback SET content = $2, has_answer = $3, answer = NULLIF($4, ''), status = $5,
			revised_proposal = NULLIF($6, ''), admin_comment = NULLIF($7, ''), handler = NULLIF($8, ''), updated_at = $9
		WHERE id = $1`,
		item.ID, item.Content, item.HasAnswer, item.Answer, string(item.Status),
		item.RevisedProposal, item.AdminComment, item.Handler, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update feedback: %w", err)
	}
	return expectOneRow(res)
}

func (t *pgTx) DeleteFeedback(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, "DELETE FROM feedback WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete feedback: %w", err)
	}
	return expectOneRow(res)
}

// feedbackWhere builds the WHERE clause for the UserID, Statuses and Search
// fields of filter, numbering placeholders from $1.
func feedbackWhere(filter FeedbackFilter, withStatuses bool) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != 0 {
		add("f.user_id = $%d", filter.UserID)
	}
	if withStatuses && len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		add("f.status = ANY($%d)", pq.Array(statuses))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		add("strpos(lower(f.content), lower($%d)) > 0", search)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (t *pgTx) ListFeedback(ctx context.Context, filter FeedbackFilter) ([]FeedbackItem, error) {
	where, args := feedbackWhere(filter, true)
	order := "f.created_at DESC, f.id DESC"
	if filter.ByUpdated {
		order = "f.updated_at DESC, f.id DESC"
	}
	args = append(args, sql.NullInt64{Int64: int64(filter.Limit), Valid: filter.Limit > 0})
	query := "SELECT " + feedbackColumns + ", COALESCE(NULLIF(u.name, ''), u.username, '')" +
		" FROM feedback f LEFT JOIN users u ON f.user_id = u.id" + where +
		fmt.Sprintf(" ORDER BY %s LIMIT $%d", order, len(args))

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	var items []FeedbackItem
	for rows.Next() {
		var f FeedbackItem
		if err := scanFeedback(rows, &f, &f.Submitter); err != nil {
			return nil, fmt.Errorf("failed to scan feedback row: %w", err)
		}
		items = append(items, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over feedback rows: %w", err)
	}
	return items, nil
}

func (t *pgTx) FeedbackStatusCounts(ctx context.Context, filter FeedbackFilter) (map[Status]int, error) {
	where, args := feedbackWhere(filter, false)
	rows, err := t.tx.QueryContext(ctx, "SELECT f.status, COUNT(*) FROM feedback f"+where+" GROUP BY f.status", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count feedback by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int, len(Statuses))
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over status counts: %w", err)
	}
	return counts, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertOperationLog(ctx context.Context, e *OperationLogEntry) (int64, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO operation_logs (feedback_id, operator_id, operation_type, old_content, new_content, old_status, new_status, comment, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)
		RETURNING id`,
		e.FeedbackID, e.OperatorID, string(e.Type), e.OldContent, e.NewContent,
		string(e.OldStatus), string(e.NewStatus), e.Comment, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert operation log: %w", err)
	}
	return e.ID, nil
}

func (t *pgTx) ListOperationLogs(ctx context.Context, feedbackID string) ([]OperationLogEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, feedback_id, operator_id, operation_type, COALESCE(old_content, ''), COALESCE(new_content, ''),
			COALESCE(old_status, ''), COALESCE(new_status, ''), COALESCE(comment, ''), created_at
		FROM operation_logs WHERE feedback_id = $1 ORDER BY created_at ASC, id ASC`, feedbackID)
	if err != nil {
		return nil, fmt.Errorf("failed to query operation logs: %w", err)
	}
	defer rows.Close()

	var entries []OperationLogEntry
	for rows.Next() {
		var e OperationLogEntry
		var opType, oldStatus, newStatus string
		if err := rows.Scan(&e.ID, &e.FeedbackID, &e.OperatorID, &opType, &e.OldContent, &e.NewContent,
			&oldStatus, &newStatus, &e.Comment, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan operation log row: %w", err)
		}
		e.Type, e.OldStatus, e.NewStatus = OperationType(opType), Status(oldStatus), Status(newStatus)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over operation log rows: %w", err)
	}
	return entries, nil
}

func (t *pgTx) InsertNotificationLog(ctx context.Context, e *NotificationLogEntry) (int64, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO notification_logs (feedback_id, user_id, email, notification_type, old_status, new_status, status, error_message, handler_name, sent_at)
		VALUES (NULLIF($1, ''), $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, NULLIF($8, ''), NULLIF($9, ''), $10)
		RETURNING id`,
		e.FeedbackID, e.UserID, e.Email, string(e.Kind), string(e.OldStatus), string(e.NewStatus),
		string(e.Outcome), e.Error, e.HandlerName, e.SentAt,
	).Scan(&e.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert notification log: %w", err)
	}
	return e.ID, nil
}

const notificationSelect = `
	SELECT nl.id, COALESCE(nl.feedback_id, ''), nl.user_id, COALESCE(u.name, ''), nl.email, nl.notification_type,
		COALESCE(nl.old_status, ''), COALESCE(nl.new_status, ''), nl.status, COALESCE(nl.error_message, ''),
		COALESCE(nl.handler_name, ''), nl.sent_at
	FROM notification_logs nl
	LEFT JOIN users u ON nl.user_id = u.id`

func scanNotification(row interface{ Scan(...any) error }) (*NotificationLogEntry, error) {
	var e NotificationLogEntry
	var kind, oldStatus, newStatus, outcome string
	if err := row.Scan(&e.ID, &e.FeedbackID, &e.UserID, &e.UserName, &e.Email, &kind,
		&oldStatus, &newStatus, &outcome, &e.Error, &e.HandlerName, &e.SentAt); err != nil {
		return nil, err
	}
	e.Kind, e.Outcome = NotificationKind(kind), Outcome(outcome)
	e.OldStatus, e.NewStatus = Status(oldStatus), Status(newStatus)
	return &e, nil
}

func (t *pgTx) GetNotificationLog(ctx context.Context, id int64) (*NotificationLogEntry, error) {
	e, err := scanNotification(t.tx.QueryRowContext(ctx, notificationSelect+" WHERE nl.id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load notification log: %w", err)
	}
	return e, nil
}

func (t *pgTx) ListNotificationLogs(ctx context.Context, limit int) ([]NotificationLogEntry, error) {
	// LIMIT NULL means no limit.
	rowLimit := sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
	rows, err := t.tx.QueryContext(ctx, notificationSelect+" ORDER BY nl.sent_at DESC, nl.id DESC LIMIT $1", rowLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification logs: %w", err)
	}
	defer rows.Close()

	var entries []NotificationLogEntry
	for rows.Next() {
		e, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification log row: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over notification log rows: %w", err)
	}
	return entries, nil
}

func (t *pgTx) NotificationStats(ctx context.Context, dayStart, dayEnd time.Time) (*NotificationStats, error) {
	var stats NotificationStats
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE sent_at >= $3 AND sent_at < $4)
		FROM notification_logs`,
		string(OutcomeSuccess), string(OutcomeFailure), dayStart, dayEnd,
	).Scan(&stats.Total, &stats.Success, &stats.Failure, &stats.Today)
	if err != nil {
		return nil, fmt.Errorf("failed to get notification stats: %w", err)
	}
	return &stats, nil
}

func (t *pgTx) DeleteNotificationLogsForFeedback(ctx context.Context, feedbackID string) (int64, error) {
	res, err := t.tx.ExecContext(ctx, "DELETE FROM notification_logs WHERE feedback_id = $1", feedbackID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete notification logs: %w", err)
	}
	return res.RowsAffected()
}

func (t *pgTx) PruneNotificationLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, "DELETE FROM notification_logs WHERE sent_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune notification logs: %w", err)
	}
	return res.RowsAffected()
}

func (t *pgTx) InsertReminderLog(ctx context.Context, e *ReminderLogEntry) (int64, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO reminder_logs (user_id, email, status, error_message, sent_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		RETURNING id`,
		e.UserID, e.Email, string(e.Outcome), e.Error, e.SentAt,
	).Scan(&e.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert reminder log: %w", err)
	}
	return e.ID, nil
}

func (t *pgTx) LastReminderLog(ctx context.Context, userID int64) (*ReminderLogEntry, error) {
	var e ReminderLogEntry
	var outcome string
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, email, status, COALESCE(error_message, ''), sent_at
		FROM reminder_logs WHERE user_id = $1
		ORDER BY sent_at DESC, id DESC LIMIT 1`, userID,
	).Scan(&e.ID, &e.UserID, &e.Email, &outcome, &e.Error, &e.SentAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load last reminder log: %w", err)
	}
	e.Outcome = Outcome(outcome)
	return &e, nil
}

func (t *pgTx) UnderQuotaUsers(ctx context.Context, from, to time.Time, quota int, filter UserFilter) ([]QuotaStatus, error) {
	return t.submissionCounts(ctx, from, to, sql.NullInt64{Int64: int64(quota), Valid: true}, filter)
}

func (t *pgTx) SubmissionCounts(ctx context.Context, from, to time.Time, filter UserFilter) ([]QuotaStatus, error) {
	return t.submissionCounts(ctx, from, to, sql.NullInt64{}, filter)
}

// submissionCounts drops users at or above quota unless quota is NULL.
func (t *pgTx) submissionCounts(ctx context.Context, from, to time.Time, quota sql.NullInt64, filter UserFilter) ([]QuotaStatus, error) {
	query := `
		SELECT u.id, u.username, u.password_hash, u.name, u.email, COALESCE(u.backup_email, ''), u.is_admin, u.created_at,
			COALESCE(f.feedback_count, 0)
		FROM users u
		LEFT JOIN (
			SELECT user_id, COUNT(*) AS feedback_count
			FROM feedback
			WHERE created_at >= $1 AND created_at < $2
			GROUP BY user_id
		) f ON u.id = f.user_id
		WHERE NOT u.is_admin AND ($3::bigint IS NULL OR COALESCE(f.feedback_count, 0) < $3)`
	args := []any{from, to, quota}
	switch filter.kind {
	case filterUserID:
		query += " AND u.id = $4"
		args = append(args, filter.userID)
	case filterUsername:
		query += " AND u.username = $4"
		args = append(args, filter.username)
	}
	query += " ORDER BY u.id"

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query submission counts: %w", err)
	}
	defer rows.Close()

	var result []QuotaStatus
	for rows.Next() {
		var qs QuotaStatus
		u := &qs.User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Name, &u.Email, &u.BackupEmail,
			&u.IsAdmin, &u.CreatedAt, &qs.Count); err != nil {
			return nil, fmt.Errorf("failed to scan submission count row: %w", err)
		}
		result = append(result, qs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over submission count rows: %w", err)
	}
	return result, nil
}
