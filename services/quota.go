package services

import (
	"context"
	"fmt"
	"time"

	"feedback-mailer/database"
)

// DailyQuota is the number of feedback items a user may submit per calendar day.
const DailyQuota = 3

const idDateLayout = "20060102"

// QuotaGuard decides whether a user may submit another item on a given day
// and derives the sequence number for the item's id.
type QuotaGuard struct {
	store database.Store
	loc   *time.Location
}

// NewQuotaGuard returns a guard that evaluates calendar days in loc.
func NewQuotaGuard(store database.Store, loc *time.Location) *QuotaGuard {
	if loc == nil {
		loc = time.Local
	}
	return &QuotaGuard{store: store, loc: loc}
}

// DayBounds returns the [start, end) instants of asOf's calendar day.
func (q *QuotaGuard) DayBounds(asOf time.Time) (time.Time, time.Time) {
	t := asOf.In(q.loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, q.loc)
	return start, start.AddDate(0, 0, 1)
}

// CanSubmit reports whether userID is under quota on asOf's day and how many
// items were submitted so far.
func (q *QuotaGuard) CanSubmit(ctx context.Context, userID int64, asOf time.Time) (bool, int, error) {
	var count int
	err := q.store.WithTx(ctx, func(tx database.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return notFoundAs(err, ErrUserNotFound)
		}
		var err error
		count, err = q.count(ctx, tx, userID, asOf)
		return err
	})
	if err != nil {
		return false, 0, storeErr(err)
	}
	return count < DailyQuota, count, nil
}

// NextSequence returns the sequence number the next submission would use.
func (q *QuotaGuard) NextSequence(ctx context.Context, userID int64, asOf time.Time) (int, error) {
	_, count, err := q.CanSubmit(ctx, userID, asOf)
	if err != nil {
		return 0, err
	}
	return count + 1, nil
}

func (q *QuotaGuard) count(ctx context.Context, tx database.Tx, userID int64, asOf time.Time) (int, error) {
	start, end := q.DayBounds(asOf)
	return tx.CountFeedback(ctx, userID, start, end)
}

// reserve must run inside the submit transaction after the user row is
// locked. It fails with ErrQuotaExceeded or returns the first free id.
func (q *QuotaGuard) reserve(ctx context.Context, tx database.Tx, user *database.User, asOf time.Time) (string, error) {
	count, err := q.count(ctx, tx, user.ID, asOf)
	if err != nil {
		return "", err
	}
	if count >= DailyQuota {
		return "", ErrQuotaExceeded
	}
	// Deleting an earlier item lowers the count while later ids stay taken.
	for seq := count + 1; ; seq++ {
		id := FeedbackID(asOf.In(q.loc), user.Username, seq)
		exists, err := tx.FeedbackExists(ctx, id)
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
	}
}

// FeedbackID formats {YYYYMMDD}-{username}-{seq}.
func FeedbackID(day time.Time, username string, seq int) string {
	return fmt.Sprintf("%s-%s-%d", day.Format(idDateLayout), username, seq)
}
