package services

import (
	"context"
	"fmt"

	"feedback-mailer/database"
)

// recentLimit is how many items the dashboard shows.
const recentLimit = 5

// Dashboard is a user's quota for today and their latest items.
type Dashboard struct {
	TodayCount int                     `json:"today_count"`
	Remaining  int                     `json:"remaining"`
	CanSubmit  bool                    `json:"can_submit"`
	Recent     []database.FeedbackItem `json:"recent"`
}

// FeedbackPage is one query over all items together with per-status totals
// for the same user and search terms.
type FeedbackPage struct {
	Items  []database.FeedbackItem `json:"items"`
	Counts map[database.Status]int `json:"counts"`
	Total  int                     `json:"total"`
}

// UserDay is one user's submissions on the current day.
type UserDay struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	Count     int    `json:"feedback_count"`
	Remaining int    `json:"remaining"`
	Completed bool   `json:"completed"`
}

// AdminOverview is today's submission table plus the open and resolved
// queues.
type AdminOverview struct {
	Users    []UserDay               `json:"users"`
	Pending  []database.FeedbackItem `json:"pending"`
	Resolved []database.FeedbackItem `json:"resolved"`
}

// PendingStatuses are the statuses still waiting on an administrator.
var PendingStatuses = []database.Status{database.StatusNew, database.StatusProcessing}

func remainingToday(count int) int {
	if count >= DailyQuota {
		return 0
	}
	return DailyQuota - count
}

func nonNilItems(list []database.FeedbackItem) []database.FeedbackItem {
	if list == nil {
		return []database.FeedbackItem{}
	}
	return list
}

func requireUser(ctx context.Context, tx database.Tx, userID int64) (*database.User, error) {
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return nil, notFoundAs(err, ErrUserNotFound)
	}
	return u, nil
}

// ListOwnFeedback returns the caller's items, newest first. limit <= 0
// returns all of them.
func (e *Engine) ListOwnFeedback(ctx context.Context, userID int64, limit int) ([]database.FeedbackItem, error) {
	var list []database.FeedbackItem
	err := e.store.WithTx(ctx, func(tx database.Tx) error {
		if _, err := requireUser(ctx, tx, userID); err != nil {
			return err
		}
		var err error
		list, err = tx.ListFeedback(ctx, database.FeedbackFilter{UserID: userID, Limit: limit})
		return err
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return nonNilItems(list), nil
}

// GetFeedback returns one item to its author or to an administrator.
func (e *Engine) GetFeedback(ctx context.Context, id string, callerID int64) (*database.FeedbackItem, error) {
	var item *database.FeedbackItem
	err := e.store.WithTx(ctx, func(tx database.Tx) error {
		var err error
		item, err = tx.GetFeedback(ctx, id)
		if err != nil {
			return notFoundAs(err, ErrNotFound)
		}
		if item.UserID == callerID {
			return nil
		}
		caller, err := tx.GetUser(ctx, callerID)
		if err != nil {
			return notFoundAs(err, ErrNotOwner)
		}
		if !caller.IsAdmin {
			return ErrNotOwner
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return item, nil
}

// Dashboard returns today's quota and the most recent items of userID.
func (e *Engine) Dashboard(ctx context.Context, userID int64) (*Dashboard, error) {
	start, end := e.Quota.DayBounds(e.clock.Now())
	var d Dashboard
	err := e.store.WithTx(ctx, func(tx database.Tx) error {
		if _, err := requireUser(ctx, tx, userID); err != nil {
			return err
		}
		count, err := tx.CountFeedback(ctx, userID, start, end)
		if err != nil {
			return err
		}
		recent, err := tx.ListFeedback(ctx, database.FeedbackFilter{UserID: userID, Limit: recentLimit})
		if err != nil {
			return err
		}
		d = Dashboard{
			TodayCount: count,
			Remaining:  remainingToday(count),
			CanSubmit:  count < DailyQuota,
			Recent:     nonNilItems(recent),
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return &d, nil
}

// ListFeedback queries every user's items. Counts covers all statuses for
// the same user and search terms, so it is unaffected by filter.Statuses.
func (e *Engine) ListFeedback(ctx context.Context, filter database.FeedbackFilter) (*FeedbackPage, error) {
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, st)
		}
	}
	page := FeedbackPage{}
	err := e.store.WithTx(ctx, func(tx database.Tx) error {
		list, err := tx.ListFeedback(ctx, filter)
		if err != nil {
			return err
		}
		counts, err := tx.FeedbackStatusCounts(ctx, filter)
		if err != nil {
			return err
		}
		page.Items, page.Counts = nonNilItems(list), make(map[database.Status]int, len(database.Statuses))
		for _, st := range database.Statuses {
			page.Counts[st] = counts[st]
			page.Total += counts[st]
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return &page, nil
}

func (e *Engine) submissionsToday(ctx context.Context, tx database.Tx) ([]UserDay, error) {
	start, end := e.Quota.DayBounds(e.clock.Now())
	counts, err := tx.SubmissionCounts(ctx, start, end, database.AllUsers())
	if err != nil {
		return nil, err
	}
	days := make([]UserDay, 0, len(counts))
	for _, qs := range counts {
		days = append(days, UserDay{
			UserID:    qs.User.ID,
			Username:  qs.User.Username,
			Name:      qs.User.DisplayName(),
			Count:     qs.Count,
			Remaining: remainingToday(qs.Count),
			Completed: qs.Count >= DailyQuota,
		})
	}
	return days, nil
}

// SubmissionsToday reports today's item count for every non-admin user.
func (e *Engine) SubmissionsToday(ctx context.Context) ([]UserDay, error) {
	var days []UserDay
	err := e.store.WithTx(ctx, func(tx database.Tx) error {
		var err error
		days, err = e.submissionsToday(ctx, tx)
		return err
	})
	return days, storeErr(err)
}

// AdminOverview returns today's submissions with the pending queue, newest
// first, and the resolved items, most recently updated first.
func (e *Engine) AdminOverview(ctx context.Context) (*AdminOverview, error) {
	var o AdminOverview
	err := e.store.WithTx(ctx, func(tx database.Tx) error {
		var err error
		if o.Users, err = e.submissionsToday(ctx, tx); err != nil {
			return err
		}
		pending, err := tx.ListFeedback(ctx, database.FeedbackFilter{Statuses: PendingStatuses})
		if err != nil {
			return err
		}
		resolved, err := tx.ListFeedback(ctx, database.FeedbackFilter{
			Statuses:  []database.Status{database.StatusResolved},
			ByUpdated: true,
		})
		if err != nil {
			return err
		}
		o.Pending, o.Resolved = nonNilItems(pending), nonNilItems(resolved)
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return &o, nil
}
