package services

import (
	"context"
	"errors"
	"strings"

	"feedback-mailer/database"
)

// RotationPolicy alternates between a user's primary and backup address.
// The toggle reads the address of the user's latest reminder log entry,
// whatever kind of notification wrote it.
type RotationPolicy struct {
	store database.Store
}

func NewRotationPolicy(store database.Store) *RotationPolicy {
	return &RotationPolicy{store: store}
}

// SelectAddress returns the address the next notification to userID should use.
func (r *RotationPolicy) SelectAddress(ctx context.Context, userID int64) (string, error) {
	var addr string
	err := r.store.WithTx(ctx, func(tx database.Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return notFoundAs(err, ErrUserNotFound)
		}
		addr, err = r.selectInTx(ctx, tx, user)
		return err
	})
	if err != nil {
		return "", storeErr(err)
	}
	return addr, nil
}

func (r *RotationPolicy) selectInTx(ctx context.Context, tx database.Tx, user *database.User) (string, error) {
	if user.BackupEmail == "" {
		return chooseAddress(user, "")
	}
	last, err := tx.LastReminderLog(ctx, user.ID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return chooseAddress(user, "")
	case err != nil:
		return "", err
	}
	return chooseAddress(user, last.Email)
}

// chooseAddress is the two-state toggle: backup after primary, otherwise
// primary.
func chooseAddress(user *database.User, lastUsed string) (string, error) {
	primary, backup := strings.TrimSpace(user.Email), strings.TrimSpace(user.BackupEmail)
	switch {
	case primary == "" && backup == "":
		return "", ErrNoAddress
	case backup == "":
		return primary, nil
	case primary == "":
		return backup, nil
	case strings.EqualFold(lastUsed, primary):
		return backup, nil
	default:
		return primary, nil
	}
}
