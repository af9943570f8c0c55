package services

import (
	"context"
	"time"

	"feedback-mailer/database"
	"feedback-mailer/utils"

	log "github.com/sirupsen/logrus"
)

// AuditRecorder appends operation log entries and owns notification log
// retention. Operation logs are never updated or deleted.
type AuditRecorder struct {
	store database.Store
	clock utils.Clock
}

func NewAuditRecorder(store database.Store, clock utils.Clock) *AuditRecorder {
	return &AuditRecorder{store: store, clock: clock}
}

// Record appends entry inside the caller's transaction.
func (a *AuditRecorder) Record(ctx context.Context, tx database.Tx, entry *database.OperationLogEntry) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = a.clock.Now()
	}
	return tx.InsertOperationLog(ctx, entry)
}

// History returns the operation log of one feedback item, oldest first. It
// remains available after the item is deleted.
func (a *AuditRecorder) History(ctx context.Context, feedbackID string) ([]database.OperationLogEntry, error) {
	var entries []database.OperationLogEntry
	err := a.store.WithTx(ctx, func(tx database.Tx) error {
		var err error
		entries, err = tx.ListOperationLogs(ctx, feedbackID)
		return err
	})
	return entries, storeErr(err)
}

// LatestTransition returns the newest status update or content revision for
// feedbackID, or nil when the item was never transitioned.
func (a *AuditRecorder) LatestTransition(ctx context.Context, feedbackID string) (*database.OperationLogEntry, error) {
	entries, err := a.History(ctx, feedbackID)
	if err != nil {
		return nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		switch entries[i].Type {
		case database.OperationStatusUpdate, database.OperationContentRevision:
			e := entries[i]
			return &e, nil
		}
	}
	return nil, nil
}

// Prune deletes notification log entries older than olderThanDays days and
// returns how many were removed.
func (a *AuditRecorder) Prune(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 1 {
		return 0, ErrInvalidRetention
	}
	cutoff := a.clock.Now().AddDate(0, 0, -olderThanDays)
	var removed int64
	err := a.store.WithTx(ctx, func(tx database.Tx) error {
		var err error
		removed, err = tx.PruneNotificationLogs(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, storeErr(err)
	}
	log.WithFields(log.Fields{"removed": removed, "cutoff": cutoff.Format(time.RFC3339)}).Info("Pruned notification logs")
	return removed, nil
}

// NotificationLogs returns the newest notification log entries.
func (a *AuditRecorder) NotificationLogs(ctx context.Context, limit int) ([]database.NotificationLogEntry, error) {
	var entries []database.NotificationLogEntry
	err := a.store.WithTx(ctx, func(tx database.Tx) error {
		var err error
		entries, err = tx.ListNotificationLogs(ctx, limit)
		return err
	})
	return entries, storeErr(err)
}

// NotificationLog returns a single notification log entry.
func (a *AuditRecorder) NotificationLog(ctx context.Context, id int64) (*database.NotificationLogEntry, error) {
	var entry *database.NotificationLogEntry
	err := a.store.WithTx(ctx, func(tx database.Tx) error {
		var err error
		entry, err = tx.GetNotificationLog(ctx, id)
		return notFoundAs(err, ErrLogNotFound)
	})
	return entry, storeErr(err)
}

// NotificationStats summarizes the log; "today" is the calendar day
// [dayStart, dayEnd).
func (a *AuditRecorder) NotificationStats(ctx context.Context, dayStart, dayEnd time.Time) (*database.NotificationStats, error) {
	var stats *database.NotificationStats
	err := a.store.WithTx(ctx, func(tx database.Tx) error {
		var err error
		stats, err = tx.NotificationStats(ctx, dayStart, dayEnd)
		return err
	})
	return stats, storeErr(err)
}
