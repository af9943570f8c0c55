package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"feedback-mailer/database"
	"feedback-mailer/utils"

	log "github.com/sirupsen/logrus"
)

// TimeOfDay is a wall-clock time at minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// ParseTimesOfDay parses "HH:MM" values and returns them sorted.
func ParseTimesOfDay(values []string) ([]TimeOfDay, error) {
	times := make([]TimeOfDay, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		parsed, err := time.Parse("15:04", v)
		if err != nil {
			return nil, fmt.Errorf("invalid time of day %q: expected HH:MM", v)
		}
		times = append(times, TimeOfDay{Hour: parsed.Hour(), Minute: parsed.Minute()})
	}
	sort.Slice(times, func(i, j int) bool {
		if times[i].Hour != times[j].Hour {
			return times[i].Hour < times[j].Hour
		}
		return times[i].Minute < times[j].Minute
	})
	return times, nil
}

// NextRun returns the first scheduled instant strictly after now.
func NextRun(now time.Time, times []TimeOfDay, loc *time.Location) time.Time {
	local := now.In(loc)
	for day := 0; day < 2; day++ {
		d := local.AddDate(0, 0, day)
		for _, t := range times {
			candidate := time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, 0, 0, loc)
			if candidate.After(now) {
				return candidate
			}
		}
	}
	return time.Time{}
}

// ReminderScheduler triggers a full reminder batch at fixed times of day.
type ReminderScheduler struct {
	runner *ReminderRunner
	clock  utils.Clock
	loc    *time.Location
	times  []TimeOfDay
}

func NewReminderScheduler(runner *ReminderRunner, clock utils.Clock, loc *time.Location, times []TimeOfDay) *ReminderScheduler {
	return &ReminderScheduler{runner: runner, clock: clock, loc: loc, times: times}
}

// Run blocks until ctx is done. A batch already in flight when ctx ends
// finishes before Run returns.
func (s *ReminderScheduler) Run(ctx context.Context) {
	if len(s.times) == 0 {
		log.Info("No reminder times configured, scheduler disabled")
		return
	}
	for {
		now := s.clock.Now()
		next := NextRun(now, s.times, s.loc)
		log.WithField("next_run", next.Format(time.RFC3339)).Info("Reminder batch scheduled")

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(next.Sub(now)):
		}
		s.runSlot(ctx, next)
	}
}

// runSlot runs the batch for one scheduled slot. A slot that finds another
// batch running is skipped, not queued.
func (s *ReminderScheduler) runSlot(ctx context.Context, slot time.Time) (*BatchResult, error) {
	fields := log.Fields{"slot": slot.Format(time.RFC3339)}
	result, err := s.runner.RunBatch(ctx, database.AllUsers())
	switch {
	case errors.Is(err, ErrBatchInProgress):
		log.WithFields(fields).Warn("Reminder batch already running, scheduled slot skipped")
	case err != nil:
		log.WithFields(fields).WithError(err).Error("Scheduled reminder batch failed")
	case result.Err != nil:
		log.WithFields(fields).WithError(result.Err).Warn("Scheduled reminder batch finished with failures")
	}
	return result, err
}
