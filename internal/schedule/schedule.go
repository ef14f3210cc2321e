// Package schedule decides when snapshot and sync actions are due. All
// functions are pure: they derive decisions from wall-clock time, the
// configured bitmask windows, and last-action timestamps.
package schedule

import (
	"fmt"
	"time"

	"github.com/zfstools/autobackupd/internal/models"
)

// Active reports whether the schedule window covers now. The day mask is
// indexed Monday first, the hour mask 0-23. A malformed mask is never active;
// Validate catches those at config load.
func Active(s models.Schedule, now time.Time) bool {
	if len(s.Days) != 7 || len(s.Hours) != 24 {
		return false
	}
	day := (int(now.Weekday()) + 6) % 7 // time.Weekday is Sunday-first
	return s.Days[day] == '1' && s.Hours[now.Hour()] == '1'
}

// Validate checks that both bitmasks have the right length and contain only
// '0' and '1'.
func Validate(s models.Schedule) error {
	if err := validateMask(s.Days, 7); err != nil {
		return fmt.Errorf("days: %w", err)
	}
	if err := validateMask(s.Hours, 24); err != nil {
		return fmt.Errorf("hours: %w", err)
	}
	return nil
}

func validateMask(mask string, length int) error {
	if len(mask) != length {
		return fmt.Errorf("mask %q must have %d characters", mask, length)
	}
	for _, c := range mask {
		if c != '0' && c != '1' {
			return fmt.Errorf("mask %q may only contain 0 and 1", mask)
		}
	}
	return nil
}

// NextDue returns the single granularity whose snapshot is due at now, if
// any. Classes are evaluated coarsest first and evaluation stops at the first
// hit, so one snapshot per instant satisfies all finer classes. Classes with
// a zero keep-count are never created. last maps each granularity to the most
// recent snapshot that counts toward it (see snapshot.LastPerGranularity);
// a dataset with no backup history starts with a frequent snapshot. A class
// with history present but no qualifying snapshot of its own (fresh dataset,
// or a keep-count raised from zero) is due immediately rather than waiting
// for its next calendar boundary.
func NextDue(
	now time.Time,
	last map[models.Granularity]time.Time,
	frequentInterval time.Duration,
	policy models.RetentionPolicy,
) (models.Granularity, bool) {
	// Snapshot names carry UTC timestamps, so the calendar comparison has
	// to happen in UTC regardless of the host zone.
	now = now.UTC()

	if len(last) == 0 && policy.KeepFrequent > 0 {
		return models.Frequent, true
	}

	for _, g := range models.Granularities {
		if policy.Keep(g) <= 0 {
			continue
		}
		prev, ok := last[g]
		if !ok {
			// No snapshot counts toward this class yet.
			return g, true
		}
		if due(g, now, prev, frequentInterval) {
			return g, true
		}
	}
	return "", false
}

func due(g models.Granularity, now, last time.Time, interval time.Duration) bool {
	switch g {
	case models.Yearly:
		return now.Year() != last.Year()
	case models.Monthly:
		return now.Year() != last.Year() || now.Month() != last.Month()
	case models.Weekly:
		ny, nw := now.ISOWeek()
		ly, lw := last.ISOWeek()
		return ny != ly || nw != lw
	case models.Daily:
		return !sameDate(now, last)
	case models.Hourly:
		return now.Hour() != last.Hour() || !sameDate(now, last)
	case models.Frequent:
		return now.Sub(last) >= interval
	}
	return false
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
