package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zfstools/autobackupd/internal/models"
)

func TestName(t *testing.T) {
	ts := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, "daily_backup_2025-01-15-10-30", Name(models.Daily, ts))
}

func TestName_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	ts := time.Date(2025, 1, 15, 13, 30, 0, 0, loc)
	assert.Equal(t, "daily_backup_2025-01-15-10-30", Name(models.Daily, ts))
}

func TestParse(t *testing.T) {
	info, ok := Parse("hourly_backup_2025-01-15-10-30")
	require.True(t, ok)
	assert.Equal(t, models.Hourly, info.Granularity)
	assert.Equal(t, time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC), info.Time)
}

func TestParse_Rejects(t *testing.T) {
	cases := []string{
		"",
		"manual-snap",
		"hourly_backup",
		"hourly_backup_notatime",
		"hourly_manual_2025-01-15-10-30",
		"fortnightly_backup_2025-01-15-10-30",
		"hourly_backup_2025-01-15-10-30_extra",
	}
	for _, name := range cases {
		_, ok := Parse(name)
		assert.False(t, ok, "expected %q to be rejected", name)
	}
}

func TestLastPerGranularity_CoarserSubsumesFiner(t *testing.T) {
	names := []string{
		"daily_backup_2025-01-14-00-00",
		"yearly_backup_2025-01-15-00-00",
		"frequent_backup_2025-01-13-00-00",
	}

	last := LastPerGranularity(names)

	yearly := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, yearly, last[models.Yearly])
	assert.Equal(t, yearly, last[models.Monthly])
	assert.Equal(t, yearly, last[models.Daily])
	assert.Equal(t, yearly, last[models.Frequent])
}

func TestLastPerGranularity_FinerDoesNotCountUpward(t *testing.T) {
	names := []string{"frequent_backup_2025-01-15-10-00"}

	last := LastPerGranularity(names)

	assert.Contains(t, last, models.Frequent)
	assert.NotContains(t, last, models.Hourly)
	assert.NotContains(t, last, models.Yearly)
}

func TestLastPerGranularity_IgnoresForeignNames(t *testing.T) {
	last := LastPerGranularity([]string{"manual-snap", "zrepl_2025"})
	assert.Empty(t, last)
}

func dailyNames(n int) []string {
	names := make([]string, n)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range names {
		names[i] = Name(models.Daily, base.AddDate(0, 0, i))
	}
	return names
}

func TestToPrune_KeepsNewestN(t *testing.T) {
	names := dailyNames(10)
	policy := models.RetentionPolicy{KeepDaily: 7}

	prune := ToPrune(names, policy, nil)

	// Exactly the 3 oldest, oldest first.
	assert.Equal(t, names[:3], prune)
}

func TestToPrune_HeldSnapshotSurvives(t *testing.T) {
	names := dailyNames(10)
	policy := models.RetentionPolicy{KeepDaily: 7}
	held := map[string]bool{names[1]: true}

	prune := ToPrune(names, policy, held)

	assert.Equal(t, []string{names[0], names[2]}, prune)
}

func TestToPrune_KeepZeroPrunesClass(t *testing.T) {
	names := append(dailyNames(2), Name(models.Hourly, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)))
	policy := models.RetentionPolicy{KeepDaily: 0, KeepHourly: 12}

	prune := ToPrune(names, policy, nil)

	assert.ElementsMatch(t, dailyNames(2), prune)
}

func TestToPrune_ForeignNamesUntouched(t *testing.T) {
	names := append(dailyNames(3), "manual-snap")
	policy := models.RetentionPolicy{KeepDaily: 1}

	prune := ToPrune(names, policy, nil)

	assert.NotContains(t, prune, "manual-snap")
	assert.Len(t, prune, 2)
}

func TestToPrune_WithinBudgetPrunesNothing(t *testing.T) {
	prune := ToPrune(dailyNames(5), models.RetentionPolicy{KeepDaily: 7}, nil)
	assert.Empty(t, prune)
}
