// Package snapshot implements the snapshot-name grammar and the retention
// policy engine. A snapshot's name is its durable record: the granularity and
// creation timestamp are derived from the name alone, there is no separate
// database.
package snapshot

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zfstools/autobackupd/internal/models"
)

// TimeLayout is the timestamp layout embedded in snapshot names. Timestamps
// are UTC.
const TimeLayout = "2006-01-02-15-04"

const marker = "backup"

// Info is a parsed backup snapshot name.
type Info struct {
	Name        string
	Granularity models.Granularity
	Time        time.Time
}

// Name builds a snapshot name of the form
// <granularity>_backup_<YYYY-MM-DD-HH-MM> with the timestamp in UTC.
func Name(g models.Granularity, t time.Time) string {
	return fmt.Sprintf("%s_%s_%s", g, marker, t.UTC().Format(TimeLayout))
}

// Parse extracts granularity and timestamp from a snapshot name. Names not
// produced by this agent (wrong field count, unknown granularity, bad
// timestamp) report ok=false and are left alone by the retention engine.
func Parse(name string) (Info, bool) {
	parts := strings.Split(name, "_")
	if len(parts) != 3 {
		return Info{}, false
	}
	g, m, ts := models.Granularity(parts[0]), parts[1], parts[2]
	if m != marker || !validGranularity(g) {
		return Info{}, false
	}
	t, err := time.ParseInLocation(TimeLayout, ts, time.UTC)
	if err != nil {
		return Info{}, false
	}
	return Info{Name: name, Granularity: g, Time: t}, true
}

func validGranularity(g models.Granularity) bool {
	for _, known := range models.Granularities {
		if g == known {
			return true
		}
	}
	return false
}

// rank returns the coarseness rank of a granularity, 0 being coarsest.
func rank(g models.Granularity) int {
	for i, known := range models.Granularities {
		if g == known {
			return i
		}
	}
	return len(models.Granularities)
}

// LastPerGranularity reports, for each granularity, the most recent snapshot
// timestamp that counts toward it. A coarser snapshot subsumes the finer
// classes: a fresh yearly snapshot also satisfies the monthly, weekly, daily,
// hourly and frequent occurrence for due-calculation. Classes with no
// qualifying snapshot are absent from the map.
func LastPerGranularity(names []string) map[models.Granularity]time.Time {
	last := make(map[models.Granularity]time.Time)
	for _, name := range names {
		info, ok := Parse(name)
		if !ok {
			continue
		}
		for _, g := range models.Granularities[rank(info.Granularity):] {
			if prev, ok := last[g]; !ok || info.Time.After(prev) {
				last[g] = info.Time
			}
		}
	}
	return last
}

// ToPrune selects the snapshots that exceed the retention policy, oldest
// first. Within each granularity the newest keep-count snapshots survive; a
// keep-count of 0 prunes the whole class (leftovers from a policy change).
// Held snapshots are never pruned regardless of age: their deletion is
// deferred until the hold is released. Unparseable names are not touched.
func ToPrune(names []string, policy models.RetentionPolicy, held map[string]bool) []string {
	byClass := make(map[models.Granularity][]Info)
	for _, name := range names {
		info, ok := Parse(name)
		if !ok {
			continue
		}
		byClass[info.Granularity] = append(byClass[info.Granularity], info)
	}

	var prune []Info
	for g, snaps := range byClass {
		sort.Slice(snaps, func(i, j int) bool { return snaps[i].Time.After(snaps[j].Time) })
		keep := policy.Keep(g)
		if keep < 0 {
			keep = 0
		}
		if len(snaps) <= keep {
			continue
		}
		for _, info := range snaps[keep:] {
			if held[info.Name] {
				continue
			}
			prune = append(prune, info)
		}
	}

	sort.Slice(prune, func(i, j int) bool { return prune[i].Time.Before(prune[j].Time) })
	out := make([]string, len(prune))
	for i, info := range prune {
		out[i] = info.Name
	}
	return out
}
