// Package holds parses sync holds and tracks replication provenance. A hold
// named sync_<timestamp>_<host> on a snapshot records that the snapshot was
// replicated to that host at that time; the current hold list is the single
// source of truth for sync state and is re-read every tick, so a process
// restart loses nothing.
package holds

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const prefix = "sync"

// TimeLayout is the timestamp layout written into new hold names, local time.
const TimeLayout = "2006-01-02-15-04-05"

// Older agents wrote holds without seconds or without the hour field; their
// holds are still honored.
var legacyLayouts = []string{"2006-01-02-15-04", "2006-01-02-04-05"}

// Entry is one parsed sync hold. Tag is the verbatim hold name, needed to
// release the hold even when it was written in a legacy layout.
type Entry struct {
	Snapshot string
	Tag      string
	Host     string
	Time     time.Time
}

// Set is the parsed sync-hold state of one dataset.
type Set struct {
	byHost map[string][]Entry
	held   map[string]bool
}

// HoldName builds a hold name for a sync to host completed at t.
func HoldName(t time.Time, host string) string {
	return fmt.Sprintf("%s_%s_%s", prefix, t.Format(TimeLayout), host)
}

// Parse builds a Set from the API's snapshot-to-holds map. Holds that are not
// sync holds are ignored; sync holds with an unparseable timestamp are
// skipped with a warning, never fatal. Entries per host are ordered by the
// embedded timestamp because the API-reported order is not guaranteed.
func Parse(raw map[string][]string, logger zerolog.Logger) Set {
	s := Set{
		byHost: make(map[string][]Entry),
		held:   make(map[string]bool),
	}
	for snap, tags := range raw {
		for _, tag := range tags {
			entry, ok, err := parseHold(snap, tag)
			if err != nil {
				logger.Warn().Err(err).Str("snapshot", snap).Str("hold", tag).
					Msg("skipping malformed sync hold")
				continue
			}
			if !ok {
				continue
			}
			s.byHost[entry.Host] = append(s.byHost[entry.Host], entry)
			s.held[snap] = true
		}
	}
	for _, entries := range s.byHost {
		sort.Slice(entries, func(i, j int) bool { return entries[i].Time.Before(entries[j].Time) })
	}
	return s
}

// parseHold returns ok=false for foreign (non-sync) holds and an error for
// sync holds that do not follow the grammar.
func parseHold(snap, tag string) (Entry, bool, error) {
	if !strings.HasPrefix(tag, prefix+"_") {
		return Entry{}, false, nil
	}
	parts := strings.SplitN(tag, "_", 3)
	if len(parts) != 3 || parts[2] == "" {
		return Entry{}, false, fmt.Errorf("hold %q: want sync_<timestamp>_<host>", tag)
	}
	t, err := parseTime(parts[1])
	if err != nil {
		return Entry{}, false, fmt.Errorf("hold %q: %w", tag, err)
	}
	return Entry{Snapshot: snap, Tag: tag, Host: parts[2], Time: t}, true, nil
}

func parseTime(ts string) (time.Time, error) {
	if t, err := time.ParseInLocation(TimeLayout, ts, time.Local); err == nil {
		return t, nil
	}
	for _, layout := range legacyLayouts {
		if t, err := time.ParseInLocation(layout, ts, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", ts)
}

// Latest returns the most recent sync entry for a destination host. Hostname
// matching is exact.
func (s Set) Latest(host string) (Entry, bool) {
	entries := s.byHost[host]
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[len(entries)-1], true
}

// Stale returns every entry for the host except the most recent one. Those
// holds are released so that earlier snapshots become eligible for retention
// cleanup; after pruning at most one hold per host remains.
func (s Set) Stale(host string) []Entry {
	entries := s.byHost[host]
	if len(entries) <= 1 {
		return nil
	}
	return entries[:len(entries)-1]
}

// Hosts returns the destination hosts that have at least one sync hold.
func (s Set) Hosts() []string {
	hosts := make([]string, 0, len(s.byHost))
	for host := range s.byHost {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// Held reports the snapshots that carry at least one sync hold; the retention
// engine never prunes those.
func (s Set) Held() map[string]bool {
	return s.held
}
