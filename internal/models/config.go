// Package models contains the data structures used throughout autobackupd.
package models

import "time"

// Config holds the complete agent configuration. It is replaced wholesale
// on reload, never patched in place.
type Config struct {
	API       APIConfig
	Server    ServerConfig
	Retention RetentionPolicy
	Datasets  []Dataset
	Telegram  *TelegramConfig // nil if not configured
}

// APIConfig holds ZFS API connection settings.
type APIConfig struct {
	URL     string
	Timeout time.Duration
}

// Schedule is a pair of day/hour bitmasks gating when an action may run.
// Days has 7 characters (Monday first), Hours has 24.
type Schedule struct {
	Days  string
	Hours string
}

// ServerConfig holds server-wide backup settings.
type ServerConfig struct {
	BackupInterval time.Duration // frequent snapshot cadence, also drives the tick
	Schedule       Schedule      // snapshot schedule

	RemoteSync         bool
	RemoteSyncInterval time.Duration // default sync cadence per destination
	RemoteSyncSchedule Schedule

	PollInterval   time.Duration // migration status poll cadence
	ReloadInterval time.Duration // config re-read cadence

	HealthAddr     string // listen address for /health and /metrics, empty disables
	UnhealthyAfter int    // consecutive failed ticks before reporting unhealthy
}

// Dataset is a local dataset with its replication destinations.
type Dataset struct {
	Name         string // local dataset path, e.g. tank/data
	Enabled      bool
	Destinations []Destination
}

// EnabledDestinations returns only the enabled destinations.
func (ds Dataset) EnabledDestinations() []Destination {
	var out []Destination
	for _, dest := range ds.Destinations {
		if dest.Enabled {
			out = append(out, dest)
		}
	}
	return out
}

// Destination is a single remote replication target for a dataset.
type Destination struct {
	RemoteHost    string
	RemoteDataset string // defaults to the local dataset name
	Enabled       bool
	SyncInterval  time.Duration // 0 means use ServerConfig.RemoteSyncInterval

	WOL         *WOLConfig         // nil if not configured
	SSHShutdown *SSHShutdownConfig // nil if not configured
}

// TargetDataset returns the dataset path to receive into on the remote side.
func (d Destination) TargetDataset(local string) string {
	if d.RemoteDataset != "" {
		return d.RemoteDataset
	}
	return local
}

// RetentionPolicy defines how many snapshots to keep per granularity.
type RetentionPolicy struct {
	KeepFrequent int
	KeepHourly   int
	KeepDaily    int
	KeepWeekly   int
	KeepMonthly  int
	KeepYearly   int
}

// Keep returns the keep-count for a granularity.
func (p RetentionPolicy) Keep(g Granularity) int {
	switch g {
	case Frequent:
		return p.KeepFrequent
	case Hourly:
		return p.KeepHourly
	case Daily:
		return p.KeepDaily
	case Weekly:
		return p.KeepWeekly
	case Monthly:
		return p.KeepMonthly
	case Yearly:
		return p.KeepYearly
	}
	return 0
}
