package models

import "time"

// Granularity is a snapshot cadence class.
type Granularity string

// Snapshot cadence classes, coarsest first.
const (
	Yearly   Granularity = "yearly"
	Monthly  Granularity = "monthly"
	Weekly   Granularity = "weekly"
	Daily    Granularity = "daily"
	Hourly   Granularity = "hourly"
	Frequent Granularity = "frequent"
)

// Granularities lists all cadence classes from coarsest to finest. Due-checks
// walk this order and stop at the first hit, so a yearly snapshot subsumes
// the finer classes for that instant.
var Granularities = []Granularity{Yearly, Monthly, Weekly, Daily, Hourly, Frequent}

// MigrationStatus is the state the ZFS API reports for a replication job.
type MigrationStatus string

// Migration job states. Pending and Running are non-terminal. Older API
// versions report success as "completed", current ones as "succeeded"; both
// are accepted.
const (
	MigrationPending   MigrationStatus = "pending"
	MigrationRunning   MigrationStatus = "running"
	MigrationSucceeded MigrationStatus = "succeeded"
	MigrationCompleted MigrationStatus = "completed"
	MigrationFailed    MigrationStatus = "failed"
)

// Success reports whether the status means the job finished cleanly.
func (s MigrationStatus) Success() bool {
	return s == MigrationSucceeded || s == MigrationCompleted
}

// Terminal reports whether the status is final.
func (s MigrationStatus) Terminal() bool {
	return s.Success() || s == MigrationFailed
}

// Migration is the observed state of a replication job.
type Migration struct {
	TaskID string
	Status MigrationStatus
	Detail string
}

// SyncEvent describes the outcome of one replication attempt, used for
// notifications.
type SyncEvent struct {
	Dataset  string
	Host     string
	Snapshot string
	Success  bool
	Detail   string
	Duration time.Duration
}
