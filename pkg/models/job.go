package models

import (
	"fmt"
	"time"
)

// JobType identifies the kind of work a job carries.
type JobType string

const (
	JobProcessMessage JobType = "process_message"
	JobPollInbox      JobType = "poll_inbox"
	JobRebuildProfile JobType = "rebuild_tone_profile"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Job is one queued unit of work. Payload fields not relevant to a job type
// are left zero.
type Job struct {
	ID          string    `json:"id"`
	Type        JobType   `json:"type"`
	UserID      int64     `json:"user_id"`
	AccountID   int64     `json:"account_id"`
	MessageUID  uint32    `json:"message_uid,omitempty"`
	Folder      string    `json:"folder,omitempty"`
	Priority    int       `json:"priority"` // Higher runs sooner
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// SchedulerEntry is the durable record of one recurring task for one account.
type SchedulerEntry struct {
	TaskID    string        `json:"task_id"`
	UserID    int64         `json:"user_id"`
	AccountID int64         `json:"account_id"`
	Interval  time.Duration `json:"interval"`
	Enabled   bool          `json:"enabled"`
	NextRun   time.Time     `json:"next_run"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Key returns the composite id the scheduler stores the entry under, so the
// same task type can run independently per account.
func (e SchedulerEntry) Key() string {
	return SchedulerKey(e.TaskID, e.AccountID)
}

// SchedulerKey builds the composite (task, account) scheduler id.
func SchedulerKey(taskID string, accountID int64) string {
	return fmt.Sprintf("%s:%d", taskID, accountID)
}
