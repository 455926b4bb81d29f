package domain

import "time"

type JobState string

const (
	JobQueued          JobState = "queued"
	JobRunning         JobState = "running"
	JobSucceeded       JobState = "succeeded"
	JobFailedRetryable JobState = "failed_retryable"
	JobFailedPermanent JobState = "failed_permanent"
)

func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailedRetryable, JobFailedPermanent:
		return true
	}
	return false
}

type ScrapeJob struct {
	ID          string     `db:"id"`
	CycleID     string     `db:"cycle_id"`
	Site        string     `db:"site"`
	InseeCode   string     `db:"insee_code"`
	Attempt     int        `db:"attempt"`
	State       JobState   `db:"state"`
	ScheduledAt time.Time  `db:"scheduled_at"`
	StartedAt   *time.Time `db:"started_at"`
	FinishedAt  *time.Time `db:"finished_at"`
	LastError   *string    `db:"last_error"`
	Complete    bool       `db:"complete"`
}

func (j *ScrapeJob) TargetKey() TargetKey {
	return TargetKey{Site: j.Site, InseeCode: j.InseeCode}
}

// Cycle groups the jobs of one scheduling pass.
type Cycle struct {
	ID         string     `db:"id"`
	StartedAt  time.Time  `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`
}

// JobMessage is what the orchestrator puts on the jobs queue.
type JobMessage struct {
	JobID   string `json:"job_id"`
	Target  Target `json:"target"`
	Attempt int    `json:"attempt"`
}

// ResultMessage is what a worker sends back once a job has run.
type ResultMessage struct {
	JobID       string    `json:"job_id"`
	Outcome     JobState  `json:"outcome"`
	Records     []Listing `json:"records,omitempty"`
	Error       string    `json:"error,omitempty"`
	Complete    bool      `json:"complete"`
	Pages       int       `json:"pages"`
	FailedPages int       `json:"failed_pages"`
}

// JobHandle is returned for every job enqueued by a scheduling cycle.
type JobHandle struct {
	JobID   string
	CycleID string
	Target  Target
	Attempt int
}
