package jobs

import (
	"encoding/json"
	"time"
)

// JobType identifies the processing pipeline a job runs through.
type JobType string

const (
	JobTypeAudioProcessing   JobType = "AUDIO_PROCESSING"
	JobTypeTextProcessing    JobType = "TEXT_PROCESSING"
	JobTypeTranscriptionOnly JobType = "TRANSCRIPTION_ONLY"
)

// QueueName returns the queue a job of this type is enqueued on.
func (t JobType) QueueName() string {
	switch t {
	case JobTypeAudioProcessing:
		return QueueAudioProcessing
	case JobTypeTextProcessing:
		return QueueTextProcessing
	case JobTypeTranscriptionOnly:
		return QueueTranscriptionOnly
	default:
		return QueueAudioProcessing
	}
}

// Valid reports whether t is one of the known job types.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeAudioProcessing, JobTypeTextProcessing, JobTypeTranscriptionOnly:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a job.
//
// Allowed transitions:
//
//	QUEUED     -> PROCESSING | CANCELLED
//	PROCESSING -> COMPLETED | FAILED
//	FAILED     -> RETRYING
//	RETRYING   -> QUEUED | DEAD_LETTER
//
// COMPLETED, CANCELLED and DEAD_LETTER are terminal. A DLQ reprocess clones
// the job under a new id rather than resurrecting the dead one.
type JobStatus string

const (
	StatusQueued     JobStatus = "QUEUED"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
	StatusCancelled  JobStatus = "CANCELLED"
	StatusRetrying   JobStatus = "RETRYING"
	StatusDeadLetter JobStatus = "DEAD_LETTER"
)

// Terminal reports whether s admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDeadLetter:
		return true
	}
	return false
}

// allowedTransitions encodes the job status graph. updateStatus refuses
// anything not listed here.
var allowedTransitions = map[JobStatus][]JobStatus{
	StatusQueued:     {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusRetrying},
	StatusRetrying:   {StatusQueued, StatusDeadLetter},
}

// CanTransition reports whether s -> next is a legal edge in the status graph.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, t := range allowedTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Job is the durable record of one unit of asynchronous work. The record is
// stored as JSON under jobs:{jobId}; only the JobStore mutates it.
type Job struct {
	JobID         string            `json:"jobId"`
	UserID        string            `json:"userId"`
	JobType       JobType           `json:"jobType"`
	Status        JobStatus         `json:"status"`
	InputData     map[string]string `json:"inputData,omitempty"`
	Result        map[string]string `json:"result,omitempty"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
	ErrorCategory string            `json:"errorCategory,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
	RetryCount    int               `json:"retryCount"`
	MaxRetries    int               `json:"maxRetries"`
	QueueName     string            `json:"queueName"`
	SessionID     string            `json:"sessionId,omitempty"`
}

// Marshal serializes the job record for storage.
func (j *Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalJob deserializes a stored job record.
func UnmarshalJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// JobRequest is the producer-facing submission payload. InputData is opaque
// to the core; workers hand it to the downstream call site untouched.
type JobRequest struct {
	JobType   JobType           `json:"jobType" validate:"required"`
	InputData map[string]string `json:"inputData" validate:"required"`
	SessionID string            `json:"sessionId,omitempty"`
}

// JobResponse is returned from a successful submission.
type JobResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	StatusURL string    `json:"statusUrl"`
}

// QueueStats is a point-in-time summary of one queue.
type QueueStats struct {
	QueueName  string  `json:"queueName"`
	Size       int64   `json:"size"`
	Processing int64   `json:"processing"`
	AvgAgeMs   float64 `json:"avgAgeMs"`
}

// DLQEntry wraps a job that exhausted its retries, preserving where it came
// from and why it died. Stored on dlq:{originalQueue}.
type DLQEntry struct {
	EntryID           string    `json:"entryId"`
	Job               Job       `json:"job"`
	FailureReason     string    `json:"failureReason"`
	ErrorCategory     string    `json:"errorCategory"`
	OriginalQueue     string    `json:"originalQueue"`
	MovedAt           time.Time `json:"movedAt"`
	ReprocessAttempts int       `json:"reprocessAttempts"`
	Reprocessed       bool      `json:"reprocessed"`
	ReprocessedJobID  string    `json:"reprocessedJobId,omitempty"`
}

// Queue name constants. These are the queues the worker pool services by
// default; additional queues can be configured.
const (
	QueueAudioProcessing   = "audio_processing"
	QueueTextProcessing    = "text_processing"
	QueueTranscriptionOnly = "transcription_only"
)

// DefaultQueueNames lists the queues serviced when no override is configured.
func DefaultQueueNames() []string {
	return []string{QueueAudioProcessing, QueueTextProcessing, QueueTranscriptionOnly}
}

// StoreConfig holds the JobStore tunables. Zero values are replaced with
// defaults by NewJobStore.
type StoreConfig struct {
	JobRetention    time.Duration // TTL on terminal job records
	DLQRetention    time.Duration // TTL on dead-letter entries
	MaxRetries      int           // default retry bound for new jobs
	ClaimRetries    int           // optimistic-lock attempts for markStarted
	LeaseDuration   time.Duration // processing lease per claimed job
	StatusURLPrefix string        // prefix for JobResponse.StatusURL
}

const (
	defaultJobRetention  = 24 * time.Hour
	defaultDLQRetention  = 7 * 24 * time.Hour
	defaultMaxRetries    = 3
	defaultClaimRetries  = 3
	defaultLeaseDuration = 5 * time.Minute
)

func (c *StoreConfig) applyDefaults() {
	if c.JobRetention == 0 {
		c.JobRetention = defaultJobRetention
	}
	if c.DLQRetention == 0 {
		c.DLQRetention = defaultDLQRetention
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.ClaimRetries == 0 {
		c.ClaimRetries = defaultClaimRetries
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = defaultLeaseDuration
	}
	if c.StatusURLPrefix == "" {
		c.StatusURLPrefix = "/jobs/"
	}
}
