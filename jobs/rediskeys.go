package jobs

import "fmt"

// Redis key helpers. Keys follow the conventions in one place so the store,
// maintenance and tests never drift apart.

// JobKey returns the key holding a job record.
func JobKey(jobID string) string {
	return fmt.Sprintf("jobs:%s", jobID)
}

// UserJobsKey returns the key of the SET of job ids owned by a user.
func UserJobsKey(userID string) string {
	return fmt.Sprintf("user_jobs:%s", userID)
}

// QueueKey returns the key of the FIFO LIST of queued job ids.
func QueueKey(queueName string) string {
	return fmt.Sprintf("queue:%s", queueName)
}

// DelayedQueueKey returns the key of the ZSET of delayed retries, scored by
// the unix time they become due.
func DelayedQueueKey(queueName string) string {
	return fmt.Sprintf("queue_delayed:%s", queueName)
}

// ProcessingKey returns the key of the LIST of job ids currently claimed by
// workers on a queue.
func ProcessingKey(queueName string) string {
	return fmt.Sprintf("queue_processing:%s", queueName)
}

// RetentionKey returns the key of the ZSET of terminal job ids scored by the
// time they entered a terminal state, used by retention sweeps.
func RetentionKey(queueName string) string {
	return fmt.Sprintf("queue_retention:%s", queueName)
}

// LeaseKey returns the key of the processing lease a worker holds on a job.
func LeaseKey(jobID string) string {
	return fmt.Sprintf("lease:%s", jobID)
}

// DLQKey returns the key of the LIST of dead-letter entries for a queue.
func DLQKey(queueName string) string {
	return fmt.Sprintf("dlq:%s", queueName)
}

// DLQEntryKey returns the key holding one dead-letter entry record.
func DLQEntryKey(entryID string) string {
	return fmt.Sprintf("dlq_entry:%s", entryID)
}
