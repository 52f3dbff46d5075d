// Package health tracks worker liveness and outcome counters, and derives
// the system health report the degradation controller and admin surface
// consume. Worker records live in process memory for the hot path and are
// mirrored to worker:{id} hashes plus the workers:active SET so a crashed
// process leaves an inspectable trail.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"
)

// Status is a worker's lifecycle state.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusInactive  Status = "INACTIVE"
	StatusFailed    Status = "FAILED"
	StatusUnhealthy Status = "UNHEALTHY"
)

// Worker is one worker's health record.
type Worker struct {
	WorkerID            string     `json:"workerId"`
	WorkerType          string     `json:"workerType"`
	Status              Status     `json:"status"`
	RegisteredAt        time.Time  `json:"registeredAt"`
	LastHeartbeat       time.Time  `json:"lastHeartbeat"`
	EndTime             *time.Time `json:"endTime,omitempty"`
	ProcessedJobs       int64      `json:"processedJobs"`
	FailedJobs          int64      `json:"failedJobs"`
	AvgProcessingTimeMs float64    `json:"avgProcessingTimeMs"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// SystemReport aggregates worker health with queue saturation into a single
// score for operators and the degradation controller.
type SystemReport struct {
	HealthScore    float64          `json:"healthScore"`
	TotalWorkers   int              `json:"totalWorkers"`
	ActiveWorkers  int              `json:"activeWorkers"`
	FailedWorkers  int              `json:"failedWorkers"`
	UnhealthyCount int              `json:"unhealthyWorkers"`
	ProcessedJobs  int64            `json:"processedJobs"`
	FailedJobs     int64            `json:"failedJobs"`
	QueueDepths    map[string]int64 `json:"queueDepths"`
	GeneratedAt    time.Time        `json:"generatedAt"`
}

// QueueStatsProvider is the narrow read-only view of the job store the
// registry needs for queue saturation. Keeping it an interface here breaks
// the store <-> health dependency cycle.
type QueueStatsProvider interface {
	QueueDepths(ctx context.Context) (map[string]int64, error)
}

// Config holds registry tunables.
type Config struct {
	StaleAfter          time.Duration // heartbeat age marking a worker UNHEALTHY
	ConsecutiveFailKill int           // consecutive failures marking a worker FAILED
	QueueSaturation     int64         // queue depth considered fully saturated
}

const (
	defaultStaleAfter      = 60 * time.Second
	defaultConsecutiveKill = 5
	defaultQueueSaturation = 100
	workerMirrorTTL        = 10 * time.Minute
)

func (c *Config) applyDefaults() {
	if c.StaleAfter == 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.ConsecutiveFailKill == 0 {
		c.ConsecutiveFailKill = defaultConsecutiveKill
	}
	if c.QueueSaturation == 0 {
		c.QueueSaturation = defaultQueueSaturation
	}
}

// Registry owns every worker health record. All methods are safe for
// concurrent use.
type Registry struct {
	redisClient *redis.Client
	logger      *logharbour.Logger
	config      Config
	queueStats  QueueStatsProvider

	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewRegistry creates a Registry. redisClient may be nil (tests); stats may
// be nil, in which case queue saturation is treated as zero.
func NewRegistry(redisClient *redis.Client, logger *logharbour.Logger, stats QueueStatsProvider, config Config) *Registry {
	config.applyDefaults()
	return &Registry{
		redisClient: redisClient,
		logger:      logger,
		config:      config,
		queueStats:  stats,
		workers:     make(map[string]*Worker),
	}
}

// SetQueueStatsProvider wires the queue stats source after construction.
// The job store and the registry are built independently at boot; whichever
// comes second is connected here.
func (r *Registry) SetQueueStatsProvider(stats QueueStatsProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queueStats = stats
}

// Register creates an ACTIVE record for a worker and mirrors it.
func (r *Registry) Register(ctx context.Context, workerID, workerType string) {
	now := time.Now()
	w := &Worker{
		WorkerID:      workerID,
		WorkerType:    workerType,
		Status:        StatusActive,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	r.mu.Lock()
	r.workers[workerID] = w
	r.mu.Unlock()

	r.mirror(ctx, w, true)
	if r.logger != nil {
		r.logger.Info().LogActivity("Worker registered", map[string]any{
			"workerId":   workerID,
			"workerType": workerType,
		})
	}
}

// Heartbeat bumps the worker's lastHeartbeat. O(1); the Redis mirror is
// refreshed opportunistically and never blocks the caller on failure.
func (r *Registry) Heartbeat(ctx context.Context, workerID string) {
	now := time.Now()

	r.mu.Lock()
	w, ok := r.workers[workerID]
	if ok {
		if now.After(w.LastHeartbeat) {
			w.LastHeartbeat = now
		}
		// A stale worker that heartbeats again has recovered.
		if w.Status == StatusUnhealthy {
			w.Status = StatusActive
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if r.redisClient != nil {
		r.redisClient.HSet(ctx, "worker:"+workerID, "last_heartbeat", now.UTC().Format(time.RFC3339Nano))
		r.redisClient.Expire(ctx, "worker:"+workerID, workerMirrorTTL)
	}
}

// RecordOutcome updates the worker's counters and rolling average after a
// job attempt. Success resets consecutive failures; a failure streak at the
// configured threshold flips the worker to FAILED.
func (r *Registry) RecordOutcome(ctx context.Context, workerID string, success bool, processingTime time.Duration) {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return
	}

	total := w.ProcessedJobs + w.FailedJobs
	ms := float64(processingTime.Milliseconds())
	w.AvgProcessingTimeMs = (w.AvgProcessingTimeMs*float64(total) + ms) / float64(total+1)

	if success {
		w.ProcessedJobs++
		w.ConsecutiveFailures = 0
	} else {
		w.FailedJobs++
		w.ConsecutiveFailures++
		if w.ConsecutiveFailures >= r.config.ConsecutiveFailKill && w.Status == StatusActive {
			w.Status = StatusFailed
		}
	}
	snapshot := *w
	r.mu.Unlock()

	r.mirror(ctx, &snapshot, false)
	if snapshot.Status == StatusFailed && r.logger != nil {
		r.logger.Warn().LogActivity("Worker marked FAILED after consecutive failures", map[string]any{
			"workerId":            workerID,
			"consecutiveFailures": snapshot.ConsecutiveFailures,
		})
	}
}

// Deactivate marks a worker INACTIVE and removes it from the active SET.
func (r *Registry) Deactivate(ctx context.Context, workerID string) {
	now := time.Now()

	r.mu.Lock()
	w, ok := r.workers[workerID]
	if ok {
		w.Status = StatusInactive
		w.EndTime = &now
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if r.redisClient != nil {
		r.redisClient.SRem(ctx, "workers:active", workerID)
		r.redisClient.HSet(ctx, "worker:"+workerID, "status", string(StatusInactive))
	}
	if r.logger != nil {
		r.logger.Info().LogActivity("Worker deactivated", map[string]any{
			"workerId": workerID,
		})
	}
}

// GetWorker returns a copy of one worker's record.
func (r *Registry) GetWorker(workerID string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerID]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// GetActiveWorkers returns copies of all ACTIVE workers, sorted by id.
func (r *Registry) GetActiveWorkers() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if w.Status == StatusActive {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// AllWorkers returns copies of every record, sorted by id.
func (r *Registry) AllWorkers() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// MarkStale flips workers whose heartbeat is older than StaleAfter to
// UNHEALTHY and returns their ids. Called from the maintenance loop.
func (r *Registry) MarkStale(ctx context.Context) []string {
	cutoff := time.Now().Add(-r.config.StaleAfter)

	r.mu.Lock()
	var stale []string
	for id, w := range r.workers {
		if w.Status == StatusActive && w.LastHeartbeat.Before(cutoff) {
			w.Status = StatusUnhealthy
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		if r.redisClient != nil {
			r.redisClient.HSet(ctx, "worker:"+id, "status", string(StatusUnhealthy))
		}
		if r.logger != nil {
			r.logger.Warn().LogActivity("Worker marked UNHEALTHY, heartbeat stale", map[string]any{
				"workerId": id,
			})
		}
	}
	return stale
}

// HeartbeatAgesMs returns the heartbeat age in milliseconds of every
// non-inactive worker, for the heartbeat-age percentile metric.
func (r *Registry) HeartbeatAgesMs() []float64 {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]float64, 0, len(r.workers))
	for _, w := range r.workers {
		if w.Status == StatusInactive {
			continue
		}
		out = append(out, float64(now.Sub(w.LastHeartbeat).Milliseconds()))
	}
	return out
}

// ActiveWorkerCount returns the number of workers currently ACTIVE.
func (r *Registry) ActiveWorkerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, w := range r.workers {
		if w.Status == StatusActive {
			n++
		}
	}
	return n
}

// UnhealthyWorkerRatio returns the fraction of known, non-inactive workers
// currently UNHEALTHY or FAILED.
func (r *Registry) UnhealthyWorkerRatio() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total, bad int
	for _, w := range r.workers {
		if w.Status == StatusInactive {
			continue
		}
		total++
		if w.Status == StatusUnhealthy || w.Status == StatusFailed {
			bad++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(bad) / float64(total)
}

// SystemHealthReport computes the weighted health score: 40% active-worker
// ratio, 30% job success ratio, 30% inverse queue saturation. The score is
// clamped to [0, 100].
func (r *Registry) SystemHealthReport(ctx context.Context) SystemReport {
	r.mu.RLock()
	var (
		total, active, failed, unhealthy int
		processed, failedJobs            int64
	)
	for _, w := range r.workers {
		if w.Status != StatusInactive {
			total++
		}
		switch w.Status {
		case StatusActive:
			active++
		case StatusFailed:
			failed++
		case StatusUnhealthy:
			unhealthy++
		}
		processed += w.ProcessedJobs
		failedJobs += w.FailedJobs
	}
	r.mu.RUnlock()

	activeRatio := 1.0
	if total > 0 {
		activeRatio = float64(active) / float64(total)
	}

	successRatio := 1.0
	if processed+failedJobs > 0 {
		successRatio = float64(processed) / float64(processed+failedJobs)
	}

	depths := map[string]int64{}
	saturation := 0.0
	if r.queueStats != nil {
		if d, err := r.queueStats.QueueDepths(ctx); err == nil {
			depths = d
			var worst int64
			for _, n := range d {
				if n > worst {
					worst = n
				}
			}
			saturation = float64(worst) / float64(r.config.QueueSaturation)
			if saturation > 1 {
				saturation = 1
			}
		}
	}

	score := 100 * (0.4*activeRatio + 0.3*successRatio + 0.3*(1-saturation))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return SystemReport{
		HealthScore:    score,
		TotalWorkers:   total,
		ActiveWorkers:  active,
		FailedWorkers:  failed,
		UnhealthyCount: unhealthy,
		ProcessedJobs:  processed,
		FailedJobs:     failedJobs,
		QueueDepths:    depths,
		GeneratedAt:    time.Now(),
	}
}

// mirror writes the full worker hash. register additionally adds the worker
// to the active SET.
func (r *Registry) mirror(ctx context.Context, w *Worker, register bool) {
	if r.redisClient == nil {
		return
	}
	fields := map[string]any{
		"worker_type":            w.WorkerType,
		"status":                 string(w.Status),
		"registered_at":          w.RegisteredAt.UTC().Format(time.RFC3339Nano),
		"last_heartbeat":         w.LastHeartbeat.UTC().Format(time.RFC3339Nano),
		"processed_jobs":         w.ProcessedJobs,
		"failed_jobs":            w.FailedJobs,
		"avg_processing_time_ms": w.AvgProcessingTimeMs,
		"consecutive_failures":   w.ConsecutiveFailures,
	}
	key := "worker:" + w.WorkerID
	if err := r.redisClient.HSet(ctx, key, fields).Err(); err != nil {
		if r.logger != nil {
			r.logger.Warn().LogActivity("Failed to mirror worker record", map[string]any{
				"workerId": w.WorkerID,
				"error":    err.Error(),
			})
		}
		return
	}
	r.redisClient.Expire(ctx, key, workerMirrorTTL)
	if register {
		r.redisClient.SAdd(ctx, "workers:active", w.WorkerID)
	}
}
