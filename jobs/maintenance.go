package jobs

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/robfig/cron/v3"
)

// StaleMarker is the maintenance-facing view of the health registry.
type StaleMarker interface {
	MarkStale(ctx context.Context) []string
	ActiveWorkerCount() int
	HeartbeatAgesMs() []float64
}

// AlertEvaluator runs one alert rule evaluation pass. Implemented by the
// metrics manager.
type AlertEvaluator interface {
	EvaluateRules(now time.Time)
}

// Maintenance owns the periodic background tasks: staleness marking, orphan
// requeue, delayed-retry promotion, retention purges and metric refreshes.
// Every task is a cron entry; a failed Redis round-trip is logged and the
// task simply runs again on its next tick, so a KV outage never kills the
// loops.
type Maintenance struct {
	redisClient *redis.Client
	store       *JobStore
	dlq         *DLQStore
	workers     StaleMarker
	metrics     MetricsSink
	alerts      AlertEvaluator
	logger      *logharbour.Logger
	queues      []string

	cron *cron.Cron
}

// NewMaintenance assembles the maintenance runner. metrics and alerts may be
// nil.
func NewMaintenance(redisClient *redis.Client, store *JobStore, dlq *DLQStore, workers StaleMarker, metrics MetricsSink, alerts AlertEvaluator, logger *logharbour.Logger, queues []string) *Maintenance {
	if len(queues) == 0 {
		queues = DefaultQueueNames()
	}
	return &Maintenance{
		redisClient: redisClient,
		store:       store,
		dlq:         dlq,
		workers:     workers,
		metrics:     metrics,
		alerts:      alerts,
		logger:      logger,
		queues:      queues,
		cron:        cron.New(),
	}
}

// Start registers the schedules and launches the cron runner.
func (m *Maintenance) Start() error {
	schedules := []struct {
		spec string
		task func()
	}{
		{"@every 15s", m.reapStaleWorkers},
		{"@every 60s", m.publishHealthMetrics},
		{"@every 5m", m.promoteDelayedRetries},
		{"@every 1h", m.purgeTerminalJobs},
		{"@every 24h", m.purgeDLQ},
	}
	for _, s := range schedules {
		if _, err := m.cron.AddFunc(s.spec, s.task); err != nil {
			return err
		}
	}
	m.cron.Start()
	m.logger.Info().LogActivity("Maintenance schedules started", map[string]any{
		"queues": m.queues,
	})
	return nil
}

// Stop halts the cron runner, waiting for a running task to finish.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// reapStaleWorkers marks workers with stale heartbeats UNHEALTHY and
// requeues jobs whose processing lease has expired. A claimed job whose
// lease key is gone has lost its worker: either the worker died or it has
// been stuck past the lease window.
func (m *Maintenance) reapStaleWorkers() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stale := m.workers.MarkStale(ctx)
	if len(stale) > 0 {
		m.logger.Warn().LogActivity("Marked stale workers unhealthy", map[string]any{
			"workers": stale,
		})
	}

	for _, queue := range m.queues {
		ids, err := m.store.ProcessingJobs(ctx, queue)
		if err != nil {
			m.logger.Warn().LogActivity("Failed to scan processing list", map[string]any{
				"queue": queue,
				"error": err.Error(),
			})
			continue
		}
		for _, id := range ids {
			owner, err := m.store.LeaseOwner(ctx, id)
			if err != nil || owner != "" {
				continue
			}
			if requeued, err := m.store.RequeueOrphan(ctx, id); err != nil {
				m.logger.Warn().LogActivity("Orphan requeue failed", map[string]any{
					"jobId": id,
					"error": err.Error(),
				})
			} else if requeued {
				m.increment("jobs.orphan.requeued", map[string]string{"queue": queue})
			}
		}
	}
}

// publishHealthMetrics refreshes the gauge metrics the alert rules evaluate
// against, then runs one evaluation pass.
func (m *Maintenance) publishHealthMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, queue := range m.queues {
		stats, err := m.store.QueueStats(ctx, queue)
		if err != nil {
			continue
		}
		m.observe("jobs.queue.size", float64(stats.Size), map[string]string{"queue": queue})

		if n, err := m.dlq.Size(ctx, queue); err == nil {
			m.observe("jobs.dlq.size", float64(n), map[string]string{"queue": queue})
		}
	}

	m.observe("worker.active.count", float64(m.workers.ActiveWorkerCount()), nil)

	if ages := m.workers.HeartbeatAgesMs(); len(ages) > 0 {
		m.observe("worker.heartbeat.age.p95", percentile95(ages), nil)
	}

	if m.alerts != nil {
		m.alerts.EvaluateRules(time.Now())
	}
}

// promoteDelayedRetries moves due delayed retries onto their active queues.
func (m *Maintenance) promoteDelayedRetries() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, queue := range m.queues {
		n, err := m.store.PromoteDelayed(ctx, queue)
		if err != nil {
			m.logger.Warn().LogActivity("Delayed promotion failed", map[string]any{
				"queue": queue,
				"error": err.Error(),
			})
			continue
		}
		if n > 0 {
			m.logger.Info().LogActivity("Promoted delayed retries", map[string]any{
				"queue": queue,
				"count": n,
			})
		}
	}
}

// purgeTerminalJobs removes terminal job records past retention.
func (m *Maintenance) purgeTerminalJobs() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	total := 0
	for _, queue := range m.queues {
		n, err := m.store.PurgeTerminal(ctx, queue)
		if err != nil {
			m.logger.Warn().LogActivity("Terminal purge failed", map[string]any{
				"queue": queue,
				"error": err.Error(),
			})
			continue
		}
		total += n
	}
	if total > 0 {
		m.logger.Info().LogActivity("Purged terminal jobs", map[string]any{
			"count": total,
		})
	}
}

// purgeDLQ compacts expired dead-letter entries and stale user index
// members.
func (m *Maintenance) purgeDLQ() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, queue := range m.queues {
		n, err := m.dlq.PruneExpired(ctx, queue)
		if err != nil {
			m.logger.Warn().LogActivity("DLQ prune failed", map[string]any{
				"queue": queue,
				"error": err.Error(),
			})
			continue
		}
		if n > 0 {
			m.logger.Info().LogActivity("Pruned expired DLQ entries", map[string]any{
				"queue": queue,
				"count": n,
			})
		}
	}

	m.compactUserIndexes(ctx)
}

// compactUserIndexes drops index members whose job records were purged.
// Uses SCAN so a large keyspace never blocks Redis.
func (m *Maintenance) compactUserIndexes(ctx context.Context) {
	iter := m.redisClient.Scan(ctx, 0, "user_jobs:*", 100).Iterator()
	for iter.Next(ctx) {
		indexKey := iter.Val()
		ids, err := m.redisClient.SMembers(ctx, indexKey).Result()
		if err != nil {
			continue
		}
		for _, id := range ids {
			exists, err := m.redisClient.Exists(ctx, JobKey(id)).Result()
			if err == nil && exists == 0 {
				m.redisClient.SRem(ctx, indexKey, id)
			}
		}
	}
	if err := iter.Err(); err != nil {
		m.logger.Warn().LogActivity("User index compaction scan failed", map[string]any{
			"error": err.Error(),
		})
	}
}

// percentile95 returns the sorted value at index int(0.95*(n-1)), without
// interpolation.
func percentile95(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	rank := int(0.95 * float64(len(sorted)-1))
	return sorted[rank]
}

func (m *Maintenance) increment(name string, tags map[string]string) {
	if m.metrics != nil {
		m.metrics.Increment(name, tags)
	}
}

func (m *Maintenance) observe(name string, value float64, tags map[string]string) {
	if m.metrics != nil {
		m.metrics.Observe(name, value, tags)
	}
}
