package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/hahnben/cura-snap-ai/breaker"
	"github.com/hahnben/cura-snap-ai/config"
	"github.com/hahnben/cura-snap-ai/degrade"
	"github.com/hahnben/cura-snap-ai/downstream"
	"github.com/hahnben/cura-snap-ai/errclass"
	"github.com/hahnben/cura-snap-ai/health"
	"github.com/hahnben/cura-snap-ai/internal/webservices/admin"
	"github.com/hahnben/cura-snap-ai/internal/webservices/jobsvc"
	"github.com/hahnben/cura-snap-ai/jobs"
	"github.com/hahnben/cura-snap-ai/metrics"
	"github.com/hahnben/cura-snap-ai/objstore"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	etcdEndpoint := flag.String("etcd", "", "etcd endpoint for rigel config (overrides -config)")
	rigelSchema := flag.String("rigel-schema", "curasnap", "rigel schema name")
	rigelConfig := flag.String("rigel-config", "asyncore", "rigel config name")
	flag.Parse()

	var appConfig config.AppConfig
	var source config.Config
	if *etcdEndpoint != "" {
		client, err := config.NewRigelClient(*etcdEndpoint)
		if err != nil {
			log.Fatalf("Error creating rigel client: %v", err)
		}
		source = &config.Rigel{
			Client:        client,
			SchemaName:    *rigelSchema,
			SchemaVersion: 1,
			ConfigName:    *rigelConfig,
		}
	} else {
		source = &config.File{ConfigFilePath: *configPath}
	}
	if err := config.Load(source, &appConfig); err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	appConfig.ApplyDefaults()

	loggerContext := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	logger := logharbour.NewLogger(loggerContext, "curasnap-asyncore", os.Stdout)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddr,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Error connecting to Redis at %s: %v", appConfig.RedisAddr, err)
	}

	var audioStore *objstore.AudioStore
	if appConfig.MinioEndpoint != "" {
		minioClient, err := minio.New(appConfig.MinioEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(appConfig.MinioAccessKey, appConfig.MinioSecretKey, ""),
			Secure: appConfig.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("Error creating MinIO client: %v", err)
		}
		audioStore = objstore.NewAudioStore(minioClient, appConfig.MinioBucket, 0)
	}

	prom := metrics.NewPrometheusMetrics()
	manager := metrics.NewManager(redisClient, logger, prom, appConfig.MetricRingSize)
	manager.CoreSeries()
	registerDefaultAlertRules(manager)

	classifier := errclass.New(redisClient)

	breakers := breaker.NewRegistry(redisClient, logger, breaker.Config{
		FailureThreshold: appConfig.BreakerFailureThreshold,
		SuccessThreshold: appConfig.BreakerSuccessThreshold,
		OpenTimeout:      appConfig.BreakerOpenTimeout(),
	})
	breakers.Subscribe(func(serviceName string, from, to breaker.State) {
		manager.Observe("circuit.state", to.MetricValue(), map[string]string{"service": serviceName})
	})

	workers := health.NewRegistry(redisClient, logger, nil, health.Config{
		StaleAfter:          appConfig.WorkerStaleAfter(),
		ConsecutiveFailKill: appConfig.ConsecutiveFailKill,
	})

	store := jobs.NewJobStore(redisClient, logger, &jobs.StoreConfig{
		JobRetention: appConfig.JobRetention(),
		DLQRetention: appConfig.DLQRetention(),
		MaxRetries:   appConfig.MaxRetriesDefault,
	})
	workers.SetQueueStatsProvider(store)

	dlq := jobs.NewDLQStore(redisClient, store, logger, appConfig.DLQRetention())

	// A nil *AudioStore must stay a nil interface for the offload checks.
	var audioFetcher downstream.AudioFetcher
	var audioPutter jobsvc.AudioPutter
	if audioStore != nil {
		audioFetcher = audioStore
		audioPutter = audioStore
	}

	transcriber := downstream.NewTranscriptionClient(appConfig.TranscriptionURL, appConfig.DownstreamTimeout())
	agent := downstream.NewAgentClient(appConfig.AgentURL, appConfig.DownstreamTimeout())
	pipeline := downstream.NewPipeline(transcriber, agent, breakers, audioFetcher, manager)

	retrier := jobs.NewAdaptiveRetrier(classifier, breakers, workers, logger)

	pool := jobs.NewPool(store, dlq, pipeline, retrier, workers, manager, logger, jobs.PoolConfig{
		QueueNames:          appConfig.QueueNames,
		WorkersPerQueue:     appConfig.WorkersPerQueue,
		PollInterval:        appConfig.PollInterval(),
		ShutdownGrace:       appConfig.ShutdownGrace(),
		ConsecutiveFailKill: appConfig.ConsecutiveFailKill,
		DownstreamTimeout:   appConfig.DownstreamTimeout(),
	})

	degrader := degrade.NewController(breakers, workers, manager, logger,
		[]string{downstream.ServiceTranscription, downstream.ServiceAgent}, degrade.Config{})

	maintenance := jobs.NewMaintenance(redisClient, store, dlq, workers, manager, manager, logger, appConfig.QueueNames)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	degrader.Start(ctx)
	if err := maintenance.Start(); err != nil {
		log.Fatalf("Error starting maintenance schedules: %v", err)
	}

	// Record the overall degradation posture as a gauge on the same cadence
	// the controller recomputes it.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				manager.Observe("degradation.level", float64(degrader.OverallLevel()), nil)
			}
		}
	}()

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	jobHandler := jobsvc.NewHandler(store, degrader, audioPutter, appConfig.AudioOffloadBytes, manager, logger)
	jobHandler.RegisterHandlers(router)

	adminHandler := admin.NewHandler(dlq, manager, degrader, breakers, workers, logger)
	adminHandler.RegisterHandlers(router)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", prom.Handler())
	go func() {
		if err := http.ListenAndServe(":"+appConfig.MetricsPort, metricsMux); err != nil && err != http.ErrServerClosed {
			logger.Error(err).LogActivity("Metrics server stopped", nil)
		}
	}()

	server := &http.Server{
		Addr:    ":" + appConfig.HTTPPort,
		Handler: router,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	logger.Info().LogActivity("Server started", map[string]any{
		"httpPort":    appConfig.HTTPPort,
		"metricsPort": appConfig.MetricsPort,
		"queues":      appConfig.QueueNames,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().LogActivity("Shutdown signal received", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), appConfig.ShutdownGrace())
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(err).LogActivity("HTTP shutdown failed", nil)
	}

	pool.Stop()
	maintenance.Stop()
	degrader.Stop()
	cancel()

	if err := redisClient.Close(); err != nil {
		logger.Error(err).LogActivity("Redis close failed", nil)
	}
	logger.Info().LogActivity("Shutdown complete", nil)
}

// registerDefaultAlertRules installs the baseline alert coverage: queue
// backlog, DLQ growth, worker starvation and downstream failure spikes.
func registerDefaultAlertRules(manager *metrics.Manager) {
	manager.AddRule(metrics.Rule{
		Name:        "queue-backlog",
		MetricName:  "jobs.queue.size",
		Aggregation: metrics.AggLast,
		Window:      5 * time.Minute,
		Comparison:  metrics.Above,
		Threshold:   100,
		Severity:    metrics.SeverityWarning,
	})
	manager.AddRule(metrics.Rule{
		Name:                "dlq-growth",
		MetricName:          "jobs.dlq.size",
		Aggregation:         metrics.AggLast,
		Window:              10 * time.Minute,
		Comparison:          metrics.Above,
		Threshold:           10,
		ConsecutiveBreaches: 2,
		Severity:            metrics.SeverityCritical,
	})
	manager.AddRule(metrics.Rule{
		Name:        "no-active-workers",
		MetricName:  "worker.active.count",
		Aggregation: metrics.AggLast,
		Window:      5 * time.Minute,
		Comparison:  metrics.Below,
		Threshold:   1,
		Severity:    metrics.SeverityCritical,
	})
	manager.AddRule(metrics.Rule{
		Name:        "job-failure-spike",
		MetricName:  "jobs.failed.total",
		Aggregation: metrics.AggSum,
		Window:      5 * time.Minute,
		Comparison:  metrics.Above,
		Threshold:   25,
		Severity:    metrics.SeverityWarning,
	})
}
