// Package config loads the application configuration from a source: a JSON
// file for local runs, or a Rigel (etcd-backed) config service in shared
// environments. The loaded AppConfig is immutable after startup; every
// tunable of the async core lives here and is injected, never read from
// globals.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/remiges-tech/rigel"
	"github.com/remiges-tech/rigel/etcd"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Config is a source from which application configuration can be loaded.
type Config interface {
	LoadConfig(c any) error
	Check() error
}

// Load ensures the config source is valid and accessible, then loads into c.
func Load(cs Config, c any) error {
	if err := cs.Check(); err != nil {
		return err
	}
	return cs.LoadConfig(c)
}

// AppConfig is the single immutable configuration structure for the async
// core. JSON field names match the knob table in the operations runbook.
type AppConfig struct {
	HTTPPort    string `json:"http_port"`
	MetricsPort string `json:"metrics_port"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	TranscriptionURL string `json:"transcription_url"`
	AgentURL         string `json:"agent_url"`

	MinioEndpoint  string `json:"minio_endpoint"`
	MinioAccessKey string `json:"minio_access_key"`
	MinioSecretKey string `json:"minio_secret_key"`
	MinioBucket    string `json:"minio_bucket"`
	MinioUseSSL    bool   `json:"minio_use_ssl"`

	// AudioOffloadBytes is the inline-audio size above which submissions are
	// stored in the object store instead of the job record. Zero disables
	// offloading.
	AudioOffloadBytes int `json:"audio_offload_bytes"`

	QueueNames      []string `json:"queue_names"`
	WorkersPerQueue int      `json:"workers_per_queue"`
	PollIntervalSec int      `json:"poll_interval_sec"`

	MaxRetriesDefault    int `json:"max_retries_default"`
	DownstreamTimeoutSec int `json:"downstream_timeout_sec"`

	BreakerFailureThreshold uint32 `json:"breaker_failure_threshold"`
	BreakerSuccessThreshold uint32 `json:"breaker_success_threshold"`
	BreakerOpenTimeoutSec   int    `json:"breaker_open_timeout_sec"`

	HeartbeatIntervalSec int `json:"heartbeat_interval_sec"`
	WorkerStaleAfterSec  int `json:"worker_stale_after_sec"`
	ConsecutiveFailKill  int `json:"consecutive_failure_kill"`

	JobRetentionHours int `json:"job_retention_hours"`
	DLQRetentionDays  int `json:"dlq_retention_days"`

	MetricRingSize       int `json:"metric_ring_size"`
	AlertEvalIntervalSec int `json:"alert_eval_interval_sec"`
	ShutdownGraceSec     int `json:"shutdown_grace_sec"`
}

// ApplyDefaults fills every unset knob with its documented default.
func (c *AppConfig) ApplyDefaults() {
	if c.HTTPPort == "" {
		c.HTTPPort = "8080"
	}
	if c.MetricsPort == "" {
		c.MetricsPort = "9090"
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.TranscriptionURL == "" {
		c.TranscriptionURL = "http://localhost:8001"
	}
	if c.AgentURL == "" {
		c.AgentURL = "http://localhost:8002"
	}
	if c.MinioBucket == "" {
		c.MinioBucket = "curasnap-audio"
	}
	if c.AudioOffloadBytes == 0 {
		c.AudioOffloadBytes = 256 * 1024
	}
	if len(c.QueueNames) == 0 {
		c.QueueNames = []string{"audio_processing", "text_processing", "transcription_only"}
	}
	if c.WorkersPerQueue == 0 {
		c.WorkersPerQueue = 2
	}
	if c.PollIntervalSec == 0 {
		c.PollIntervalSec = 1
	}
	if c.MaxRetriesDefault == 0 {
		c.MaxRetriesDefault = 3
	}
	if c.DownstreamTimeoutSec == 0 {
		c.DownstreamTimeoutSec = 30
	}
	if c.BreakerFailureThreshold == 0 {
		c.BreakerFailureThreshold = 5
	}
	if c.BreakerSuccessThreshold == 0 {
		c.BreakerSuccessThreshold = 3
	}
	if c.BreakerOpenTimeoutSec == 0 {
		c.BreakerOpenTimeoutSec = 30
	}
	if c.HeartbeatIntervalSec == 0 {
		c.HeartbeatIntervalSec = 10
	}
	if c.WorkerStaleAfterSec == 0 {
		c.WorkerStaleAfterSec = 60
	}
	if c.ConsecutiveFailKill == 0 {
		c.ConsecutiveFailKill = 5
	}
	if c.JobRetentionHours == 0 {
		c.JobRetentionHours = 24
	}
	if c.DLQRetentionDays == 0 {
		c.DLQRetentionDays = 7
	}
	if c.MetricRingSize == 0 {
		c.MetricRingSize = 10000
	}
	if c.AlertEvalIntervalSec == 0 {
		c.AlertEvalIntervalSec = 60
	}
	if c.ShutdownGraceSec == 0 {
		c.ShutdownGraceSec = 30
	}
}

// Duration helpers so call sites do not repeat second-to-Duration math.

func (c *AppConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c *AppConfig) DownstreamTimeout() time.Duration {
	return time.Duration(c.DownstreamTimeoutSec) * time.Second
}

func (c *AppConfig) BreakerOpenTimeout() time.Duration {
	return time.Duration(c.BreakerOpenTimeoutSec) * time.Second
}

func (c *AppConfig) WorkerStaleAfter() time.Duration {
	return time.Duration(c.WorkerStaleAfterSec) * time.Second
}

func (c *AppConfig) JobRetention() time.Duration {
	return time.Duration(c.JobRetentionHours) * time.Hour
}

func (c *AppConfig) DLQRetention() time.Duration {
	return time.Duration(c.DLQRetentionDays) * 24 * time.Hour
}

func (c *AppConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSec) * time.Second
}

// File loads configuration from a JSON file.
type File struct {
	ConfigFilePath string
}

func (f *File) Check() error {
	if f.ConfigFilePath == "" {
		return fmt.Errorf("configFilePath cannot be empty")
	}
	return nil
}

func (f *File) LoadConfig(appConfig any) error {
	file, err := os.Open(f.ConfigFilePath)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	return decoder.Decode(appConfig)
}

// Rigel loads configuration from a Rigel config service backed by etcd.
type Rigel struct {
	Client        *rigel.Rigel
	SchemaName    string
	SchemaVersion int
	ConfigName    string
}

func (r *Rigel) Check() error {
	if r.Client == nil {
		return fmt.Errorf("rigel client is not initialized")
	}
	if r.SchemaName == "" || r.ConfigName == "" {
		return fmt.Errorf("rigel schema and config names are required")
	}
	return nil
}

func (r *Rigel) LoadConfig(appConfig any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Client.App = r.SchemaName
	r.Client.Version = r.SchemaVersion
	r.Client.Config = r.ConfigName
	return r.Client.LoadConfig(ctx, appConfig)
}

// NewRigelClient connects to etcd and wraps it in a Rigel client.
func NewRigelClient(etcdEndpoints string) (*rigel.Rigel, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{etcdEndpoints},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	etcdStorage := &etcd.EtcdStorage{Client: cli}
	return rigel.NewWithStorage(etcdStorage), nil
}
