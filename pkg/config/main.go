package config

import (
	"fmt"
	"time"

	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/rs/zerolog"
)

type Config struct {
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Worker     WorkerConfig     `yaml:"worker"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Journal    JournalConfig    `yaml:"journal"`
	Transport  TransportConfig  `yaml:"transport"`
	Server     ServerConfig     `yaml:"server"`
}

// Default returns a Config that runs a single supervisor in-process
func Default() Config {
	return Config{
		Log:        LogConfig{Level: "info"},
		Database:   DatabaseConfig{Type: "mock"},
		Supervisor: SupervisorConfig{Id: "{hostname}-{pid}"},
		Worker: WorkerConfig{
			WorkerCount:    1,
			MemoryMB:       4 * 1024,
			DeleteDeadline: 10 * enum.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval:         enum.DefaultHeartbeatInterval,
			ReconnectTimeout: enum.DefaultReconnectTimeout,
		},
		Journal:   JournalConfig{Path: "./journal.db"},
		Transport: TransportConfig{Type: string(enum.TransportTypeMem)},
		Server: ServerConfig{
			GrpcAddress:    "127.0.0.1:9510",
			MetricsAddress: "127.0.0.1:9511",
		},
	}
}

// Validate checks that the configuration can start a supervisor
func (c *Config) Validate() error {
	if c.Worker.WorkerCount < 1 {
		return fmt.Errorf("worker.workerCount: %w", enum.ErrInvalidWorkerCount)
	}
	if c.Worker.MemoryMB <= 0 {
		return fmt.Errorf("worker.memoryMB must be greater than 0")
	}
	if c.Transport.Type == "" {
		return fmt.Errorf("transport.type is required")
	}
	if c.Database.Type == "" {
		return fmt.Errorf("database.type is required")
	}
	if c.Journal.Snapshot.Enabled && c.Journal.Snapshot.MaxVersions <= 0 {
		return fmt.Errorf("journal.snapshot.maxVersions must be greater than 0")
	}
	return nil
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func (lc *LogConfig) GetLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(lc.Level)
	if err == nil && lc.Level != "" {
		return lvl
	}
	return zerolog.DebugLevel
}

type DatabaseConfig struct {
	Type string `yaml:"type"` // mock, mysql or mongodb
	DSN  string `yaml:"dsn"`
}

type SupervisorConfig struct {
	Id string `yaml:"id"` // Process id used as message sender, supports {hostname}, {podname} and {pid}
}

type WorkerConfig struct {
	WorkerCount    int   `yaml:"workerCount"`    // Default number of task handlers per dispatch cycle
	MemoryMB       int64 `yaml:"memoryMB"`       // Default memory ceiling of an algorithm process in MB
	DeleteDeadline int   `yaml:"deleteDeadline"` // Time in milliseconds a delete request waits for running tasks to exit
}

type HeartbeatConfig struct {
	Interval         int `yaml:"interval"`         // Generator interval in milliseconds, <= 0 disables generation
	CheckInterval    int `yaml:"checkInterval"`    // Detector check interval in milliseconds, defaults to Interval
	ReconnectTimeout int `yaml:"reconnectTimeout"` // Time in milliseconds the detector waits for a heartbeat after reconnecting
}

func (hc HeartbeatConfig) IntervalDuration() time.Duration {
	return time.Duration(hc.Interval) * time.Millisecond
}

func (hc HeartbeatConfig) CheckDuration() time.Duration {
	if hc.CheckInterval <= 0 {
		return hc.IntervalDuration()
	}
	return time.Duration(hc.CheckInterval) * time.Millisecond
}

// GraceDuration is how long after the last received heartbeat a check still passes: one check
// interval plus half a heartbeat interval, so a heartbeat in flight at check time is not a miss
func (hc HeartbeatConfig) GraceDuration() time.Duration {
	return hc.CheckDuration() + hc.IntervalDuration()/2
}

func (hc HeartbeatConfig) ReconnectDuration() time.Duration {
	if hc.ReconnectTimeout <= 0 {
		return time.Duration(enum.DefaultReconnectTimeout) * time.Millisecond
	}
	return time.Duration(hc.ReconnectTimeout) * time.Millisecond
}

type ExecutorConfig struct {
	Command []string `yaml:"command"` // Command template, e.g. ["run-module", "--task", "{taskId}", "--mem", "{memoryMB}"]
	WorkDir string   `yaml:"workDir"`
}

type JournalConfig struct {
	Path     string         `yaml:"path"` // bbolt file path
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

type SnapshotConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxVersions  int           `yaml:"maxVersions"`
	Interval     time.Duration `yaml:"interval"`
	Endpoint     string        `yaml:"endpoint"`
	Region       string        `yaml:"region"`
	Bucket       string        `yaml:"bucket"`
	AccessKey    string        `yaml:"accessKey"`
	AccessSecret string        `yaml:"accessSecret"`
	Secure       bool          `yaml:"secure"`
}

type TransportConfig struct {
	Type  string      `yaml:"type"` // Transport type, available values are enum.TransportType
	Role  string      `yaml:"role"` // Transport role, available values are enum.TransportRole
	Kafka KafkaConfig `yaml:"kafka"`
	NATS  NATSConfig  `yaml:"nats"`
}

type KafkaConfig struct {
	Brokers    []string `yaml:"brokers"`    // Broker addresses
	Topic      string   `yaml:"topic"`      // Bus topic shared by every process
	GroupId    string   `yaml:"groupId"`    // Consumer group id, every process needs its own group to see all messages
	MessageTTL int      `yaml:"messageTTL"` // Message TTL in seconds
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	Subject       string `yaml:"subject"`
	MaxReconnects int    `yaml:"maxReconnects"`
}

type ServerConfig struct {
	GrpcAddress    string `yaml:"grpcAddress"`
	MetricsAddress string `yaml:"metricsAddress"`
}
