package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

var EnvPrefix = "SLUICE_"

// DefaultFromEnv returns Default() overridden by environment variables
func DefaultFromEnv() Config {
	c := Default()
	ApplyEnv(&c)
	return c
}

// ApplyEnv overrides c with every environment variable that is set
func ApplyEnv(c *Config) {
	setStr(&c.Log.Level, "LOG_LEVEL")
	setStr(&c.Database.Type, "DATABASE_TYPE")
	setStr(&c.Database.DSN, "DATABASE_DSN")
	setStr(&c.Supervisor.Id, "SUPERVISOR_ID")
	setNum(&c.Worker.WorkerCount, "WORKER_COUNT")
	setNum64(&c.Worker.MemoryMB, "WORKER_MEMORY_MB")
	setNum(&c.Worker.DeleteDeadline, "WORKER_DELETE_DEADLINE")
	setNum(&c.Heartbeat.Interval, "HEARTBEAT_INTERVAL")
	setNum(&c.Heartbeat.CheckInterval, "HEARTBEAT_CHECK_INTERVAL")
	setNum(&c.Heartbeat.ReconnectTimeout, "HEARTBEAT_RECONNECT_TIMEOUT")
	setStrs(&c.Executor.Command, "EXECUTOR_COMMAND", " ")
	setStr(&c.Executor.WorkDir, "EXECUTOR_WORKDIR")
	setStr(&c.Journal.Path, "JOURNAL_PATH")
	setBool(&c.Journal.Snapshot.Enabled, "JOURNAL_SNAPSHOT_ENABLED")
	setNum(&c.Journal.Snapshot.MaxVersions, "JOURNAL_SNAPSHOT_MAX_VERSIONS")
	if v := num("JOURNAL_SNAPSHOT_INTERVAL"); v > 0 {
		c.Journal.Snapshot.Interval = time.Second * time.Duration(v)
	}
	setStr(&c.Journal.Snapshot.Endpoint, "JOURNAL_SNAPSHOT_ENDPOINT")
	setStr(&c.Journal.Snapshot.Region, "JOURNAL_SNAPSHOT_REGION")
	setStr(&c.Journal.Snapshot.Bucket, "JOURNAL_SNAPSHOT_BUCKET")
	setStr(&c.Journal.Snapshot.AccessKey, "JOURNAL_SNAPSHOT_ACCESS_KEY")
	setStr(&c.Journal.Snapshot.AccessSecret, "JOURNAL_SNAPSHOT_ACCESS_SECRET")
	setBool(&c.Journal.Snapshot.Secure, "JOURNAL_SNAPSHOT_SECURE")
	setStr(&c.Transport.Type, "TRANSPORT_TYPE")
	setStr(&c.Transport.Role, "TRANSPORT_ROLE")
	setStrs(&c.Transport.Kafka.Brokers, "TRANSPORT_KAFKA_BROKERS", ",")
	setStr(&c.Transport.Kafka.Topic, "TRANSPORT_KAFKA_TOPIC")
	setStr(&c.Transport.Kafka.GroupId, "TRANSPORT_KAFKA_GROUP_ID")
	setNum(&c.Transport.Kafka.MessageTTL, "TRANSPORT_KAFKA_MESSAGE_TTL")
	setStr(&c.Transport.NATS.URL, "TRANSPORT_NATS_URL")
	setStr(&c.Transport.NATS.Subject, "TRANSPORT_NATS_SUBJECT")
	setNum(&c.Transport.NATS.MaxReconnects, "TRANSPORT_NATS_MAX_RECONNECTS")
	setStr(&c.Server.GrpcAddress, "SERVER_GRPC_ADDRESS")
	setStr(&c.Server.MetricsAddress, "SERVER_METRICS_ADDRESS")

	c.Supervisor.Id = ReplaceEnvironment(c.Supervisor.Id)
	c.Transport.Kafka.GroupId = ReplaceEnvironment(c.Transport.Kafka.GroupId)
}

func ReplaceEnvironment(val string) string {
	hostname, _ := os.Hostname()
	podname := os.Getenv("POD_NAME")
	pid := strconv.Itoa(os.Getpid())
	val = strings.ReplaceAll(val, "{hostname}", hostname)
	val = strings.ReplaceAll(val, "{podname}", podname)
	val = strings.ReplaceAll(val, "{pid}", pid)
	return val
}

func str(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}

func num(key string) int {
	val, _ := strconv.Atoi(str(key))
	return val
}

func setStr(dst *string, key string) {
	if v := str(key); v != "" {
		*dst = v
	}
}

func setStrs(dst *[]string, key, sep string) {
	v := str(key)
	if v == "" {
		return
	}
	val := strings.Split(v, sep)
	out := make([]string, 0, len(val))
	for i := range val {
		if s := strings.TrimSpace(val[i]); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func setNum(dst *int, key string) {
	if v := str(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setNum64(dst *int64, key string) {
	if v := str(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := strings.ToLower(str(key)); v != "" {
		*dst = v == "true" || v == "1"
	}
}
