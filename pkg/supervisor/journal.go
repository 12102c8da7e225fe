package supervisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go"
	"github.com/mykube-run/sluice/pkg/bus"
	"github.com/mykube-run/sluice/pkg/config"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/types"
	"go.etcd.io/bbolt"
)

var (
	DefaultJournalPath     = "./journal.db"
	DefaultSnapshotPrefix  = "journal-snapshot"
	DefaultSnapshotVersion = 3
)

var BoltDBOption = &bbolt.Options{
	Timeout:      time.Second,
	NoGrowSync:   false,
	FreelistType: bbolt.FreelistArrayType,
}

const (
	MilestoneKeyPrefix = "milestone-"
	MilestoneLatest    = MilestoneKeyPrefix + "latest"
	MilestoneStarted   = MilestoneKeyPrefix + "started"
	MilestoneFinished  = MilestoneKeyPrefix + "finished"
)

var tasksBucket = []byte("tasks")

// JournalEvent is one task lifecycle event observed on the bus
type JournalEvent struct {
	Kind           enum.MessageKind `json:"kind"`
	Sender         string           `json:"sender"`
	TaskId         int64            `json:"taskId"`
	InstanceNodeId int64            `json:"instanceNodeId"`
	Outcome        enum.Outcome     `json:"outcome,omitempty"`
	ExitCode       int              `json:"exitCode,omitempty"`
	Message        string           `json:"message,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

func (ev *JournalEvent) Key() []byte {
	// Fixed width keeps bbolt's byte order equal to time order
	return []byte(fmt.Sprintf("%020d", ev.Timestamp.UnixNano()))
}

// NewEventFromMessage converts task lifecycle messages, other messages return false
func NewEventFromMessage(m bus.Message) (*JournalEvent, bool) {
	h := m.MessageHeader()
	ev := &JournalEvent{Kind: m.Kind(), Sender: h.Sender, Timestamp: h.Timestamp}
	switch v := m.(type) {
	case *bus.TaskStarted:
		ev.TaskId, ev.InstanceNodeId = v.TaskId, v.InstanceNodeId
	case *bus.TaskFinished:
		ev.TaskId, ev.InstanceNodeId, ev.Outcome, ev.ExitCode = v.TaskId, v.InstanceNodeId, v.Outcome, v.ExitCode
	case *bus.TaskAlert:
		ev.TaskId, ev.InstanceNodeId, ev.Message = v.TaskId, v.InstanceNodeId, v.Message
	case *bus.TaskKilled:
		ev.TaskId, ev.Outcome = v.TaskId, enum.OutcomeKilled
	case *bus.TaskHalted:
		ev.TaskId, ev.Outcome = v.TaskId, enum.OutcomeKilled
	default:
		return nil, false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return ev, true
}

// Journal records task events in a local bbolt file, one bucket per task. The file can be
// backed up to and restored from S3 compatible object storage.
type Journal struct {
	db   *bbolt.DB
	path string
	sc   config.SnapshotConfig
	s3   *minio.Client
	mu   sync.Mutex
	sv   int // snapshot version
	lg   types.Logger
	id   string
	stop chan struct{}
}

func NewJournal(cfg config.JournalConfig, id string, lg types.Logger) (*Journal, error) {
	m := &Journal{
		path: cfg.Path,
		sc:   cfg.Snapshot,
		lg:   lg,
		id:   id,
		stop: make(chan struct{}),
	}
	if m.path == "" {
		m.path = DefaultJournalPath
	}
	if m.sc.MaxVersions <= 0 {
		m.sc.MaxVersions = DefaultSnapshotVersion
	}

	if m.sc.Enabled {
		client, err := minio.NewWithRegion(m.sc.Endpoint, m.sc.AccessKey, m.sc.AccessSecret, m.sc.Secure, m.sc.Region)
		if err != nil {
			return nil, fmt.Errorf("error initializing s3 client: %w", err)
		}
		m.s3 = client
		if err = m.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("error loading snapshot from s3: %w", err)
		}
	}

	db, err := bbolt.Open(m.path, 0600, BoltDBOption)
	if err != nil {
		return nil, fmt.Errorf("error opening journal db file (%v): %w", m.path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tasksBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error creating journal bucket: %w", err)
	}
	m.db = db

	if m.sc.Enabled && m.sc.Interval > 0 {
		go m.backgroundBackup()
	}
	return m, nil
}

func (m *Journal) Insert(e *JournalEvent) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		task, err := tx.Bucket(tasksBucket).CreateBucketIfNotExists(taskKey(e.TaskId))
		if err != nil {
			return fmt.Errorf("error creating bucket for task (%v): %w", e.TaskId, err)
		}
		key := e.Key()
		byt, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("error marshalling task event: %w", err)
		}
		if err = task.Put(key, byt); err != nil {
			return fmt.Errorf("error inserting task event: %w", err)
		}

		milestones := []string{MilestoneLatest}
		switch e.Kind {
		case enum.KindTaskStarted:
			milestones = append(milestones, MilestoneStarted)
		case enum.KindTaskFinished:
			milestones = append(milestones, MilestoneFinished)
		}
		for _, ms := range milestones {
			if err = task.Put([]byte(ms), key); err != nil {
				return fmt.Errorf("error inserting milestone event: %w", err)
			}
		}
		return nil
	})
}

// Iterate calls fn for every event of the task in time order until fn returns false
func (m *Journal) Iterate(taskId int64, fn func(e *JournalEvent) bool) error {
	return m.db.View(func(tx *bbolt.Tx) error {
		task := tx.Bucket(tasksBucket).Bucket(taskKey(taskId))
		if task == nil {
			return nil
		}
		c := task.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if isMilestone(k) {
				continue
			}
			var e JournalEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if !fn(&e) {
				return nil
			}
		}
		return nil
	})
}

// Tasks returns the ids of tasks having events
func (m *Journal) Tasks() (ids []int64, err error) {
	err = m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(tasksBucket).ForEach(func(k, _ []byte) error {
			id, err := strconv.ParseInt(string(k), 10, 64)
			if err != nil {
				return nil
			}
			ids = append(ids, id)
			return nil
		})
	})
	return
}

// Latest returns the most recent event of the task, nil when there is none
func (m *Journal) Latest(taskId int64) (ev *JournalEvent, err error) {
	return m.milestone(taskId, MilestoneLatest)
}

// CompletedSince returns true when the task finished successfully after t
func (m *Journal) CompletedSince(taskId int64, t time.Time) (bool, error) {
	ev, err := m.milestone(taskId, MilestoneFinished)
	if err != nil || ev == nil {
		return false, err
	}
	return ev.Outcome == enum.OutcomeCompleted && ev.Timestamp.After(t), nil
}

func (m *Journal) Delete(taskId int64) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(tasksBucket).DeleteBucket(taskKey(taskId))
		if err == bbolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

// Backup uploads a snapshot of the journal, returns the object key
func (m *Journal) Backup() (string, error) {
	if !m.sc.Enabled {
		return "", nil
	}

	buf := new(bytes.Buffer)
	err := m.db.View(func(tx *bbolt.Tx) error {
		_, err := tx.WriteTo(buf)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("error writing db to writer: %w", err)
	}

	key := m.snapshotKey(m.newSnapshotVersion())
	_, err = m.s3.PutObject(m.sc.Bucket, key, buf, int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("failed to write snapshot (%v) to s3: %w", key, err)
	}
	return key, nil
}

func (m *Journal) Close() error {
	select {
	case <-m.stop:
		return nil
	default:
		close(m.stop)
	}
	return m.db.Close()
}

func (m *Journal) milestone(taskId int64, name string) (ev *JournalEvent, err error) {
	err = m.db.View(func(tx *bbolt.Tx) error {
		task := tx.Bucket(tasksBucket).Bucket(taskKey(taskId))
		if task == nil {
			return nil
		}
		key := task.Get([]byte(name))
		if key == nil {
			return nil
		}
		byt := task.Get(key)
		if byt == nil {
			return fmt.Errorf("milestone %v of task %v points to a missing event", name, taskId)
		}
		ev = new(JournalEvent)
		return json.Unmarshal(byt, ev)
	})
	return
}

// loadSnapshot restores the newest snapshot from object storage.
// It does nothing when no snapshot is available, and refuses to overwrite an existing journal file.
func (m *Journal) loadSnapshot() error {
	var (
		newest time.Time
		key    string
	)
	for i := 0; i < m.sc.MaxVersions; i++ {
		tmp := m.snapshotKey(i)
		info, err := m.s3.StatObject(m.sc.Bucket, tmp, minio.StatObjectOptions{})
		if err != nil {
			m.lg.Log(types.LevelDebug, "key", tmp, "error", err, "message", "stat snapshot object error")
			continue
		}
		if info.LastModified.After(newest) {
			newest = info.LastModified
			key = tmp
		}
	}
	if key == "" {
		m.lg.Log(types.LevelWarn, "message", "no available journal snapshot")
		return nil
	}
	m.lg.Log(types.LevelInfo, "key", key, "updated", newest, "message", "found the newest journal snapshot")

	if _, err := os.Stat(m.path); !os.IsNotExist(err) {
		return fmt.Errorf("found existing journal file %v, can not overwrite it with snapshot", m.path)
	}
	obj, err := m.s3.GetObject(m.sc.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("error fetching the newest snapshot file: %w", err)
	}
	defer obj.Close()
	byt, err := io.ReadAll(obj)
	if err != nil {
		return fmt.Errorf("error reading the downloaded snapshot file: %w", err)
	}
	if err = os.WriteFile(m.path, byt, 0600); err != nil {
		return fmt.Errorf("error writing snapshot file to journal: %w", err)
	}
	m.lg.Log(types.LevelInfo, "key", key, "updated", newest, "message", "loaded the newest journal snapshot")
	return nil
}

func (m *Journal) newSnapshotVersion() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	tmp := m.sv
	m.sv += 1
	if m.sv > m.sc.MaxVersions-1 {
		m.sv = 0
	}
	return tmp
}

func (m *Journal) snapshotKey(v int) string {
	// e.g. supervisor-1/journal-snapshot-0
	return fmt.Sprintf("%v/%v-%v", m.id, DefaultSnapshotPrefix, v)
}

func (m *Journal) backgroundBackup() {
	tick := time.NewTicker(m.sc.Interval)
	defer tick.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-tick.C:
			if key, err := m.Backup(); err != nil {
				m.lg.Log(types.LevelError, "error", err, "message", "error saving journal snapshot")
			} else {
				m.lg.Log(types.LevelInfo, "key", key, "message", "saved journal snapshot")
			}
		}
	}
}

func isMilestone(k []byte) bool {
	return strings.HasPrefix(string(k), MilestoneKeyPrefix)
}

func taskKey(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}
