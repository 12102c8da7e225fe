package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mykube-run/sluice/pkg/bus"
	"github.com/mykube-run/sluice/pkg/config"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/impl/logging"
	"github.com/stretchr/testify/suite"
)

func TestJournal(t *testing.T) {
	suite.Run(t, new(JournalSuite))
}

type JournalSuite struct {
	suite.Suite
	tmpDir  string
	journal *Journal
}

func (s *JournalSuite) SetupTest() {
	var err error
	s.tmpDir, err = os.MkdirTemp("", "journal-test")
	s.Require().NoError(err)
	s.journal, err = NewJournal(config.JournalConfig{Path: filepath.Join(s.tmpDir, "journal.db")},
		"test-supervisor", logging.NewNopLogger())
	s.Require().NoError(err)
}

func (s *JournalSuite) TearDownTest() {
	if s.journal != nil {
		_ = s.journal.Close()
	}
	_ = os.RemoveAll(s.tmpDir)
}

func (s *JournalSuite) TestNewEventFromMessage() {
	m := &bus.TaskFinished{Header: bus.NewHeader("sup-1"), TaskId: 4, InstanceNodeId: 2,
		Outcome: enum.OutcomeErrored, ExitCode: 9}
	ev, ok := NewEventFromMessage(m)
	s.Require().True(ok)
	s.Equal(enum.KindTaskFinished, ev.Kind)
	s.Equal("sup-1", ev.Sender)
	s.Equal(int64(4), ev.TaskId)
	s.Equal(9, ev.ExitCode)
	s.Equal(m.Timestamp, ev.Timestamp)

	_, ok = NewEventFromMessage(&bus.Heartbeat{})
	s.False(ok)
}

func (s *JournalSuite) TestInsertAndIterate() {
	now := time.Now()
	kinds := []enum.MessageKind{enum.KindTaskStarted, enum.KindTaskAlert, enum.KindTaskFinished}
	// Inserted out of order on purpose
	for _, i := range []int{2, 0, 1} {
		s.Require().NoError(s.journal.Insert(&JournalEvent{
			Kind: kinds[i], TaskId: 1, Timestamp: now.Add(time.Duration(i) * time.Second),
		}))
	}

	var got []enum.MessageKind
	err := s.journal.Iterate(1, func(e *JournalEvent) bool {
		got = append(got, e.Kind)
		return true
	})
	s.Require().NoError(err)
	s.Equal(kinds, got)

	got = got[:0]
	err = s.journal.Iterate(1, func(e *JournalEvent) bool {
		got = append(got, e.Kind)
		return false
	})
	s.Require().NoError(err)
	s.Len(got, 1)

	// Unknown tasks iterate nothing
	s.NoError(s.journal.Iterate(42, func(e *JournalEvent) bool {
		s.Fail("unexpected event")
		return true
	}))
}

func (s *JournalSuite) TestLatest() {
	ev, err := s.journal.Latest(1)
	s.Require().NoError(err)
	s.Nil(ev)

	now := time.Now()
	s.Require().NoError(s.journal.Insert(&JournalEvent{Kind: enum.KindTaskStarted, TaskId: 1, Timestamp: now}))
	s.Require().NoError(s.journal.Insert(&JournalEvent{Kind: enum.KindTaskAlert, TaskId: 1, Timestamp: now.Add(time.Second),
		Message: "boom"}))

	ev, err = s.journal.Latest(1)
	s.Require().NoError(err)
	s.Equal(enum.KindTaskAlert, ev.Kind)
	s.Equal("boom", ev.Message)
}

func (s *JournalSuite) TestCompletedSince() {
	start := time.Now()
	s.Require().NoError(s.journal.Insert(&JournalEvent{Kind: enum.KindTaskFinished, TaskId: 1,
		Outcome: enum.OutcomeCompleted, Timestamp: start.Add(-time.Minute)}))

	ok, err := s.journal.CompletedSince(1, start)
	s.Require().NoError(err)
	s.False(ok, "completion before the request must not count")

	s.Require().NoError(s.journal.Insert(&JournalEvent{Kind: enum.KindTaskFinished, TaskId: 1,
		Outcome: enum.OutcomeCompleted, Timestamp: start.Add(time.Millisecond)}))
	ok, err = s.journal.CompletedSince(1, start)
	s.Require().NoError(err)
	s.True(ok)

	s.Require().NoError(s.journal.Insert(&JournalEvent{Kind: enum.KindTaskFinished, TaskId: 2,
		Outcome: enum.OutcomeErrored, Timestamp: start.Add(time.Millisecond)}))
	ok, err = s.journal.CompletedSince(2, start)
	s.Require().NoError(err)
	s.False(ok, "errored tasks are not completed")
}

func (s *JournalSuite) TestTasksAndDelete() {
	now := time.Now()
	for _, id := range []int64{3, 1, 2} {
		s.Require().NoError(s.journal.Insert(&JournalEvent{Kind: enum.KindTaskStarted, TaskId: id, Timestamp: now}))
	}
	ids, err := s.journal.Tasks()
	s.Require().NoError(err)
	s.ElementsMatch([]int64{1, 2, 3}, ids)

	s.Require().NoError(s.journal.Delete(2))
	s.Require().NoError(s.journal.Delete(2), "deleting twice is fine")
	ids, err = s.journal.Tasks()
	s.Require().NoError(err)
	s.ElementsMatch([]int64{1, 3}, ids)
}

func (s *JournalSuite) TestBackupDisabled() {
	key, err := s.journal.Backup()
	s.NoError(err)
	s.Empty(key)
}

func (s *JournalSuite) TestSnapshotVersionRotates() {
	s.journal.sc.MaxVersions = 2
	s.Equal(0, s.journal.newSnapshotVersion())
	s.Equal(1, s.journal.newSnapshotVersion())
	s.Equal(0, s.journal.newSnapshotVersion())
	s.Equal("test-supervisor/journal-snapshot-1", s.journal.snapshotKey(1))
}
