package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mykube-run/sluice/pkg/bus"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/impl/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReconnector struct {
	mu         sync.Mutex
	stopped    int
	reconnects int
	// onReconnect is run in a new goroutine after every reconnect
	onReconnect func()
}

func (f *fakeReconnector) StopListening() error {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
	return nil
}

func (f *fakeReconnector) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	f.reconnects++
	fn := f.onReconnect
	f.mu.Unlock()
	if fn != nil {
		go fn()
	}
	return nil
}

func (f *fakeReconnector) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped, f.reconnects
}

type statusLog struct {
	mu   sync.Mutex
	seen []enum.HeartbeatStatus
}

func (l *statusLog) record(from, to enum.HeartbeatStatus) {
	l.mu.Lock()
	l.seen = append(l.seen, to)
	l.mu.Unlock()
}

func (l *statusLog) get() []enum.HeartbeatStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]enum.HeartbeatStatus{}, l.seen...)
}

func beat(sender string, t time.Time) *bus.Heartbeat {
	return &bus.Heartbeat{Header: bus.NewHeader(sender), Time: t}
}

func newDetector(rc Reconnector, sl *statusLog) *Detector {
	return NewDetector(rc, DetectorOption{
		Self:             "self",
		ReconnectTimeout: 100 * time.Millisecond,
		OnStatus:         sl.record,
	}, logging.NewNopLogger())
}

func TestDetector_UninitializedUntilFirstHeartbeat(t *testing.T) {
	rc := new(fakeReconnector)
	d := newDetector(rc, new(statusLog))

	assert.Equal(t, enum.HeartbeatUninitialized, d.Check(context.Background()))
	// Own heartbeats do not count
	d.OnHeartbeat(beat("self", time.Now()))
	assert.Equal(t, enum.HeartbeatUninitialized, d.Status())

	d.OnHeartbeat(beat("remote", time.Now()))
	assert.Equal(t, enum.HeartbeatNormal, d.Status())
	_, reconnects := rc.counts()
	assert.Equal(t, 0, reconnects)
}

func TestDetector_NewerHeartbeatKeepsNormal(t *testing.T) {
	rc := new(fakeReconnector)
	d := newDetector(rc, new(statusLog))

	t0 := time.Now()
	d.OnHeartbeat(beat("remote", t0))
	d.OnHeartbeat(beat("remote", t0.Add(time.Second)))
	// Older heartbeats are ignored
	d.OnHeartbeat(beat("remote", t0.Add(-time.Second)))
	assert.Equal(t, t0.Add(time.Second), d.Last())

	assert.Equal(t, enum.HeartbeatNormal, d.Check(context.Background()))
	_, reconnects := rc.counts()
	assert.Equal(t, 0, reconnects)
}

func TestDetector_ErrorAfterReconnectTimeout(t *testing.T) {
	rc := new(fakeReconnector)
	sl := new(statusLog)
	d := newDetector(rc, sl)

	d.OnHeartbeat(beat("remote", time.Now()))
	start := time.Now()
	assert.Equal(t, enum.HeartbeatError, d.Check(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	stopped, reconnects := rc.counts()
	assert.Equal(t, 1, stopped)
	assert.Equal(t, 1, reconnects)
	assert.Equal(t, []enum.HeartbeatStatus{enum.HeartbeatNormal, enum.HeartbeatWarning, enum.HeartbeatError}, sl.get())

	// Still nothing: every check in Error retries
	assert.Equal(t, enum.HeartbeatError, d.Check(context.Background()))
	_, reconnects = rc.counts()
	assert.Equal(t, 2, reconnects)
}

func TestDetector_ReinitializedAfterReconnect(t *testing.T) {
	rc := new(fakeReconnector)
	sl := new(statusLog)
	d := newDetector(rc, sl)

	t0 := time.Now()
	d.OnHeartbeat(beat("remote", t0))
	require.Equal(t, enum.HeartbeatError, d.Check(context.Background()))

	rc.mu.Lock()
	rc.onReconnect = func() {
		time.Sleep(10 * time.Millisecond)
		d.OnHeartbeat(beat("remote", t0.Add(time.Minute)))
	}
	rc.mu.Unlock()

	assert.Equal(t, enum.HeartbeatNormal, d.Check(context.Background()))
	assert.Equal(t, enum.HeartbeatNormal, d.Status())
	assert.Equal(t, []enum.HeartbeatStatus{
		enum.HeartbeatNormal, enum.HeartbeatWarning, enum.HeartbeatError, enum.HeartbeatNormal,
	}, sl.get())
}

func TestGenerator(t *testing.T) {
	b := bus.New("gen", logging.NewNopLogger())
	b.Start()
	defer b.Stop()

	got := make(chan time.Time, 16)
	bus.On(b, func(m *bus.Heartbeat) { got <- m.Time })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewGenerator(b, 20*time.Millisecond, logging.NewNopLogger()).Run(ctx)
		close(done)
	}()

	var prev time.Time
	for i := 0; i < 3; i++ {
		select {
		case ts := <-got:
			assert.True(t, ts.After(prev))
			prev = ts
		case <-time.After(5 * time.Second):
			t.Fatalf("expected heartbeat %v", i)
		}
	}
	cancel()
	<-done
}

func TestGenerator_Disabled(t *testing.T) {
	b := bus.New("gen", logging.NewNopLogger())
	b.Start()
	defer b.Stop()

	n := 0
	bus.On(b, func(m *bus.Heartbeat) { n++ })
	g := NewGenerator(b, 0, logging.NewNopLogger())
	assert.False(t, g.Enabled())
	// Returns immediately even though ctx never ends
	g.Run(context.Background())
	require.NoError(t, b.PublishAndWait(context.Background(), &bus.Shutdown{}))
	assert.Equal(t, 0, n)
}

func TestDetector_GraceKeepsRecentHeartbeatNormal(t *testing.T) {
	rc := new(fakeReconnector)
	sl := new(statusLog)
	d := NewDetector(rc, DetectorOption{
		Self:             "self",
		ReconnectTimeout: 100 * time.Millisecond,
		Grace:            time.Minute,
		OnStatus:         sl.record,
	}, logging.NewNopLogger())

	d.OnHeartbeat(beat("remote", time.Now()))
	require.Equal(t, enum.HeartbeatNormal, d.Check(context.Background()))
	// Nothing newer, but the last heartbeat is still within the grace window
	assert.Equal(t, enum.HeartbeatNormal, d.Check(context.Background()))
	assert.Equal(t, []enum.HeartbeatStatus{enum.HeartbeatNormal}, sl.get())
	_, reconnects := rc.counts()
	assert.Equal(t, 0, reconnects)
}

func TestDetector_EqualIntervalsWithGenerator(t *testing.T) {
	const interval = 20 * time.Millisecond
	b := bus.New("remote", logging.NewNopLogger())
	b.Start()
	defer b.Stop()

	rc := new(fakeReconnector)
	sl := new(statusLog)
	d := NewDetector(rc, DetectorOption{
		Self:             "self",
		ReconnectTimeout: 200 * time.Millisecond,
		Grace:            interval + interval/2,
		OnStatus:         sl.record,
	}, logging.NewNopLogger())
	d.Attach(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	genCtx, stopGen := context.WithCancel(ctx)
	go NewGenerator(b, interval, logging.NewNopLogger()).Run(genCtx)
	go d.Run(ctx, interval)

	// Ten checks with heartbeats arriving at the same rate never leave Normal
	time.Sleep(10 * interval)
	assert.Equal(t, []enum.HeartbeatStatus{enum.HeartbeatNormal}, sl.get())
	_, reconnects := rc.counts()
	assert.Equal(t, 0, reconnects)

	// Heartbeats stop and come back once the listener is reconnected
	rc.mu.Lock()
	rc.onReconnect = func() {
		rc.mu.Lock()
		rc.onReconnect = nil
		rc.mu.Unlock()
		go NewGenerator(b, interval, logging.NewNopLogger()).Run(ctx)
	}
	rc.mu.Unlock()
	stopGen()

	assert.Eventually(t, func() bool {
		seen := sl.get()
		return len(seen) >= 3 && seen[len(seen)-1] == enum.HeartbeatNormal
	}, 5*time.Second, 5*time.Millisecond)
	seen := sl.get()
	assert.Equal(t, enum.HeartbeatWarning, seen[1])
	_, reconnects = rc.counts()
	assert.Equal(t, 1, reconnects)
}
