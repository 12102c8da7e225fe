package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/mykube-run/sluice/pkg/bus"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/types"
)

// Reconnector re-establishes the network listener that heartbeats arrive through, e.g. a bus.Bridge
type Reconnector interface {
	StopListening() error
	Reconnect(ctx context.Context) error
}

// DetectorOption configures a Detector
type DetectorOption struct {
	// Self is the sender id of the local process, its own heartbeats are ignored
	Self             string
	ReconnectTimeout time.Duration
	// Grace keeps a check Normal when no newer heartbeat arrived since the previous check but one
	// was received less than Grace ago. It absorbs jitter between generator and check intervals.
	Grace time.Duration
	// OnStatus is called on every status change, from the goroutine that changed it
	OnStatus func(from, to enum.HeartbeatStatus)
}

// Detector watches remote heartbeats. A missed heartbeat moves it to Warning and triggers a
// reconnect; Error is reported when no heartbeat arrives within ReconnectTimeout afterwards.
// Every later check in Error tries to reinitialize the same way.
type Detector struct {
	rc  Reconnector
	opt DetectorOption
	lg  types.Logger

	mu      sync.Mutex
	status  enum.HeartbeatStatus
	last    time.Time // Most recent remote heartbeat
	checked time.Time // Heartbeat seen by the previous check
	seen    time.Time // Local receive time of the most recent remote heartbeat
	newer   chan struct{}
}

func NewDetector(rc Reconnector, opt DetectorOption, lg types.Logger) *Detector {
	if opt.ReconnectTimeout <= 0 {
		opt.ReconnectTimeout = time.Duration(enum.DefaultReconnectTimeout) * time.Millisecond
	}
	return &Detector{
		rc:     rc,
		opt:    opt,
		lg:     lg,
		status: enum.HeartbeatUninitialized,
		newer:  make(chan struct{}),
	}
}

// Attach subscribes the detector to heartbeats on b
func (d *Detector) Attach(b *bus.Bus) *bus.Subscription {
	return bus.On(b, d.OnHeartbeat)
}

func (d *Detector) Status() enum.HeartbeatStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Last returns the time carried by the most recent remote heartbeat
func (d *Detector) Last() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// OnHeartbeat records the heartbeat time when it is newer than the recorded one
func (d *Detector) OnHeartbeat(m *bus.Heartbeat) {
	if d.opt.Self != "" && m.MessageHeader().Sender == d.opt.Self {
		return
	}
	d.mu.Lock()
	if !m.Time.After(d.last) {
		d.mu.Unlock()
		return
	}
	d.last = m.Time
	d.seen = time.Now()
	close(d.newer)
	d.newer = make(chan struct{})
	var from enum.HeartbeatStatus
	initialized := d.status == enum.HeartbeatUninitialized
	if initialized {
		from = d.status
		d.status = enum.HeartbeatNormal
		d.checked = m.Time
	}
	d.mu.Unlock()

	if initialized {
		d.notify(from, enum.HeartbeatNormal)
	}
}

// Check compares the latest heartbeat with the one seen by the previous check
func (d *Detector) Check(ctx context.Context) enum.HeartbeatStatus {
	d.mu.Lock()
	if d.status == enum.HeartbeatUninitialized {
		d.mu.Unlock()
		return enum.HeartbeatUninitialized
	}
	if d.last.After(d.checked) {
		d.checked = d.last
		d.mu.Unlock()
		d.setStatus(enum.HeartbeatNormal)
		return enum.HeartbeatNormal
	}
	if d.status == enum.HeartbeatNormal && d.opt.Grace > 0 && time.Since(d.seen) < d.opt.Grace {
		d.mu.Unlock()
		return enum.HeartbeatNormal
	}
	if d.status == enum.HeartbeatNormal {
		d.mu.Unlock()
		d.setStatus(enum.HeartbeatWarning)
	} else {
		d.mu.Unlock()
	}
	return d.reinitialize(ctx)
}

// Run checks on every interval until ctx is done
func (d *Detector) Run(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			d.Check(ctx)
		}
	}
}

func (d *Detector) reinitialize(ctx context.Context) enum.HeartbeatStatus {
	d.lg.Log(types.LevelWarn, "last", d.Last(), "message", "missed heartbeat, reconnecting")

	if err := d.rc.StopListening(); err != nil {
		d.lg.Log(types.LevelWarn, "error", err, "message", "failed to stop listening")
	}
	timer := time.NewTimer(d.opt.ReconnectTimeout)
	defer timer.Stop()
	rctx, cancel := context.WithTimeout(ctx, d.opt.ReconnectTimeout)
	err := d.rc.Reconnect(rctx)
	cancel()
	if err != nil {
		d.lg.Log(types.LevelError, "error", err, "message", "failed to reconnect")
		d.setStatus(enum.HeartbeatError)
		return enum.HeartbeatError
	}

	d.mu.Lock()
	newer, ok := d.newer, d.last.After(d.checked)
	d.mu.Unlock()
	if !ok {
		select {
		case <-newer:
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	d.mu.Lock()
	ok = d.last.After(d.checked)
	if ok {
		d.checked = d.last
	}
	d.mu.Unlock()
	if ok {
		d.lg.Log(types.LevelInfo, "message", "heartbeat restored after reconnecting")
		d.setStatus(enum.HeartbeatNormal)
		return enum.HeartbeatNormal
	}
	d.lg.Log(types.LevelError, "timeout", d.opt.ReconnectTimeout.String(), "message", "no heartbeat after reconnecting")
	d.setStatus(enum.HeartbeatError)
	return enum.HeartbeatError
}

func (d *Detector) setStatus(s enum.HeartbeatStatus) {
	d.mu.Lock()
	from := d.status
	d.status = s
	d.mu.Unlock()
	if from != s {
		d.notify(from, s)
	}
}

func (d *Detector) notify(from, to enum.HeartbeatStatus) {
	if d.opt.OnStatus != nil {
		d.opt.OnStatus(from, to)
	}
}
