// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/plantsim/internal/bus"
	"github.com/ManuGH/plantsim/internal/domain/session/model"
	"github.com/ManuGH/plantsim/internal/engine"
	"github.com/ManuGH/plantsim/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEngine is a controllable engine double with full restore
// capabilities, used to drive the worker through its command surface.
type fakeEngine struct {
	mu       sync.Mutex
	events   chan engine.Event
	initErr  error
	startErr error
	panicOn  string

	started bool
	paused  bool
	stopped bool

	completedCars []string
	buffers       []model.BufferState
	stops         []model.StopEvent
	snapshot      json.RawMessage
	simTS         int64
	tick          int64
}

func (e *fakeEngine) Init(_ context.Context, _ engine.Config) error {
	if e.initErr != nil {
		return e.initErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = make(chan engine.Event, 64)
	return nil
}

func (e *fakeEngine) Start() error {
	if e.panicOn == "start" {
		panic("engine start exploded")
	}
	if e.startErr != nil {
		return e.startErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
	return nil
}

func (e *fakeEngine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	return nil
}

func (e *fakeEngine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	return nil
}

func (e *fakeEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	if e.events != nil {
		close(e.events)
	}
}

func (e *fakeEngine) Events() <-chan engine.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

func (e *fakeEngine) RestoreCompletedCars(ids []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completedCars = ids
	return nil
}

func (e *fakeEngine) RestoreBuffers(states []model.BufferState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffers = states
	return nil
}

func (e *fakeEngine) RestoreStops(stops []model.StopEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops = stops
	return nil
}

func (e *fakeEngine) RestoreSnapshot(data json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshot = data
	return nil
}

func (e *fakeEngine) SetClock(simTS, tick int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.simTS, e.tick = simTS, tick
	return nil
}

type nullSink struct{}

func (nullSink) InsertCarEvent(context.Context, *model.CarEvent) error           { return nil }
func (nullSink) OpenStop(context.Context, *model.StopEvent) error                { return nil }
func (nullSink) CloseStop(context.Context, string, string, int64, int64) error   { return nil }
func (nullSink) InsertBufferState(context.Context, *model.BufferState) error     { return nil }
func (nullSink) InsertPlantSnapshot(context.Context, *model.PlantSnapshot) error { return nil }
func (nullSink) InsertOEE(context.Context, *model.OEESample) error               { return nil }
func (nullSink) InsertMTTRMTBF(context.Context, *model.MTTRMTBFSample) error     { return nil }

type nullCheckpoints struct{}

func (nullCheckpoints) UpdateCheckpoint(context.Context, string, int64, int64) error { return nil }
func (nullCheckpoints) TouchSnapshot(context.Context, string, time.Time) error       { return nil }

func testPoolConfig() PoolConfig {
	return PoolConfig{
		// Heartbeats stay quiet so tests control liveness explicitly.
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  15 * time.Second,
		StopGrace:         500 * time.Millisecond,
		DrainTimeout:      500 * time.Millisecond,
		FlushYield:        time.Millisecond,
	}
}

func newTestPool(t *testing.T, eng engine.Engine) (*Pool, *bus.MemoryBus, bus.Subscription) {
	t.Helper()
	b := bus.NewMemoryBus()
	sub, err := b.Subscribe(context.Background(), TopicWorkerEvents)
	require.NoError(t, err)
	p := NewPool(b, func(string) engine.Engine { return eng }, nullSink{}, nullCheckpoints{}, testPoolConfig())
	t.Cleanup(func() {
		require.NoError(t, p.TerminateAll(context.Background()))
		b.Close()
	})
	return p, b, sub
}

// awaitEvent reads the subscription until an envelope of the wanted type
// arrives or the deadline passes.
func awaitEvent(t *testing.T, sub bus.Subscription, want model.WorkerEventType) model.WorkerEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw, ok := <-sub.C():
			require.True(t, ok, "subscription closed while waiting for %s", want)
			ev, ok := raw.(model.WorkerEvent)
			require.True(t, ok)
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func countCrashes(sub bus.Subscription, window time.Duration) int {
	n := 0
	deadline := time.After(window)
	for {
		select {
		case raw, ok := <-sub.C():
			if !ok {
				return n
			}
			if ev, ok := raw.(model.WorkerEvent); ok && ev.Type == model.EvtWorkerCrashed {
				n++
			}
		case <-deadline:
			return n
		}
	}
}

func TestSpawnInitStartStop(t *testing.T) {
	eng := &fakeEngine{}
	p, _, sub := newTestPool(t, eng)

	require.NoError(t, p.Spawn("s1"))
	require.NoError(t, p.Send("s1", model.Command{Type: model.CmdInit, SessionID: "s1"}))
	require.NoError(t, p.WaitForInit(context.Background(), "s1", 2*time.Second))

	info, ok := p.Handle("s1")
	require.True(t, ok)
	assert.Equal(t, StatusReady, info.Status)

	require.NoError(t, p.Send("s1", model.Command{Type: model.CmdStart, SessionID: "s1"}))
	ev := awaitEvent(t, sub, model.EvtStateChange)
	assert.Equal(t, model.WorkerStateRunning, ev.Data)

	require.NoError(t, p.Terminate(context.Background(), "s1"))
	assert.Equal(t, 0, p.ActiveCount())

	// A graceful stop must never surface as a crash.
	assert.Zero(t, countCrashes(sub, 100*time.Millisecond))
	assert.True(t, eng.stopped)
}

func TestSpawnRejectsDuplicate(t *testing.T) {
	p, _, _ := newTestPool(t, &fakeEngine{})

	require.NoError(t, p.Spawn("s1"))
	err := p.Spawn("s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already live")
}

func TestSendToUnknownWorkerFails(t *testing.T) {
	p, _, _ := newTestPool(t, &fakeEngine{})
	require.Error(t, p.Send("ghost", model.Command{Type: model.CmdStart}))
}

func TestTerminateAbsentIsNoop(t *testing.T) {
	p, _, _ := newTestPool(t, &fakeEngine{})
	require.NoError(t, p.Terminate(context.Background(), "never-existed"))
}

func TestInitFailureSurfacesThroughWaitForInit(t *testing.T) {
	eng := &fakeEngine{initErr: errors.New("no plant layout")}
	p, _, sub := newTestPool(t, eng)

	require.NoError(t, p.Spawn("s1"))
	require.NoError(t, p.Send("s1", model.Command{Type: model.CmdInit, SessionID: "s1"}))

	err := p.WaitForInit(context.Background(), "s1", 2*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no plant layout")

	// The worker stays alive awaiting STOP; terminating it is graceful.
	require.NoError(t, p.Terminate(context.Background(), "s1"))
	assert.Zero(t, countCrashes(sub, 100*time.Millisecond))
}

func TestPanickingWorkerPublishesOneCrash(t *testing.T) {
	eng := &fakeEngine{panicOn: "start"}
	p, _, sub := newTestPool(t, eng)

	require.NoError(t, p.Spawn("s1"))
	require.NoError(t, p.Send("s1", model.Command{Type: model.CmdInit, SessionID: "s1"}))
	require.NoError(t, p.WaitForInit(context.Background(), "s1", 2*time.Second))
	require.NoError(t, p.Send("s1", model.Command{Type: model.CmdStart, SessionID: "s1"}))

	ev := awaitEvent(t, sub, model.EvtWorkerCrashed)
	data, ok := ev.Data.(model.CrashData)
	require.True(t, ok)
	assert.Equal(t, 1, data.ExitCode)
	assert.Equal(t, model.CrashReasonExit, data.Reason)

	assert.Equal(t, 0, p.ActiveCount())
	// Exactly one crash envelope per death.
	assert.Zero(t, countCrashes(sub, 100*time.Millisecond))
}

func TestHeartbeatTimeoutEvictsSilentWorker(t *testing.T) {
	eng := &fakeEngine{}
	p, _, sub := newTestPool(t, eng)

	require.NoError(t, p.Spawn("s1"))
	require.NoError(t, p.Send("s1", model.Command{Type: model.CmdInit, SessionID: "s1"}))
	require.NoError(t, p.WaitForInit(context.Background(), "s1", 2*time.Second))
	require.NoError(t, p.Send("s1", model.Command{Type: model.CmdStart, SessionID: "s1"}))
	awaitEvent(t, sub, model.EvtStateChange)

	p.MonitorOnce(time.Now().Add(time.Minute))

	ev := awaitEvent(t, sub, model.EvtWorkerCrashed)
	data, ok := ev.Data.(model.CrashData)
	require.True(t, ok)
	assert.Equal(t, model.CrashReasonHeartbeatTimeout, data.Reason)
	assert.Equal(t, 0, p.ActiveCount())

	// The force-canceled worker exit must not produce a second crash.
	assert.Zero(t, countCrashes(sub, 200*time.Millisecond))
}

func TestMonitorSparesInitializingWorkers(t *testing.T) {
	eng := &fakeEngine{}
	p, _, sub := newTestPool(t, eng)

	require.NoError(t, p.Spawn("s1"))

	p.MonitorOnce(time.Now().Add(time.Minute))
	assert.Equal(t, 1, p.ActiveCount())
	assert.Zero(t, countCrashes(sub, 100*time.Millisecond))
}

func TestRecoverReplaysWorldState(t *testing.T) {
	eng := &fakeEngine{}
	p, _, sub := newTestPool(t, eng)

	require.NoError(t, p.Spawn("s1"))
	require.NoError(t, p.Send("s1", model.Command{Type: model.CmdInit, SessionID: "s1"}))
	require.NoError(t, p.WaitForInit(context.Background(), "s1", 2*time.Second))

	payload := &model.RecoveryPayload{
		SimulatedTimestamp: 1_700_000_000_000,
		CurrentTick:        4242,
		CompletedCarIDs:    []string{"car-1", "car-2"},
		BufferStates: []model.BufferState{
			{BufferID: "buffer.paint.assembly", Capacity: 8, Count: 2, CarIDs: []string{"car-3", "car-4"}},
		},
		ActiveStops: []model.StopEvent{
			{StopID: "stop-9", Location: "paint", Status: model.StopInProgress, StartTime: 1_699_999_000_000},
		},
		PlantSnapshot: &model.PlantSnapshot{SnapshotData: json.RawMessage(`{"carSeq":12}`)},
	}
	require.NoError(t, p.Send("s1", model.Command{Type: model.CmdRecover, SessionID: "s1", Payload: payload}))
	require.NoError(t, p.Send("s1", model.Command{Type: model.CmdStart, SessionID: "s1"}))
	awaitEvent(t, sub, model.EvtStateChange)

	eng.mu.Lock()
	defer eng.mu.Unlock()
	assert.Equal(t, []string{"car-1", "car-2"}, eng.completedCars)
	assert.Len(t, eng.buffers, 1)
	assert.Len(t, eng.stops, 1)
	assert.JSONEq(t, `{"carSeq":12}`, string(eng.snapshot))
	assert.Equal(t, int64(1_700_000_000_000), eng.simTS)
	assert.Equal(t, int64(4242), eng.tick)
	assert.True(t, eng.started)
}

func TestTerminateAllDrainsEveryWorker(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	p := NewPool(b, func(string) engine.Engine { return &fakeEngine{} }, nullSink{}, nullCheckpoints{}, testPoolConfig())
	p.StartMonitor()

	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, p.Spawn(id))
		require.NoError(t, p.Send(id, model.Command{Type: model.CmdInit, SessionID: id}))
		require.NoError(t, p.WaitForInit(context.Background(), id, 2*time.Second))
	}

	assert.Equal(t, float64(3), metrics.GetActiveWorkers())

	require.NoError(t, p.TerminateAll(context.Background()))
	assert.Equal(t, 0, p.ActiveCount())
	assert.Equal(t, float64(0), metrics.GetActiveWorkers())
}
