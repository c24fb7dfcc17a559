// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/plantsim/internal/domain/session/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastConfig(seed int64) Config {
	return Config{
		SpeedFactor:        60,
		TickIntervalMS:     1,
		Stations:           []string{"body", "paint", "assembly"},
		BufferCapacity:     4,
		SnapshotEveryTicks: 10,
		StopProbability:    0.05,
		Seed:               seed,
	}
}

// collect runs the engine for the given number of events, then stops it
// and drains the channel.
func collect(t *testing.T, e Engine, n int) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-e.Events():
			if !ok {
				t.Fatalf("event channel closed after %d events, wanted %d", len(out), n)
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d events, wanted %d", len(out), n)
		}
	}
	e.Stop()
	for range e.Events() {
	}
	return out
}

func TestInitRequiredBeforeStart(t *testing.T) {
	e := NewSimEngine("s1")
	require.Error(t, e.Start())
	e.Stop()
	_, open := <-e.Events()
	assert.False(t, open, "stop closes the channel even before start")
}

func TestInitRejectsDegenerateLine(t *testing.T) {
	e := NewSimEngine("s1")
	err := e.Init(context.Background(), Config{Stations: []string{"only"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 2 stations")
	e.Stop()
	for range e.Events() {
	}
}

func TestDoubleInitAndDoubleStartFail(t *testing.T) {
	e := NewSimEngine("s1")
	require.NoError(t, e.Init(context.Background(), fastConfig(1)))
	require.Error(t, e.Init(context.Background(), fastConfig(1)))

	require.NoError(t, e.Start())
	require.Error(t, e.Start())
	e.Stop()
	for range e.Events() {
	}
}

func TestDeterministicUnderFixedSeed(t *testing.T) {
	run := func() []Event {
		e := NewSimEngine("s1")
		require.NoError(t, e.Init(context.Background(), fastConfig(42)))
		require.NoError(t, e.Start())
		return collect(t, e, 200)
	}
	a, b := run(), run()

	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].Kind, b[i].Kind, "event %d kind", i)
		if a[i].Kind == KindCar {
			assert.Equal(t, a[i].Car.CarID, b[i].Car.CarID, "event %d car", i)
			assert.Equal(t, a[i].Car.EventType, b[i].Car.EventType, "event %d type", i)
		}
	}
}

func TestClockAdvancesMonotonically(t *testing.T) {
	e := NewSimEngine("s1")
	require.NoError(t, e.Init(context.Background(), fastConfig(7)))
	require.NoError(t, e.Start())
	events := collect(t, e, 150)

	var lastTick, lastSim int64
	clocks := 0
	for _, ev := range events {
		if ev.Kind != KindClock {
			continue
		}
		clocks++
		assert.Greater(t, ev.Clock.Tick, lastTick)
		assert.Greater(t, ev.Clock.SimulatedTimestamp, lastSim)
		lastTick = ev.Clock.Tick
		lastSim = ev.Clock.SimulatedTimestamp
	}
	assert.Greater(t, clocks, 10)
}

func TestLineProducesAndCompletesCars(t *testing.T) {
	e := NewSimEngine("s1")
	cfg := fastConfig(3)
	cfg.StopProbability = 0.001
	require.NoError(t, e.Init(context.Background(), cfg))
	require.NoError(t, e.Start())
	events := collect(t, e, 400)

	created, completed := 0, 0
	for _, ev := range events {
		if ev.Kind != KindCar {
			continue
		}
		switch ev.Car.EventType {
		case model.CarCreated:
			created++
		case model.CarCompleted:
			completed++
		}
	}
	assert.Greater(t, created, 0)
	assert.Greater(t, completed, 0)
	assert.GreaterOrEqual(t, created, completed)
}

func TestStopsOpenAndClosePaired(t *testing.T) {
	e := NewSimEngine("s1")
	cfg := fastConfig(11)
	cfg.StopProbability = 0.2
	require.NoError(t, e.Init(context.Background(), cfg))
	require.NoError(t, e.Start())
	events := collect(t, e, 500)

	open := map[string]bool{}
	for _, ev := range events {
		switch ev.Kind {
		case KindStopOpen:
			assert.False(t, open[ev.StopOpen.StopID], "stop id reused while open")
			assert.Equal(t, model.StopInProgress, ev.StopOpen.Status)
			open[ev.StopOpen.StopID] = true
		case KindStopEnd:
			assert.True(t, open[ev.StopEnd.StopID], "close without matching open")
			assert.GreaterOrEqual(t, ev.StopEnd.DurationMS, int64(0))
			open[ev.StopEnd.StopID] = false
		}
	}
}

func TestSnapshotCadenceCarriesAggregates(t *testing.T) {
	e := NewSimEngine("s1")
	require.NoError(t, e.Init(context.Background(), fastConfig(5)))
	require.NoError(t, e.Start())
	events := collect(t, e, 300)

	snapshots, oee, mttr := 0, 0, 0
	for _, ev := range events {
		switch ev.Kind {
		case KindSnapshot:
			snapshots++
			assert.NotEmpty(t, ev.Snapshot.SnapshotData)
			var snap simSnapshot
			require.NoError(t, json.Unmarshal(ev.Snapshot.SnapshotData, &snap))
			assert.Len(t, snap.StationCar, 3)
		case KindOEE:
			oee++
			assert.GreaterOrEqual(t, ev.OEE.OEE, 0.0)
			assert.LessOrEqual(t, ev.OEE.OEE, 1.0)
		case KindMTTR:
			mttr++
		}
	}
	assert.Greater(t, snapshots, 0)
	assert.Equal(t, snapshots, oee, "one OEE sample per snapshot cadence")
	assert.Equal(t, snapshots, mttr)
}

func TestPauseSuspendsTicks(t *testing.T) {
	e := NewSimEngine("s1")
	require.NoError(t, e.Init(context.Background(), fastConfig(9)))
	require.NoError(t, e.Start())

	// Let it run briefly, then pause and drain in-flight events.
	collectSome := func(d time.Duration) int {
		n := 0
		timer := time.After(d)
		for {
			select {
			case _, ok := <-e.Events():
				if !ok {
					return n
				}
				n++
			case <-timer:
				return n
			}
		}
	}
	require.Greater(t, collectSome(100*time.Millisecond), 0)

	require.NoError(t, e.Pause())
	collectSome(50 * time.Millisecond) // drain whatever was buffered
	assert.Zero(t, collectSome(100*time.Millisecond), "no events while paused")

	require.NoError(t, e.Resume())
	assert.Greater(t, collectSome(200*time.Millisecond), 0)

	e.Stop()
	for range e.Events() {
	}
}

func TestRestoreBeforeStartOnly(t *testing.T) {
	e := NewSimEngine("s1").(*SimEngine)
	require.NoError(t, e.Init(context.Background(), fastConfig(1)))

	require.NoError(t, e.SetClock(5000, 77))
	require.NoError(t, e.RestoreCompletedCars([]string{"car-1", "car-2"}))

	require.NoError(t, e.Start())
	assert.Error(t, e.SetClock(9000, 99), "restore after start is rejected")
	assert.Error(t, e.RestoreCompletedCars([]string{"car-3"}))

	e.Stop()
	for range e.Events() {
	}
}

func TestRestoredClockSeedsFirstTick(t *testing.T) {
	e := NewSimEngine("s1").(*SimEngine)
	require.NoError(t, e.Init(context.Background(), fastConfig(1)))
	require.NoError(t, e.SetClock(1_000_000, 500))
	require.NoError(t, e.Start())

	events := collect(t, e, 30)
	for _, ev := range events {
		if ev.Kind == KindClock {
			assert.Greater(t, ev.Clock.Tick, int64(500))
			assert.Greater(t, ev.Clock.SimulatedTimestamp, int64(1_000_000))
			return
		}
	}
	t.Fatal("no clock event observed")
}

func TestRestoreSnapshotReloadsLine(t *testing.T) {
	e := NewSimEngine("s1").(*SimEngine)
	require.NoError(t, e.Init(context.Background(), fastConfig(1)))

	blob, err := json.Marshal(simSnapshot{
		StationCar: []string{"car-9", "", "car-3"},
		Buffers:    [][]string{{"car-4"}, {}},
		CarSeq:     9,
		StopSeq:    2,
	})
	require.NoError(t, err)
	require.NoError(t, e.RestoreSnapshot(blob))

	assert.Equal(t, []string{"car-9", "", "car-3"}, e.stationCar)
	assert.Equal(t, []string{"car-4"}, e.buffers[0])
	assert.Equal(t, int64(9), e.carSeq)
	assert.Equal(t, int64(2), e.stopSeq)

	assert.NoError(t, e.RestoreSnapshot(nil), "empty blob is a no-op")
	assert.Error(t, e.RestoreSnapshot(json.RawMessage(`{broken`)))

	e.Stop()
	for range e.Events() {
	}
}

func TestRestoreBuffersClampsToCapacity(t *testing.T) {
	e := NewSimEngine("s1").(*SimEngine)
	cfg := fastConfig(1)
	cfg.BufferCapacity = 2
	require.NoError(t, e.Init(context.Background(), cfg))

	require.NoError(t, e.RestoreBuffers([]model.BufferState{{
		BufferID: "buf-body-paint",
		CarIDs:   []string{"car-1", "car-2", "car-3", "car-4"},
	}}))
	assert.Equal(t, []string{"car-1", "car-2"}, e.buffers[0])

	e.Stop()
	for range e.Events() {
	}
}

func TestStopIsIdempotent(t *testing.T) {
	e := NewSimEngine("s1")
	require.NoError(t, e.Init(context.Background(), fastConfig(1)))
	require.NoError(t, e.Start())
	e.Stop()
	e.Stop()
	for range e.Events() {
	}
}
