// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ManuGH/plantsim/internal/domain/session/model"
)

// SimEngine is the reference factory-floor runtime: a pull line of
// stations separated by bounded buffers, with random breakdown stops and
// periodic snapshots. It is deterministic under a fixed seed.
type SimEngine struct {
	sessionID string
	cfg       Config

	events chan Event
	cmds   chan simCommand
	done   chan struct{}

	mu          sync.Mutex
	initialized bool
	started     bool
	stopOnce    sync.Once

	// Simulation state. Owned by the run goroutine once started; restore
	// calls may touch it only before Start.
	simTime    int64
	tick       int64
	carSeq     int64
	stopSeq    int64
	stationCar []string            // car occupying each station, "" if empty
	buffers    [][]string          // buffer i sits after station i
	completed  map[string]struct{} // finished car ids
	stops      map[string]*activeStop
	rng        *rand.Rand

	// Rolling window counters for OEE / MTTR / MTBF aggregates.
	windowTicks     int64
	windowStopTicks int64
	windowStops     int
	windowStopMS    int64
	windowDone      int
}

type activeStop struct {
	stop    model.StopEvent
	station int
	endTick int64
}

type simCommand int

const (
	cmdPause simCommand = iota
	cmdResume
)

// NewSimEngine is the Factory for the reference engine.
func NewSimEngine(sessionID string) Engine {
	return &SimEngine{
		sessionID: sessionID,
		events:    make(chan Event, 256),
		cmds:      make(chan simCommand, 4),
		done:      make(chan struct{}),
		completed: make(map[string]struct{}),
		stops:     make(map[string]*activeStop),
	}
}

// Init applies configuration and builds the line topology.
func (e *SimEngine) Init(_ context.Context, cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return errors.New("engine already initialized")
	}
	e.cfg = cfg.withDefaults()
	if len(e.cfg.Stations) < 2 {
		return fmt.Errorf("need at least 2 stations, got %d", len(e.cfg.Stations))
	}
	seed := e.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	e.rng = rand.New(rand.NewSource(seed))
	e.stationCar = make([]string, len(e.cfg.Stations))
	e.buffers = make([][]string, len(e.cfg.Stations)-1)
	e.initialized = true
	return nil
}

// Start launches the tick loop.
func (e *SimEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return errors.New("engine not initialized")
	}
	if e.started {
		return errors.New("engine already started")
	}
	e.started = true
	go e.run()
	return nil
}

// Pause suspends tick processing without tearing the loop down.
func (e *SimEngine) Pause() error { return e.command(cmdPause) }

// Resume continues tick processing after a pause.
func (e *SimEngine) Resume() error { return e.command(cmdResume) }

func (e *SimEngine) command(c simCommand) error {
	select {
	case e.cmds <- c:
		return nil
	case <-e.done:
		return errors.New("engine stopped")
	}
}

// Stop winds the loop down and closes the event channel. Idempotent.
func (e *SimEngine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		e.mu.Lock()
		started := e.started
		e.mu.Unlock()
		if !started {
			close(e.events)
		}
	})
}

// Events returns the outbox channel.
func (e *SimEngine) Events() <-chan Event { return e.events }

// --- restore capabilities (valid before Start only) ---

// RestoreCompletedCars reinstates the finished-unit set.
func (e *SimEngine) RestoreCompletedCars(ids []string) error {
	return e.preStart(func() {
		for _, id := range ids {
			e.completed[id] = struct{}{}
		}
		e.carSeq = int64(len(e.completed))
	})
}

// RestoreBuffers reinstates buffer occupancy by buffer id.
func (e *SimEngine) RestoreBuffers(states []model.BufferState) error {
	return e.preStart(func() {
		for _, st := range states {
			for i := range e.buffers {
				if e.bufferID(i) == st.BufferID {
					ids := st.CarIDs
					if len(ids) > e.cfg.BufferCapacity {
						ids = ids[:e.cfg.BufferCapacity]
					}
					e.buffers[i] = append([]string(nil), ids...)
				}
			}
		}
	})
}

// RestoreStops reinstates in-progress stops; their remaining duration is
// re-rolled since only the start time survived the crash.
func (e *SimEngine) RestoreStops(stops []model.StopEvent) error {
	return e.preStart(func() {
		for _, st := range stops {
			station := 0
			for i, name := range e.cfg.Stations {
				if name == st.Location {
					station = i
					break
				}
			}
			e.stops[st.StopID] = &activeStop{
				stop:    st,
				station: station,
				endTick: e.tick + int64(e.rng.Intn(20)+5),
			}
		}
	})
}

// simSnapshot is the opaque snapshot_data layout.
type simSnapshot struct {
	StationCar []string   `json:"stationCar"`
	Buffers    [][]string `json:"buffers"`
	CarSeq     int64      `json:"carSeq"`
	StopSeq    int64      `json:"stopSeq"`
}

// RestoreSnapshot reloads line occupancy from a snapshot blob.
func (e *SimEngine) RestoreSnapshot(data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	var snap simSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return e.preStart(func() {
		if len(snap.StationCar) == len(e.stationCar) {
			copy(e.stationCar, snap.StationCar)
		}
		for i := range e.buffers {
			if i < len(snap.Buffers) {
				e.buffers[i] = append([]string(nil), snap.Buffers[i]...)
			}
		}
		if snap.CarSeq > e.carSeq {
			e.carSeq = snap.CarSeq
		}
		if snap.StopSeq > e.stopSeq {
			e.stopSeq = snap.StopSeq
		}
	})
}

// SetClock positions the simulated clock cursor.
func (e *SimEngine) SetClock(simulatedTimestamp, tick int64) error {
	return e.preStart(func() {
		e.simTime = simulatedTimestamp
		e.tick = tick
	})
}

func (e *SimEngine) preStart(fn func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return errors.New("engine not initialized")
	}
	if e.started {
		return errors.New("cannot restore into a started engine")
	}
	fn()
	return nil
}

// --- tick loop ---

func (e *SimEngine) run() {
	defer close(e.events)

	ticker := time.NewTicker(time.Duration(e.cfg.TickIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	paused := false
	for {
		select {
		case <-e.done:
			return
		case c := <-e.cmds:
			paused = c == cmdPause
		case <-ticker.C:
			if paused {
				continue
			}
			if !e.step() {
				return
			}
		}
	}
}

// step advances one tick. Returns false if emission was aborted by Stop.
func (e *SimEngine) step() bool {
	e.tick++
	e.simTime += int64(e.cfg.SpeedFactor) * int64(e.cfg.TickIntervalMS)
	e.windowTicks++

	ok := e.endStops() && e.openStops() && e.moveCars()
	if !ok {
		return false
	}
	if e.tick%int64(e.cfg.SnapshotEveryTicks) == 0 {
		if !e.emitPeriodic() {
			return false
		}
	}
	return e.emit(Event{Kind: KindClock, Clock: &model.ClockCheckpoint{
		SimulatedTimestamp: e.simTime,
		Tick:               e.tick,
	}})
}

func (e *SimEngine) endStops() bool {
	for id, st := range e.stops {
		if st.endTick > e.tick {
			continue
		}
		delete(e.stops, id)
		duration := e.simTime - st.stop.StartTime
		e.windowStopMS += duration
		if !e.emit(Event{Kind: KindStopEnd, StopEnd: &StopEnd{
			StopID:     id,
			EndTime:    e.simTime,
			DurationMS: duration,
		}}) {
			return false
		}
	}
	return true
}

func (e *SimEngine) openStops() bool {
	for i, name := range e.cfg.Stations {
		if e.stationStopped(i) || e.rng.Float64() >= e.cfg.StopProbability {
			continue
		}
		e.stopSeq++
		e.windowStops++
		id := fmt.Sprintf("stop-%d", e.stopSeq)
		stop := model.StopEvent{
			StopID:    id,
			Location:  name,
			Reason:    pickReason(e.rng),
			Type:      "BREAKDOWN",
			Category:  "TECHNICAL",
			Severity:  pickSeverity(e.rng),
			StartTime: e.simTime,
			Status:    model.StopInProgress,
		}
		e.stops[id] = &activeStop{
			stop:    stop,
			station: i,
			endTick: e.tick + int64(e.rng.Intn(30)+5),
		}
		if !e.emit(Event{Kind: KindStopOpen, StopOpen: &stop}) {
			return false
		}
	}
	return true
}

// moveCars advances the pull line back to front so downstream slots free
// up before upstream cars move.
func (e *SimEngine) moveCars() bool {
	last := len(e.cfg.Stations) - 1
	e.windowStopTicks += int64(len(e.stops))

	// Final station completes its car.
	if car := e.stationCar[last]; car != "" && !e.stationStopped(last) {
		e.stationCar[last] = ""
		e.completed[car] = struct{}{}
		e.windowDone++
		if !e.emitCar(model.CarCompleted, car, e.cfg.Stations[last]) {
			return false
		}
	}

	// Middle stations push into the next buffer, then pull from the
	// previous one.
	for i := last; i >= 0; i-- {
		if e.stationStopped(i) {
			continue
		}
		if i < last {
			if car := e.stationCar[i]; car != "" && len(e.buffers[i]) < e.cfg.BufferCapacity {
				e.stationCar[i] = ""
				e.buffers[i] = append(e.buffers[i], car)
				if !e.emitCar(model.CarBufferIn, car, e.bufferID(i)) {
					return false
				}
			}
		}
		if i > 0 && e.stationCar[i] == "" && len(e.buffers[i-1]) > 0 {
			car := e.buffers[i-1][0]
			e.buffers[i-1] = e.buffers[i-1][1:]
			e.stationCar[i] = car
			if !e.emitCar(model.CarBufferOut, car, e.bufferID(i-1)) {
				return false
			}
			if !e.emitCar(model.CarMoved, car, e.cfg.Stations[i]) {
				return false
			}
		}
	}

	// Line head creates new cars.
	if e.stationCar[0] == "" && !e.stationStopped(0) {
		e.carSeq++
		car := fmt.Sprintf("car-%d", e.carSeq)
		e.stationCar[0] = car
		if !e.emitCar(model.CarCreated, car, e.cfg.Stations[0]) {
			return false
		}
	}
	return true
}

func (e *SimEngine) emitPeriodic() bool {
	for i := range e.buffers {
		state := model.BufferState{
			BufferID:  e.bufferID(i),
			Capacity:  e.cfg.BufferCapacity,
			Count:     len(e.buffers[i]),
			CarIDs:    append([]string(nil), e.buffers[i]...),
			Status:    bufferStatus(len(e.buffers[i]), e.cfg.BufferCapacity),
			Timestamp: e.simTime,
		}
		if !e.emit(Event{Kind: KindBuffer, Buffer: &state}) {
			return false
		}
	}

	snapData, _ := json.Marshal(simSnapshot{
		StationCar: append([]string(nil), e.stationCar...),
		Buffers:    e.buffers,
		CarSeq:     e.carSeq,
		StopSeq:    e.stopSeq,
	})
	if !e.emit(Event{Kind: KindSnapshot, Snapshot: &model.PlantSnapshot{
		Timestamp:     e.simTime,
		TotalCars:     int(e.carSeq),
		CompletedCars: len(e.completed),
		ActiveStops:   len(e.stops),
		SnapshotData:  snapData,
	}}) {
		return false
	}

	date := time.UnixMilli(e.simTime).UTC().Format("2006-01-02")
	availability := 1.0
	if e.windowTicks > 0 {
		availability = 1 - float64(e.windowStopTicks)/float64(e.windowTicks*int64(len(e.cfg.Stations)))
	}
	performance := float64(e.windowDone) / float64(e.windowTicks)
	if performance > 1 {
		performance = 1
	}
	oee := availability * performance
	if !e.emit(Event{Kind: KindOEE, OEE: &model.OEESample{
		Date:         date,
		Location:     "plant",
		Availability: availability,
		Performance:  performance,
		Quality:      1.0,
		OEE:          oee,
	}}) {
		return false
	}

	mttr, mtbf := 0.0, 0.0
	if e.windowStops > 0 {
		mttr = float64(e.windowStopMS) / float64(e.windowStops)
		mtbf = float64(e.windowTicks*int64(e.cfg.SpeedFactor)*int64(e.cfg.TickIntervalMS)) / float64(e.windowStops)
	}
	if !e.emit(Event{Kind: KindMTTR, MTTR: &model.MTTRMTBFSample{
		Date:      date,
		Location:  "plant",
		MTTRMS:    mttr,
		MTBFMS:    mtbf,
		StopCount: e.windowStops,
	}}) {
		return false
	}

	e.windowTicks, e.windowStopTicks, e.windowStops, e.windowStopMS, e.windowDone = 0, 0, 0, 0, 0
	return true
}

func (e *SimEngine) emitCar(t model.CarEventType, carID, location string) bool {
	return e.emit(Event{Kind: KindCar, Car: &model.CarEvent{
		CarID:     carID,
		EventType: t,
		Location:  location,
		Timestamp: e.simTime,
	}})
}

// emit blocks until the consumer drains or the engine stops, preserving
// emission order.
func (e *SimEngine) emit(ev Event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

func (e *SimEngine) stationStopped(i int) bool {
	for _, st := range e.stops {
		if st.station == i {
			return true
		}
	}
	return false
}

func (e *SimEngine) bufferID(i int) string {
	return fmt.Sprintf("buf-%s-%s", e.cfg.Stations[i], e.cfg.Stations[i+1])
}

func bufferStatus(count, capacity int) string {
	switch {
	case count == 0:
		return "EMPTY"
	case count >= capacity:
		return "FULL"
	default:
		return "OK"
	}
}

func pickReason(rng *rand.Rand) string {
	reasons := []string{"conveyor_jam", "robot_fault", "material_shortage", "sensor_failure"}
	return reasons[rng.Intn(len(reasons))]
}

func pickSeverity(rng *rand.Rand) string {
	severities := []string{"LOW", "MEDIUM", "HIGH"}
	return severities[rng.Intn(len(severities))]
}
