// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package worker implements the per-session isolation unit and its
// supervisor. A worker is a goroutine owning one engine, one persistence
// sidecar, a command inbox and an event outbox; the pool tracks handles,
// routes messages and tells graceful exits from crashes.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/plantsim/internal/domain/session/model"
	"github.com/ManuGH/plantsim/internal/engine"
	"github.com/ManuGH/plantsim/internal/log"
)

// Worker drives one engine on behalf of one session. All interaction
// goes through the inbox/outbox channels; the worker shares no mutable
// state with the pool or other workers.
type Worker struct {
	sessionID string
	eng       engine.Engine
	sidecar   *sidecar

	inbox  chan model.Command
	outbox chan model.WorkerEvent

	heartbeatEvery time.Duration
	flushYield     time.Duration
	drainTimeout   time.Duration

	engineEvents   <-chan engine.Event
	startedAt      time.Time
	failed         bool
	sidecarStarted bool
	logger         zerolog.Logger
}

func newWorker(sessionID string, eng engine.Engine, sink EventSink, checkpoints CheckpointWriter, cfg PoolConfig) *Worker {
	logger := log.WithComponent("worker").With().Str(log.FieldSessionID, sessionID).Logger()
	return &Worker{
		sessionID:      sessionID,
		eng:            eng,
		sidecar:        newSidecar(sessionID, sink, checkpoints, logger),
		inbox:          make(chan model.Command, 16),
		outbox:         make(chan model.WorkerEvent, 256),
		heartbeatEvery: cfg.HeartbeatInterval,
		flushYield:     cfg.FlushYield,
		drainTimeout:   cfg.DrainTimeout,
		startedAt:      time.Now(),
		logger:         logger,
	}
}

// run is the worker main loop. The returned code follows process
// conventions: 0 for a voluntary exit on STOP, 1 for anything fatal.
func (w *Worker) run(ctx context.Context) (code int) {
	defer close(w.outbox)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Msg("worker panicked")
			code = 1
		}
	}()

	var heartbeat *time.Ticker
	var heartbeatC <-chan time.Time
	defer func() {
		if heartbeat != nil {
			heartbeat.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			// Forced termination; the handle was already removed.
			w.eng.Stop()
			return 1

		case cmd := <-w.inbox:
			switch cmd.Type {
			case model.CmdInit:
				if err := w.handleInit(ctx, cmd.Payload); err != nil {
					w.failed = true
					w.emit(ctx, model.EvtError, err.Error())
					continue
				}
				heartbeat = time.NewTicker(w.heartbeatEvery)
				heartbeatC = heartbeat.C
				w.emit(ctx, model.EvtInitComplete, nil)

			case model.CmdRecover:
				if w.failed {
					continue
				}
				if err := w.handleRecover(cmd.Payload); err != nil {
					w.failed = true
					w.emit(ctx, model.EvtError, err.Error())
					continue
				}

			case model.CmdStart:
				if w.failed {
					w.logger.Warn().Msg("ignoring START after failure")
					continue
				}
				if err := w.eng.Start(); err != nil {
					w.failed = true
					w.emit(ctx, model.EvtError, err.Error())
					continue
				}
				w.emit(ctx, model.EvtStateChange, model.WorkerStateRunning)

			case model.CmdPause:
				if w.failed {
					continue
				}
				if err := w.eng.Pause(); err != nil {
					w.emit(ctx, model.EvtError, err.Error())
					continue
				}
				w.emit(ctx, model.EvtStateChange, model.WorkerStatePaused)

			case model.CmdResume:
				if w.failed {
					continue
				}
				if err := w.eng.Resume(); err != nil {
					w.emit(ctx, model.EvtError, err.Error())
					continue
				}
				w.emit(ctx, model.EvtStateChange, model.WorkerStateRunning)

			case model.CmdStop:
				w.handleStop(ctx)
				return 0
			}

		case ev, ok := <-w.engineEvents:
			if !ok {
				w.engineEvents = nil
				continue
			}
			w.forwardEngineEvent(ctx, ev)

		case <-heartbeatC:
			w.emit(ctx, model.EvtHeartbeat, w.probe())
		}
	}
}

// handleInit parses the config snapshot and boots the engine. A broken
// snapshot is not fatal: the worker falls back to the default config.
func (w *Worker) handleInit(ctx context.Context, payload any) error {
	cfg := engine.DefaultConfig()
	if snapshot, ok := payload.(string); ok && snapshot != "" {
		if err := json.Unmarshal([]byte(snapshot), &cfg); err != nil {
			w.logger.Warn().Err(err).Msg("config snapshot unparseable, using defaults")
			cfg = engine.DefaultConfig()
		}
	}
	if err := w.eng.Init(ctx, cfg); err != nil {
		return err
	}
	w.engineEvents = w.eng.Events()
	w.sidecarStarted = true
	go w.sidecar.run(ctx)
	return nil
}

// handleRecover replays persisted world state into the engine, in a
// fixed order, before the first START. Missing engine capabilities are
// skipped silently; any restore failure aborts the recovery.
func (w *Worker) handleRecover(payload any) error {
	p, ok := payload.(*model.RecoveryPayload)
	if !ok || p == nil {
		return errors.New("recover command without payload")
	}
	if r, ok := w.eng.(engine.CompletedCarRestorer); ok && len(p.CompletedCarIDs) > 0 {
		if err := r.RestoreCompletedCars(p.CompletedCarIDs); err != nil {
			return err
		}
	}
	if r, ok := w.eng.(engine.BufferRestorer); ok && len(p.BufferStates) > 0 {
		if err := r.RestoreBuffers(p.BufferStates); err != nil {
			return err
		}
	}
	if r, ok := w.eng.(engine.StopRestorer); ok && len(p.ActiveStops) > 0 {
		if err := r.RestoreStops(p.ActiveStops); err != nil {
			return err
		}
	}
	if r, ok := w.eng.(engine.SnapshotRestorer); ok && p.PlantSnapshot != nil {
		if err := r.RestoreSnapshot(p.PlantSnapshot.SnapshotData); err != nil {
			return err
		}
	}
	if r, ok := w.eng.(engine.ClockSetter); ok {
		if err := r.SetClock(p.SimulatedTimestamp, p.CurrentTick); err != nil {
			return err
		}
	}
	w.logger.Info().
		Int64(log.FieldTick, p.CurrentTick).
		Int64(log.FieldSimTime, p.SimulatedTimestamp).
		Int("completed_cars", len(p.CompletedCarIDs)).
		Int("buffers", len(p.BufferStates)).
		Int("active_stops", len(p.ActiveStops)).
		Msg("world state restored")
	return nil
}

// handleStop is the voluntary exit path. The engine is stopped first,
// remaining events are flushed through the sidecar, then the outbound
// STATE_CHANGE gets a short yield to leave the process before exit.
func (w *Worker) handleStop(ctx context.Context) {
	w.eng.Stop()
	if w.engineEvents != nil {
		for ev := range w.engineEvents {
			w.forwardEngineEvent(ctx, ev)
		}
	}
	w.emit(ctx, model.EvtStateChange, model.WorkerStateStopped)
	if w.sidecarStarted {
		w.sidecar.drain(w.drainTimeout)
	}
	time.Sleep(w.flushYield)
}

func (w *Worker) forwardEngineEvent(ctx context.Context, ev engine.Event) {
	w.sidecar.enqueue(ev)
	w.emit(ctx, model.EvtEvent, ev)
}

func (w *Worker) emit(ctx context.Context, t model.WorkerEventType, data any) {
	ev := model.WorkerEvent{
		Type:          t,
		SessionID:     w.sessionID,
		Data:          data,
		WallTimestamp: time.Now(),
	}
	select {
	case w.outbox <- ev:
	case <-ctx.Done():
	}
}

func (w *Worker) probe() model.HeartbeatData {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return model.HeartbeatData{
		UptimeMS:   time.Since(w.startedAt).Milliseconds(),
		HeapBytes:  ms.HeapAlloc,
		Goroutines: runtime.NumGoroutine(),
	}
}
