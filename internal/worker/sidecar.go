// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/plantsim/internal/domain/session/model"
	"github.com/ManuGH/plantsim/internal/engine"
	"github.com/ManuGH/plantsim/internal/metrics"
)

// EventSink is the slice of the store the sidecar writes through.
type EventSink interface {
	InsertCarEvent(ctx context.Context, ev *model.CarEvent) error
	OpenStop(ctx context.Context, ev *model.StopEvent) error
	CloseStop(ctx context.Context, sessionID, stopID string, endTime, durationMS int64) error
	InsertBufferState(ctx context.Context, st *model.BufferState) error
	InsertPlantSnapshot(ctx context.Context, sn *model.PlantSnapshot) error
	InsertOEE(ctx context.Context, s *model.OEESample) error
	InsertMTTRMTBF(ctx context.Context, s *model.MTTRMTBFSample) error
}

// CheckpointWriter persists the session's clock cursor.
type CheckpointWriter interface {
	UpdateCheckpoint(ctx context.Context, id string, simTS, tick int64) error
	TouchSnapshot(ctx context.Context, id string, at time.Time) error
}

// sidecar serializes engine events into the store, stamped with the
// worker's session id. Write failures are logged and swallowed: losing
// an event row must never stall or kill the simulation.
type sidecar struct {
	sessionID   string
	sink        EventSink
	checkpoints CheckpointWriter
	queue       chan engine.Event
	drained     chan struct{}
	log         zerolog.Logger
}

func newSidecar(sessionID string, sink EventSink, checkpoints CheckpointWriter, logger zerolog.Logger) *sidecar {
	return &sidecar{
		sessionID:   sessionID,
		sink:        sink,
		checkpoints: checkpoints,
		queue:       make(chan engine.Event, 1024),
		drained:     make(chan struct{}),
		log:         logger.With().Str("component", "sidecar").Logger(),
	}
}

// run consumes the queue until it is closed or the worker context is
// canceled. Runs on its own goroutine for the worker's whole lifetime.
func (s *sidecar) run(ctx context.Context) {
	defer close(s.drained)
	for {
		select {
		case ev, ok := <-s.queue:
			if !ok {
				return
			}
			s.persist(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// enqueue blocks when the queue is full so the engine's emission order
// is preserved end to end.
func (s *sidecar) enqueue(ev engine.Event) {
	s.queue <- ev
}

// drain closes the queue and waits until every pending write has been
// attempted. Called on STOP before the worker exits.
func (s *sidecar) drain(timeout time.Duration) {
	close(s.queue)
	select {
	case <-s.drained:
	case <-time.After(timeout):
		s.log.Warn().Msg("sidecar drain timed out, pending writes abandoned")
	}
}

func (s *sidecar) persist(ctx context.Context, ev engine.Event) {
	var (
		err   error
		table string
	)
	switch ev.Kind {
	case engine.KindCar:
		car := *ev.Car
		car.SessionID = s.sessionID
		table, err = "car_events", s.sink.InsertCarEvent(ctx, &car)
	case engine.KindStopOpen:
		stop := *ev.StopOpen
		stop.SessionID = s.sessionID
		table, err = "stop_events", s.sink.OpenStop(ctx, &stop)
	case engine.KindStopEnd:
		table = "stop_events"
		err = s.sink.CloseStop(ctx, s.sessionID, ev.StopEnd.StopID, ev.StopEnd.EndTime, ev.StopEnd.DurationMS)
	case engine.KindBuffer:
		st := *ev.Buffer
		st.SessionID = s.sessionID
		table, err = "buffer_states", s.sink.InsertBufferState(ctx, &st)
	case engine.KindSnapshot:
		sn := *ev.Snapshot
		sn.SessionID = s.sessionID
		table, err = "plant_snapshots", s.sink.InsertPlantSnapshot(ctx, &sn)
		if err == nil {
			err = s.checkpoints.TouchSnapshot(ctx, s.sessionID, time.Now())
		}
	case engine.KindClock:
		table = "sessions"
		err = s.checkpoints.UpdateCheckpoint(ctx, s.sessionID, ev.Clock.SimulatedTimestamp, ev.Clock.Tick)
	case engine.KindOEE:
		sample := *ev.OEE
		sample.SessionID = s.sessionID
		table, err = "oee", s.sink.InsertOEE(ctx, &sample)
	case engine.KindMTTR:
		sample := *ev.MTTR
		sample.SessionID = s.sessionID
		table, err = "mttr_mtbf", s.sink.InsertMTTRMTBF(ctx, &sample)
	default:
		return
	}

	if err != nil {
		metrics.RecordPersistenceDrop(table)
		s.log.Warn().Err(err).Str("table", table).Str("kind", string(ev.Kind)).
			Msg("event write failed, dropping")
	}
}
