// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/plantsim/internal/domain/session/lifecycle"
	"github.com/ManuGH/plantsim/internal/domain/session/model"
	"github.com/ManuGH/plantsim/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{
		Backend: "sqlite",
		DSN:     filepath.Join(t.TempDir(), "plantsim.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSession(t *testing.T, s *store.Store, rec *model.SessionRecord) {
	t.Helper()
	if rec.UserID == "" {
		rec.UserID = "user-1"
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().Add(-time.Hour)
	}
	if rec.SpeedFactor == 0 {
		rec.SpeedFactor = 60
	}
	if rec.DurationDays == 0 {
		rec.DurationDays = 7
	}
	require.NoError(t, s.Sessions.Create(context.Background(), rec))
}

func ptrTime(t time.Time) *time.Time { return &t }
func ptrInt64(v int64) *int64        { return &v }

func TestReconcileStartupMarksActiveInterrupted(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	now := time.Now()

	seedSession(t, s, &model.SessionRecord{ID: "run-1", Status: model.StatusRunning})
	seedSession(t, s, &model.SessionRecord{ID: "pause-1", Status: model.StatusPaused})
	seedSession(t, s, &model.SessionRecord{ID: "idle-1", Status: model.StatusIdle})
	seedSession(t, s, &model.SessionRecord{ID: "stop-1", Status: model.StatusStopped})

	svc := NewService(s.Sessions, s.Events, 0, "")
	summary, err := svc.ReconcileStartup(ctx, now)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.InterruptedCount)
	assert.ElementsMatch(t, []string{"run-1", "pause-1"}, summary.InterruptedSessions)
	assert.Zero(t, summary.ExpiredCount)
	assert.Zero(t, summary.StaleCount)

	for _, id := range []string{"run-1", "pause-1"} {
		rec, err := s.Sessions.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusInterrupted, rec.Status)
		require.NotNil(t, rec.InterruptedAt)
	}
	rec, err := s.Sessions.Get(ctx, "idle-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusIdle, rec.Status)
}

func TestReconcileStartupExpiresOverdueRows(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	now := time.Now()

	seedSession(t, s, &model.SessionRecord{
		ID:        "overdue-1",
		Status:    model.StatusIdle,
		StartedAt: ptrTime(now.Add(-8 * 24 * time.Hour)),
		ExpiresAt: ptrTime(now.Add(-24 * time.Hour)),
	})

	svc := NewService(s.Sessions, s.Events, 0, "")
	summary, err := svc.ReconcileStartup(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ExpiredCount)

	rec, err := s.Sessions.Get(ctx, "overdue-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, rec.Status)
	require.NotNil(t, rec.StoppedAt)
}

func TestReconcileStartupStopsStaleInterrupted(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	now := time.Now()

	seedSession(t, s, &model.SessionRecord{
		ID:            "stale-1",
		Status:        model.StatusInterrupted,
		InterruptedAt: ptrTime(now.Add(-25 * time.Hour)),
	})
	seedSession(t, s, &model.SessionRecord{
		ID:            "fresh-1",
		Status:        model.StatusInterrupted,
		InterruptedAt: ptrTime(now.Add(-time.Hour)),
	})
	// Exactly at the cutoff stays eligible for recovery.
	seedSession(t, s, &model.SessionRecord{
		ID:            "edge-1",
		Status:        model.StatusInterrupted,
		InterruptedAt: ptrTime(now.Add(-24 * time.Hour)),
	})

	svc := NewService(s.Sessions, s.Events, 24*time.Hour, "")
	summary, err := svc.ReconcileStartup(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.StaleCount)

	rec, err := s.Sessions.Get(ctx, "stale-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, rec.Status)
	assert.Nil(t, rec.InterruptedAt)

	for _, id := range []string{"fresh-1", "edge-1"} {
		rec, err := s.Sessions.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusInterrupted, rec.Status)
	}
}

// markStep is one of the three reconciliation marks, made permutable.
type markStep struct {
	name  string
	apply func(ctx context.Context, t *testing.T, s *store.Store, now time.Time)
}

// rowOutcome is the order-independent end state of one session row.
// stopped_at values differ across runs, so only presence is compared.
type rowOutcome struct {
	Status         model.SessionStatus
	HasInterrupted bool
	HasStopped     bool
}

func TestReconciliationMarksCommuteOverDisjointRows(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	// Three disjoint populations, one per mark, plus untouched bystanders.
	seed := func(t *testing.T, s *store.Store) {
		seedSession(t, s, &model.SessionRecord{ID: "run-1", Status: model.StatusRunning})
		seedSession(t, s, &model.SessionRecord{ID: "pause-1", Status: model.StatusPaused})
		seedSession(t, s, &model.SessionRecord{
			ID:        "overdue-1",
			Status:    model.StatusIdle,
			StartedAt: ptrTime(now.Add(-8 * 24 * time.Hour)),
			ExpiresAt: ptrTime(now.Add(-24 * time.Hour)),
		})
		seedSession(t, s, &model.SessionRecord{
			ID:        "overdue-2",
			Status:    model.StatusIdle,
			StartedAt: ptrTime(now.Add(-9 * 24 * time.Hour)),
			ExpiresAt: ptrTime(now.Add(-48 * time.Hour)),
		})
		seedSession(t, s, &model.SessionRecord{
			ID:            "stale-1",
			Status:        model.StatusInterrupted,
			InterruptedAt: ptrTime(now.Add(-30 * time.Hour)),
		})
		seedSession(t, s, &model.SessionRecord{ID: "idle-1", Status: model.StatusIdle})
		seedSession(t, s, &model.SessionRecord{
			ID:            "fresh-1",
			Status:        model.StatusInterrupted,
			InterruptedAt: ptrTime(now.Add(-time.Hour)),
		})
	}
	ids := []string{"run-1", "pause-1", "overdue-1", "overdue-2", "stale-1", "idle-1", "fresh-1"}

	cutoff := now.Add(-24 * time.Hour)
	steps := []markStep{
		{"interrupt", func(ctx context.Context, t *testing.T, s *store.Store, now time.Time) {
			_, err := s.Sessions.MarkInterrupted(ctx, now)
			require.NoError(t, err)
		}},
		{"expire", func(ctx context.Context, t *testing.T, s *store.Store, now time.Time) {
			_, err := s.Sessions.MarkExpired(ctx, now)
			require.NoError(t, err)
		}},
		{"stale-stop", func(ctx context.Context, t *testing.T, s *store.Store, _ time.Time) {
			_, err := s.Sessions.MarkStaleInterruptedStopped(ctx, cutoff)
			require.NoError(t, err)
		}},
	}

	perms := [][3]int{
		{0, 1, 2}, {0, 2, 1},
		{1, 0, 2}, {1, 2, 0},
		{2, 0, 1}, {2, 1, 0},
	}

	outcomes := func(t *testing.T, s *store.Store) map[string]rowOutcome {
		out := make(map[string]rowOutcome, len(ids))
		for _, id := range ids {
			rec, err := s.Sessions.Get(ctx, id)
			require.NoError(t, err)
			out[id] = rowOutcome{
				Status:         rec.Status,
				HasInterrupted: rec.InterruptedAt != nil,
				HasStopped:     rec.StoppedAt != nil,
			}
		}
		return out
	}

	var baseline map[string]rowOutcome
	for _, p := range perms {
		label := steps[p[0]].name + "," + steps[p[1]].name + "," + steps[p[2]].name
		s := openStore(t)
		seed(t, s)
		for _, i := range p {
			steps[i].apply(ctx, t, s, now)
		}
		got := outcomes(t, s)
		if baseline == nil {
			baseline = got
			// Sanity: the fixed-order run actually touched every population.
			assert.Equal(t, model.StatusInterrupted, got["run-1"].Status)
			assert.Equal(t, model.StatusExpired, got["overdue-1"].Status)
			assert.Equal(t, model.StatusStopped, got["stale-1"].Status)
			assert.Equal(t, model.StatusIdle, got["idle-1"].Status)
			assert.Equal(t, model.StatusInterrupted, got["fresh-1"].Status)
			continue
		}
		if diff := cmp.Diff(baseline, got); diff != "" {
			t.Errorf("order %s diverges (-first +got):\n%s", label, diff)
		}
	}
}

func TestReconcileSummaryPersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	path := filepath.Join(t.TempDir(), "recovery-summary.json")

	seedSession(t, s, &model.SessionRecord{ID: "run-1", Status: model.StatusRunning})

	svc := NewService(s.Sessions, s.Events, 0, path)
	written, err := svc.ReconcileStartup(ctx, time.Now())
	require.NoError(t, err)

	// A fresh service (as after another restart) reads the file back.
	fresh := NewService(s.Sessions, s.Events, 0, path)
	loaded, ok := fresh.LastSummary()
	require.True(t, ok)
	assert.Equal(t, written.InterruptedCount, loaded.InterruptedCount)
	assert.Equal(t, written.InterruptedSessions, loaded.InterruptedSessions)
}

func TestAssemblePayloadRejectsUnrecoverable(t *testing.T) {
	s := openStore(t)
	svc := NewService(s.Sessions, s.Events, 0, "")

	stopped := &model.SessionRecord{ID: "s1", Status: model.StatusStopped, SimulatedTimestamp: ptrInt64(100)}
	_, err := svc.AssemblePayload(context.Background(), stopped)
	require.Error(t, err)
	assert.True(t, errors.Is(err, lifecycle.ErrNotRecoverable))

	// Interrupted before the first checkpoint: nothing to resume from.
	noCursor := &model.SessionRecord{ID: "s2", Status: model.StatusInterrupted}
	_, err = svc.AssemblePayload(context.Background(), noCursor)
	require.Error(t, err)
	assert.True(t, errors.Is(err, lifecycle.ErrNotRecoverable))
}

func TestAssemblePayloadEmptyWorld(t *testing.T) {
	s := openStore(t)
	svc := NewService(s.Sessions, s.Events, 0, "")

	rec := &model.SessionRecord{
		ID:                 "s1",
		Status:             model.StatusInterrupted,
		SimulatedTimestamp: ptrInt64(1_000),
		CurrentTick:        5,
	}
	payload, err := svc.AssemblePayload(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, int64(1_000), payload.SimulatedTimestamp)
	assert.Equal(t, int64(5), payload.CurrentTick)
	assert.Nil(t, payload.PlantSnapshot)
	assert.Empty(t, payload.BufferStates)
	assert.Empty(t, payload.CompletedCarIDs)
	assert.Empty(t, payload.ActiveStops)
}

func TestAssemblePayloadFullWorld(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	svc := NewService(s.Sessions, s.Events, 0, "")

	const sid = "s1"
	seedSession(t, s, &model.SessionRecord{
		ID:                 sid,
		Status:             model.StatusInterrupted,
		SimulatedTimestamp: ptrInt64(9_000),
		CurrentTick:        42,
	})

	// Two snapshots; only the newest matters.
	require.NoError(t, s.Events.InsertPlantSnapshot(ctx, &model.PlantSnapshot{
		SessionID: sid, Timestamp: 1_000, SnapshotData: json.RawMessage(`{"old":true}`),
	}))
	require.NoError(t, s.Events.InsertPlantSnapshot(ctx, &model.PlantSnapshot{
		SessionID: sid, Timestamp: 2_000, TotalCars: 9, SnapshotData: json.RawMessage(`{"old":false}`),
	}))

	// Same buffer, newer timestamp wins; equal timestamps tie-break on id.
	require.NoError(t, s.Events.InsertBufferState(ctx, &model.BufferState{
		SessionID: sid, BufferID: "b1", Capacity: 8, Count: 1, CarIDs: []string{"c1"}, Timestamp: 1_000,
	}))
	require.NoError(t, s.Events.InsertBufferState(ctx, &model.BufferState{
		SessionID: sid, BufferID: "b1", Capacity: 8, Count: 2, CarIDs: []string{"c1", "c2"}, Timestamp: 2_000,
	}))
	require.NoError(t, s.Events.InsertBufferState(ctx, &model.BufferState{
		SessionID: sid, BufferID: "b2", Capacity: 8, Count: 1, CarIDs: []string{"c9"}, Timestamp: 2_000,
	}))
	require.NoError(t, s.Events.InsertBufferState(ctx, &model.BufferState{
		SessionID: sid, BufferID: "b2", Capacity: 8, Count: 0, CarIDs: []string{}, Timestamp: 2_000,
	}))

	// A completed car reported twice collapses to one id.
	for _, ts := range []int64{1_500, 1_600} {
		require.NoError(t, s.Events.InsertCarEvent(ctx, &model.CarEvent{
			SessionID: sid, CarID: "car-done", EventType: model.CarCompleted, Timestamp: ts,
		}))
	}
	require.NoError(t, s.Events.InsertCarEvent(ctx, &model.CarEvent{
		SessionID: sid, CarID: "car-wip", EventType: model.CarMoved, Timestamp: 1_700,
	}))

	require.NoError(t, s.Events.OpenStop(ctx, &model.StopEvent{
		SessionID: sid, StopID: "stop-open", Location: "paint", Status: model.StopInProgress, StartTime: 1_800,
	}))
	require.NoError(t, s.Events.OpenStop(ctx, &model.StopEvent{
		SessionID: sid, StopID: "stop-closed", Location: "body", Status: model.StopInProgress, StartTime: 1_000,
	}))
	require.NoError(t, s.Events.CloseStop(ctx, sid, "stop-closed", 1_200, 200))

	// Another session's rows must never leak in.
	require.NoError(t, s.Events.InsertCarEvent(ctx, &model.CarEvent{
		SessionID: "other", CarID: "car-x", EventType: model.CarCompleted, Timestamp: 1_000,
	}))

	rec, err := s.Sessions.Get(ctx, sid)
	require.NoError(t, err)
	payload, err := svc.AssemblePayload(ctx, rec)
	require.NoError(t, err)

	require.NotNil(t, payload.PlantSnapshot)
	assert.Equal(t, int64(2_000), payload.PlantSnapshot.Timestamp)
	assert.Equal(t, 9, payload.PlantSnapshot.TotalCars)

	states := map[string]model.BufferState{}
	for _, st := range payload.BufferStates {
		states[st.BufferID] = st
	}
	require.Len(t, states, 2)
	if diff := cmp.Diff([]string{"c1", "c2"}, states["b1"].CarIDs); diff != "" {
		t.Errorf("b1 car ids mismatch (-want +got):\n%s", diff)
	}
	// b2 has two rows at the same timestamp; the later insert wins.
	assert.Zero(t, states["b2"].Count)
	assert.Empty(t, states["b2"].CarIDs)

	assert.Equal(t, []string{"car-done"}, payload.CompletedCarIDs)

	require.Len(t, payload.ActiveStops, 1)
	assert.Equal(t, "stop-open", payload.ActiveStops[0].StopID)
}
