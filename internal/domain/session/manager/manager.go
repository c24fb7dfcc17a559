// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package manager orchestrates session lifecycles: it owns admission
// control, drives workers through the pool, reacts to crashes and runs
// the expiration sweeper. All durable state lives in the store; the
// manager never caches session rows between calls.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/plantsim/internal/bus"
	"github.com/ManuGH/plantsim/internal/domain/session/lifecycle"
	"github.com/ManuGH/plantsim/internal/domain/session/model"
	"github.com/ManuGH/plantsim/internal/domain/session/recovery"
	"github.com/ManuGH/plantsim/internal/log"
	"github.com/ManuGH/plantsim/internal/metrics"
	"github.com/ManuGH/plantsim/internal/store"
	"github.com/ManuGH/plantsim/internal/worker"
)

// SessionStore is the slice of the session repository the manager uses.
type SessionStore interface {
	Create(ctx context.Context, rec *model.SessionRecord) error
	Get(ctx context.Context, id string) (*model.SessionRecord, error)
	GetOwned(ctx context.Context, id, userID string) (*model.SessionRecord, error)
	Save(ctx context.Context, rec *model.SessionRecord) error
	ListByUser(ctx context.Context, userID string) ([]*model.SessionRecord, error)
	ListExpired(ctx context.Context, now time.Time) ([]*model.SessionRecord, error)
	CountActive(ctx context.Context, userID string) (int, error)
	DeleteWithData(ctx context.Context, id string) error
}

// WorkerPool supervises the per-session workers.
type WorkerPool interface {
	Spawn(sessionID string) error
	Send(sessionID string, cmd model.Command) error
	WaitForInit(ctx context.Context, sessionID string, timeout time.Duration) error
	Terminate(ctx context.Context, sessionID string) error
	TerminateAll(ctx context.Context) error
	StartMonitor()
}

// Recoverer reconciles rows at startup and rebuilds world state for
// interrupted sessions.
type Recoverer interface {
	ReconcileStartup(ctx context.Context, now time.Time) (*recovery.Summary, error)
	AssemblePayload(ctx context.Context, rec *model.SessionRecord) (*model.RecoveryPayload, error)
	LastSummary() (*recovery.Summary, bool)
}

// Config tunes admission caps and timing. Zero values fall back to
// defaults.
type Config struct {
	MaxGlobal           int
	MaxPerUser          int
	DefaultDurationDays int
	DefaultSpeedFactor  int
	InitTimeout         time.Duration
	SweepInterval       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxGlobal <= 0 {
		c.MaxGlobal = 20
	}
	if c.MaxPerUser <= 0 {
		c.MaxPerUser = 2
	}
	if c.DefaultDurationDays <= 0 {
		c.DefaultDurationDays = 7
	}
	if c.DefaultSpeedFactor <= 0 {
		c.DefaultSpeedFactor = 60
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// CreateRequest carries the client-supplied fields of a new session.
type CreateRequest struct {
	Name           string `json:"name"`
	ConfigID       string `json:"configId"`
	ConfigSnapshot string `json:"configSnapshot"`
	DurationDays   int    `json:"durationDays"`
	SpeedFactor    int    `json:"speedFactor"`
}

// Manager is the session orchestrator.
type Manager struct {
	cfg      Config
	store    SessionStore
	pool     WorkerPool
	recovery Recoverer
	bus      bus.Bus
	logger   zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// Admission caps are hot-reloadable; everything else in cfg is fixed
	// for the process lifetime.
	capMu      sync.RWMutex
	maxGlobal  int
	maxPerUser int

	sub         bus.Subscription
	crashDone   chan struct{}
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New wires a manager. Call Initialize before serving requests.
func New(st SessionStore, pool WorkerPool, rec Recoverer, b bus.Bus, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:        cfg,
		store:      st,
		pool:       pool,
		recovery:   rec,
		bus:        b,
		logger:     log.WithComponent("manager"),
		locks:      make(map[string]*sync.Mutex),
		maxGlobal:  cfg.MaxGlobal,
		maxPerUser: cfg.MaxPerUser,
	}
}

// SetCaps swaps the admission caps at runtime (config hot reload).
// Sessions already running above a lowered cap keep running; only new
// activations are affected.
func (m *Manager) SetCaps(maxGlobal, maxPerUser int) {
	m.capMu.Lock()
	defer m.capMu.Unlock()
	if maxGlobal > 0 {
		m.maxGlobal = maxGlobal
	}
	if maxPerUser > 0 {
		m.maxPerUser = maxPerUser
	}
}

// Initialize reconciles persisted sessions, then arms crash handling,
// heartbeat monitoring and the expiration sweeper. Reconciliation runs
// to completion before the first admission decision can be taken.
func (m *Manager) Initialize(ctx context.Context) error {
	if _, err := m.recovery.ReconcileStartup(ctx, time.Now().UTC()); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	sub, err := m.bus.Subscribe(ctx, worker.TopicWorkerEvents)
	if err != nil {
		return fmt.Errorf("subscribe worker events: %w", err)
	}
	m.sub = sub
	m.crashDone = make(chan struct{})
	go m.crashListener()
	m.pool.StartMonitor()
	m.startSweeper()
	return nil
}

// Shutdown winds down the sweeper and every live worker gracefully.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.sweepCancel != nil {
		m.sweepCancel()
		<-m.sweepDone
	}
	err := m.pool.TerminateAll(ctx)
	if m.sub != nil {
		_ = m.sub.Close()
		<-m.crashDone
	}
	return err
}

// lockSession serializes lifecycle operations per session id. Cross-
// session operations never contend with each other.
func (m *Manager) lockSession(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) dropLock(id string) {
	m.mu.Lock()
	delete(m.locks, id)
	m.mu.Unlock()
}

func (m *Manager) storeErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return lifecycle.NewReasonError(model.RNotFound, "", err)
	}
	return lifecycle.NewReasonError(model.RStoreFailure, "", err)
}

// Create registers a new idle session. Admission caps are checked at
// start, not here: idle sessions are free.
func (m *Manager) Create(ctx context.Context, userID string, req CreateRequest) (*model.SessionRecord, error) {
	rec := &model.SessionRecord{
		ID:             uuid.NewString(),
		UserID:         userID,
		Name:           req.Name,
		ConfigID:       req.ConfigID,
		ConfigSnapshot: req.ConfigSnapshot,
		DurationDays:   req.DurationDays,
		SpeedFactor:    req.SpeedFactor,
		Status:         model.StatusIdle,
		CreatedAt:      time.Now().UTC(),
	}
	if rec.DurationDays <= 0 {
		rec.DurationDays = m.cfg.DefaultDurationDays
	}
	if rec.SpeedFactor <= 0 {
		rec.SpeedFactor = m.cfg.DefaultSpeedFactor
	}
	if err := m.store.Create(ctx, rec); err != nil {
		return nil, m.storeErr(err)
	}
	m.logger.Info().
		Str(log.FieldSessionID, rec.ID).
		Str(log.FieldUserID, userID).
		Int("duration_days", rec.DurationDays).
		Msg("session created")
	return rec, nil
}

// Get resolves a session scoped to its owner.
func (m *Manager) Get(ctx context.Context, userID, id string) (*model.SessionRecord, error) {
	rec, err := m.store.GetOwned(ctx, id, userID)
	if err != nil {
		return nil, m.storeErr(err)
	}
	return rec, nil
}

// List returns the caller's sessions, newest first.
func (m *Manager) List(ctx context.Context, userID string) ([]*model.SessionRecord, error) {
	recs, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, m.storeErr(err)
	}
	return recs, nil
}

// Start admits the session against both caps, boots a worker and moves
// the row to running. The worker must acknowledge INIT before anything
// is persisted; a failed boot leaves the session untouched.
func (m *Manager) Start(ctx context.Context, userID, id string) (*model.SessionRecord, error) {
	unlock := m.lockSession(id)
	defer unlock()

	rec, err := m.store.GetOwned(ctx, id, userID)
	if err != nil {
		return nil, m.storeErr(err)
	}
	if _, ok := lifecycle.TransitionFor(rec.Status, lifecycle.EvStart); !ok {
		return nil, lifecycle.NewReasonError(model.RInvalidState,
			fmt.Sprintf("cannot start session in state %s", rec.Status), nil)
	}
	if err := m.admit(ctx, userID); err != nil {
		return nil, err
	}
	if err := m.bootWorker(ctx, rec); err != nil {
		return nil, err
	}

	from := rec.Status
	if _, err := lifecycle.Dispatch(rec, lifecycle.Event{Kind: lifecycle.EvStart}, time.Now().UTC()); err != nil {
		_ = m.pool.Terminate(ctx, id)
		return nil, err
	}
	if err := m.store.Save(ctx, rec); err != nil {
		_ = m.pool.Terminate(ctx, id)
		return nil, m.storeErr(err)
	}
	metrics.RecordTransition(string(from), string(rec.Status))

	if err := m.pool.Send(id, model.Command{Type: model.CmdStart, SessionID: id}); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, id).Msg("start command not delivered")
	}
	m.logger.Info().
		Str(log.FieldSessionID, id).
		Str(log.FieldUserID, userID).
		Time("expires_at", *rec.ExpiresAt).
		Msg("session started")
	return rec, nil
}

// Pause suspends a running session. The row is persisted before the
// worker is told; a lost command surfaces later as a crash or timeout.
func (m *Manager) Pause(ctx context.Context, userID, id string) (*model.SessionRecord, error) {
	return m.flip(ctx, userID, id, lifecycle.EvPause, model.CmdPause)
}

// Resume continues a paused session. No admission check: paused sessions
// already count against both caps.
func (m *Manager) Resume(ctx context.Context, userID, id string) (*model.SessionRecord, error) {
	return m.flip(ctx, userID, id, lifecycle.EvResume, model.CmdResume)
}

func (m *Manager) flip(ctx context.Context, userID, id string, ev lifecycle.EventKind, cmd model.CommandType) (*model.SessionRecord, error) {
	unlock := m.lockSession(id)
	defer unlock()

	rec, err := m.store.GetOwned(ctx, id, userID)
	if err != nil {
		return nil, m.storeErr(err)
	}
	from := rec.Status
	if _, err := lifecycle.Dispatch(rec, lifecycle.Event{Kind: ev}, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return nil, m.storeErr(err)
	}
	metrics.RecordTransition(string(from), string(rec.Status))

	if err := m.pool.Send(id, model.Command{Type: cmd, SessionID: id}); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, id).
			Str("command", string(cmd)).Msg("command not delivered")
	}
	return rec, nil
}

// Stop terminates the worker gracefully and moves the session to
// stopped. The handle is deregistered before STOP is sent, so the
// voluntary exit cannot race the crash detector.
func (m *Manager) Stop(ctx context.Context, userID, id string) (*model.SessionRecord, error) {
	unlock := m.lockSession(id)
	defer unlock()

	rec, err := m.store.GetOwned(ctx, id, userID)
	if err != nil {
		return nil, m.storeErr(err)
	}
	if _, ok := lifecycle.TransitionFor(rec.Status, lifecycle.EvStop); !ok {
		return nil, lifecycle.NewReasonError(model.RInvalidState,
			fmt.Sprintf("cannot stop session in state %s", rec.Status), nil)
	}
	if err := m.pool.Terminate(ctx, id); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, id).Msg("worker termination incomplete")
	}

	from := rec.Status
	if _, err := lifecycle.Dispatch(rec, lifecycle.Event{Kind: lifecycle.EvStop}, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return nil, m.storeErr(err)
	}
	metrics.RecordTransition(string(from), string(rec.Status))
	m.logger.Info().Str(log.FieldSessionID, id).Msg("session stopped")
	return rec, nil
}

// Delete removes the session and all of its event data. A live worker
// is terminated first.
func (m *Manager) Delete(ctx context.Context, userID, id string) error {
	unlock := m.lockSession(id)
	defer unlock()

	rec, err := m.store.GetOwned(ctx, id, userID)
	if err != nil {
		return m.storeErr(err)
	}
	if rec.Status.IsActive() {
		if err := m.pool.Terminate(ctx, id); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldSessionID, id).Msg("worker termination incomplete")
		}
	}
	if err := m.store.DeleteWithData(ctx, id); err != nil {
		return m.storeErr(err)
	}
	m.dropLock(id)
	m.logger.Info().Str(log.FieldSessionID, id).Str(log.FieldUserID, userID).Msg("session deleted")
	return nil
}

// Recover rebuilds the world state of an interrupted session in a fresh
// worker and resumes it. On any failure the session stays interrupted
// and can be retried or discarded.
func (m *Manager) Recover(ctx context.Context, userID, id string) (*model.SessionRecord, error) {
	unlock := m.lockSession(id)
	defer unlock()

	rec, err := m.store.GetOwned(ctx, id, userID)
	if err != nil {
		return nil, m.storeErr(err)
	}
	if _, ok := lifecycle.TransitionFor(rec.Status, lifecycle.EvRecover); !ok {
		return nil, lifecycle.NewReasonError(model.RInvalidState,
			fmt.Sprintf("cannot recover session in state %s", rec.Status), nil)
	}
	payload, err := m.recovery.AssemblePayload(ctx, rec)
	if err != nil {
		return nil, err
	}
	if err := m.admit(ctx, userID); err != nil {
		return nil, err
	}

	// Subscribe before any command is sent so the confirmation cannot
	// slip past us.
	sub, err := m.bus.Subscribe(ctx, worker.TopicWorkerEvents)
	if err != nil {
		return nil, lifecycle.NewReasonError(model.RInitFailed, "", err)
	}
	defer func() { _ = sub.Close() }()

	if err := m.bootWorker(ctx, rec); err != nil {
		return nil, err
	}
	if err := m.pool.Send(id, model.Command{Type: model.CmdRecover, SessionID: id, Payload: payload}); err != nil {
		_ = m.pool.Terminate(ctx, id)
		return nil, lifecycle.NewReasonError(model.RInitFailed, "", err)
	}
	if err := m.pool.Send(id, model.Command{Type: model.CmdStart, SessionID: id}); err != nil {
		_ = m.pool.Terminate(ctx, id)
		return nil, lifecycle.NewReasonError(model.RInitFailed, "", err)
	}
	if err := m.awaitRunning(ctx, sub, id); err != nil {
		_ = m.pool.Terminate(ctx, id)
		return nil, err
	}

	from := rec.Status
	if _, err := lifecycle.Dispatch(rec, lifecycle.Event{Kind: lifecycle.EvRecover}, time.Now().UTC()); err != nil {
		_ = m.pool.Terminate(ctx, id)
		return nil, err
	}
	if err := m.store.Save(ctx, rec); err != nil {
		_ = m.pool.Terminate(ctx, id)
		return nil, m.storeErr(err)
	}
	metrics.RecordTransition(string(from), string(rec.Status))
	m.logger.Info().
		Str(log.FieldSessionID, id).
		Int64(log.FieldTick, payload.CurrentTick).
		Msg("session recovered")
	return rec, nil
}

// awaitRunning waits for the recovered worker to confirm the running
// state, or surface the restore failure it hit.
func (m *Manager) awaitRunning(ctx context.Context, sub bus.Subscription, id string) error {
	timer := time.NewTimer(m.cfg.InitTimeout)
	defer timer.Stop()
	for {
		select {
		case raw, ok := <-sub.C():
			if !ok {
				return lifecycle.NewReasonError(model.RInitFailed, "event stream closed during recovery", nil)
			}
			ev, isEvent := raw.(model.WorkerEvent)
			if !isEvent || ev.SessionID != id {
				continue
			}
			switch ev.Type {
			case model.EvtStateChange:
				if ev.Data == model.WorkerStateRunning {
					return nil
				}
			case model.EvtError:
				msg, _ := ev.Data.(string)
				return lifecycle.NewReasonError(model.RInitFailed, "recovery failed: "+msg, nil)
			case model.EvtWorkerCrashed:
				return lifecycle.NewReasonError(model.RInitFailed, "worker crashed during recovery", nil)
			}
		case <-timer.C:
			return lifecycle.NewReasonError(model.RInitTimeout, "recovery confirmation timed out", nil)
		case <-ctx.Done():
			return lifecycle.WrapWithReasonClass(ctx.Err())
		}
	}
}

// Discard gives up on an interrupted session without restoring it. Its
// event history stays queryable until the session is deleted.
func (m *Manager) Discard(ctx context.Context, userID, id string) (*model.SessionRecord, error) {
	unlock := m.lockSession(id)
	defer unlock()

	rec, err := m.store.GetOwned(ctx, id, userID)
	if err != nil {
		return nil, m.storeErr(err)
	}
	from := rec.Status
	if _, err := lifecycle.Dispatch(rec, lifecycle.Event{Kind: lifecycle.EvDiscard}, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return nil, m.storeErr(err)
	}
	metrics.RecordTransition(string(from), string(rec.Status))
	m.logger.Info().Str(log.FieldSessionID, id).Msg("interrupted session discarded")
	return rec, nil
}

// RecoverySummary exposes the latest startup reconciliation result.
func (m *Manager) RecoverySummary() (*recovery.Summary, bool) {
	return m.recovery.LastSummary()
}

// admit enforces the global cap, then the per-user cap. Counts always
// come from the store so concurrent daemons cannot disagree with a
// stale in-memory view.
func (m *Manager) admit(ctx context.Context, userID string) error {
	m.capMu.RLock()
	maxGlobal, maxPerUser := m.maxGlobal, m.maxPerUser
	m.capMu.RUnlock()

	global, err := m.store.CountActive(ctx, "")
	if err != nil {
		return m.storeErr(err)
	}
	if global >= maxGlobal {
		metrics.RecordAdmissionReject("global")
		return lifecycle.NewReasonError(model.RCapExceeded,
			fmt.Sprintf("global active session limit (%d) reached", maxGlobal), nil)
	}
	mine, err := m.store.CountActive(ctx, userID)
	if err != nil {
		return m.storeErr(err)
	}
	if mine >= maxPerUser {
		metrics.RecordAdmissionReject("user")
		return lifecycle.NewReasonError(model.RCapExceeded,
			fmt.Sprintf("per-user active session limit (%d) reached", maxPerUser), nil)
	}
	return nil
}

// bootWorker spawns a worker and waits for its INIT acknowledgement.
func (m *Manager) bootWorker(ctx context.Context, rec *model.SessionRecord) error {
	if err := m.pool.Spawn(rec.ID); err != nil {
		return lifecycle.NewReasonError(model.RInitFailed, "", err)
	}
	if err := m.pool.Send(rec.ID, model.Command{Type: model.CmdInit, SessionID: rec.ID, Payload: rec.ConfigSnapshot}); err != nil {
		_ = m.pool.Terminate(ctx, rec.ID)
		return lifecycle.NewReasonError(model.RInitFailed, "", err)
	}
	if err := m.pool.WaitForInit(ctx, rec.ID, m.cfg.InitTimeout); err != nil {
		_ = m.pool.Terminate(ctx, rec.ID)
		reason := model.RInitFailed
		if errors.Is(err, worker.ErrInitTimeout) {
			reason = model.RInitTimeout
		}
		return lifecycle.NewReasonError(reason, "", err)
	}
	return nil
}

// crashListener reconciles session rows when workers die unexpectedly.
func (m *Manager) crashListener() {
	defer close(m.crashDone)
	for raw := range m.sub.C() {
		ev, ok := raw.(model.WorkerEvent)
		if !ok || ev.Type != model.EvtWorkerCrashed {
			continue
		}
		m.handleCrash(context.Background(), ev)
	}
}

func (m *Manager) handleCrash(ctx context.Context, ev model.WorkerEvent) {
	unlock := m.lockSession(ev.SessionID)
	defer unlock()

	rec, err := m.store.Get(ctx, ev.SessionID)
	if err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, ev.SessionID).
			Msg("crashed worker has no session row")
		return
	}
	from := rec.Status
	if _, err := lifecycle.Dispatch(rec, lifecycle.Event{Kind: lifecycle.EvCrash}, time.Now().UTC()); err != nil {
		// The session already left the active states; nothing to repair.
		m.logger.Debug().Str(log.FieldSessionID, ev.SessionID).
			Str(log.FieldOldState, string(from)).Msg("crash event for inactive session ignored")
		return
	}
	if err := m.store.Save(ctx, rec); err != nil {
		m.logger.Error().Err(err).Str(log.FieldSessionID, ev.SessionID).
			Msg("could not persist crash transition")
		return
	}
	metrics.RecordTransition(string(from), string(rec.Status))

	evt := m.logger.Error().Str(log.FieldSessionID, ev.SessionID).
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(rec.Status))
	if data, ok := ev.Data.(model.CrashData); ok {
		evt = evt.Int(log.FieldExitCode, data.ExitCode).Str(log.FieldReason, data.Reason)
	}
	evt.Msg("session stopped after worker crash")
}
