// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/plantsim/internal/bus"
	"github.com/ManuGH/plantsim/internal/domain/session/model"
	"github.com/ManuGH/plantsim/internal/engine"
	"github.com/ManuGH/plantsim/internal/log"
	"github.com/ManuGH/plantsim/internal/metrics"
)

// TopicWorkerEvents is the bus topic every worker envelope is published on.
const TopicWorkerEvents = "worker.events"

// ErrInitTimeout reports that a worker did not acknowledge INIT in time.
var ErrInitTimeout = errors.New("worker init timeout")

// HandleStatus is the supervisor's view of a worker, derived from the
// envelopes it forwards. It is coarser than the session status.
type HandleStatus string

const (
	StatusInitializing HandleStatus = "initializing"
	StatusReady        HandleStatus = "ready"
	StatusRunning      HandleStatus = "running"
	StatusPaused       HandleStatus = "paused"
	StatusStopping     HandleStatus = "stopping"
	StatusStopped      HandleStatus = "stopped"
)

// PoolConfig tunes supervision timing. Zero values fall back to defaults.
type PoolConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	StopGrace         time.Duration
	DrainTimeout      time.Duration
	FlushYield        time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 15 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.FlushYield <= 0 {
		c.FlushYield = 100 * time.Millisecond
	}
	return c
}

// handle is the pool's bookkeeping for one live worker. All mutable
// fields are guarded by the pool mutex; exitCode is written once by the
// runner before exited is closed.
type handle struct {
	sessionID     string
	spawnedAt     time.Time
	lastHeartbeat time.Time
	status        HandleStatus
	graceful      bool
	initErr       error

	worker   *Worker
	cancel   context.CancelFunc
	initDone chan struct{}
	exited   chan struct{}
	exitCode int
}

// HandleInfo is a read-only snapshot of a handle for callers and tests.
type HandleInfo struct {
	SessionID     string
	Status        HandleStatus
	SpawnedAt     time.Time
	LastHeartbeat time.Time
}

// Pool supervises all workers in the process: spawn, command routing,
// init synchronization, graceful termination and crash detection.
// Exactly one WORKER_CRASHED envelope is published per non-graceful
// death, whether the exit listener or the heartbeat monitor saw it first.
type Pool struct {
	mu      sync.Mutex
	handles map[string]*handle

	bus         bus.Bus
	factory     engine.Factory
	sink        EventSink
	checkpoints CheckpointWriter
	cfg         PoolConfig

	wg            sync.WaitGroup
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

func NewPool(b bus.Bus, factory engine.Factory, sink EventSink, checkpoints CheckpointWriter, cfg PoolConfig) *Pool {
	return &Pool{
		handles:     make(map[string]*handle),
		bus:         b,
		factory:     factory,
		sink:        sink,
		checkpoints: checkpoints,
		cfg:         cfg.withDefaults(),
	}
}

// Spawn creates and starts a worker for the session. It fails if one is
// already live; the caller must terminate the old worker first.
func (p *Pool) Spawn(sessionID string) error {
	wctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	if _, exists := p.handles[sessionID]; exists {
		p.mu.Unlock()
		cancel()
		return fmt.Errorf("worker already live for session %s", sessionID)
	}
	h := &handle{
		sessionID:     sessionID,
		spawnedAt:     time.Now(),
		lastHeartbeat: time.Now(),
		status:        StatusInitializing,
		worker:        newWorker(sessionID, p.factory(sessionID), p.sink, p.checkpoints, p.cfg),
		cancel:        cancel,
		initDone:      make(chan struct{}),
		exited:        make(chan struct{}),
	}
	p.handles[sessionID] = h
	p.mu.Unlock()

	metrics.ActiveWorkers.Inc()

	p.wg.Add(2)
	go p.forward(h)
	go p.runWorker(wctx, h)
	return nil
}

func (p *Pool) runWorker(ctx context.Context, h *handle) {
	defer p.wg.Done()
	defer h.cancel()
	h.exitCode = h.worker.run(ctx)
	p.onExit(h)
	close(h.exited)
}

// forward pumps worker envelopes onto the bus, updating the handle's
// liveness bookkeeping on the way through. Ends when the outbox closes.
func (p *Pool) forward(h *handle) {
	defer p.wg.Done()
	for ev := range h.worker.outbox {
		p.observe(h, ev)
		if err := p.bus.Publish(context.Background(), TopicWorkerEvents, ev); err != nil {
			logger := log.WithComponent("pool")
			logger.Warn().Err(err).
				Str(log.FieldSessionID, h.sessionID).
				Str(log.FieldEvent, string(ev.Type)).
				Msg("bus publish failed")
		}
	}
}

func (p *Pool) observe(h *handle, ev model.WorkerEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev.Type {
	case model.EvtHeartbeat:
		h.lastHeartbeat = ev.WallTimestamp
	case model.EvtInitComplete:
		h.status = StatusReady
		h.lastHeartbeat = ev.WallTimestamp
		metrics.InitDuration.Observe(time.Since(h.spawnedAt).Seconds())
		closeOnce(h.initDone)
	case model.EvtError:
		if h.status == StatusInitializing {
			msg, _ := ev.Data.(string)
			h.initErr = fmt.Errorf("worker init failed: %s", msg)
			closeOnce(h.initDone)
		}
	case model.EvtStateChange:
		if s, ok := ev.Data.(string); ok {
			switch s {
			case model.WorkerStateRunning:
				h.status = StatusRunning
			case model.WorkerStatePaused:
				h.status = StatusPaused
			case model.WorkerStateStopped:
				h.status = StatusStopped
			}
		}
	}
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// onExit is the exit-listener crash path: a worker whose handle is still
// registered and not marked graceful died on its own.
func (p *Pool) onExit(h *handle) {
	p.mu.Lock()
	cur, present := p.handles[h.sessionID]
	if !present || cur != h {
		// Terminate or the heartbeat monitor already claimed this death.
		p.mu.Unlock()
		return
	}
	delete(p.handles, h.sessionID)
	graceful := h.graceful
	p.mu.Unlock()

	metrics.ActiveWorkers.Dec()
	if graceful {
		return
	}
	metrics.RecordWorkerCrash("exit")
	logger := log.WithComponent("pool")
	logger.Error().
		Str(log.FieldSessionID, h.sessionID).
		Int(log.FieldExitCode, h.exitCode).
		Msg("worker crashed")
	p.publishCrash(h.sessionID, model.CrashData{ExitCode: h.exitCode, Reason: model.CrashReasonExit})
}

func (p *Pool) publishCrash(sessionID string, data model.CrashData) {
	ev := model.WorkerEvent{
		Type:          model.EvtWorkerCrashed,
		SessionID:     sessionID,
		Data:          data,
		WallTimestamp: time.Now(),
	}
	if err := p.bus.Publish(context.Background(), TopicWorkerEvents, ev); err != nil {
		logger := log.WithComponent("pool")
		logger.Warn().Err(err).
			Str(log.FieldSessionID, sessionID).
			Msg("crash event publish failed")
	}
}

// Send routes a command to the session's worker without blocking.
func (p *Pool) Send(sessionID string, cmd model.Command) error {
	p.mu.Lock()
	h, ok := p.handles[sessionID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no worker for session %s", sessionID)
	}
	return sendToHandle(h, cmd)
}

func sendToHandle(h *handle, cmd model.Command) error {
	select {
	case h.worker.inbox <- cmd:
		return nil
	default:
		return fmt.Errorf("inbox full for session %s", h.sessionID)
	}
}

// WaitForInit blocks until the worker acknowledged INIT, failed it, died,
// or the timeout elapsed.
func (p *Pool) WaitForInit(ctx context.Context, sessionID string, timeout time.Duration) error {
	p.mu.Lock()
	h, ok := p.handles[sessionID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no worker for session %s", sessionID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.initDone:
		p.mu.Lock()
		err := h.initErr
		p.mu.Unlock()
		return err
	case <-h.exited:
		return fmt.Errorf("worker for session %s exited during init (code %d)", sessionID, h.exitCode)
	case <-timer.C:
		return fmt.Errorf("session %s after %s: %w", sessionID, timeout, ErrInitTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate shuts a worker down gracefully: the handle is marked and
// deregistered first so the exit cannot be mistaken for a crash, then
// STOP is sent and the worker gets a grace period before force-cancel.
// Terminating an absent worker is a no-op.
func (p *Pool) Terminate(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	h, ok := p.handles[sessionID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	h.graceful = true
	h.status = StatusStopping
	delete(p.handles, sessionID)
	p.mu.Unlock()

	metrics.ActiveWorkers.Dec()

	if err := sendToHandle(h, model.Command{Type: model.CmdStop, SessionID: sessionID}); err != nil {
		logger := log.WithComponent("pool")
		logger.Warn().Err(err).
			Str(log.FieldSessionID, sessionID).
			Msg("stop command not delivered, forcing termination")
		h.cancel()
	}

	grace := time.NewTimer(p.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-h.exited:
		return nil
	case <-grace.C:
		h.cancel()
	case <-ctx.Done():
		h.cancel()
		return ctx.Err()
	}

	select {
	case <-h.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TerminateAll stops the heartbeat monitor and winds down every live
// worker concurrently. Used on daemon shutdown.
func (p *Pool) TerminateAll(ctx context.Context) error {
	p.StopMonitor()

	p.mu.Lock()
	ids := make([]string, 0, len(p.handles))
	for id := range p.handles {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	g := new(errgroup.Group)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return p.Terminate(ctx, id)
		})
	}
	err := g.Wait()
	p.wg.Wait()
	return err
}

// StartMonitor launches the heartbeat monitor loop.
func (p *Pool) StartMonitor() {
	ctx, cancel := context.WithCancel(context.Background())
	p.monitorCancel = cancel
	p.monitorDone = make(chan struct{})
	go func() {
		defer close(p.monitorDone)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.MonitorOnce(time.Now())
			}
		}
	}()
}

// StopMonitor halts the heartbeat monitor and waits for it to finish.
func (p *Pool) StopMonitor() {
	if p.monitorCancel == nil {
		return
	}
	p.monitorCancel()
	<-p.monitorDone
	p.monitorCancel = nil
}

// MonitorOnce runs one heartbeat sweep. Workers still initializing or
// already stopping are exempt; a silent worker is deregistered before
// its crash is published so the exit listener stays quiet.
func (p *Pool) MonitorOnce(now time.Time) {
	var stale []*handle
	p.mu.Lock()
	for id, h := range p.handles {
		if h.status == StatusInitializing || h.status == StatusStopping {
			continue
		}
		if now.Sub(h.lastHeartbeat) > p.cfg.HeartbeatTimeout {
			delete(p.handles, id)
			stale = append(stale, h)
		}
	}
	p.mu.Unlock()

	for _, h := range stale {
		metrics.ActiveWorkers.Dec()
		metrics.RecordWorkerCrash("heartbeat")
		logger := log.WithComponent("pool")
		logger.Error().
			Str(log.FieldSessionID, h.sessionID).
			Time("last_heartbeat", h.lastHeartbeat).
			Msg("worker heartbeat timed out")
		p.publishCrash(h.sessionID, model.CrashData{ExitCode: -1, Reason: model.CrashReasonHeartbeatTimeout})
		h.cancel()
	}
}

// Handle returns a snapshot of the session's live handle, if any.
func (p *Pool) Handle(sessionID string) (HandleInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[sessionID]
	if !ok {
		return HandleInfo{}, false
	}
	return HandleInfo{
		SessionID:     h.sessionID,
		Status:        h.status,
		SpawnedAt:     h.spawnedAt,
		LastHeartbeat: h.lastHeartbeat,
	}, true
}

// ActiveCount reports the number of live handles.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}
