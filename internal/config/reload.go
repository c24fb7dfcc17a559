// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ManuGH/plantsim/internal/log"
)

// Holder provides thread-safe access to the current configuration and
// hot-reloads it when the config file changes. Only the admission caps
// and sweep cadence are meant to change at runtime; listeners decide
// what they pick up.
type Holder struct {
	mu      sync.RWMutex
	current Config
	loader  Loader
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	listenerMu sync.RWMutex
	listeners  []chan<- Config
}

// NewHolder wraps an initial configuration.
func NewHolder(initial Config, loader Loader) *Holder {
	return &Holder{
		current: initial,
		loader:  loader,
		logger:  log.WithComponent("config"),
	}
}

// Get returns the current configuration.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload loads and validates the file again. On any error the previous
// configuration stays in effect.
func (h *Holder) Reload(_ context.Context) error {
	next, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Msg("config reload rejected")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	prev := h.current
	h.current = next
	h.mu.Unlock()

	h.notify(next)
	h.logChanges(prev, next)
	h.logger.Info().Msg("configuration reloaded")
	return nil
}

// StartWatcher watches the config file and reloads on change. A missing
// path disables watching (env-only configuration).
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.loader.Path == "" {
		h.logger.Info().Msg("config watcher disabled, no config file")
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(h.loader.Path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}
	h.watcher = watcher
	h.logger.Info().Str("path", h.loader.Path).Msg("watching config file")
	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	// Editors fire bursts of events per save; debounce them.
	const debounce = 500 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			_ = h.watcher.Close()
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					if err := h.Reload(ctx); err != nil {
						h.logger.Error().Err(err).Msg("automatic config reload failed")
					}
				})
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")
		}
	}
}

// Stop closes the watcher if one is running.
func (h *Holder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}

// RegisterListener subscribes a channel to successful reloads. Sends
// never block; a full channel skips the notification.
func (h *Holder) RegisterListener(ch chan<- Config) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notify(cfg Config) {
	h.listenerMu.RLock()
	defer h.listenerMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().Msg("config listener channel full, notification skipped")
		}
	}
}

func (h *Holder) logChanges(prev, next Config) {
	if prev.Sessions.MaxGlobal != next.Sessions.MaxGlobal {
		h.logger.Info().
			Int("old", prev.Sessions.MaxGlobal).
			Int("new", next.Sessions.MaxGlobal).
			Msg("config changed: sessions.maxGlobal")
	}
	if prev.Sessions.MaxPerUser != next.Sessions.MaxPerUser {
		h.logger.Info().
			Int("old", prev.Sessions.MaxPerUser).
			Int("new", next.Sessions.MaxPerUser).
			Msg("config changed: sessions.maxPerUser")
	}
	if prev.Store != next.Store {
		h.logger.Warn().Msg("config changed: store settings need a restart to apply")
	}
	if prev.Server.Addr != next.Server.Addr {
		h.logger.Warn().Msg("config changed: server.addr needs a restart to apply")
	}
}
