package syncer

import (
	"context"
	"time"
)

const (
	defaultFallbackInterval = 2 * time.Second
	defaultFallbackTimeout  = 15 * time.Second
	defaultFallbackAttempts = 5
)

// FallbackConfig tunes the initial-load fallback. Zero values select the
// defaults.
type FallbackConfig struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts int
}

// EnsureInitialLoad keeps nudging one scenario's first sync until the store
// holds data for it, the attempts run out, or the hard timeout fires.
// Its only purpose is to stop a first-load skeleton from spinning forever; it
// never retries indefinitely, and a false return just means the UI should
// show its empty state.
func (s *Scheduler) EnsureInitialLoad(ctx context.Context, scenarioID string, cfg FallbackConfig) bool {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultFallbackInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFallbackTimeout
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultFallbackAttempts
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 0; attempt < attempts; attempt++ {
		if s.scenarioLoaded(scenarioID) {
			return true
		}
		// Errors and throttle drops both fall through to the next tick.
		_ = s.SyncScenario(ctx, scenarioID)
		if s.scenarioLoaded(scenarioID) {
			return true
		}
		select {
		case <-ctx.Done():
			return s.scenarioLoaded(scenarioID)
		case <-deadline.C:
			return s.scenarioLoaded(scenarioID)
		case <-ticker.C:
		}
	}
	return s.scenarioLoaded(scenarioID)
}

// scenarioLoaded reports whether any entity for the scenario has landed.
func (s *Scheduler) scenarioLoaded(scenarioID string) bool {
	snapshot := s.store.Read()
	if _, ok := snapshot.Scenarios[scenarioID]; ok {
		return true
	}
	for _, profile := range snapshot.Profiles {
		if profile.ScenarioID == scenarioID {
			return true
		}
	}
	return false
}
