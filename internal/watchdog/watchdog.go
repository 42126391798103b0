// Package watchdog re-queues builds whose run has gone silent. A run
// that has not been touched for a minute is considered dead: its build
// either goes back to new (when it was active) or to stopped (when it
// was already stopping).
package watchdog

import (
	"context"
	"log/slog"
	"time"

	"github.com/conveyor-ci/conveyor/internal/bus"
	"github.com/conveyor-ci/conveyor/internal/metrics"
	"github.com/conveyor-ci/conveyor/internal/store"
)

const (
	retryDelay = 10 * time.Second

	// Staleness bound. An agent touches its run every 10 seconds, so
	// a minute of silence means the agent is gone.
	staleAfter = 60 * time.Second
)

// AgentNudger wakes the agents when builds were re-queued.
type AgentNudger interface {
	ProcessBuilds() bool
}

// Rescheduler is the self-wakeup facility of the worker loop.
type Rescheduler interface {
	Reschedule(delay time.Duration, payload any)
}

// Watchdog is the worker job.
type Watchdog struct {
	store        *store.Store
	bus          *bus.Publisher
	linuxAgent   AgentNudger
	windowsAgent AgentNudger

	// Loop is set by the service runner once the worker exists.
	Loop Rescheduler
}

// New creates a watchdog that nudges both platform agents.
func New(st *store.Store, publisher *bus.Publisher, linux, windows AgentNudger) *Watchdog {
	return &Watchdog{store: st, bus: publisher, linuxAgent: linux, windowsAgent: windows}
}

// Work runs one reaping pass.
func (w *Watchdog) Work(ctx context.Context, payload any) {
	if err := w.reap(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("Reaping stalled runs failed", "error", err)
		slog.Info("Retry reaping", "delay", retryDelay)
		if w.Loop != nil {
			w.Loop.Reschedule(retryDelay, payload)
		}
	}
}

// Cleanup is a no-op; the watchdog holds no external resources.
func (w *Watchdog) Cleanup() {}

func (w *Watchdog) reap(ctx context.Context) error {
	slog.Info("Start reaping stalled runs")
	cutoff := time.Now().UTC().Add(-staleAfter)
	transitions, err := w.store.ReapStalledRuns(ctx, cutoff)
	if err != nil {
		return err
	}

	restarted := false
	for _, t := range transitions {
		slog.Info("Reaped stalled run", "run", t.RunID, "build", t.BuildID, "restarted", t.Restarted)
		w.bus.PublishRun(t.RunID)
		w.bus.PublishBuild(t.BuildID)
		metrics.RunsStalled.Inc()
		restarted = restarted || t.Restarted
	}

	if restarted {
		slog.Info("Trigger agents: process builds")
		if !w.linuxAgent.ProcessBuilds() {
			slog.Error("Failed to trigger Linux agent")
		}
		if !w.windowsAgent.ProcessBuilds() {
			slog.Error("Failed to trigger Windows agent")
		}
	}
	slog.Info("Finish reaping stalled runs", "reaped", len(transitions))
	return nil
}
