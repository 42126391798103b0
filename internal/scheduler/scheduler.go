// Package scheduler fans new commits out into builds, one per matching
// profile of the commit's ecosystem.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/conveyor-ci/conveyor/internal/bus"
	"github.com/conveyor-ci/conveyor/internal/metrics"
	"github.com/conveyor-ci/conveyor/internal/model"
	"github.com/conveyor-ci/conveyor/internal/store"
)

const retryDelay = 10 * time.Second

// AgentNudger wakes the agents when new builds are waiting.
type AgentNudger interface {
	ProcessBuilds() bool
}

// Rescheduler is the self-wakeup facility of the worker loop.
type Rescheduler interface {
	Reschedule(delay time.Duration, payload any)
}

// Scheduler is the worker job.
type Scheduler struct {
	store        *store.Store
	bus          *bus.Publisher
	linuxAgent   AgentNudger
	windowsAgent AgentNudger

	// Loop is set by the service runner once the worker exists.
	Loop Rescheduler
}

// New creates a scheduler that nudges both platform agents.
func New(st *store.Store, publisher *bus.Publisher, linux, windows AgentNudger) *Scheduler {
	return &Scheduler{store: st, bus: publisher, linuxAgent: linux, windowsAgent: windows}
}

// Work fans out commits until no new ones remain.
func (s *Scheduler) Work(ctx context.Context, payload any) {
	for {
		processed, err := s.processCommits(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Processing commits failed", "error", err)
			slog.Info("Retry processing commits", "delay", retryDelay)
			if s.Loop != nil {
				s.Loop.Reschedule(retryDelay, payload)
			}
			return
		}
		if !processed {
			return
		}
	}
}

// Cleanup is a no-op; the scheduler holds no external resources.
func (s *Scheduler) Cleanup() {}

// processCommits runs one fan-out pass under a single transaction and
// reports whether any commit was processed.
func (s *Scheduler) processCommits(ctx context.Context) (bool, error) {
	slog.Info("Start processing commits")

	var newBuilds []int64
	processed := false
	err := s.store.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		newBuilds = nil
		processed = false

		commits, err := tx.ListNewCommits(ctx)
		if err != nil {
			return err
		}
		profilesByEcosystem := make(map[int64][]model.Profile)
		for _, commit := range commits {
			processed = true
			ecosystemID, err := tx.RepoEcosystem(ctx, commit.RepoID)
			if err != nil {
				return err
			}
			profiles, ok := profilesByEcosystem[ecosystemID]
			if !ok {
				profiles, err = tx.ListProfiles(ctx, ecosystemID)
				if err != nil {
					return err
				}
				profilesByEcosystem[ecosystemID] = profiles
			}
			exclude, err := tx.RepoExcludeLabels(ctx, commit.RepoID)
			if err != nil {
				return err
			}

			for _, profile := range profiles {
				if excluded(exclude, profile.Labels) {
					slog.Info("Do not schedule build, profile excluded",
						"commit", shortSHA(commit.SHA), "profile", profile.Name)
					continue
				}
				slog.Info("Schedule build", "commit", shortSHA(commit.SHA), "profile", profile.Name)
				buildID, err := tx.InsertBuild(ctx, commit.ID, profile.ID, time.Now().UTC())
				if err != nil {
					return err
				}
				newBuilds = append(newBuilds, buildID)
			}

			slog.Info("Set status of commit to 'building'", "commit", shortSHA(commit.SHA))
			if err := tx.SetCommitStatus(ctx, commit.ID, model.CommitBuilding); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	s.bus.PublishBuilds(newBuilds)
	metrics.BuildsScheduled.Add(float64(len(newBuilds)))

	pending, err := s.store.CountNewBuilds(ctx)
	if err != nil {
		return false, err
	}
	if pending > 0 {
		s.triggerAgents()
	}

	slog.Info("Finish processing commits", "builds", len(newBuilds))
	return processed, nil
}

// excluded reports whether the repo's excluded labels intersect the
// profile's labels.
func excluded(exclude, labels []string) bool {
	for _, e := range exclude {
		for _, l := range labels {
			if e == l {
				return true
			}
		}
	}
	return false
}

func (s *Scheduler) triggerAgents() {
	slog.Info("Trigger agents: process builds")
	if !s.linuxAgent.ProcessBuilds() {
		slog.Error("Failed to trigger Linux agent")
	}
	if !s.windowsAgent.ProcessBuilds() {
		slog.Error("Failed to trigger Windows agent")
	}
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
