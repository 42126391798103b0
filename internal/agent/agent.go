// Package agent executes builds for one platform. An agent leases a
// build under a row lock, drives a container through the builder and
// reports the result through the manager.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/conveyor-ci/conveyor/internal/builder"
	"github.com/conveyor-ci/conveyor/internal/bus"
	"github.com/conveyor-ci/conveyor/internal/manager"
	"github.com/conveyor-ci/conveyor/internal/metrics"
	"github.com/conveyor-ci/conveyor/internal/model"
	"github.com/conveyor-ci/conveyor/internal/store"
)

const (
	retryDelay   = 10 * time.Second
	tickInterval = 10 * time.Second
	statusWindow = 30 * time.Second
)

// SchedulerNudger tells the scheduler to look at its queue now.
type SchedulerNudger interface {
	ProcessCommits() bool
}

// Rescheduler is the self-wakeup facility of the worker loop.
type Rescheduler interface {
	Reschedule(delay time.Duration, payload any)
}

// Agent is the worker job for one platform.
type Agent struct {
	store     *store.Store
	bus       *bus.Publisher
	manager   *manager.Manager
	scheduler SchedulerNudger
	platform  model.Platform
	mtu       string

	// Loop is set by the service runner once the worker exists.
	Loop Rescheduler
}

// New creates an agent for the given platform.
func New(st *store.Store, publisher *bus.Publisher, mgr *manager.Manager,
	scheduler SchedulerNudger, platform model.Platform, mtu string) *Agent {
	return &Agent{
		store:     st,
		bus:       publisher,
		manager:   mgr,
		scheduler: scheduler,
		platform:  platform,
		mtu:       mtu,
	}
}

// Work leases and executes builds until none are left.
func (a *Agent) Work(ctx context.Context, payload any) {
	for {
		again, err := a.processBuild(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Processing builds failed", "error", err)
			slog.Info("Retry processing builds", "delay", retryDelay)
			if a.Loop != nil {
				a.Loop.Reschedule(retryDelay, payload)
			}
			return
		}
		if !again {
			return
		}
	}
}

// Cleanup is a no-op; containers are owned per iteration.
func (a *Agent) Cleanup() {}

// processBuild runs one lease-execute-report cycle. It reports whether
// the agent should try to lease another build right away.
func (a *Agent) processBuild(ctx context.Context) (bool, error) {
	slog.Info("Start processing builds")
	lease, err := a.store.LeaseBuild(ctx, a.platform, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if lease == nil {
		slog.Info("Stop processing builds with no builds processed")
		return false, nil
	}

	slog.Info("Set status of build to 'active'", "build", lease.BuildID, "run", lease.RunID)
	a.bus.PublishBuild(lease.BuildID)
	a.bus.PublishRun(lease.RunID)

	params := buildParameters(lease, a.mtu)
	b := builder.New(a.platform, lease.Profile.Container, params)
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		if err := b.PullImage(ctx); err != nil {
			done <- err
			return
		}
		if err := b.CreateBuildFiles(); err != nil {
			done <- err
			return
		}
		if err := b.SetupContainer(ctx); err != nil {
			done <- err
			return
		}
		done <- b.RunBuild(ctx)
	}()

	logCounter := 1
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			a.appendLogs(lease, &logCounter, b.DrainLogs())
			return a.finishBuild(ctx, lease, b, &logCounter, err)

		case <-ticker.C:
			a.appendLogs(lease, &logCounter, b.DrainLogs())
			if err := a.store.TouchRun(ctx, lease.RunID); err != nil {
				slog.Error("Failed to touch run", "run", lease.RunID, "error", err)
			}
			if a.cancelStoppingBuild(ctx, lease, b) {
				return true, nil
			}

		case <-ctx.Done():
			slog.Info("Agent was cancelled")
			b.Cancel()
			a.appendLogs(lease, &logCounter, b.DrainLogs())
			a.setBuildRunStatus(lease, model.BuildNew, model.RunStopped)
			return false, nil
		}
	}
}

// finishBuild interprets the builder result once all phases ended.
func (a *Agent) finishBuild(ctx context.Context, lease *store.LeasedBuild, b *builder.Builder,
	logCounter *int, err error) (bool, error) {
	if err == nil {
		slog.Info("Process build output", "build", lease.BuildID)
		newBuilds, merr := a.manager.ProcessSuccess(ctx, lease.BuildID, b.Output)
		if merr != nil {
			slog.Error("Failed to process build output", "build", lease.BuildID, "error", merr)
		}
		if newBuilds {
			a.triggerScheduler()
		}
		a.setBuildRunStatus(lease, model.BuildSuccess, model.RunSuccess)
		metrics.BuildsProcessed.WithLabelValues("success").Inc()
		return true, nil
	}

	var failed *builder.Failed
	if errors.As(err, &failed) {
		slog.Info("Build failed", "build", lease.BuildID, "reason", failed.Reason)
		a.appendLogs(lease, logCounter, []string{failed.Reason})
		if merr := a.manager.ProcessFailure(ctx, lease.BuildID, b.Output); merr != nil {
			slog.Error("Failed to process build output", "build", lease.BuildID, "error", merr)
		}
		a.setBuildRunStatus(lease, model.BuildError, model.RunError)
		metrics.BuildsProcessed.WithLabelValues("error").Inc()
		return true, nil
	}

	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		slog.Info("Agent was cancelled")
		a.setBuildRunStatus(lease, model.BuildNew, model.RunStopped)
		return false, nil
	}

	slog.Error("Unexpected error while building", "build", lease.BuildID, "error", err)
	return true, nil
}

// cancelStoppingBuild checks whether the build was externally set to
// stopping and, if so, cancels the container and marks everything
// stopped.
func (a *Agent) cancelStoppingBuild(ctx context.Context, lease *store.LeasedBuild, b *builder.Builder) bool {
	status, err := a.store.GetBuildStatus(ctx, lease.BuildID)
	if err != nil {
		slog.Error("Failed to query build status", "build", lease.BuildID, "error", err)
		return false
	}
	if status != model.BuildStopping {
		return false
	}
	slog.Info("Cancel build", "build", lease.BuildID)
	b.Cancel()
	a.setBuildRunStatus(lease, model.BuildStopped, model.RunStopped)
	metrics.BuildsProcessed.WithLabelValues("stopped").Inc()
	return true
}

// setBuildRunStatus writes both statuses and publishes the change. It
// uses its own context so that the final status of a cancelled agent
// still lands in the store.
func (a *Agent) setBuildRunStatus(lease *store.LeasedBuild, bs model.BuildStatus, rs model.RunStatus) {
	slog.Info("Set build status", "build", lease.BuildID, "status", bs)
	ctx, cancel := context.WithTimeout(context.Background(), statusWindow)
	defer cancel()
	if err := a.store.SetBuildRunStatus(ctx, lease.BuildID, lease.RunID, bs, rs); err != nil {
		slog.Error("Failed to set build status", "build", lease.BuildID, "error", err)
		return
	}
	a.bus.PublishBuild(lease.BuildID)
	a.bus.PublishRun(lease.RunID)
}

// appendLogs persists lines with dense numbers and announces each on
// the run's bus subject.
func (a *Agent) appendLogs(lease *store.LeasedBuild, counter *int, lines []string) {
	if len(lines) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), statusWindow)
	defer cancel()
	ids, err := a.store.AppendLogLines(ctx, lease.RunID, *counter, lines, time.Now().UTC())
	if err != nil {
		slog.Error("Failed to update logs", "run", lease.RunID, "error", err)
		return
	}
	*counter += len(ids)
	for _, id := range ids {
		a.bus.PublishLogLine(lease.RunID, id)
	}
}

func (a *Agent) triggerScheduler() {
	slog.Info("Trigger scheduler: process commits")
	if !a.scheduler.ProcessCommits() {
		slog.Error("Failed to trigger scheduler")
	}
}

// buildParameters assembles the immutable builder input from a leased
// build.
func buildParameters(lease *store.LeasedBuild, mtu string) *builder.Parameters {
	path := "./conanfile.py"
	if lease.Repo.Path != "" {
		path = fmt.Sprintf("./%s/conanfile.py", lease.Repo.Path)
	}
	options := make([]string, 0, len(lease.Repo.Options))
	for _, o := range lease.Repo.Options {
		options = append(options, fmt.Sprintf("-o %s=%s", o.Key, o.Value))
	}
	return &builder.Parameters{
		ConanConfigURL:    lease.Ecosystem.ConanConfigURL,
		ConanConfigPath:   lease.Ecosystem.ConanConfigPath,
		ConanConfigBranch: lease.Ecosystem.ConanConfigBranch,
		ConanProfile:      lease.Profile.ConanProfile,
		ConanOptions:      strings.Join(options, " "),
		ConanCredentials:  lease.ConanCredentials,
		GitURL:            lease.Repo.URL,
		GitSHA:            lease.Commit.SHA,
		GitCredentials:    lease.GitCredentials,
		User:              lease.Ecosystem.User,
		Channel:           lease.Channel.ConanChannel,
		Version:           lease.Repo.Version,
		Path:              path,
		SSHKey:            lease.Configuration.SSHKey,
		KnownHosts:        lease.Configuration.KnownHosts,
		DockerCredentials: lease.DockerCredentials,
		MTU:               mtu,
	}
}
