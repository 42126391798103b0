// Package service assembles the Conveyor workers into runnable
// processes. Each constructor wires one role: crawler, scheduler, agent
// or watchdog; All combines every role in a single process with
// in-process nudges.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/conveyor-ci/conveyor/internal/agent"
	"github.com/conveyor-ci/conveyor/internal/api"
	"github.com/conveyor-ci/conveyor/internal/bus"
	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/crawler"
	"github.com/conveyor-ci/conveyor/internal/manager"
	"github.com/conveyor-ci/conveyor/internal/scheduler"
	"github.com/conveyor-ci/conveyor/internal/store"
	"github.com/conveyor-ci/conveyor/internal/watchdog"
	"github.com/conveyor-ci/conveyor/internal/worker"
)

const (
	crawlerPeriod  = 300 * time.Second
	watchdogPeriod = 60 * time.Second
	stopTimeout    = 30 * time.Second
)

// Service is one running process: a set of workers, their periodic
// triggers and the nudge HTTP server.
type Service struct {
	store   *store.Store
	bus     *bus.Publisher
	server  *api.Server
	cron    gocron.Scheduler
	workers []*worker.Worker

	// schedulerWorker is set in all-in-one mode so the agent can nudge
	// the co-located scheduler after unblocking builds.
	schedulerWorker *worker.Worker
}

func newService(ctx context.Context, cfg *config.Config) (*Service, error) {
	st, err := store.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}

	publisher, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		// The bus is notification-only; run without it.
		slog.Warn("Running without event bus", "error", err)
		publisher = nil
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create cron scheduler: %w", err)
	}

	return &Service{
		store:  st,
		bus:    publisher,
		server: api.NewServer(cfg.ListenAddr),
		cron:   cron,
	}, nil
}

// NewCrawler assembles a crawler process.
func NewCrawler(ctx context.Context, cfg *config.Config, dataDir string) (*Service, error) {
	s, err := newService(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.addCrawler(dataDir, api.NewClient(cfg.SchedulerURL))
	return s, nil
}

// NewScheduler assembles a scheduler process.
func NewScheduler(ctx context.Context, cfg *config.Config) (*Service, error) {
	s, err := newService(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.addScheduler(api.NewClient(cfg.LinuxAgentURL), api.NewClient(cfg.WindowsAgentURL))
	return s, nil
}

// NewAgent assembles an agent process for the configured platform.
func NewAgent(ctx context.Context, cfg *config.Config) (*Service, error) {
	s, err := newService(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.addAgent(cfg, api.NewClient(cfg.SchedulerURL)); err != nil {
		s.closeResources()
		return nil, err
	}
	return s, nil
}

// NewWatchdog assembles a watchdog process.
func NewWatchdog(ctx context.Context, cfg *config.Config) (*Service, error) {
	s, err := newService(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.addWatchdog(api.NewClient(cfg.LinuxAgentURL), api.NewClient(cfg.WindowsAgentURL))
	return s, nil
}

// NewAll assembles every role into one process. Workers nudge each
// other directly instead of over HTTP.
func NewAll(ctx context.Context, cfg *config.Config, dataDir string) (*Service, error) {
	s, err := newService(ctx, cfg)
	if err != nil {
		return nil, err
	}

	agentWorker, err := s.addAgent(cfg, deferredNudge{s: s})
	if err != nil {
		s.closeResources()
		return nil, err
	}
	agentNudge := triggerNudge{w: agentWorker}

	schedulerWorker := s.addScheduler(agentNudge, agentNudge)
	schedulerNudge := triggerNudge{w: schedulerWorker}
	s.schedulerWorker = schedulerWorker

	s.addCrawler(dataDir, schedulerNudge)
	s.addWatchdog(agentNudge, agentNudge)
	return s, nil
}

func (s *Service) addCrawler(dataDir string, sched crawler.SchedulerNudger) *worker.Worker {
	cr := crawler.New(s.store, sched, dataDir)
	w := worker.New("crawler", cr)
	cr.Loop = w
	s.workers = append(s.workers, w)

	_, err := s.cron.NewJob(
		gocron.DurationJob(crawlerPeriod),
		gocron.NewTask(func() { w.Trigger(crawler.FullScan{}) }),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		slog.Error("Failed to schedule periodic crawl", "error", err)
	}

	s.server.HandleProcessRepos(func() { w.Trigger(crawler.FullScan{}) })
	enqueue := func(repoID int64, sha, ref string) {
		cr.Enqueue(crawler.TriggerRecord{RepoID: repoID, SHA: sha, Ref: ref})
		w.Trigger(nil)
	}
	s.server.HandleProcessRepo(enqueue)
	s.server.Handle("POST /webhook/github", api.NewWebhookHandler(s.store, enqueue))
	return w
}

func (s *Service) addScheduler(linux, windows scheduler.AgentNudger) *worker.Worker {
	sch := scheduler.New(s.store, s.bus, linux, windows)
	w := worker.New("scheduler", sch)
	sch.Loop = w
	s.workers = append(s.workers, w)
	s.server.HandleProcessCommits(func() { w.Trigger(nil) })
	return w
}

func (s *Service) addAgent(cfg *config.Config, sched agent.SchedulerNudger) (*worker.Worker, error) {
	platform, err := cfg.Platform()
	if err != nil {
		return nil, err
	}
	mgr := manager.New(s.store, s.bus)
	a := agent.New(s.store, s.bus, mgr, sched, platform, fmt.Sprintf("%d", cfg.MTU))
	w := worker.New("agent", a)
	a.Loop = w
	s.workers = append(s.workers, w)
	s.server.HandleProcessBuilds(func() { w.Trigger(nil) })
	return w, nil
}

func (s *Service) addWatchdog(linux, windows watchdog.AgentNudger) *worker.Worker {
	wd := watchdog.New(s.store, s.bus, linux, windows)
	w := worker.New("watchdog", wd)
	wd.Loop = w
	s.workers = append(s.workers, w)

	_, err := s.cron.NewJob(
		gocron.DurationJob(watchdogPeriod),
		gocron.NewTask(func() { w.Trigger(nil) }),
	)
	if err != nil {
		slog.Error("Failed to schedule watchdog", "error", err)
	}
	return w
}

// Run serves until ctx is cancelled, then stops everything gracefully.
func (s *Service) Run(ctx context.Context) error {
	s.cron.Start()
	go s.server.Start()

	<-ctx.Done()
	slog.Info("Shutdown signal received, stopping workers")

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := s.cron.Shutdown(); err != nil {
		slog.Warn("Failed to stop cron scheduler", "error", err)
	}
	s.server.Shutdown(stopCtx)

	for _, w := range s.workers {
		w.Cancel()
	}
	for _, w := range s.workers {
		select {
		case <-w.Done():
		case <-stopCtx.Done():
			slog.Warn("Worker did not stop in time")
		}
	}

	s.closeResources()
	slog.Info("Stopped")
	return nil
}

func (s *Service) closeResources() {
	if s.bus != nil {
		s.bus.Close()
	}
	s.store.Close()
}

// triggerNudge wakes a co-located worker directly.
type triggerNudge struct {
	w *worker.Worker
}

func (n triggerNudge) ProcessCommits() bool { n.w.Trigger(nil); return true }
func (n triggerNudge) ProcessBuilds() bool  { n.w.Trigger(nil); return true }

// deferredNudge resolves its target at call time, which breaks the
// construction cycle between the agent and the scheduler in all-in-one
// mode.
type deferredNudge struct {
	s *Service
}

func (n deferredNudge) ProcessCommits() bool {
	if n.s.schedulerWorker == nil {
		return false
	}
	n.s.schedulerWorker.Trigger(nil)
	return true
}
