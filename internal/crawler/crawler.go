// Package crawler converts tracked repositories into durable commit
// records. It keeps one working clone per repo under a data directory
// and nudges the scheduler whenever it inserts a new commit.
package crawler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/conveyor-ci/conveyor/internal/metrics"
	"github.com/conveyor-ci/conveyor/internal/model"
	"github.com/conveyor-ci/conveyor/internal/store"
)

const retryDelay = 10 * time.Second

// FullScan is the trigger payload that makes the crawler visit every
// tracked repo instead of only the queued ones.
type FullScan struct{}

// TriggerRecord asks for one repo to be scanned. SHA and Ref are both
// set when a webhook pinned the exact commit; both empty means "scan
// the repo's refs as usual".
type TriggerRecord struct {
	RepoID int64
	SHA    string
	Ref    string
}

// SchedulerNudger tells the scheduler to look at its queue now.
type SchedulerNudger interface {
	ProcessCommits() bool
}

// Rescheduler is the self-wakeup facility of the worker loop.
type Rescheduler interface {
	Reschedule(delay time.Duration, payload any)
}

// Crawler is the worker job. External callers enqueue trigger records
// and wake the worker; the worker drains the queue per iteration.
type Crawler struct {
	store     *store.Store
	scheduler SchedulerNudger
	dataDir   string

	// Loop is set by the service runner once the worker exists.
	Loop Rescheduler

	mu    sync.Mutex
	queue []TriggerRecord
}

// New creates a crawler that keeps its clones under dataDir.
func New(st *store.Store, scheduler SchedulerNudger, dataDir string) *Crawler {
	return &Crawler{store: st, scheduler: scheduler, dataDir: dataDir}
}

// Enqueue records a repo scan request for the next iteration.
func (c *Crawler) Enqueue(rec TriggerRecord) {
	c.mu.Lock()
	c.queue = append(c.queue, rec)
	c.mu.Unlock()
}

func (c *Crawler) drain() []TriggerRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	records := c.queue
	c.queue = nil
	return records
}

// requeue puts drained records back at the front of the queue, in
// their original order, so a failed iteration does not lose
// webhook-pinned requests.
func (c *Crawler) requeue(records []TriggerRecord) {
	if len(records) == 0 {
		return
	}
	c.mu.Lock()
	c.queue = append(append([]TriggerRecord{}, records...), c.queue...)
	c.mu.Unlock()
}

// Work runs one crawl iteration.
func (c *Crawler) Work(ctx context.Context, payload any) {
	if err := c.crawl(ctx, payload); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("Crawling failed", "error", err)
		slog.Info("Retry crawling", "delay", retryDelay)
		if c.Loop != nil {
			c.Loop.Reschedule(retryDelay, payload)
		}
	}
}

// Cleanup removes the data directory with all working clones.
func (c *Crawler) Cleanup() {
	if err := os.RemoveAll(c.dataDir); err != nil {
		slog.Warn("Failed to remove crawler data directory", "dir", c.dataDir, "error", err)
		return
	}
	slog.Info("Removed crawler data directory", "dir", c.dataDir)
}

func (c *Crawler) crawl(ctx context.Context, payload any) error {
	records := c.drain()
	if err := c.crawlRepos(ctx, payload, records); err != nil {
		c.requeue(records)
		return err
	}
	return nil
}

func (c *Crawler) crawlRepos(ctx context.Context, payload any, records []TriggerRecord) error {
	slog.Info("Start crawling")

	_, full := payload.(FullScan)

	byRepo := make(map[int64][]TriggerRecord)
	for _, rec := range records {
		byRepo[rec.RepoID] = append(byRepo[rec.RepoID], rec)
	}

	var repos []model.Repo
	var err error
	if full {
		slog.Info("Crawl all repos")
		repos, err = c.store.ListRepos(ctx, nil)
	} else {
		slog.Info("Crawl triggered repos", "count", len(byRepo))
		ids := make([]int64, 0, len(byRepo))
		for id := range byRepo {
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			slog.Info("Finish crawling with nothing to do")
			return nil
		}
		repos, err = c.store.ListRepos(ctx, ids)
	}
	if err != nil {
		return err
	}

	cfg, err := c.store.GetConfiguration(ctx)
	if err == store.ErrNotFound {
		cfg = &model.Configuration{}
	} else if err != nil {
		return err
	}
	gitCreds, err := c.store.ListGitCredentials(ctx)
	if err != nil {
		return err
	}

	newCommits := false
	for i := range repos {
		repo := &repos[i]
		added, err := c.processRepo(ctx, repo, byRepo[repo.ID], cfg, gitCreds)
		if err != nil {
			return err
		}
		newCommits = newCommits || added
	}

	if newCommits {
		slog.Info("Trigger scheduler: process commits")
		if !c.scheduler.ProcessCommits() {
			slog.Error("Failed to trigger scheduler")
		}
	}
	slog.Info("Finish crawling")
	return nil
}

// processRepo scans one repo. Git failures abort this repo only and
// return a nil error; store failures propagate so the iteration is
// retried.
func (c *Crawler) processRepo(ctx context.Context, repo *model.Repo,
	records []TriggerRecord, cfg *model.Configuration, gitCreds []model.GitCredential) (bool, error) {
	workDir := filepath.Join(c.dataDir, strconv.FormatInt(repo.ID, 10))
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		slog.Error("Failed to create work directory", "repo", repo.URL, "error", err)
		return false, nil
	}

	rc := NewRepoController(workDir)
	if !rc.IsCloneOf(repo.URL) {
		slog.Info("Create clone", "url", repo.URL, "dir", workDir)
		if err := rc.CreateNewRepo(repo.URL); err != nil {
			slog.Error("Failed to create clone", "url", repo.URL, "error", err)
			return false, nil
		}
	}
	if err := rc.SetupSSH(cfg.SSHKey, cfg.KnownHosts); err != nil {
		slog.Error("Failed to set up SSH", "url", repo.URL, "error", err)
		return false, nil
	}
	if err := rc.SetupHTTP(gitCreds); err != nil {
		slog.Error("Failed to set up HTTP credentials", "url", repo.URL, "error", err)
		return false, nil
	}
	slog.Info("Fetch repo", "url", repo.URL)
	if err := rc.Fetch(); err != nil {
		slog.Error("Failed to fetch repo", "url", repo.URL, "error", err)
		return false, nil
	}

	channels, err := c.store.ListChannels(ctx, repo.EcosystemID)
	if err != nil {
		return false, err
	}

	newCommits := false
	for _, channel := range channels {
		added, err := c.processChannel(ctx, rc, repo, channel, records)
		if err != nil {
			return newCommits, err
		}
		newCommits = newCommits || added
	}
	return newCommits, nil
}

func (c *Crawler) processChannel(ctx context.Context, rc *RepoController,
	repo *model.Repo, channel model.Channel, records []TriggerRecord) (bool, error) {
	pinned := false
	newCommits := false
	for _, rec := range records {
		if rec.SHA == "" || rec.Ref == "" {
			continue
		}
		pinned = true
		if !fullMatch(channel.RefPattern, rec.Ref) {
			continue
		}
		slog.Info("Ref matches channel", "ref", rec.Ref, "pattern", channel.RefPattern)
		if !rc.HasSHA(rec.SHA) {
			slog.Warn("Unknown sha, skipping", "sha", shortSHA(rec.SHA), "repo", repo.URL)
			continue
		}
		if err := rc.Checkout(rec.SHA); err != nil {
			slog.Error("Failed to checkout", "sha", shortSHA(rec.SHA), "error", err)
			continue
		}
		added, err := c.recordCommit(ctx, rc, repo, channel, rec.SHA)
		if err != nil {
			return newCommits, err
		}
		newCommits = newCommits || added
	}
	if pinned {
		return newCommits, nil
	}

	refs, err := rc.MatchingRefs(channel.RefPattern)
	if err != nil {
		slog.Error("Failed to match refs", "repo", repo.URL, "error", err)
		return newCommits, nil
	}
	for _, ref := range refs {
		slog.Info("Ref matches channel", "ref", ref.Name, "pattern", channel.RefPattern)
		if err := rc.Checkout(ref.SHA); err != nil {
			slog.Error("Failed to checkout", "sha", shortSHA(ref.SHA), "error", err)
			continue
		}
		added, err := c.recordCommit(ctx, rc, repo, channel, ref.SHA)
		if err != nil {
			return newCommits, err
		}
		newCommits = newCommits || added
	}
	return newCommits, nil
}

// recordCommit inserts a commit row for sha unless it exists or the
// repo's sub-path is untouched since the previous commits.
func (c *Crawler) recordCommit(ctx context.Context, rc *RepoController,
	repo *model.Repo, channel model.Channel, sha string) (bool, error) {
	exists, err := c.store.HasCommit(ctx, repo.ID, channel.ID, sha)
	if err != nil {
		return false, err
	}
	if exists {
		slog.Info("Commit exists", "sha", shortSHA(sha))
		return false, nil
	}

	if repo.Path != "" {
		previous, err := c.store.ListActiveCommits(ctx, repo.ID, channel.ID, sha)
		if err != nil {
			return false, err
		}
		if len(previous) > 0 {
			touched := false
			for _, prev := range previous {
				if rc.HasDiff(sha, prev.SHA, repo.Path) {
					touched = true
					break
				}
			}
			if !touched {
				slog.Info("Path unchanged since previous commits", "path", repo.Path, "sha", shortSHA(sha))
				return false, nil
			}
		}
	}

	info, err := rc.Info(sha)
	if err != nil {
		slog.Error("Failed to read commit info", "sha", shortSHA(sha), "error", err)
		return false, nil
	}

	slog.Info("Add commit", "sha", shortSHA(sha))
	_, err = c.store.InsertCommitSuperseding(ctx, &model.Commit{
		RepoID:    repo.ID,
		ChannelID: channel.ID,
		SHA:       sha,
		Message:   info.Message,
		UserName:  info.UserName,
		UserEmail: info.UserEmail,
	})
	if err != nil {
		return false, err
	}
	metrics.CommitsDiscovered.Inc()
	return true, nil
}

func fullMatch(pattern, s string) bool {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		slog.Error("Invalid ref pattern", "pattern", pattern, "error", err)
		return false
	}
	return re.MatchString(s)
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
