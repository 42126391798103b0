package store

// These tests need a real PostgreSQL instance. Point CONVEYOR_TEST_DSN
// at a scratch database to run them; they truncate all tables.

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-ci/conveyor/internal/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CONVEYOR_TEST_DSN")
	if dsn == "" {
		t.Skip("CONVEYOR_TEST_DSN not set")
	}
	s, err := Connect(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	cleanTables(t, s)
	return s
}

func cleanTables(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	_, err := s.pool.Exec(ctx, `UPDATE recipe SET current_revision_id = NULL`)
	require.NoError(t, err)
	for _, table := range []string{
		"package_requires", "missing_package", "missing_recipe",
		"log_line", "run", "build",
		"package", "recipe_revision", "recipe",
		"commit", "profile_label", "repo_label", "repo_option",
		"profile", "channel", "repo",
		"conan_credential", "label",
		"git_credential", "docker_credential", "configuration", "ecosystem",
	} {
		_, err := s.pool.Exec(ctx, "DELETE FROM "+table)
		require.NoError(t, err, table)
	}
}

// fixture is the minimal topology every flow test needs.
type fixture struct {
	ecosystemID int64
	repoID      int64
	channelID   int64
	profileID   int64
}

func newFixture(t *testing.T, s *Store) *fixture {
	t.Helper()
	ctx := context.Background()
	var f fixture
	require.NoError(t, s.pool.QueryRow(ctx,
		`INSERT INTO ecosystem (name, user_name) VALUES ('test', 'acme') RETURNING id`).
		Scan(&f.ecosystemID))
	require.NoError(t, s.pool.QueryRow(ctx,
		`INSERT INTO repo (ecosystem_id, name, url, path)
		 VALUES ($1, 'hello', 'https://example.com/hello.git', 'packages/hello')
		 RETURNING id`, f.ecosystemID).Scan(&f.repoID))
	require.NoError(t, s.pool.QueryRow(ctx,
		`INSERT INTO channel (ecosystem_id, name, ref_pattern, conan_channel)
		 VALUES ($1, 'stable', 'heads/main', 'stable') RETURNING id`, f.ecosystemID).
		Scan(&f.channelID))
	require.NoError(t, s.pool.QueryRow(ctx,
		`INSERT INTO profile (ecosystem_id, name, platform, container, conan_profile)
		 VALUES ($1, 'gcc11', 'linux', 'conanio/gcc11:1.0', 'linux-release')
		 RETURNING id`, f.ecosystemID).Scan(&f.profileID))
	return &f
}

func (f *fixture) insertCommit(t *testing.T, s *Store, sha, status string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, s.pool.QueryRow(context.Background(),
		`INSERT INTO commit (repo_id, channel_id, sha, status)
		 VALUES ($1, $2, $3, $4) RETURNING id`, f.repoID, f.channelID, sha, status).
		Scan(&id))
	return id
}

func (f *fixture) insertBuild(t *testing.T, s *Store, commitID int64, status string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, s.pool.QueryRow(context.Background(),
		`INSERT INTO build (commit_id, profile_id, status, created)
		 VALUES ($1, $2, $3, now()) RETURNING id`, commitID, f.profileID, status).
		Scan(&id))
	return id
}

func TestInsertCommitSuperseding(t *testing.T) {
	s := testStore(t)
	f := newFixture(t, s)
	ctx := context.Background()
	f.insertCommit(t, s, "aaaa", "new")

	id, err := s.InsertCommitSuperseding(ctx, &model.Commit{
		RepoID:    f.repoID,
		ChannelID: f.channelID,
		SHA:       "bbbb",
		Message:   "Second",
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	exists, err := s.HasCommit(ctx, f.repoID, f.channelID, "bbbb")
	require.NoError(t, err)
	assert.True(t, exists)

	// The prior commit is superseded, only the new one stays active.
	active, err := s.ListActiveCommits(ctx, f.repoID, f.channelID, "bbbb")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSchedulerFanOut(t *testing.T) {
	s := testStore(t)
	f := newFixture(t, s)
	ctx := context.Background()
	commitID := f.insertCommit(t, s, "aaaa", "new")

	err := s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		commits, err := tx.ListNewCommits(ctx)
		require.NoError(t, err)
		require.Len(t, commits, 1)
		require.Equal(t, commitID, commits[0].ID)

		ecosystemID, err := tx.RepoEcosystem(ctx, commits[0].RepoID)
		require.NoError(t, err)
		profiles, err := tx.ListProfiles(ctx, ecosystemID)
		require.NoError(t, err)
		require.Len(t, profiles, 1)

		_, err = tx.InsertBuild(ctx, commits[0].ID, profiles[0].ID, time.Now().UTC())
		require.NoError(t, err)
		return tx.SetCommitStatus(ctx, commits[0].ID, model.CommitBuilding)
	})
	require.NoError(t, err)

	n, err := s.CountNewBuilds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLeaseBuild(t *testing.T) {
	s := testStore(t)
	f := newFixture(t, s)
	ctx := context.Background()
	commitID := f.insertCommit(t, s, "aaaa", "building")
	buildID := f.insertBuild(t, s, commitID, "new")

	lease, err := s.LeaseBuild(ctx, model.PlatformLinux, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, buildID, lease.BuildID)
	assert.NotZero(t, lease.RunID)
	assert.Equal(t, "hello", lease.Repo.Name)
	assert.Equal(t, "linux-release", lease.Profile.ConanProfile)
	assert.Equal(t, "stable", lease.Channel.ConanChannel)
	assert.Equal(t, "acme", lease.Ecosystem.User)

	status, err := s.GetBuildStatus(ctx, buildID)
	require.NoError(t, err)
	assert.Equal(t, model.BuildActive, status)

	// No second build to claim.
	lease, err = s.LeaseBuild(ctx, model.PlatformLinux, time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, lease)
}

func TestLeaseBuildSkipsOtherPlatform(t *testing.T) {
	s := testStore(t)
	f := newFixture(t, s)
	ctx := context.Background()
	commitID := f.insertCommit(t, s, "aaaa", "building")
	f.insertBuild(t, s, commitID, "new")

	lease, err := s.LeaseBuild(ctx, model.PlatformWindows, time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, lease)
}

func TestSetBuildRunStatusAndLogs(t *testing.T) {
	s := testStore(t)
	f := newFixture(t, s)
	ctx := context.Background()
	commitID := f.insertCommit(t, s, "aaaa", "building")
	f.insertBuild(t, s, commitID, "new")

	lease, err := s.LeaseBuild(ctx, model.PlatformLinux, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, lease)

	ids, err := s.AppendLogLines(ctx, lease.RunID, 1, []string{"line one", "line two"}, time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	ids, err = s.AppendLogLines(ctx, lease.RunID, 3, []string{"line three"}, time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	require.NoError(t, s.SetBuildRunStatus(ctx, lease.BuildID, lease.RunID,
		model.BuildSuccess, model.RunSuccess))
	status, err := s.GetBuildStatus(ctx, lease.BuildID)
	require.NoError(t, err)
	assert.Equal(t, model.BuildSuccess, status)
}

func TestReapStalledRuns(t *testing.T) {
	s := testStore(t)
	f := newFixture(t, s)
	ctx := context.Background()
	commitID := f.insertCommit(t, s, "aaaa", "building")

	insertRun := func(buildStatus string, updated time.Time) (int64, int64) {
		buildID := f.insertBuild(t, s, commitID, buildStatus)
		var runID int64
		require.NoError(t, s.pool.QueryRow(ctx,
			`INSERT INTO run (build_id, status, started, updated)
			 VALUES ($1, 'active', $2, $2) RETURNING id`, buildID, updated).Scan(&runID))
		return buildID, runID
	}

	stale := time.Now().UTC().Add(-5 * time.Minute)
	activeBuild, _ := insertRun("active", stale)
	stoppingBuild, _ := insertRun("stopping", stale)
	freshBuild, _ := insertRun("active", time.Now().UTC())

	transitions, err := s.ReapStalledRuns(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, transitions, 2)

	byBuild := make(map[int64]StalledTransition)
	for _, tr := range transitions {
		byBuild[tr.BuildID] = tr
	}
	assert.True(t, byBuild[activeBuild].Restarted)
	assert.False(t, byBuild[stoppingBuild].Restarted)

	status, err := s.GetBuildStatus(ctx, activeBuild)
	require.NoError(t, err)
	assert.Equal(t, model.BuildNew, status)
	status, err = s.GetBuildStatus(ctx, stoppingBuild)
	require.NoError(t, err)
	assert.Equal(t, model.BuildStopped, status)
	status, err = s.GetBuildStatus(ctx, freshBuild)
	require.NoError(t, err)
	assert.Equal(t, model.BuildActive, status)
}

func TestUnblockBuildsForRecipe(t *testing.T) {
	s := testStore(t)
	f := newFixture(t, s)
	ctx := context.Background()
	commitID := f.insertCommit(t, s, "aaaa", "building")
	blocked := f.insertBuild(t, s, commitID, "error")

	var ids []int64
	err := s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		recipe, err := tx.GetOrCreateRecipe(ctx, f.ecosystemID, "base", "0.1.0", "acme", "stable")
		require.NoError(t, err)
		require.NoError(t, tx.AddMissingRecipe(ctx, blocked, recipe.ID))
		ids, err = tx.UnblockBuildsForRecipe(ctx, recipe.ID)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{blocked}, ids)

	status, err := s.GetBuildStatus(ctx, blocked)
	require.NoError(t, err)
	assert.Equal(t, model.BuildNew, status)
}

func TestUnblockBuildsForPackage(t *testing.T) {
	s := testStore(t)
	f := newFixture(t, s)
	ctx := context.Background()
	commitID := f.insertCommit(t, s, "aaaa", "building")
	exactBlocked := f.insertBuild(t, s, commitID, "error")
	revisionBlocked := f.insertBuild(t, s, commitID, "error")
	oldCommit := f.insertCommit(t, s, "bbbb", "old")
	inactiveBlocked := f.insertBuild(t, s, oldCommit, "error")

	var ids []int64
	err := s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		recipe, err := tx.GetOrCreateRecipe(ctx, f.ecosystemID, "base", "0.1.0", "acme", "stable")
		require.NoError(t, err)
		fresh, err := tx.GetOrCreateRecipeRevision(ctx, recipe.ID, "rev2")
		require.NoError(t, err)
		freshPkg, err := tx.GetOrCreatePackage(ctx, fresh.ID, "pkg-a")
		require.NoError(t, err)
		old, err := tx.GetOrCreateRecipeRevision(ctx, recipe.ID, "rev1")
		require.NoError(t, err)
		oldPkg, err := tx.GetOrCreatePackage(ctx, old.ID, "pkg-b")
		require.NoError(t, err)

		// One build waits for exactly the produced package, one for the
		// same recipe under a stale revision, one belongs to an old commit.
		require.NoError(t, tx.AddMissingPackage(ctx, exactBlocked, freshPkg.ID))
		require.NoError(t, tx.AddMissingPackage(ctx, revisionBlocked, oldPkg.ID))
		require.NoError(t, tx.AddMissingPackage(ctx, inactiveBlocked, freshPkg.ID))

		ids, err = tx.UnblockBuildsForPackage(ctx, freshPkg.ID, recipe.ID, fresh.Revision)
		return err
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{exactBlocked, revisionBlocked}, ids)

	status, err := s.GetBuildStatus(ctx, inactiveBlocked)
	require.NoError(t, err)
	assert.Equal(t, model.BuildError, status)
}

func TestGetConfiguration(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.GetConfiguration(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.pool.Exec(ctx,
		`INSERT INTO configuration (ssh_key, webhook_secret) VALUES ('a2V5', 'topsecret')`)
	require.NoError(t, err)

	cfg, err := s.GetConfiguration(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a2V5", cfg.SSHKey)
	assert.Equal(t, "topsecret", cfg.WebhookSecret)
}

func TestFindRepoByURL(t *testing.T) {
	s := testStore(t)
	f := newFixture(t, s)
	ctx := context.Background()

	repo, err := s.FindRepoByURL(ctx, "https://example.com/hello.git", "")
	require.NoError(t, err)
	assert.Equal(t, f.repoID, repo.ID)

	// A webhook full name matches by containment when the URL differs.
	repo, err = s.FindRepoByURL(ctx, "git@example.com:hello.git", "example.com/hello")
	require.NoError(t, err)
	assert.Equal(t, f.repoID, repo.ID)

	_, err = s.FindRepoByURL(ctx, "https://example.com/other.git", "acme/other")
	assert.ErrorIs(t, err, ErrNotFound)
}
