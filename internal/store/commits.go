package store

import (
	"context"
	"fmt"
	"time"

	"github.com/conveyor-ci/conveyor/internal/model"
)

// HasCommit reports whether a commit row exists for (repo, channel, sha).
func (s *Store) HasCommit(ctx context.Context, repoID, channelID int64, sha string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM commit WHERE repo_id = $1 AND channel_id = $2 AND sha = $3
		 )`, repoID, channelID, sha).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check commit existence: %w", err)
	}
	return exists, nil
}

// ListActiveCommits returns the commits on (repo, channel) whose status
// is not old, excluding the given sha.
func (s *Store) ListActiveCommits(ctx context.Context, repoID, channelID int64, excludeSHA string) ([]model.Commit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, repo_id, channel_id, sha, message, user_name, user_email, status
		 FROM commit
		 WHERE repo_id = $1 AND channel_id = $2 AND sha <> $3 AND status <> 'old'
		 ORDER BY id`, repoID, channelID, excludeSHA)
	if err != nil {
		return nil, fmt.Errorf("failed to list active commits: %w", err)
	}
	defer rows.Close()

	var commits []model.Commit
	for rows.Next() {
		var c model.Commit
		if err := rows.Scan(&c.ID, &c.RepoID, &c.ChannelID, &c.SHA,
			&c.Message, &c.UserName, &c.UserEmail, &c.Status); err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

// InsertCommitSuperseding inserts a new commit with status new and, in
// the same transaction, flips every prior non-old commit on the same
// (repo, channel) to old.
func (s *Store) InsertCommitSuperseding(ctx context.Context, c *model.Commit) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		err := tx.tx.QueryRow(ctx,
			`INSERT INTO commit (repo_id, channel_id, sha, message, user_name, user_email, status)
			 VALUES ($1, $2, $3, $4, $5, $6, 'new')
			 RETURNING id`,
			c.RepoID, c.ChannelID, c.SHA, c.Message, c.UserName, c.UserEmail).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to insert commit: %w", err)
		}
		_, err = tx.tx.Exec(ctx,
			`UPDATE commit SET status = 'old'
			 WHERE repo_id = $1 AND channel_id = $2 AND id <> $3 AND status <> 'old'`,
			c.RepoID, c.ChannelID, id)
		if err != nil {
			return fmt.Errorf("failed to supersede commits: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListNewCommits returns all commits in status new, locked for update
// so the scheduler's fan-out and status flip are atomic.
func (tx *Tx) ListNewCommits(ctx context.Context) ([]model.Commit, error) {
	rows, err := tx.tx.Query(ctx,
		`SELECT id, repo_id, channel_id, sha, message, user_name, user_email, status
		 FROM commit WHERE status = 'new' ORDER BY id FOR UPDATE`)
	if err != nil {
		return nil, fmt.Errorf("failed to list new commits: %w", err)
	}
	defer rows.Close()

	var commits []model.Commit
	for rows.Next() {
		var c model.Commit
		if err := rows.Scan(&c.ID, &c.RepoID, &c.ChannelID, &c.SHA,
			&c.Message, &c.UserName, &c.UserEmail, &c.Status); err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

// RepoExcludeLabels returns the excluded label values of a commit's repo.
func (tx *Tx) RepoExcludeLabels(ctx context.Context, repoID int64) ([]string, error) {
	rows, err := tx.tx.Query(ctx,
		`SELECT l.value FROM label l
		 JOIN repo_label rl ON rl.label_id = l.id
		 WHERE rl.repo_id = $1`, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to load exclude labels: %w", err)
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		labels = append(labels, v)
	}
	return labels, rows.Err()
}

// ListProfiles returns the profiles of one ecosystem with their labels.
func (tx *Tx) ListProfiles(ctx context.Context, ecosystemID int64) ([]model.Profile, error) {
	rows, err := tx.tx.Query(ctx,
		`SELECT id, ecosystem_id, name, platform, container, conan_profile
		 FROM profile WHERE ecosystem_id = $1 ORDER BY id`, ecosystemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []model.Profile
	for rows.Next() {
		var p model.Profile
		if err := rows.Scan(&p.ID, &p.EcosystemID, &p.Name, &p.Platform,
			&p.Container, &p.ConanProfile); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range profiles {
		labelRows, err := tx.tx.Query(ctx,
			`SELECT l.value FROM label l
			 JOIN profile_label pl ON pl.label_id = l.id
			 WHERE pl.profile_id = $1`, profiles[i].ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load profile labels: %w", err)
		}
		for labelRows.Next() {
			var v string
			if err := labelRows.Scan(&v); err != nil {
				labelRows.Close()
				return nil, err
			}
			profiles[i].Labels = append(profiles[i].Labels, v)
		}
		err = labelRows.Err()
		labelRows.Close()
		if err != nil {
			return nil, err
		}
	}
	return profiles, nil
}

// RepoEcosystem returns the ecosystem a repo belongs to.
func (tx *Tx) RepoEcosystem(ctx context.Context, repoID int64) (int64, error) {
	var id int64
	if err := tx.tx.QueryRow(ctx,
		`SELECT ecosystem_id FROM repo WHERE id = $1`, repoID).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to resolve repo ecosystem: %w", err)
	}
	return id, nil
}

// InsertBuild creates a build in status new.
func (tx *Tx) InsertBuild(ctx context.Context, commitID, profileID int64, created time.Time) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx,
		`INSERT INTO build (commit_id, profile_id, status, created)
		 VALUES ($1, $2, 'new', $3) RETURNING id`,
		commitID, profileID, created).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert build: %w", err)
	}
	return id, nil
}

// SetCommitStatus updates one commit's status.
func (tx *Tx) SetCommitStatus(ctx context.Context, commitID int64, status model.CommitStatus) error {
	if _, err := tx.tx.Exec(ctx,
		`UPDATE commit SET status = $2 WHERE id = $1`, commitID, status); err != nil {
		return fmt.Errorf("failed to set commit status: %w", err)
	}
	return nil
}

// CountNewBuilds returns the number of builds in status new.
func (s *Store) CountNewBuilds(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM build WHERE status = 'new'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count new builds: %w", err)
	}
	return n, nil
}
