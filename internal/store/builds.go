package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/conveyor-ci/conveyor/internal/model"
)

// maxLogLineBytes bounds stored log content per line.
const maxLogLineBytes = 64 * 1024

// LeasedBuild is one build claimed by an agent, together with every row
// the builder needs to assemble its parameters.
type LeasedBuild struct {
	BuildID int64
	RunID   int64

	Ecosystem     model.Ecosystem
	Repo          model.Repo
	Commit        model.Commit
	Channel       model.Channel
	Profile       model.Profile
	Configuration model.Configuration

	ConanCredentials  []model.ConanCredential
	GitCredentials    []model.GitCredential
	DockerCredentials []model.DockerCredential
}

// LeaseBuild atomically claims one new build for the given platform and
// creates its run. The SELECT uses FOR UPDATE SKIP LOCKED, which is the
// sole coordination primitive between concurrent agents: a row locked
// by another agent is skipped, never waited on. Returns nil when no
// build is available.
func (s *Store) LeaseBuild(ctx context.Context, platform model.Platform, now time.Time) (*LeasedBuild, error) {
	var lease *LeasedBuild
	err := s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		var buildID int64
		err := tx.tx.QueryRow(ctx,
			`SELECT b.id FROM build b
			 JOIN profile p ON p.id = b.profile_id
			 WHERE b.status = 'new' AND p.platform = $1
			 ORDER BY b.id
			 LIMIT 1
			 FOR UPDATE OF b SKIP LOCKED`, platform).Scan(&buildID)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lease build: %w", err)
		}

		if _, err := tx.tx.Exec(ctx,
			`UPDATE build SET status = 'active' WHERE id = $1`, buildID); err != nil {
			return fmt.Errorf("failed to activate build: %w", err)
		}

		var runID int64
		err = tx.tx.QueryRow(ctx,
			`INSERT INTO run (build_id, status, started, updated)
			 VALUES ($1, 'active', $2, $2) RETURNING id`, buildID, now).Scan(&runID)
		if err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}

		l := &LeasedBuild{BuildID: buildID, RunID: runID}
		if err := tx.loadLeaseDetails(ctx, l); err != nil {
			return err
		}
		lease = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func (tx *Tx) loadLeaseDetails(ctx context.Context, l *LeasedBuild) error {
	err := tx.tx.QueryRow(ctx,
		`SELECT c.id, c.repo_id, c.channel_id, c.sha, c.message, c.user_name, c.user_email, c.status,
		        b.profile_id
		 FROM build b JOIN commit c ON c.id = b.commit_id
		 WHERE b.id = $1`, l.BuildID).
		Scan(&l.Commit.ID, &l.Commit.RepoID, &l.Commit.ChannelID, &l.Commit.SHA,
			&l.Commit.Message, &l.Commit.UserName, &l.Commit.UserEmail, &l.Commit.Status,
			&l.Profile.ID)
	if err != nil {
		return fmt.Errorf("failed to load leased commit: %w", err)
	}

	err = tx.tx.QueryRow(ctx,
		`SELECT id, ecosystem_id, name, platform, container, conan_profile
		 FROM profile WHERE id = $1`, l.Profile.ID).
		Scan(&l.Profile.ID, &l.Profile.EcosystemID, &l.Profile.Name, &l.Profile.Platform,
			&l.Profile.Container, &l.Profile.ConanProfile)
	if err != nil {
		return fmt.Errorf("failed to load leased profile: %w", err)
	}

	err = tx.tx.QueryRow(ctx,
		`SELECT id, ecosystem_id, name, url, path, version FROM repo WHERE id = $1`,
		l.Commit.RepoID).
		Scan(&l.Repo.ID, &l.Repo.EcosystemID, &l.Repo.Name, &l.Repo.URL, &l.Repo.Path, &l.Repo.Version)
	if err != nil {
		return fmt.Errorf("failed to load leased repo: %w", err)
	}

	optRows, err := tx.tx.Query(ctx,
		`SELECT key, value FROM repo_option WHERE repo_id = $1 ORDER BY id`, l.Repo.ID)
	if err != nil {
		return fmt.Errorf("failed to load repo options: %w", err)
	}
	for optRows.Next() {
		var o model.Option
		if err := optRows.Scan(&o.Key, &o.Value); err != nil {
			optRows.Close()
			return err
		}
		l.Repo.Options = append(l.Repo.Options, o)
	}
	err = optRows.Err()
	optRows.Close()
	if err != nil {
		return err
	}

	err = tx.tx.QueryRow(ctx,
		`SELECT id, ecosystem_id, name, ref_pattern, conan_channel FROM channel WHERE id = $1`,
		l.Commit.ChannelID).
		Scan(&l.Channel.ID, &l.Channel.EcosystemID, &l.Channel.Name,
			&l.Channel.RefPattern, &l.Channel.ConanChannel)
	if err != nil {
		return fmt.Errorf("failed to load leased channel: %w", err)
	}

	err = tx.tx.QueryRow(ctx,
		`SELECT id, name, user_name, conan_config_url, conan_config_path, conan_config_branch
		 FROM ecosystem WHERE id = $1`, l.Profile.EcosystemID).
		Scan(&l.Ecosystem.ID, &l.Ecosystem.Name, &l.Ecosystem.User,
			&l.Ecosystem.ConanConfigURL, &l.Ecosystem.ConanConfigPath, &l.Ecosystem.ConanConfigBranch)
	if err != nil {
		return fmt.Errorf("failed to load leased ecosystem: %w", err)
	}

	credRows, err := tx.tx.Query(ctx,
		`SELECT id, remote, username, password FROM conan_credential
		 WHERE ecosystem_id = $1 ORDER BY id`, l.Ecosystem.ID)
	if err != nil {
		return fmt.Errorf("failed to load conan credentials: %w", err)
	}
	for credRows.Next() {
		var c model.ConanCredential
		if err := credRows.Scan(&c.ID, &c.Remote, &c.Username, &c.Password); err != nil {
			credRows.Close()
			return err
		}
		l.ConanCredentials = append(l.ConanCredentials, c)
	}
	err = credRows.Err()
	credRows.Close()
	if err != nil {
		return err
	}

	err = tx.tx.QueryRow(ctx,
		`SELECT id, ssh_key, public_ssh_key, known_hosts, webhook_secret
		 FROM configuration ORDER BY id LIMIT 1`).
		Scan(&l.Configuration.ID, &l.Configuration.SSHKey, &l.Configuration.PublicSSHKey,
			&l.Configuration.KnownHosts, &l.Configuration.WebhookSecret)
	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	gitRows, err := tx.tx.Query(ctx,
		`SELECT id, url, username, password FROM git_credential ORDER BY id`)
	if err != nil {
		return fmt.Errorf("failed to load git credentials: %w", err)
	}
	for gitRows.Next() {
		var c model.GitCredential
		if err := gitRows.Scan(&c.ID, &c.URL, &c.Username, &c.Password); err != nil {
			gitRows.Close()
			return err
		}
		l.GitCredentials = append(l.GitCredentials, c)
	}
	err = gitRows.Err()
	gitRows.Close()
	if err != nil {
		return err
	}

	dockerRows, err := tx.tx.Query(ctx,
		`SELECT id, server, username, password FROM docker_credential ORDER BY id`)
	if err != nil {
		return fmt.Errorf("failed to load docker credentials: %w", err)
	}
	for dockerRows.Next() {
		var c model.DockerCredential
		if err := dockerRows.Scan(&c.ID, &c.Server, &c.Username, &c.Password); err != nil {
			dockerRows.Close()
			return err
		}
		l.DockerCredentials = append(l.DockerCredentials, c)
	}
	err = dockerRows.Err()
	dockerRows.Close()
	return err
}

// GetBuildStatus reads one build's status.
func (s *Store) GetBuildStatus(ctx context.Context, buildID int64) (model.BuildStatus, error) {
	var status model.BuildStatus
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM build WHERE id = $1`, buildID).Scan(&status)
	if err == pgx.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read build status: %w", err)
	}
	return status, nil
}

// SetBuildRunStatus writes both the build and its run status under a
// row-level lock on the build, and touches the run's updated timestamp.
func (s *Store) SetBuildRunStatus(ctx context.Context, buildID, runID int64,
	buildStatus model.BuildStatus, runStatus model.RunStatus) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		var id int64
		err := tx.tx.QueryRow(ctx,
			`SELECT id FROM build WHERE id = $1 FOR UPDATE`, buildID).Scan(&id)
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock build: %w", err)
		}
		if _, err := tx.tx.Exec(ctx,
			`UPDATE build SET status = $2 WHERE id = $1`, buildID, buildStatus); err != nil {
			return fmt.Errorf("failed to set build status: %w", err)
		}
		if _, err := tx.tx.Exec(ctx,
			`UPDATE run SET status = $2, updated = now() WHERE id = $1`, runID, runStatus); err != nil {
			return fmt.Errorf("failed to set run status: %w", err)
		}
		return nil
	})
}

// TouchRun refreshes a run's updated timestamp. The agent calls this
// every supervisor tick so the watchdog can tell a quiet build from a
// dead one.
func (s *Store) TouchRun(ctx context.Context, runID int64) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE run SET updated = now() WHERE id = $1`, runID); err != nil {
		return fmt.Errorf("failed to touch run: %w", err)
	}
	return nil
}

// AppendLogLines stores lines with dense numbers starting at
// firstNumber and returns the inserted ids in order. Content is
// truncated to the store bound; the run's updated timestamp is
// refreshed in the same transaction.
func (s *Store) AppendLogLines(ctx context.Context, runID int64, firstNumber int,
	lines []string, now time.Time) ([]int64, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(lines))
	err := s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		for i, line := range lines {
			if len(line) > maxLogLineBytes {
				line = truncateValid(line, maxLogLineBytes)
			}
			var id int64
			err := tx.tx.QueryRow(ctx,
				`INSERT INTO log_line (run_id, number, time, content)
				 VALUES ($1, $2, $3, $4) RETURNING id`,
				runID, firstNumber+i, now, line).Scan(&id)
			if err != nil {
				return fmt.Errorf("failed to insert log line: %w", err)
			}
			ids = append(ids, id)
		}
		if _, err := tx.tx.Exec(ctx,
			`UPDATE run SET updated = $2 WHERE id = $1`, runID, now); err != nil {
			return fmt.Errorf("failed to touch run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// truncateValid cuts s to at most n bytes, dropping a UTF-8 sequence
// split by the cut.
func truncateValid(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
