package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"

	"github.com/conveyor-ci/conveyor/internal/model"
)

// GetConfiguration returns the singleton configuration row.
func (s *Store) GetConfiguration(ctx context.Context) (*model.Configuration, error) {
	var c model.Configuration
	err := s.pool.QueryRow(ctx,
		`SELECT id, ssh_key, public_ssh_key, known_hosts, webhook_secret
		 FROM configuration ORDER BY id LIMIT 1`).
		Scan(&c.ID, &c.SSHKey, &c.PublicSSHKey, &c.KnownHosts, &c.WebhookSecret)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return &c, nil
}

// ListGitCredentials returns the git credentials of the singleton
// configuration.
func (s *Store) ListGitCredentials(ctx context.Context) ([]model.GitCredential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, url, username, password FROM git_credential ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list git credentials: %w", err)
	}
	defer rows.Close()

	var creds []model.GitCredential
	for rows.Next() {
		var c model.GitCredential
		if err := rows.Scan(&c.ID, &c.URL, &c.Username, &c.Password); err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// ListRepos returns all tracked repos, or only those with the given ids
// when ids is non-empty.
func (s *Store) ListRepos(ctx context.Context, ids []int64) ([]model.Repo, error) {
	query := `SELECT id, ecosystem_id, name, url, path, version FROM repo`
	var args []any
	if len(ids) > 0 {
		query += ` WHERE id = ANY($1)`
		args = append(args, ids)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list repos: %w", err)
	}
	defer rows.Close()

	var repos []model.Repo
	for rows.Next() {
		var r model.Repo
		if err := rows.Scan(&r.ID, &r.EcosystemID, &r.Name, &r.URL, &r.Path, &r.Version); err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range repos {
		if err := s.loadRepoDetails(ctx, &repos[i]); err != nil {
			return nil, err
		}
	}
	return repos, nil
}

func (s *Store) loadRepoDetails(ctx context.Context, r *model.Repo) error {
	rows, err := s.pool.Query(ctx,
		`SELECT l.value FROM label l
		 JOIN repo_label rl ON rl.label_id = l.id
		 WHERE rl.repo_id = $1 ORDER BY l.value`, r.ID)
	if err != nil {
		return fmt.Errorf("failed to load repo labels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return err
		}
		r.Exclude = append(r.Exclude, v)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	optRows, err := s.pool.Query(ctx,
		`SELECT key, value FROM repo_option WHERE repo_id = $1 ORDER BY id`, r.ID)
	if err != nil {
		return fmt.Errorf("failed to load repo options: %w", err)
	}
	defer optRows.Close()
	for optRows.Next() {
		var o model.Option
		if err := optRows.Scan(&o.Key, &o.Value); err != nil {
			return err
		}
		r.Options = append(r.Options, o)
	}
	return optRows.Err()
}

// FindRepoByURL resolves a webhook payload to a tracked repo. The match
// accepts both the exact clone URL and a "host/owner/name" style full
// name contained in the URL.
func (s *Store) FindRepoByURL(ctx context.Context, url, fullName string) (*model.Repo, error) {
	var r model.Repo
	err := s.pool.QueryRow(ctx,
		`SELECT id, ecosystem_id, name, url, path, version FROM repo
		 WHERE url = $1 OR ($2 <> '' AND url LIKE '%' || $2 || '%')
		 ORDER BY id LIMIT 1`, url, fullName).
		Scan(&r.ID, &r.EcosystemID, &r.Name, &r.URL, &r.Path, &r.Version)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find repo: %w", err)
	}
	return &r, nil
}

// ListChannels returns the channels of one ecosystem.
func (s *Store) ListChannels(ctx context.Context, ecosystemID int64) ([]model.Channel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, ecosystem_id, name, ref_pattern, conan_channel
		 FROM channel WHERE ecosystem_id = $1 ORDER BY id`, ecosystemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []model.Channel
	for rows.Next() {
		var c model.Channel
		if err := rows.Scan(&c.ID, &c.EcosystemID, &c.Name, &c.RefPattern, &c.ConanChannel); err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}
