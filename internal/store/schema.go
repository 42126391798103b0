package store

// Schema bootstrap. Conveyor does not ship a migration tool; the
// services create missing tables at startup and otherwise leave the
// schema alone.

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS ecosystem (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		user_name TEXT NOT NULL DEFAULT '',
		conan_config_url TEXT NOT NULL DEFAULT '',
		conan_config_path TEXT NOT NULL DEFAULT '',
		conan_config_branch TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS configuration (
		id BIGSERIAL PRIMARY KEY,
		ssh_key TEXT NOT NULL DEFAULT '',
		public_ssh_key TEXT NOT NULL DEFAULT '',
		known_hosts TEXT NOT NULL DEFAULT '',
		webhook_secret TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS git_credential (
		id BIGSERIAL PRIMARY KEY,
		configuration_id BIGINT NOT NULL REFERENCES configuration(id),
		url TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS docker_credential (
		id BIGSERIAL PRIMARY KEY,
		configuration_id BIGINT NOT NULL REFERENCES configuration(id),
		server TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS conan_credential (
		id BIGSERIAL PRIMARY KEY,
		ecosystem_id BIGINT NOT NULL REFERENCES ecosystem(id),
		remote TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS label (
		id BIGSERIAL PRIMARY KEY,
		value TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS repo (
		id BIGSERIAL PRIMARY KEY,
		ecosystem_id BIGINT NOT NULL REFERENCES ecosystem(id),
		name TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL,
		path TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS repo_label (
		repo_id BIGINT NOT NULL REFERENCES repo(id),
		label_id BIGINT NOT NULL REFERENCES label(id),
		PRIMARY KEY (repo_id, label_id)
	)`,
	`CREATE TABLE IF NOT EXISTS repo_option (
		id BIGSERIAL PRIMARY KEY,
		repo_id BIGINT NOT NULL REFERENCES repo(id),
		key TEXT NOT NULL,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS channel (
		id BIGSERIAL PRIMARY KEY,
		ecosystem_id BIGINT NOT NULL REFERENCES ecosystem(id),
		name TEXT NOT NULL DEFAULT '',
		ref_pattern TEXT NOT NULL,
		conan_channel TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS profile (
		id BIGSERIAL PRIMARY KEY,
		ecosystem_id BIGINT NOT NULL REFERENCES ecosystem(id),
		name TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL CHECK (platform IN ('linux', 'windows')),
		container TEXT NOT NULL DEFAULT '',
		conan_profile TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS profile_label (
		profile_id BIGINT NOT NULL REFERENCES profile(id),
		label_id BIGINT NOT NULL REFERENCES label(id),
		PRIMARY KEY (profile_id, label_id)
	)`,
	`CREATE TABLE IF NOT EXISTS commit (
		id BIGSERIAL PRIMARY KEY,
		repo_id BIGINT NOT NULL REFERENCES repo(id),
		channel_id BIGINT NOT NULL REFERENCES channel(id),
		sha TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		user_name TEXT NOT NULL DEFAULT '',
		user_email TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('new', 'building', 'old'))
	)`,
	`CREATE INDEX IF NOT EXISTS commit_repo_channel_idx ON commit (repo_id, channel_id)`,
	`CREATE TABLE IF NOT EXISTS recipe (
		id BIGSERIAL PRIMARY KEY,
		ecosystem_id BIGINT NOT NULL REFERENCES ecosystem(id),
		name TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		user_name TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL DEFAULT '',
		current_revision_id BIGINT,
		UNIQUE (ecosystem_id, name, version, user_name, channel)
	)`,
	`CREATE TABLE IF NOT EXISTS recipe_revision (
		id BIGSERIAL PRIMARY KEY,
		recipe_id BIGINT NOT NULL REFERENCES recipe(id),
		revision TEXT NOT NULL DEFAULT '',
		UNIQUE (recipe_id, revision)
	)`,
	`CREATE TABLE IF NOT EXISTS package (
		id BIGSERIAL PRIMARY KEY,
		recipe_revision_id BIGINT NOT NULL REFERENCES recipe_revision(id),
		package_id TEXT NOT NULL,
		UNIQUE (recipe_revision_id, package_id)
	)`,
	`CREATE TABLE IF NOT EXISTS build (
		id BIGSERIAL PRIMARY KEY,
		commit_id BIGINT NOT NULL REFERENCES commit(id),
		profile_id BIGINT NOT NULL REFERENCES profile(id),
		package_id BIGINT REFERENCES package(id),
		recipe_revision_id BIGINT REFERENCES recipe_revision(id),
		status TEXT NOT NULL CHECK
			(status IN ('new', 'active', 'error', 'success', 'stopping', 'stopped')),
		created TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS build_status_idx ON build (status)`,
	`CREATE TABLE IF NOT EXISTS run (
		id BIGSERIAL PRIMARY KEY,
		build_id BIGINT NOT NULL REFERENCES build(id),
		status TEXT NOT NULL CHECK
			(status IN ('active', 'stalled', 'success', 'error', 'stopped')),
		started TIMESTAMPTZ NOT NULL,
		updated TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS run_updated_idx ON run (updated)`,
	`CREATE TABLE IF NOT EXISTS log_line (
		id BIGSERIAL PRIMARY KEY,
		run_id BIGINT NOT NULL REFERENCES run(id),
		number INTEGER NOT NULL,
		time TIMESTAMPTZ NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		UNIQUE (run_id, number)
	)`,
	`CREATE TABLE IF NOT EXISTS missing_recipe (
		build_id BIGINT NOT NULL REFERENCES build(id),
		recipe_id BIGINT NOT NULL REFERENCES recipe(id),
		PRIMARY KEY (build_id, recipe_id)
	)`,
	`CREATE TABLE IF NOT EXISTS missing_package (
		build_id BIGINT NOT NULL REFERENCES build(id),
		package_id BIGINT NOT NULL REFERENCES package(id),
		PRIMARY KEY (build_id, package_id)
	)`,
	`CREATE TABLE IF NOT EXISTS package_requires (
		package_id BIGINT NOT NULL REFERENCES package(id),
		required_id BIGINT NOT NULL REFERENCES package(id),
		PRIMARY KEY (package_id, required_id)
	)`,
}
