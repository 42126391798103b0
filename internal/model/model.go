// Package model defines the persistent entities shared by all Conveyor
// services. The store owns every row; services communicate exclusively
// through these records and the event bus.
package model

import "time"

// Platform identifies the build platform of a profile and of an agent.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "windows"
)

// CommitStatus is the lifecycle state of a tracked commit.
type CommitStatus string

const (
	CommitNew      CommitStatus = "new"
	CommitBuilding CommitStatus = "building"
	CommitOld      CommitStatus = "old"
)

// BuildStatus is the lifecycle state of a build.
//
// Allowed transitions: new -> active -> (success|error),
// new -> stopped, (new|active) -> stopping -> stopped, and
// error -> new when a missing dependency becomes available.
type BuildStatus string

const (
	BuildNew      BuildStatus = "new"
	BuildActive   BuildStatus = "active"
	BuildError    BuildStatus = "error"
	BuildSuccess  BuildStatus = "success"
	BuildStopping BuildStatus = "stopping"
	BuildStopped  BuildStatus = "stopped"
)

// RunStatus is the lifecycle state of one execution attempt.
type RunStatus string

const (
	RunActive  RunStatus = "active"
	RunStalled RunStatus = "stalled"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
	RunStopped RunStatus = "stopped"
)

// Ecosystem groups repos, channels, profiles and recipes that share one
// Conan configuration.
type Ecosystem struct {
	ID                int64
	Name              string
	User              string
	ConanConfigURL    string
	ConanConfigPath   string
	ConanConfigBranch string
}

// Configuration is the process-wide singleton holding credentials that
// are not specific to an ecosystem.
type Configuration struct {
	ID            int64
	SSHKey        string // base64
	PublicSSHKey  string // base64
	KnownHosts    string // base64
	WebhookSecret string
}

// GitCredential authenticates HTTP(S) git access for URLs sharing a prefix.
type GitCredential struct {
	ID       int64
	URL      string
	Username string
	Password string
}

// DockerCredential authenticates image pulls against one registry host.
// An empty Server means Docker Hub.
type DockerCredential struct {
	ID       int64
	Server   string
	Username string
	Password string
}

// ConanCredential logs a build container in against one Conan remote.
type ConanCredential struct {
	ID       int64
	Remote   string
	Username string
	Password string
}

// Option is a Conan option rendered as "-o key=value" for a repo's builds.
type Option struct {
	Key   string
	Value string
}

// Repo is a tracked source repository.
type Repo struct {
	ID          int64
	EcosystemID int64
	Name        string
	URL         string
	Path        string // sub-path of the conanfile inside the repo, "" for the root
	Version     string // version override, "" to use the recipe's own
	Exclude     []string
	Options     []Option
}

// Channel maps a regex over normalized git refs ("heads/…", "tags/…")
// to a Conan channel name.
type Channel struct {
	ID           int64
	EcosystemID  int64
	Name         string
	RefPattern   string
	ConanChannel string
}

// Profile is a named build environment.
type Profile struct {
	ID           int64
	EcosystemID  int64
	Name         string
	Platform     Platform
	Container    string
	ConanProfile string
	Labels       []string
}

// Commit is a durable record of a repository ref observed by the crawler.
type Commit struct {
	ID        int64
	RepoID    int64
	ChannelID int64
	SHA       string
	Message   string
	UserName  string
	UserEmail string
	Status    CommitStatus
}

// Build is a scheduled attempt to produce a package from a commit under
// a profile.
type Build struct {
	ID        int64
	CommitID  int64
	ProfileID int64
	PackageID *int64
	// RecipeRevisionID is a partial result: the revision a failed
	// build produced before it stopped.
	RecipeRevisionID *int64
	Status           BuildStatus
	Created          time.Time
}

// Run is one execution attempt of a build. Runs are append-only; a new
// run is created per agent lease.
type Run struct {
	ID      int64
	BuildID int64
	Status  RunStatus
	Started time.Time
	Updated time.Time
}

// LogLine is one line of builder output. Numbers are dense per run,
// starting at 1.
type LogLine struct {
	ID      int64
	RunID   int64
	Number  int
	Time    time.Time
	Content string
}

// Recipe is a build specification identified by name, version and an
// optional user/channel pair within one ecosystem.
type Recipe struct {
	ID                int64
	EcosystemID       int64
	Name              string
	Version           string
	User              string
	Channel           string
	CurrentRevisionID *int64
}

// RecipeRevision is a content hash of a recipe snapshot. The revision
// string may be empty when revisions are disabled.
type RecipeRevision struct {
	ID       int64
	RecipeID int64
	Revision string
}

// Package is a binary produced by a recipe revision for one
// configuration, identified by its Conan package id.
type Package struct {
	ID               int64
	RecipeRevisionID int64
	PackageID        string
}
