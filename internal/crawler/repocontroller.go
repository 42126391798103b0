package crawler

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/conveyor-ci/conveyor/internal/credentials"
	"github.com/conveyor-ci/conveyor/internal/model"
)

// RepoController owns one working clone of a tracked repository and
// the credential material it needs to talk to the remote.
type RepoController struct {
	workDir string
	repoDir string

	sshAuth  transport.AuthMethod
	httpAuth map[string]*githttp.BasicAuth // URL prefix -> auth
}

// NewRepoController creates a controller rooted at workDir. The clone
// lives in workDir/repo.
func NewRepoController(workDir string) *RepoController {
	return &RepoController{
		workDir:  workDir,
		repoDir:  filepath.Join(workDir, "repo"),
		httpAuth: make(map[string]*githttp.BasicAuth),
	}
}

// IsCloneOf reports whether the working clone exists and has url as its
// first remote.
func (rc *RepoController) IsCloneOf(url string) bool {
	repo, err := git.PlainOpen(rc.repoDir)
	if err != nil {
		return false
	}
	remotes, err := repo.Remotes()
	if err != nil || len(remotes) == 0 {
		return false
	}
	for _, u := range remotes[0].Config().URLs {
		if u == url {
			return true
		}
	}
	return false
}

// CreateNewRepo initializes an empty clone for url, replacing whatever
// was in the repo directory.
func (rc *RepoController) CreateNewRepo(url string) error {
	if err := os.RemoveAll(rc.repoDir); err != nil {
		return fmt.Errorf("failed to remove stale clone: %w", err)
	}
	repo, err := git.PlainInit(rc.repoDir, false)
	if err != nil {
		return fmt.Errorf("failed to init repo: %w", err)
	}
	_, err = repo.CreateRemote(&config.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	if err != nil {
		return fmt.Errorf("failed to create remote: %w", err)
	}
	return nil
}

// SetupSSH materializes the configuration's SSH key and known_hosts
// into owner-only files under the work dir and prepares the SSH auth
// used for fetching.
func (rc *RepoController) SetupSSH(sshKey, knownHosts string) error {
	key, err := credentials.Decode(sshKey)
	if err != nil {
		return err
	}
	hosts, err := credentials.Decode(knownHosts)
	if err != nil {
		return err
	}

	keyPath := filepath.Join(rc.workDir, "id_rsa")
	if err := os.WriteFile(keyPath, []byte(key), 0o600); err != nil {
		return fmt.Errorf("failed to write ssh key: %w", err)
	}
	hostsPath := filepath.Join(rc.workDir, "known_hosts")
	if err := os.WriteFile(hostsPath, []byte(hosts), 0o600); err != nil {
		return fmt.Errorf("failed to write known_hosts: %w", err)
	}

	if key == "" {
		rc.sshAuth = nil
		return nil
	}
	auth, err := gitssh.NewPublicKeys("git", []byte(key), "")
	if err != nil {
		return fmt.Errorf("failed to parse ssh key: %w", err)
	}
	if hosts != "" {
		callback, err := gitssh.NewKnownHostsCallback(hostsPath)
		if err != nil {
			return fmt.Errorf("failed to load known_hosts: %w", err)
		}
		auth.HostKeyCallback = callback
	} else {
		auth.HostKeyCallback = cryptossh.InsecureIgnoreHostKey()
	}
	rc.sshAuth = auth
	return nil
}

// SetupHTTP materializes the git credential helper into the work dir
// and registers basic-auth credentials per URL prefix.
func (rc *RepoController) SetupHTTP(creds []model.GitCredential) error {
	helper := credentials.HelperScript(creds)
	helperPath := filepath.Join(rc.workDir, "credential_helper.sh")
	if err := os.WriteFile(helperPath, []byte(helper), 0o700); err != nil {
		return fmt.Errorf("failed to write credential helper: %w", err)
	}
	for _, c := range creds {
		rc.httpAuth[strings.TrimRight(c.URL, "/")] = &githttp.BasicAuth{
			Username: c.Username,
			Password: c.Password,
		}
	}
	return nil
}

// authFor picks the auth method matching the remote URL.
func (rc *RepoController) authFor(url string) transport.AuthMethod {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		for prefix, auth := range rc.httpAuth {
			if strings.HasPrefix(url, prefix) {
				return auth
			}
		}
		return nil
	}
	return rc.sshAuth
}

// Fetch updates all remote branches and tags.
func (rc *RepoController) Fetch() error {
	repo, err := git.PlainOpen(rc.repoDir)
	if err != nil {
		return fmt.Errorf("failed to open repo: %w", err)
	}
	remote, err := repo.Remote("origin")
	if err != nil {
		return fmt.Errorf("failed to resolve origin: %w", err)
	}
	var url string
	if urls := remote.Config().URLs; len(urls) > 0 {
		url = urls[0]
	}
	err = repo.Fetch(&git.FetchOptions{
		RemoteName: "origin",
		RefSpecs: []config.RefSpec{
			"+refs/heads/*:refs/remotes/origin/*",
			"+refs/tags/*:refs/tags/*",
		},
		Auth:  rc.authFor(url),
		Force: true,
		Tags:  git.AllTags,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	return nil
}

// Ref is one normalized remote ref: "heads/<branch>" or "tags/<tag>".
type Ref struct {
	Name string
	SHA  string
}

// MatchingRefs lists the normalized refs whose name matches pattern as
// a full regex match, with the commit sha each points at.
func (rc *RepoController) MatchingRefs(pattern string) ([]Ref, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid ref pattern %q: %w", pattern, err)
	}
	repo, err := git.PlainOpen(rc.repoDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repo: %w", err)
	}
	iter, err := repo.References()
	if err != nil {
		return nil, fmt.Errorf("failed to list refs: %w", err)
	}
	defer iter.Close()

	var refs []Ref
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name()
		var normalized string
		switch {
		case strings.HasPrefix(name.String(), "refs/remotes/origin/"):
			normalized = "heads/" + strings.TrimPrefix(name.String(), "refs/remotes/origin/")
		case name.IsTag():
			normalized = "tags/" + name.Short()
		default:
			return nil
		}
		if !re.MatchString(normalized) {
			return nil
		}
		// Resolve annotated tags down to the commit.
		hash, err := repo.ResolveRevision(plumbing.Revision(name))
		if err != nil {
			return nil
		}
		refs = append(refs, Ref{Name: normalized, SHA: hash.String()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// Checkout moves the work tree to sha.
func (rc *RepoController) Checkout(sha string) error {
	repo, err := git.PlainOpen(rc.repoDir)
	if err != nil {
		return fmt.Errorf("failed to open repo: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Hash:  plumbing.NewHash(sha),
		Force: true,
	}); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", sha, err)
	}
	return nil
}

// HasSHA reports whether sha names a known commit.
func (rc *RepoController) HasSHA(sha string) bool {
	repo, err := git.PlainOpen(rc.repoDir)
	if err != nil {
		return false
	}
	_, err = repo.CommitObject(plumbing.NewHash(sha))
	return err == nil
}

// CommitInfo holds the head metadata the crawler records.
type CommitInfo struct {
	SHA       string
	Message   string
	UserName  string
	UserEmail string
}

// Info reads the metadata of a commit: first message line and author,
// each truncated to 255 characters.
func (rc *RepoController) Info(sha string) (*CommitInfo, error) {
	repo, err := git.PlainOpen(rc.repoDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repo: %w", err)
	}
	commit, err := repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		return nil, fmt.Errorf("failed to read commit %s: %w", sha, err)
	}
	message := commit.Message
	if idx := strings.IndexAny(message, "\r\n"); idx >= 0 {
		message = message[:idx]
	}
	return &CommitInfo{
		SHA:       sha,
		Message:   truncate(message, 255),
		UserName:  truncate(commit.Author.Name, 255),
		UserEmail: truncate(commit.Author.Email, 255),
	}, nil
}

// HasDiff reports whether the tree between head and pastSHA touches
// path. An unknown past sha counts as touched, so a repo whose history
// was rewritten still gets built.
func (rc *RepoController) HasDiff(headSHA, pastSHA, path string) bool {
	repo, err := git.PlainOpen(rc.repoDir)
	if err != nil {
		return true
	}
	head, err := repo.CommitObject(plumbing.NewHash(headSHA))
	if err != nil {
		return true
	}
	past, err := repo.CommitObject(plumbing.NewHash(pastSHA))
	if err != nil {
		return true
	}
	headTree, err := head.Tree()
	if err != nil {
		return true
	}
	pastTree, err := past.Tree()
	if err != nil {
		return true
	}
	changes, err := object.DiffTree(headTree, pastTree)
	if err != nil {
		return true
	}
	prefix := strings.TrimSuffix(path, "/")
	for _, change := range changes {
		if strings.HasPrefix(change.From.Name, prefix) || strings.HasPrefix(change.To.Name, prefix) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
