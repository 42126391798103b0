package api

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNudgeRoundTrip(t *testing.T) {
	s := NewServer(":0")
	var commits, builds atomic.Int32
	s.HandleProcessCommits(func() { commits.Add(1) })
	s.HandleProcessBuilds(func() { builds.Add(1) })

	ts := httptest.NewServer(s.mux)
	defer ts.Close()
	c := NewClient(ts.URL)

	assert.True(t, c.ProcessCommits())
	assert.True(t, c.ProcessBuilds())
	assert.Equal(t, int32(1), commits.Load())
	assert.Equal(t, int32(1), builds.Load())
}

func TestCrawlerEndpoints(t *testing.T) {
	s := NewServer(":0")
	var repos atomic.Int32
	s.HandleProcessRepos(func() { repos.Add(1) })

	type repoNudge struct {
		id       int64
		sha, ref string
	}
	var got repoNudge
	s.HandleProcessRepo(func(repoID int64, sha, ref string) {
		got = repoNudge{id: repoID, sha: sha, ref: ref}
	})

	ts := httptest.NewServer(s.mux)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/process_repos", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), repos.Load())

	resp, err = http.Post(ts.URL+"/process_repo/42?sha=abc123&ref=heads%2Fmain", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, repoNudge{id: 42, sha: "abc123", ref: "heads/main"}, got)
}

func TestNudgeRejectsGet(t *testing.T) {
	s := NewServer(":0")
	s.HandleProcessCommits(func() { t.Fatal("trigger must not fire on GET") })

	ts := httptest.NewServer(s.mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/process_commits")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestProcessRepoRejectsBadID(t *testing.T) {
	s := NewServer(":0")
	s.HandleProcessRepo(func(int64, string, string) { t.Fatal("trigger must not fire") })

	ts := httptest.NewServer(s.mux)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/process_repo/not-a-number", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	s := NewServer(":0")
	ts := httptest.NewServer(s.mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientReportsUnreachablePeer(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	assert.False(t, c.ProcessCommits())
}
