package manager

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevisionOf(t *testing.T) {
	tests := []struct {
		id       string
		revision string
		ok       bool
	}{
		{"hello/1.2.3@acme/stable#abcdef123456", "abcdef123456", true},
		{"hello/1.2.3@acme/stable", "", true},
		{"hello/1.2.3#abcdef123456", "abcdef123456", true},
		{"hello/1.2.3", "", true},
		{"zlib", "", false},
	}
	for _, tc := range tests {
		revision, ok := revisionOf(tc.id)
		assert.Equal(t, tc.ok, ok, tc.id)
		if tc.ok {
			assert.Equal(t, tc.revision, revision, tc.id)
		}
	}
}

func TestRefPattern(t *testing.T) {
	m := refPattern.FindStringSubmatch("boost/1.81.0@acme/testing#deadbeef")
	require.NotNil(t, m)
	assert.Equal(t, "boost", m[1])
	assert.Equal(t, "1.81.0", m[2])
	assert.Equal(t, "acme", m[3])
	assert.Equal(t, "testing", m[4])
	assert.Equal(t, "deadbeef", m[5])

	m = refPattern.FindStringSubmatch("zlib/1.2.13")
	require.NotNil(t, m)
	assert.Equal(t, "zlib", m[1])
	assert.Equal(t, "1.2.13", m[2])
	assert.Equal(t, "", m[3])
	assert.Equal(t, "", m[5])
}

func TestCreateOutputShape(t *testing.T) {
	raw := `{
		"error": true,
		"installed": [
			{
				"recipe": {
					"id": "hello/1.2.3@acme/stable#aa11",
					"name": "hello",
					"version": "1.2.3",
					"user": "acme",
					"channel": "stable",
					"dependency": false,
					"error": null
				},
				"packages": [
					{"id": "0ab84...", "error": null}
				]
			},
			{
				"recipe": {
					"id": "base/0.1.0@acme/stable",
					"name": "base",
					"version": "0.1.0",
					"dependency": true,
					"error": {"type": "missing"}
				},
				"packages": []
			}
		]
	}`
	var data createOutput
	require.NoError(t, json.Unmarshal([]byte(raw), &data))
	assert.True(t, data.Error)
	require.Len(t, data.Installed, 2)

	own := data.Installed[0]
	assert.False(t, own.Recipe.Dependency)
	assert.Nil(t, own.Recipe.Error)
	require.Len(t, own.Packages, 1)
	assert.Nil(t, own.Packages[0].Error)

	dep := data.Installed[1]
	assert.True(t, dep.Recipe.Dependency)
	require.NotNil(t, dep.Recipe.Error)
	assert.Equal(t, "missing", dep.Recipe.Error.Type)
}

func TestLockOutputShape(t *testing.T) {
	raw := `{
		"graph_lock": {
			"nodes": {
				"0": {"requires": ["1", "2"], "build_requires": ["2", "3"]},
				"1": {"ref": "zlib/1.2.13#rev1", "package_id": "pkg1"},
				"2": {"ref": "boost/1.81.0@acme/stable", "package_id": "pkg2"},
				"3": {"ref": "cmake/3.25.0", "package_id": ""}
			}
		}
	}`
	var lock lockOutput
	require.NoError(t, json.Unmarshal([]byte(raw), &lock))

	root, ok := lock.GraphLock.Nodes["0"]
	require.True(t, ok)
	assert.Equal(t, []string{"1", "2"}, root.Requires)
	assert.Equal(t, []string{"2", "3"}, root.BuildRequires)
	assert.Equal(t, "zlib/1.2.13#rev1", lock.GraphLock.Nodes["1"].Ref)
	assert.Equal(t, "", lock.GraphLock.Nodes["3"].PackageID)
}
