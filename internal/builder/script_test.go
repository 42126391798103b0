package builder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-ci/conveyor/internal/model"
)

func TestParseImageRef(t *testing.T) {
	tests := []struct {
		image      string
		repository string
		registry   string
		tag        string
	}{
		{"conanio/gcc11:1.2.3", "conanio/gcc11", "", "1.2.3"},
		{"alpine:latest", "alpine", "", "latest"},
		{"registry.example.com/team/image:local", "registry.example.com/team/image", "registry.example.com", "local"},
		{"registry.example.com:5000/image:v1", "registry.example.com:5000/image", "registry.example.com:5000", "v1"},
	}
	for _, tc := range tests {
		ref, err := ParseImageRef(tc.image)
		require.NoError(t, err, tc.image)
		assert.Equal(t, tc.repository, ref.Repository, tc.image)
		assert.Equal(t, tc.registry, ref.Registry, tc.image)
		assert.Equal(t, tc.tag, ref.Tag, tc.image)
	}
}

func TestParseImageRefRejectsInvalid(t *testing.T) {
	_, err := ParseImageRef("not a valid image!")
	assert.Error(t, err)
	_, err = ParseImageRef("missing-tag")
	assert.Error(t, err)
}

func TestImageRefLocal(t *testing.T) {
	ref, err := ParseImageRef("myimage:local")
	require.NoError(t, err)
	assert.True(t, ref.Local())

	ref, err = ParseImageRef("myimage:1.0")
	require.NoError(t, err)
	assert.False(t, ref.Local())
}

func testParameters() *Parameters {
	return &Parameters{
		ConanConfigURL:    "https://github.com/acme/conan-config.git",
		ConanConfigPath:   "default",
		ConanConfigBranch: "main",
		ConanProfile:      "linux-release",
		ConanOptions:      "-o shared=True",
		GitURL:            "https://github.com/acme/hello.git",
		GitSHA:            "1234567890abcdef",
		User:              "acme",
		Channel:           "stable",
		Version:           "1.2.3",
		Path:              "./conanfile.py",
		MTU:               "1500",
	}
}

func TestRenderScriptLinux(t *testing.T) {
	script, err := renderScript(model.PlatformLinux, testParameters())
	require.NoError(t, err)

	assert.Contains(t, script, "conan config install https://github.com/acme/conan-config.git --type=git --args \"-b main\" -sf default")
	assert.Contains(t, script, "conan create ./conanfile.py 1.2.3@acme/stable --profile linux-release -o shared=True")
	assert.Contains(t, script, "--json /tmp/conan_output/create.json")
	assert.Contains(t, script, "conan info ./conanfile.py acme/stable")
	assert.Contains(t, script, "--version 1.2.3 --user acme --channel stable")
	assert.Contains(t, script, "git checkout 1234567890abcdef")
	assert.Contains(t, script, "mtu 1500")
	assert.Contains(t, script, "/conan_build_package/credential_helper.sh")
}

func TestRenderScriptWithoutUser(t *testing.T) {
	p := testParameters()
	p.User = ""
	p.Channel = ""
	p.Version = ""
	script, err := renderScript(model.PlatformLinux, p)
	require.NoError(t, err)

	// No version and no user means a bare "conan create <path>".
	assert.Contains(t, script, "conan create ./conanfile.py  --profile")
	assert.NotContains(t, script, "--user")
	assert.NotContains(t, script, "--channel")
}

func TestRenderScriptWindows(t *testing.T) {
	script, err := renderScript(model.PlatformWindows, testParameters())
	require.NoError(t, err)

	assert.Contains(t, script, `C:\conan_output\create.json`)
	assert.Contains(t, script, `C:\\conan_build_package\id_rsa`)
	assert.Contains(t, script, "$ErrorActionPreference")
}

func TestSetupConanUsersLinux(t *testing.T) {
	out := setupConanUsers(model.PlatformLinux, []model.ConanCredential{
		{Remote: "default", Username: "agent", Password: `p\a"ss`},
	})
	assert.Equal(t, `conan user -r default -p "p\\a\"ss" agent || true`, out)
}

func TestSetupConanUsersWindows(t *testing.T) {
	out := setupConanUsers(model.PlatformWindows, []model.ConanCredential{
		{Remote: "default", Username: "agent", Password: `p"ass`},
	})
	assert.Equal(t, `conan user -r default -p "p""ass" agent`, out)
}

func TestSetupConanUsersMultiple(t *testing.T) {
	out := setupConanUsers(model.PlatformLinux, []model.ConanCredential{
		{Remote: "first", Username: "a", Password: "x"},
		{Remote: "second", Username: "b", Password: "y"},
	})
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "-r first")
	assert.Contains(t, lines[1], "-r second")
}

func TestBuildCommand(t *testing.T) {
	assert.Equal(t, []string{"sh", "/conan_build_package/build.sh"}, buildCommand(model.PlatformLinux))
	assert.Equal(t, []string{"cmd", "/s", "/c", `powershell -File C:\conan_build_package\build.ps1`},
		buildCommand(model.PlatformWindows))
}
