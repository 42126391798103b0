package builder

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readTar(t *testing.T, r io.Reader) map[string]*tar.Header {
	t.Helper()
	headers := make(map[string]*tar.Header)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		headers[hdr.Name] = hdr
	}
	return headers
}

func TestPackBuildFiles(t *testing.T) {
	buf, err := packBuildFiles("echo build", "build.sh", "#!/bin/sh", "key", "hosts")
	require.NoError(t, err)

	headers := readTar(t, bytes.NewReader(buf.Bytes()))
	require.Len(t, headers, 4)
	assert.Contains(t, headers, "conan_build_package/build.sh")
	assert.Contains(t, headers, "conan_build_package/credential_helper.sh")
	assert.Contains(t, headers, "conan_build_package/id_rsa")
	assert.Contains(t, headers, "conan_build_package/known_hosts")

	// The credential helper must be executable inside the container.
	assert.Equal(t, int64(0o555), headers["conan_build_package/credential_helper.sh"].Mode)
	assert.Equal(t, int64(0o644), headers["conan_build_package/build.sh"].Mode)
}

func writeOutputTar(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return &buf
}

func TestExtractOutputTar(t *testing.T) {
	buf := writeOutputTar(t, map[string]string{
		"conan_output/create.json": `{"error": false}`,
		"conan_output/info.json":   `{}`,
		"conan_output/lock.json":   `{"graph_lock": {}}`,
		"conan_output/extra.txt":   "ignored",
	})

	output, err := extractOutputTar(buf)
	require.NoError(t, err)
	require.Len(t, output, 3)
	assert.JSONEq(t, `{"error": false}`, string(output["create"]))
	assert.JSONEq(t, `{}`, string(output["info"]))
	assert.JSONEq(t, `{"graph_lock": {}}`, string(output["lock"]))
}

func TestExtractOutputTarPartial(t *testing.T) {
	buf := writeOutputTar(t, map[string]string{
		"conan_output/create.json": `{"error": true}`,
	})

	output, err := extractOutputTar(buf)
	require.NoError(t, err)
	require.Len(t, output, 1)
	assert.Contains(t, output, "create")
}

func TestExtractOutputTarEmpty(t *testing.T) {
	buf := writeOutputTar(t, nil)
	output, err := extractOutputTar(buf)
	require.NoError(t, err)
	assert.Empty(t, output)
}
