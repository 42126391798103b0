package builder

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
)

func addTarContent(tw *tar.Writer, name, content string, script bool) error {
	mode := int64(0o644)
	if script {
		mode = 0o555
	}
	hdr := &tar.Header{
		Name: buildPackageDirName + "/" + name,
		Mode: mode,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", name, err)
	}
	if _, err := io.Copy(tw, strings.NewReader(content)); err != nil {
		return fmt.Errorf("failed to write tar content for %s: %w", name, err)
	}
	return nil
}

// packBuildFiles produces the archive copied into the container root:
// the build script, the git credential helper and the SSH material.
func packBuildFiles(script, scriptFile, credentialHelper, sshKey, knownHosts string) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := addTarContent(tw, scriptFile, script, false); err != nil {
		return nil, err
	}
	if err := addTarContent(tw, "credential_helper.sh", credentialHelper, true); err != nil {
		return nil, err
	}
	if err := addTarContent(tw, "id_rsa", sshKey, false); err != nil {
		return nil, err
	}
	if err := addTarContent(tw, "known_hosts", knownHosts, false); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish build tar: %w", err)
	}
	return &buf, nil
}

// extractOutputTar pulls create.json, info.json and lock.json out of
// the archived output directory. Missing files are simply absent from
// the result.
func extractOutputTar(r io.Reader) (map[string][]byte, error) {
	wanted := map[string]string{
		"create.json": "create",
		"info.json":   "info",
		"lock.json":   "lock",
	}
	result := make(map[string][]byte)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read output tar: %w", err)
		}
		key, ok := wanted[path.Base(hdr.Name)]
		if !ok || hdr.Typeflag == tar.TypeDir {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s from output tar: %w", hdr.Name, err)
		}
		result[key] = data
	}
	return result, nil
}
