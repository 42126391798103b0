// Package builder drives one container build from image pull to output
// extraction. A Builder is a scoped resource owned by an agent
// iteration, not a worker of its own.
package builder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/conveyor-ci/conveyor/internal/credentials"
	"github.com/conveyor-ci/conveyor/internal/model"
)

const (
	logQueueSize   = 16384
	maxLogLineSize = 1024 * 1024
)

// Failed marks an error that flips the build to "error" instead of
// crashing the agent: unreachable daemon, bad image, non-zero exit,
// missing output.
type Failed struct {
	Reason string
}

func (e *Failed) Error() string { return e.Reason }

func failf(format string, args ...any) error {
	return &Failed{Reason: fmt.Sprintf(format, args...)}
}

// Builder owns exactly one container lifecycle.
type Builder struct {
	platform model.Platform
	image    string
	params   *Parameters

	buildTar *bytes.Buffer

	// mu guards the fields below. The phase methods run on one
	// goroutine while Cancel and Close may arrive from the agent after
	// it has already abandoned the build.
	mu          sync.Mutex
	client      *client.Client
	containerID string
	cancelled   bool
	stopLogs    context.CancelFunc

	logs    chan string
	dropped int

	// Output maps "create", "info" and "lock" to the raw JSON the
	// container wrote. Populated by RunBuild; may be partial.
	Output map[string][]byte
}

// New creates a builder for one container image on the given platform.
func New(platform model.Platform, img string, params *Parameters) *Builder {
	return &Builder{
		platform: platform,
		image:    img,
		params:   params,
		logs:     make(chan string, logQueueSize),
		Output:   make(map[string][]byte),
	}
}

// PullImage pulls the build image unless it is tagged "local",
// authenticating with the docker credential matching the registry.
func (b *Builder) PullImage(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return failf("failed to create docker client: %s", err)
	}
	b.mu.Lock()
	if b.cancelled {
		b.mu.Unlock()
		cli.Close()
		slog.Info("Build was cancelled")
		return nil
	}
	b.client = cli
	b.mu.Unlock()

	ref, err := ParseImageRef(b.image)
	if err != nil {
		return failf("%s", err)
	}
	if ref.Local() {
		slog.Info("Do not pull local image", "image", b.image)
		return nil
	}

	opts := image.PullOptions{}
	for _, c := range b.params.DockerCredentials {
		if c.Server != ref.Registry {
			continue
		}
		auth, err := registryAuth(c)
		if err != nil {
			return failf("failed to encode registry auth: %s", err)
		}
		opts.RegistryAuth = auth
		break
	}

	slog.Info("Pull docker image", "image", b.image)
	rc, err := cli.ImagePull(ctx, b.image, opts)
	if err != nil {
		return failf("failed to pull docker image %q: %s", b.image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return failf("failed to pull docker image %q: %s", b.image, err)
	}
	return nil
}

func registryAuth(c model.DockerCredential) (string, error) {
	data, err := json.Marshal(registry.AuthConfig{
		Username:      c.Username,
		Password:      c.Password,
		ServerAddress: c.Server,
	})
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// CreateBuildFiles renders the build script and packs the archive that
// is copied into the container.
func (b *Builder) CreateBuildFiles() error {
	slog.Info("Create build tar")

	script, err := renderScript(b.platform, b.params)
	if err != nil {
		return failf("%s", err)
	}
	helper := credentials.HelperScript(b.params.GitCredentials)
	sshKey, err := credentials.Decode(b.params.SSHKey)
	if err != nil {
		return failf("%s", err)
	}
	knownHosts, err := credentials.Decode(b.params.KnownHosts)
	if err != nil {
		return failf("%s", err)
	}

	buildTar, err := packBuildFiles(script, scriptName(b.platform), helper, sshKey, knownHosts)
	if err != nil {
		return failf("%s", err)
	}
	b.buildTar = buildTar
	return nil
}

// SetupContainer creates the container and copies the build files into
// its filesystem root.
func (b *Builder) SetupContainer(ctx context.Context) error {
	slog.Info("Setup docker container")

	name := "conveyor-build-" + uuid.NewString()
	created, err := b.client.ContainerCreate(ctx, &container.Config{
		Image: b.image,
		Cmd:   buildCommand(b.platform),
	}, nil, nil, nil, name)
	if err != nil {
		return failf("failed to create container from image %q: %s", b.image, err)
	}
	b.mu.Lock()
	if b.cancelled {
		b.mu.Unlock()
		slog.Info("Build was cancelled")
		// Teardown already ran; this container is ours to remove.
		if err := b.client.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true}); err != nil {
			slog.Warn("Failed to remove container", "container", shortID(created.ID), "error", err)
		}
		return nil
	}
	b.containerID = created.ID
	b.mu.Unlock()
	slog.Info("Created docker container", "container", shortID(b.containerID))

	err = b.client.CopyToContainer(ctx, b.containerID, rootDir(b.platform),
		bytes.NewReader(b.buildTar.Bytes()), container.CopyToContainerOptions{})
	if err != nil {
		return failf("failed to copy build files to container %q: %s", shortID(b.containerID), err)
	}
	slog.Info("Copied build files to container", "container", shortID(b.containerID))
	return nil
}

// RunBuild starts the container, streams its logs into the queue until
// the stream closes, waits for the exit code and extracts the output
// directory. Returns nil without side effects when cancelled.
func (b *Builder) RunBuild(ctx context.Context) error {
	b.mu.Lock()
	if b.cancelled {
		b.mu.Unlock()
		slog.Info("Build was cancelled")
		return nil
	}
	slog.Info("Start build in container", "container", shortID(b.containerID))
	if err := b.client.ContainerStart(ctx, b.containerID, container.StartOptions{}); err != nil {
		b.mu.Unlock()
		return failf("failed to start container %q: %s", shortID(b.containerID), err)
	}
	logsCtx, stopLogs := context.WithCancel(context.Background())
	b.stopLogs = stopLogs
	reader, err := b.client.ContainerLogs(logsCtx, b.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		b.stopLogs = nil
		b.mu.Unlock()
		stopLogs()
		return failf("failed to attach to container logs: %s", err)
	}
	b.mu.Unlock()

	b.streamLogs(reader)

	b.mu.Lock()
	b.stopLogs = nil
	cancelled := b.cancelled
	b.mu.Unlock()
	stopLogs()
	if cancelled {
		slog.Info("Build was cancelled")
		return nil
	}

	statusCh, errCh := b.client.ContainerWait(ctx, b.containerID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		return failf("failed to wait for container %q: %s", shortID(b.containerID), err)
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return ctx.Err()
	}

	rc, _, err := b.client.CopyFromContainer(ctx, b.containerID, buildOutputDir(b.platform))
	if err != nil {
		return failf("failed to obtain build output from container %q: %s", shortID(b.containerID), err)
	}
	defer rc.Close()
	output, err := extractOutputTar(rc)
	if err != nil {
		return failf("%s", err)
	}
	b.Output = output

	if exitCode != 0 {
		return failf("build in container %q returned status code %d", shortID(b.containerID), exitCode)
	}
	return nil
}

// streamLogs demultiplexes the container's stdout/stderr stream and
// feeds decoded lines into the bounded queue. Lines are dropped when
// the queue is full rather than blocking the stream forever.
func (b *Builder) streamLogs(reader io.ReadCloser) {
	defer reader.Close()
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, reader)
		pw.CloseWithError(err)
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), maxLogLineSize)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		line = strings.ToValidUTF8(line, string(utf8.RuneError))
		select {
		case b.logs <- line:
		default:
			b.dropped++
		}
	}
	if b.dropped > 0 {
		slog.Warn("Dropped log lines, queue full", "count", b.dropped)
	}
}

// DrainLogs returns all lines currently queued, without blocking.
func (b *Builder) DrainLogs() []string {
	var lines []string
	for {
		select {
		case line := <-b.logs:
			lines = append(lines, line)
		default:
			return lines
		}
	}
}

// Cancel marks the build cancelled and closes the log stream, which
// makes RunBuild return without touching the container further.
func (b *Builder) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	slog.Info("Cancel build")
	b.cancelled = true
	if b.stopLogs != nil {
		slog.Info("Close logs")
		b.stopLogs()
	}
}

// Close stops and removes the container, best effort. It marks the
// build cancelled first, so a phase still in flight stops creating
// resources after the teardown.
func (b *Builder) Close() {
	b.mu.Lock()
	b.cancelled = true
	cli := b.client
	id := b.containerID
	b.mu.Unlock()
	if cli == nil {
		return
	}
	defer cli.Close()
	if id == "" {
		return
	}
	ctx := context.Background()
	slog.Info("Stop docker container", "container", shortID(id))
	if err := cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		slog.Warn("Failed to stop container", "container", shortID(id), "error", err)
	}
	slog.Info("Remove docker container", "container", shortID(id))
	if err := cli.ContainerRemove(ctx, id, container.RemoveOptions{}); err != nil {
		slog.Warn("Failed to remove container", "container", shortID(id), "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
