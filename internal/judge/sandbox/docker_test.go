package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	appErr "codejudge/pkg/errors"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type fakeDocker struct {
	mu sync.Mutex

	missingImage bool
	pulled       []string
	createErr    error
	hang         bool
	exitCode     int64
	oomKilled    bool
	stdout       string
	stderr       string

	config  *container.Config
	host    *container.HostConfig
	killed  bool
	removed bool
	waitCh  chan container.WaitResponse
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.config = cfg
	f.host = host
	f.waitCh = make(chan container.WaitResponse, 1)
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeDocker) ContainerAttach(ctx context.Context, id string, _ container.AttachOptions) (types.HijackedResponse, error) {
	var buf bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	conn, peer := net.Pipe()
	_ = peer.Close()
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(&buf)}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hang {
		f.waitCh <- container.WaitResponse{StatusCode: f.exitCode}
	}
	return f.waitCh, make(chan error)
}

func (f *fakeDocker) ContainerKill(ctx context.Context, id, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	f.waitCh <- container.WaitResponse{StatusCode: 137}
	return nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{
				OOMKilled:  f.oomKilled,
				StartedAt:  "2024-05-01T10:00:00.000000000Z",
				FinishedAt: "2024-05-01T10:00:01.250000000Z",
			},
		},
	}, nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
	return nil
}

func (f *fakeDocker) ImageInspectWithRaw(ctx context.Context, ref string) (types.ImageInspect, []byte, error) {
	if f.missingImage {
		return types.ImageInspect{}, nil, errdefs.NotFound(errors.New("no such image"))
	}
	return types.ImageInspect{ID: ref}, nil, nil
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, ref)
	f.missingImage = false
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeDocker) Close() error { return nil }

func testRequest() Request {
	return Request{
		SubmissionID:   "sub-1",
		Image:          "gcc:13",
		WorkDir:        "/tmp/exec-sub-1",
		EntrypointPath: "/tmp/exec-sub-1/entrypoint.sh",
		TimeLimit:      time.Second,
		MemoryLimitMB:  64,
	}
}

func TestDockerRunnerCapturesOutput(t *testing.T) {
	fake := &fakeDocker{exitCode: 0, stdout: "hello\n", stderr: "warn\n"}
	runner := newDockerRunner(fake, DockerConfig{})

	res, err := runner.Run(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.ExitCode != 0 || string(res.Stdout) != "hello\n" || string(res.Stderr) != "warn\n" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.WallTime != 1250*time.Millisecond {
		t.Fatalf("expected 1.25s wall time, got %s", res.WallTime)
	}
	if res.TimeLimitExceeded || res.MemoryLimitExceeded {
		t.Fatalf("expected no limit flags, got %+v", res)
	}
	if !fake.removed {
		t.Fatalf("expected container removal")
	}
	if got := fake.config.Cmd; len(got) != 2 || got[1] != "/sandbox/entrypoint.sh" {
		t.Fatalf("unexpected command %v", got)
	}
}

func TestDockerRunnerHostHardening(t *testing.T) {
	fake := &fakeDocker{}
	runner := newDockerRunner(fake, DockerConfig{MemoryHeadroomMB: 16})
	if _, err := runner.Run(context.Background(), testRequest()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	host := fake.host
	if host.NetworkMode != "none" || !fake.config.NetworkDisabled {
		t.Fatalf("expected network disabled")
	}
	if len(host.CapDrop) != 1 || host.CapDrop[0] != "ALL" {
		t.Fatalf("expected all capabilities dropped, got %v", host.CapDrop)
	}
	if host.Resources.Memory != 80*1024*1024 || host.Resources.MemorySwap != host.Resources.Memory {
		t.Fatalf("unexpected memory settings %d/%d", host.Resources.Memory, host.Resources.MemorySwap)
	}
	if host.Resources.PidsLimit == nil || *host.Resources.PidsLimit != defaultPidsLimit {
		t.Fatalf("expected pids limit")
	}
	if len(host.Binds) != 1 || host.Binds[0] != "/tmp/exec-sub-1:/sandbox" {
		t.Fatalf("unexpected binds %v", host.Binds)
	}
}

func TestDockerRunnerReportsOOM(t *testing.T) {
	fake := &fakeDocker{exitCode: 137, oomKilled: true}
	runner := newDockerRunner(fake, DockerConfig{})
	res, err := runner.Run(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !res.MemoryLimitExceeded || res.ExitCode != 137 {
		t.Fatalf("expected OOM result, got %+v", res)
	}
}

func TestDockerRunnerKillsOnDeadline(t *testing.T) {
	fake := &fakeDocker{hang: true}
	runner := newDockerRunner(fake, DockerConfig{SupervisorMargin: 10 * time.Millisecond})
	res, err := runner.Run(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !fake.killed || !res.TimeLimitExceeded {
		t.Fatalf("expected kill and time flag, got killed=%v res=%+v", fake.killed, res)
	}
}

func TestDockerRunnerPullsMissingImage(t *testing.T) {
	fake := &fakeDocker{missingImage: true}
	runner := newDockerRunner(fake, DockerConfig{PullImages: true})
	if _, err := runner.Run(context.Background(), testRequest()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(fake.pulled) != 1 || fake.pulled[0] != "gcc:13" {
		t.Fatalf("expected gcc:13 pulled, got %v", fake.pulled)
	}
}

func TestDockerRunnerMissingImageWithoutPull(t *testing.T) {
	fake := &fakeDocker{missingImage: true}
	runner := newDockerRunner(fake, DockerConfig{})
	_, err := runner.Run(context.Background(), testRequest())
	if !appErr.Is(err, appErr.SandboxUnavailable) {
		t.Fatalf("expected SandboxUnavailable, got %v", err)
	}
}

func TestDockerRunnerCreateFailure(t *testing.T) {
	fake := &fakeDocker{createErr: errors.New("daemon down")}
	runner := newDockerRunner(fake, DockerConfig{})
	_, err := runner.Run(context.Background(), testRequest())
	if !appErr.Is(err, appErr.SandboxUnavailable) {
		t.Fatalf("expected SandboxUnavailable, got %v", err)
	}
}

func TestWallTime(t *testing.T) {
	cases := []struct {
		start, finish string
		want          time.Duration
	}{
		{"2024-05-01T10:00:00Z", "2024-05-01T10:00:02Z", 2 * time.Second},
		{"", "2024-05-01T10:00:02Z", 0},
		{"garbage", "2024-05-01T10:00:02Z", 0},
		{"2024-05-01T10:00:02Z", "2024-05-01T10:00:00Z", 0},
	}
	for _, tc := range cases {
		if got := wallTime(tc.start, tc.finish); got != tc.want {
			t.Fatalf("wallTime(%q, %q): expected %s, got %s", tc.start, tc.finish, tc.want, got)
		}
	}
}
