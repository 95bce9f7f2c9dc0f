package sandbox

import (
	"context"
	"io"
	"path"
	"path/filepath"
	"sync"
	"time"

	"codejudge/pkg/utils/logger"

	"github.com/araddon/dateparse"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

const (
	// SandboxMountPoint is where the staging directory appears inside the container.
	SandboxMountPoint = "/sandbox"

	defaultContainerUser   = "nobody"
	defaultPidsLimit       = 128
	defaultCPUQuota        = 100000
	defaultMemoryHeadroom  = 32
	defaultTmpfsSize       = "64m"
	minContainerMemoryMB   = 6
	outputDrainGracePeriod = 2 * time.Second
	removeTimeout          = 10 * time.Second
)

// DockerConfig tunes the container sandbox.
type DockerConfig struct {
	User             string        `yaml:"user"`
	PidsLimit        int64         `yaml:"pidsLimit"`
	CPUQuota         int64         `yaml:"cpuQuota"`
	MemoryHeadroomMB int           `yaml:"memoryHeadroomMB"`
	TmpfsSize        string        `yaml:"tmpfsSize"`
	SupervisorMargin time.Duration `yaml:"supervisorMargin"`
	MaxOutputBytes   int           `yaml:"maxOutputBytes"`
	PullImages       bool          `yaml:"pullImages"`
}

func (c *DockerConfig) applyDefaults() {
	if c.User == "" {
		c.User = defaultContainerUser
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = defaultPidsLimit
	}
	if c.CPUQuota <= 0 {
		c.CPUQuota = defaultCPUQuota
	}
	if c.MemoryHeadroomMB <= 0 {
		c.MemoryHeadroomMB = defaultMemoryHeadroom
	}
	if c.TmpfsSize == "" {
		c.TmpfsSize = defaultTmpfsSize
	}
	if c.SupervisorMargin <= 0 {
		c.SupervisorMargin = DefaultSupervisorMargin
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = defaultOutputLimitBytes
	}
}

// dockerAPI is the part of the docker client the runner drives.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// DockerRunner runs each submission in a fresh, network-less container.
type DockerRunner struct {
	cli dockerAPI
	cfg DockerConfig

	pullMu sync.Mutex
	pulled map[string]bool
}

// NewDockerRunner connects to the daemon described by the DOCKER_* environment.
func NewDockerRunner(cfg DockerConfig) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, unavailable(err, "create docker client failed")
	}
	return newDockerRunner(cli, cfg), nil
}

func newDockerRunner(cli dockerAPI, cfg DockerConfig) *DockerRunner {
	cfg.applyDefaults()
	return &DockerRunner{cli: cli, cfg: cfg, pulled: make(map[string]bool)}
}

// Close releases the daemon connection.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// Run executes the entrypoint and waits for the container to stop.
func (r *DockerRunner) Run(ctx context.Context, req Request) (RawResult, error) {
	if err := req.validate(); err != nil {
		return RawResult{}, err
	}
	if req.Image == "" {
		return RawResult{}, unavailable(nil, "no image configured for submission %s", req.SubmissionID)
	}
	if err := r.ensureImage(ctx, req.Image); err != nil {
		return RawResult{}, err
	}

	created, err := r.cli.ContainerCreate(ctx, r.containerConfig(req), r.hostConfig(req), nil, nil, "")
	if err != nil {
		return RawResult{}, unavailable(err, "create container failed")
	}
	defer r.remove(ctx, created.ID)

	attach, err := r.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return RawResult{}, unavailable(err, "attach container failed")
	}
	defer attach.Close()

	stdout := newCappedBuffer(r.cfg.MaxOutputBytes)
	stderr := newCappedBuffer(r.cfg.MaxOutputBytes)
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil && err != io.EOF {
			logger.Debug(ctx, "container output stream ended", zap.String("container_id", created.ID), zap.Error(err))
		}
	}()

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return RawResult{}, unavailable(err, "start container failed")
	}

	timedOut, exitCode, err := r.wait(ctx, created.ID, req.Deadline(r.cfg.SupervisorMargin))
	if err != nil {
		return RawResult{}, err
	}

	select {
	case <-copied:
	case <-time.After(outputDrainGracePeriod):
		logger.Warn(ctx, "container output not drained in time", zap.String("container_id", created.ID))
	}

	inspect, err := r.cli.ContainerInspect(ctx, created.ID)
	if err != nil {
		return RawResult{}, unavailable(err, "inspect container failed")
	}

	result := RawResult{
		ExitCode:          exitCode,
		Stdout:            stdout.Bytes(),
		Stderr:            stderr.Bytes(),
		OutputTruncated:   stdout.Truncated() || stderr.Truncated(),
		TimeLimitExceeded: timedOut,
	}
	if inspect.ContainerJSONBase != nil && inspect.State != nil {
		result.MemoryLimitExceeded = inspect.State.OOMKilled
		result.WallTime = wallTime(inspect.State.StartedAt, inspect.State.FinishedAt)
	}
	return result, nil
}

// wait blocks until the container stops or the supervisory deadline passes.
// On deadline the container is killed and the time flag is reported.
func (r *DockerRunner) wait(ctx context.Context, id string, deadline time.Duration) (bool, int, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	okCh, errCh := r.cli.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	timedOut := false
	for {
		select {
		case resp := <-okCh:
			if resp.Error != nil && resp.Error.Message != "" {
				return false, 0, unavailable(nil, "wait container failed: %s", resp.Error.Message)
			}
			return timedOut, int(resp.StatusCode), nil
		case err := <-errCh:
			return false, 0, unavailable(err, "wait container failed")
		case <-timer.C:
			if timedOut {
				return false, 0, unavailable(nil, "container %s did not stop after kill", id)
			}
			timedOut = true
			logger.Warn(ctx, "container exceeded supervisory deadline", zap.String("container_id", id), zap.Duration("deadline", deadline))
			if err := r.cli.ContainerKill(ctx, id, "KILL"); err != nil && !errdefs.IsNotFound(err) {
				return false, 0, unavailable(err, "kill container failed")
			}
			timer.Reset(removeTimeout)
		case <-ctx.Done():
			return false, 0, unavailable(ctx.Err(), "run cancelled")
		}
	}
}

func (r *DockerRunner) remove(ctx context.Context, id string) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()
	if err := r.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		logger.Warn(ctx, "remove container failed", zap.String("container_id", id), zap.Error(err))
	}
}

func (r *DockerRunner) ensureImage(ctx context.Context, ref string) error {
	r.pullMu.Lock()
	defer r.pullMu.Unlock()
	if r.pulled[ref] {
		return nil
	}

	_, _, err := r.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		r.pulled[ref] = true
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return unavailable(err, "inspect image %s failed", ref)
	}
	if !r.cfg.PullImages {
		return unavailable(err, "image %s not present and pulling is disabled", ref)
	}

	logger.Info(ctx, "pulling sandbox image", zap.String("image", ref))
	reader, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return unavailable(err, "pull image %s failed", ref)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return unavailable(err, "pull image %s interrupted", ref)
	}
	r.pulled[ref] = true
	return nil
}

func (r *DockerRunner) containerConfig(req Request) *container.Config {
	return &container.Config{
		Image:           req.Image,
		Cmd:             []string{"/bin/bash", path.Join(SandboxMountPoint, filepath.Base(req.EntrypointPath))},
		WorkingDir:      SandboxMountPoint,
		User:            r.cfg.User,
		NetworkDisabled: true,
		AttachStdout:    true,
		AttachStderr:    true,
		Labels: map[string]string{
			"codejudge.submission": req.SubmissionID,
		},
	}
}

func (r *DockerRunner) hostConfig(req Request) *container.HostConfig {
	memoryMB := req.MemoryLimitMB + r.cfg.MemoryHeadroomMB
	if memoryMB < minContainerMemoryMB {
		memoryMB = minContainerMemoryMB
	}
	memory := int64(memoryMB) * 1024 * 1024
	pids := r.cfg.PidsLimit

	return &container.HostConfig{
		Binds:       []string{req.WorkDir + ":" + SandboxMountPoint},
		NetworkMode: "none",
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp": "rw,exec,nosuid,size=" + r.cfg.TmpfsSize + ",mode=1777",
		},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			CPUQuota:   r.cfg.CPUQuota,
			PidsLimit:  &pids,
		},
	}
}

// wallTime measures the container's own run time. Unparseable or unset
// timestamps yield zero.
func wallTime(startedAt, finishedAt string) time.Duration {
	if startedAt == "" || finishedAt == "" {
		return 0
	}
	start, err := dateparse.ParseAny(startedAt)
	if err != nil {
		return 0
	}
	finish, err := dateparse.ParseAny(finishedAt)
	if err != nil || finish.Before(start) {
		return 0
	}
	return finish.Sub(start)
}
