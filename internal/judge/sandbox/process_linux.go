//go:build linux

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"codejudge/internal/judge/sandbox/initproto"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	pipeDrainDelay  = time.Second
	statusReadLimit = 4096
)

// ProcessRunner runs the entrypoint as a host process through the
// sandbox-init helper. Isolation is weaker than DockerRunner; it exists for
// hosts without a container daemon.
type ProcessRunner struct {
	cfg ProcessConfig
}

func NewProcessRunner(cfg ProcessConfig) (*ProcessRunner, error) {
	cfg.applyDefaults()
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, unavailable(nil, "cgroup root is required when cgroups are enabled")
	}
	return &ProcessRunner{cfg: cfg}, nil
}

func (r *ProcessRunner) Run(ctx context.Context, req Request) (RawResult, error) {
	if err := req.validate(); err != nil {
		return RawResult{}, err
	}

	var stdin bytes.Buffer
	if err := initproto.Encode(&stdin, r.helperRequest(req)); err != nil {
		return RawResult{}, unavailable(err, "encode init request failed")
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		return RawResult{}, unavailable(err, "create status pipe failed")
	}
	defer statusR.Close()

	cmd := exec.Command(r.cfg.HelperPath)
	cmd.Stdin = &stdin
	cmd.ExtraFiles = []*os.File{statusW}
	stdout := newCappedBuffer(r.cfg.MaxOutputBytes)
	stderr := newCappedBuffer(r.cfg.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = pipeDrainDelay
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	var cg *runCgroup
	if r.cfg.EnableCgroup {
		cg, err = createRunCgroup(r.cfg.CgroupRoot, req.SubmissionID, req.MemoryLimitMB+r.cfg.MemoryHeadroomMB, r.cfg.PidsLimit)
		if err != nil {
			_ = statusW.Close()
			return RawResult{}, unavailable(err, "create cgroup failed")
		}
		defer cg.remove()
		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = cg.fd()
	}

	start := time.Now()
	err = cmd.Start()
	_ = statusW.Close()
	if err != nil {
		return RawResult{}, unavailable(err, "start sandbox helper failed")
	}
	pid := cmd.Process.Pid
	status := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(io.LimitReader(statusR, statusReadLimit))
		status <- data
	}()

	var timedOut, cancelled atomic.Bool
	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(req.Deadline(r.cfg.SupervisorMargin))
		defer timer.Stop()
		select {
		case <-timer.C:
			timedOut.Store(true)
			logger.Warn(ctx, "process exceeded supervisory deadline", zap.String("submission_id", req.SubmissionID))
		case <-ctx.Done():
			cancelled.Store(true)
		case <-done:
			return
		}
		killGroup(pid, cg)
	}()

	waitErr := cmd.Wait()
	close(done)
	// Reap anything the script left behind in its group.
	killGroup(pid, cg)
	wall := time.Since(start)
	helperErr := readStatus(status)

	if cancelled.Load() {
		return RawResult{}, unavailable(ctx.Err(), "run cancelled")
	}
	if helperErr != "" {
		return RawResult{}, unavailable(nil, "sandbox helper failed: %s", helperErr)
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return RawResult{}, unavailable(waitErr, "wait sandbox helper failed")
	}

	result := RawResult{
		ExitCode:          exitStatus(cmd.ProcessState),
		Stdout:            stdout.Bytes(),
		Stderr:            stderr.Bytes(),
		OutputTruncated:   stdout.Truncated() || stderr.Truncated(),
		TimeLimitExceeded: timedOut.Load(),
		WallTime:          wall,
	}
	if cg != nil {
		result.MemoryLimitExceeded = cg.oomKilled()
	}
	return result, nil
}

func killGroup(pid int, cg *runCgroup) {
	if pid > 0 {
		_ = unix.Kill(-pid, unix.SIGKILL)
	}
	if cg != nil {
		_ = cg.kill()
	}
}

// exitStatus reports a signalled process the way a shell would: 128+signal.
func exitStatus(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// helperRequest builds what sandbox-init applies before exec. Without a
// cgroup the memory limit falls back to RLIMIT_AS.
func (r *ProcessRunner) helperRequest(req Request) initproto.Request {
	limits := initproto.Limits{
		CPUSeconds: cpuSeconds(req),
		FileSizeMB: r.cfg.FileSizeMB,
		StackMB:    r.cfg.StackMB,
		Processes:  r.cfg.Processes,
	}
	if !r.cfg.EnableCgroup {
		limits.AddressSpaceMB = int64(req.MemoryLimitMB + r.cfg.MemoryHeadroomMB)
	}
	return initproto.Request{
		WorkDir:        req.WorkDir,
		Command:        []string{"/bin/bash", req.EntrypointPath},
		Env:            r.cfg.Env,
		Limits:         limits,
		SeccompProfile: r.cfg.SeccompProfile,
	}
}

// readStatus returns the helper's setup failure, or "" once exec closed the
// pipe without a message. A descendant still holding the pipe open after
// the group kill is treated as no message.
func readStatus(status <-chan []byte) string {
	select {
	case data := <-status:
		return strings.TrimSpace(string(data))
	case <-time.After(pipeDrainDelay):
		return ""
	}
}
