// Package sandbox runs a staged entrypoint inside an isolated environment
// and reports its raw outcome.
package sandbox

import (
	"context"
	"sync"
	"time"

	"codejudge/internal/judge/execution"
	appErr "codejudge/pkg/errors"
)

const (
	defaultOutputLimitBytes = 64 * 1024
	DefaultSupervisorMargin = 2 * time.Second
)

// Runner executes one entrypoint. Any failure to create or drive the
// isolated environment is returned as an error, never as a RawResult.
type Runner interface {
	Run(ctx context.Context, req Request) (RawResult, error)
}

// Request is what a Runner needs to execute one staged submission.
type Request struct {
	SubmissionID     string
	Image            string
	WorkDir          string
	EntrypointPath   string
	TimeLimit        time.Duration
	CompileTimeLimit time.Duration
	MemoryLimitMB    int
}

// RequestFor builds a Request from an execution's artifacts.
func RequestFor(id string, a execution.Artifacts) Request {
	return Request{
		SubmissionID:     id,
		Image:            a.Image,
		WorkDir:          a.StagingDir,
		EntrypointPath:   a.EntrypointPath,
		TimeLimit:        a.TimeLimit,
		CompileTimeLimit: a.CompileTimeLimit,
		MemoryLimitMB:    a.MemoryLimitMB,
	}
}

// Deadline is the supervisory wall clock budget for the whole run.
// The script enforces the real limits; this only catches runaways.
func (r Request) Deadline(margin time.Duration) time.Duration {
	if margin <= 0 {
		margin = DefaultSupervisorMargin
	}
	return r.TimeLimit + r.CompileTimeLimit + margin
}

func (r Request) validate() error {
	if r.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if r.WorkDir == "" {
		return appErr.ValidationError("work_dir", "required")
	}
	if r.EntrypointPath == "" {
		return appErr.ValidationError("entrypoint", "required")
	}
	if r.TimeLimit <= 0 || r.MemoryLimitMB <= 0 {
		return appErr.ValidationError("limits", "must be positive")
	}
	return nil
}

// RawResult is the unclassified outcome of one run.
type RawResult struct {
	ExitCode            int
	Stdout              []byte
	Stderr              []byte
	OutputTruncated     bool
	TimeLimitExceeded   bool
	MemoryLimitExceeded bool
	WallTime            time.Duration
}

func unavailable(err error, format string, args ...interface{}) error {
	if err == nil {
		return appErr.Newf(appErr.SandboxUnavailable, format, args...)
	}
	return appErr.Wrapf(err, appErr.SandboxUnavailable, format, args...)
}

// cappedBuffer keeps the first limit bytes and silently drops the rest so
// the producer is never blocked.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	if limit <= 0 {
		limit = defaultOutputLimitBytes
	}
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - len(b.buf)
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
