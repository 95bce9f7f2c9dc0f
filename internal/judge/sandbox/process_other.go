//go:build !linux

package sandbox

import (
	"context"

	appErr "codejudge/pkg/errors"
)

// ProcessRunner is only available on linux.
type ProcessRunner struct{}

func NewProcessRunner(cfg ProcessConfig) (*ProcessRunner, error) {
	return nil, appErr.Newf(appErr.SandboxUnavailable, "process sandbox is only supported on linux")
}

func (r *ProcessRunner) Run(ctx context.Context, req Request) (RawResult, error) {
	return RawResult{}, appErr.Newf(appErr.SandboxUnavailable, "process sandbox is only supported on linux")
}
