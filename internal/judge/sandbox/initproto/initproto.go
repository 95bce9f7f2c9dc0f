// Package initproto is the stdin protocol between the process runner and
// the sandbox-init helper.
package initproto

import (
	"encoding/json"
	"fmt"
	"io"
)

const (
	// HelperFailureExitCode is the helper's exit status when it could not
	// set up the environment. A program may exit with the same code, so the
	// runner only trusts the status pipe.
	HelperFailureExitCode = 121

	// StatusFD is the helper's end of the status pipe. The helper marks it
	// close-on-exec, so the runner reads EOF with no data once the
	// entrypoint starts, and a setup failure message otherwise.
	StatusFD = 3

	// FailurePrefix starts every diagnostic the helper writes to stderr.
	FailurePrefix = "sandbox-init: "

	DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// Request tells the helper how to prepare and what to exec.
type Request struct {
	WorkDir        string   `json:"workDir"`
	Command        []string `json:"command"`
	Env            []string `json:"env,omitempty"`
	Limits         Limits   `json:"limits"`
	SeccompProfile string   `json:"seccompProfile,omitempty"`
}

// Limits are applied as rlimits. Zero leaves the inherited value.
// AddressSpaceMB caps memory when no cgroup does.
type Limits struct {
	CPUSeconds     int64 `json:"cpuSeconds"`
	FileSizeMB     int64 `json:"fileSizeMB"`
	StackMB        int64 `json:"stackMB"`
	Processes      int64 `json:"processes"`
	AddressSpaceMB int64 `json:"addressSpaceMB,omitempty"`
}

func (r Request) Validate() error {
	if len(r.Command) == 0 || r.Command[0] == "" {
		return fmt.Errorf("command is required")
	}
	if r.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	return nil
}

// Environment returns the env to exec with, defaulting to a bare PATH.
func (r Request) Environment() []string {
	if len(r.Env) > 0 {
		return r.Env
	}
	return []string{"PATH=" + DefaultPath}
}

func Encode(w io.Writer, req Request) error {
	return json.NewEncoder(w).Encode(req)
}

func Decode(r io.Reader) (Request, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}
