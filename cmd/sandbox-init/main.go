//go:build linux

// sandbox-init prepares the process environment for one submission and
// execs the entrypoint in place. It reads an initproto.Request on stdin.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"codejudge/internal/judge/sandbox/initproto"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

func main() {
	// Only the helper may write the status pipe; exec closes it.
	unix.CloseOnExec(initproto.StatusFD)
	if err := run(); err != nil {
		status := os.NewFile(initproto.StatusFD, "status")
		_, _ = fmt.Fprintln(status, err.Error())
		_, _ = fmt.Fprintln(os.Stderr, initproto.FailurePrefix+err.Error())
		os.Exit(initproto.HelperFailureExitCode)
	}
}

func run() error {
	req, err := initproto.Decode(os.Stdin)
	if err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	if err := os.Chdir(req.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}
	if err := applyRlimits(req.Limits); err != nil {
		return err
	}
	if err := detachStdin(); err != nil {
		return err
	}
	if req.SeccompProfile != "" {
		if err := applySeccomp(req.SeccompProfile); err != nil {
			return err
		}
	}

	cmdPath, err := exec.LookPath(req.Command[0])
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}
	return unix.Exec(cmdPath, req.Command, req.Environment())
}

func applyRlimits(limits initproto.Limits) error {
	set := func(resource int, name string, value uint64) error {
		if err := unix.Setrlimit(resource, &unix.Rlimit{Cur: value, Max: value}); err != nil {
			return fmt.Errorf("set rlimit %s: %w", name, err)
		}
		return nil
	}
	if limits.CPUSeconds > 0 {
		if err := set(unix.RLIMIT_CPU, "cpu", uint64(limits.CPUSeconds)); err != nil {
			return err
		}
	}
	if limits.FileSizeMB > 0 {
		if err := set(unix.RLIMIT_FSIZE, "fsize", uint64(limits.FileSizeMB)*1024*1024); err != nil {
			return err
		}
	}
	if limits.StackMB > 0 {
		if err := set(unix.RLIMIT_STACK, "stack", uint64(limits.StackMB)*1024*1024); err != nil {
			return err
		}
	}
	if limits.Processes > 0 {
		if err := set(unix.RLIMIT_NPROC, "nproc", uint64(limits.Processes)); err != nil {
			return err
		}
	}
	if limits.AddressSpaceMB > 0 {
		if err := set(unix.RLIMIT_AS, "as", uint64(limits.AddressSpaceMB)*1024*1024); err != nil {
			return err
		}
	}
	return nil
}

// detachStdin replaces the consumed request pipe with /dev/null.
func detachStdin() error {
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("open stdin: %w", err)
	}
	defer devNull.Close()
	if err := unix.Dup2(int(devNull.Fd()), int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("dup stdin: %w", err)
	}
	return nil
}

func applySeccomp(profilePath string) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("read seccomp profile: %w", err)
	}
	var cfg seccompConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse seccomp profile: %w", err)
	}
	defaultAction, err := parseSeccompAction(cfg.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()
	for _, rule := range cfg.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Unknown on this architecture.
				continue
			}
			if err := filter.AddRule(call, action); err != nil {
				return fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

// seccompConfig is the subset of the OCI seccomp profile format the helper
// understands.
type seccompConfig struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}
