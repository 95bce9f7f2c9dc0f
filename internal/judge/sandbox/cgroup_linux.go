//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// runCgroup is a per-submission cgroup v2 directory.
type runCgroup struct {
	path string
	dir  *os.File
}

func createRunCgroup(root, submissionID string, memoryMB int, pids int64) (*runCgroup, error) {
	if root == "" {
		return nil, fmt.Errorf("cgroup root is required")
	}
	path := filepath.Join(root, "codejudge-"+submissionID)
	if err := os.Mkdir(path, 0750); err != nil {
		return nil, fmt.Errorf("create cgroup path: %w", err)
	}
	cg := &runCgroup{path: path}
	if err := cg.applyLimits(memoryMB, pids); err != nil {
		cg.remove()
		return nil, err
	}
	dir, err := os.Open(path)
	if err != nil {
		cg.remove()
		return nil, fmt.Errorf("open cgroup: %w", err)
	}
	cg.dir = dir
	return cg, nil
}

func (cg *runCgroup) applyLimits(memoryMB int, pids int64) error {
	pidsValue := "max"
	if pids > 0 {
		pidsValue = strconv.FormatInt(pids, 10)
	}
	if err := cg.write("pids.max", pidsValue); err != nil {
		return err
	}
	if memoryMB > 0 {
		bytes := strconv.FormatInt(int64(memoryMB)*1024*1024, 10)
		if err := cg.write("memory.max", bytes); err != nil {
			return err
		}
		if err := cg.write("memory.swap.max", "0"); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// fd is handed to clone so the helper starts inside the cgroup.
func (cg *runCgroup) fd() int {
	return int(cg.dir.Fd())
}

func (cg *runCgroup) kill() error {
	return cg.write("cgroup.kill", "1")
}

func (cg *runCgroup) oomKilled() bool {
	data, err := os.ReadFile(filepath.Join(cg.path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != "oom_kill" {
			continue
		}
		val, _ := strconv.ParseInt(fields[1], 10, 64)
		return val > 0
	}
	return false
}

func (cg *runCgroup) remove() {
	if cg.dir != nil {
		_ = cg.dir.Close()
	}
	_ = os.Remove(cg.path)
}

func (cg *runCgroup) write(name, value string) error {
	if err := os.WriteFile(filepath.Join(cg.path, name), []byte(value), 0640); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
