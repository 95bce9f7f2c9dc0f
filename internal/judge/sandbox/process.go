package sandbox

import "time"

const (
	defaultHelperPath = "sandbox-init"
	defaultStackMB    = 256
	defaultFileSizeMB = 64
)

// ProcessConfig tunes the host process sandbox.
type ProcessConfig struct {
	HelperPath       string        `yaml:"helperPath"`
	EnableCgroup     bool          `yaml:"enableCgroup"`
	CgroupRoot       string        `yaml:"cgroupRoot"`
	SeccompProfile   string        `yaml:"seccompProfile"`
	Env              []string      `yaml:"env"`
	StackMB          int64         `yaml:"stackMB"`
	FileSizeMB       int64         `yaml:"fileSizeMB"`
	Processes        int64         `yaml:"processes"`
	PidsLimit        int64         `yaml:"pidsLimit"`
	MemoryHeadroomMB int           `yaml:"memoryHeadroomMB"`
	SupervisorMargin time.Duration `yaml:"supervisorMargin"`
	MaxOutputBytes   int           `yaml:"maxOutputBytes"`
}

func (c *ProcessConfig) applyDefaults() {
	if c.HelperPath == "" {
		c.HelperPath = defaultHelperPath
	}
	if c.StackMB <= 0 {
		c.StackMB = defaultStackMB
	}
	if c.FileSizeMB <= 0 {
		c.FileSizeMB = defaultFileSizeMB
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = defaultPidsLimit
	}
	if c.MemoryHeadroomMB <= 0 {
		c.MemoryHeadroomMB = defaultMemoryHeadroom
	}
	if c.SupervisorMargin <= 0 {
		c.SupervisorMargin = DefaultSupervisorMargin
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = defaultOutputLimitBytes
	}
}

// cpuSeconds bounds CPU time for the whole script, compile step included.
func cpuSeconds(req Request) int64 {
	total := req.TimeLimit + req.CompileTimeLimit
	secs := int64((total + time.Second - 1) / time.Second)
	return secs + 1
}
