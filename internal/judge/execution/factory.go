package execution

import (
	"os"
	"path/filepath"

	"codejudge/internal/judge/entrypoint"
	"codejudge/internal/judge/language"
	appErr "codejudge/pkg/errors"

	"github.com/google/uuid"
)

const (
	MinTimeLimit   = 1
	MaxTimeLimit   = 15
	MinMemoryLimit = 1
	MaxMemoryLimit = 1000

	DefaultCompileTimeLimit = 10
	stagingPrefix           = "exec-"
	// Other users may traverse the root but not list the random run names.
	stagingRootPerm = 0o711
)

// FactoryConfig configures the Factory.
type FactoryConfig struct {
	Registry  *language.Registry
	Generator *entrypoint.Generator
	// StagingRoot holds one directory per execution.
	StagingRoot string
	// CompileTimeLimit bounds the compile step, in seconds.
	CompileTimeLimit int
	// MaxSourceBytes and MaxInputBytes reject oversized submissions; 0 disables.
	MaxSourceBytes int
	MaxInputBytes  int
}

// Factory validates submissions and builds executions.
type Factory struct {
	registry         *language.Registry
	generator        *entrypoint.Generator
	stagingRoot      string
	compileTimeLimit int
	maxSourceBytes   int
	maxInputBytes    int
	newID            func() string
}

// NewFactory creates a Factory and makes sure the staging root exists.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Registry == nil {
		return nil, appErr.ValidationError("registry", "required")
	}
	if cfg.Generator == nil {
		return nil, appErr.ValidationError("generator", "required")
	}
	root := cfg.StagingRoot
	if root == "" {
		root = filepath.Join(os.TempDir(), "codejudge")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StagingFailed, "resolve staging root failed")
	}
	if err := os.MkdirAll(abs, stagingRootPerm); err != nil {
		return nil, appErr.Wrapf(err, appErr.StagingFailed, "create staging root failed")
	}
	if err := os.Chmod(abs, stagingRootPerm); err != nil {
		return nil, appErr.Wrapf(err, appErr.StagingFailed, "chmod staging root failed")
	}
	compileLimit := cfg.CompileTimeLimit
	if compileLimit <= 0 {
		compileLimit = DefaultCompileTimeLimit
	}
	return &Factory{
		registry:         cfg.Registry,
		generator:        cfg.Generator,
		stagingRoot:      abs,
		compileTimeLimit: compileLimit,
		maxSourceBytes:   cfg.MaxSourceBytes,
		maxInputBytes:    cfg.MaxInputBytes,
		newID:            uuid.NewString,
	}, nil
}

// Registry exposes the language registry the factory resolves against.
func (f *Factory) Registry() *language.Registry {
	return f.registry
}

// Create validates sub and returns an execution with a fresh staging path.
// Nothing is written to disk until Stage.
func (f *Factory) Create(sub Submission) (*Execution, error) {
	desc, err := f.registry.Lookup(sub.Language)
	if err != nil {
		return nil, err
	}
	if len(sub.SourceCode) == 0 {
		return nil, appErr.ValidationError("sourceCode", "required")
	}
	if f.maxSourceBytes > 0 && len(sub.SourceCode) > f.maxSourceBytes {
		return nil, appErr.New(appErr.CodeTooLarge).WithDetail("limit_bytes", f.maxSourceBytes)
	}
	if f.maxInputBytes > 0 && len(sub.Input) > f.maxInputBytes {
		return nil, appErr.New(appErr.InputTooLarge).WithDetail("limit_bytes", f.maxInputBytes)
	}
	if sub.TimeLimit < MinTimeLimit || sub.TimeLimit > MaxTimeLimit {
		return nil, appErr.ValidationError("timeLimit", "must be between 1 and 15 seconds")
	}
	if sub.MemoryLimit < MinMemoryLimit || sub.MemoryLimit > MaxMemoryLimit {
		return nil, appErr.ValidationError("memoryLimit", "must be between 1 and 1000 MB")
	}
	fileName, err := desc.ResolveFileName(sub.SourceFileName)
	if err != nil {
		return nil, err
	}

	id := f.newID()
	return &Execution{
		id:               id,
		lang:             desc,
		source:           sub.SourceCode,
		input:            sub.Input,
		hasInput:         sub.HasInput,
		expected:         sub.ExpectedOutput,
		fileName:         fileName,
		timeLimitSecs:    sub.TimeLimit,
		memoryLimitMB:    sub.MemoryLimit,
		compileLimitSecs: f.compileTimeLimit,
		stagingDir:       filepath.Join(f.stagingRoot, stagingPrefix+id),
		generator:        f.generator,
	}, nil
}
