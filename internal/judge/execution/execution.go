// Package execution turns a validated submission into a staged workspace
// with a generated entrypoint.
package execution

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"codejudge/internal/judge/entrypoint"
	"codejudge/internal/judge/language"
	appErr "codejudge/pkg/errors"
)

const (
	// EntrypointFileName is the only file PrepareEntrypoint writes.
	EntrypointFileName = "entrypoint.sh"

	// The sandbox user writes build outputs and renames the source, so the
	// dir stays writable to others but not listable.
	stagingDirPerm = 0o733
	sourceFilePerm = 0o644
	scriptFilePerm = 0o755
)

// Submission is a normalized compile request.
type Submission struct {
	Language       string
	SourceCode     []byte
	SourceFileName string
	Input          []byte
	HasInput       bool
	ExpectedOutput []byte
	TimeLimit      int // seconds
	MemoryLimit    int // megabytes
}

// Artifacts describes a staged execution to the sandbox.
type Artifacts struct {
	StagingDir       string
	EntrypointPath   string
	SourceFileName   string
	InputFileName    string
	Image            string
	TimeLimit        time.Duration
	CompileTimeLimit time.Duration
	MemoryLimitMB    int
}

// Execution is one submission bound to a language and a staging path.
// It is owned by a single pipeline and never shared.
type Execution struct {
	id               string
	lang             language.Descriptor
	source           []byte
	input            []byte
	hasInput         bool
	expected         []byte
	fileName         string
	timeLimitSecs    int
	memoryLimitMB    int
	compileLimitSecs int
	stagingDir       string
	generator        *entrypoint.Generator
}

func (e *Execution) ID() string                     { return e.id }
func (e *Execution) Language() language.Descriptor  { return e.lang }
func (e *Execution) ExpectedOutput() []byte         { return e.expected }
func (e *Execution) StagingDir() string             { return e.stagingDir }
func (e *Execution) SourceFileName() string         { return e.fileName }
func (e *Execution) EntrypointPath() string         { return filepath.Join(e.stagingDir, EntrypointFileName) }
func (e *Execution) TimeLimit() time.Duration       { return time.Duration(e.timeLimitSecs) * time.Second }
func (e *Execution) MemoryLimitMB() int             { return e.memoryLimitMB }
func (e *Execution) CompileTimeLimit() time.Duration {
	if !e.lang.NeedsCompile {
		return 0
	}
	return time.Duration(e.compileLimitSecs) * time.Second
}

// Stage creates the staging directory and writes the source (under the
// language default name) plus the input file when one was supplied.
func (e *Execution) Stage() error {
	if err := os.Mkdir(e.stagingDir, stagingDirPerm); err != nil {
		return appErr.Wrapf(err, appErr.StagingFailed, "create staging dir failed")
	}
	if err := os.Chmod(e.stagingDir, stagingDirPerm); err != nil {
		return appErr.Wrapf(err, appErr.StagingFailed, "chmod staging dir failed")
	}
	if err := os.WriteFile(filepath.Join(e.stagingDir, e.lang.DefaultFileName), e.source, sourceFilePerm); err != nil {
		return appErr.Wrapf(err, appErr.StagingFailed, "write source failed")
	}
	if e.hasInput {
		if err := os.WriteFile(filepath.Join(e.stagingDir, entrypoint.InputFileName), e.input, sourceFilePerm); err != nil {
			return appErr.Wrapf(err, appErr.StagingFailed, "write input failed")
		}
	}
	return nil
}

// Attributes returns the substitution map for the entrypoint template.
func (e *Execution) Attributes() (map[string]string, error) {
	return entrypoint.Attributes(e.lang, entrypoint.Input{
		FileName:         e.fileName,
		HasInput:         e.hasInput,
		TimeLimitSecs:    e.timeLimitSecs,
		CompileLimitSecs: e.compileLimitSecs,
		MemoryLimitMB:    e.memoryLimitMB,
	})
}

// PrepareEntrypoint renders and writes the entrypoint script.
// Repeated calls write byte-identical content.
func (e *Execution) PrepareEntrypoint() error {
	attrs, err := e.Attributes()
	if err != nil {
		return err
	}
	script, err := e.generator.Render(entrypoint.EntrypointTemplate, attrs)
	if err != nil {
		return err
	}
	if err := os.WriteFile(e.EntrypointPath(), script, scriptFilePerm); err != nil {
		return appErr.Wrapf(err, appErr.StagingFailed, "write entrypoint failed")
	}
	// WriteFile keeps the mode of an existing file and umask may strip bits.
	if err := os.Chmod(e.EntrypointPath(), scriptFilePerm); err != nil {
		return appErr.Wrapf(err, appErr.StagingFailed, "chmod entrypoint failed")
	}
	return nil
}

// Artifacts reports what the sandbox needs to run this execution.
func (e *Execution) Artifacts() Artifacts {
	a := Artifacts{
		StagingDir:       e.stagingDir,
		EntrypointPath:   e.EntrypointPath(),
		SourceFileName:   e.fileName,
		Image:            e.lang.Image,
		TimeLimit:        e.TimeLimit(),
		CompileTimeLimit: e.CompileTimeLimit(),
		MemoryLimitMB:    e.memoryLimitMB,
	}
	if e.hasInput {
		a.InputFileName = entrypoint.InputFileName
	}
	return a
}

// Cleanup removes the staging directory. It is safe to call more than once
// and before Stage.
func (e *Execution) Cleanup() error {
	err := os.RemoveAll(e.stagingDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return appErr.Wrapf(err, appErr.StagingFailed, "remove staging dir failed")
	}
	return nil
}
