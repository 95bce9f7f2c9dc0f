// Package language describes the closed set of supported languages and how
// each one is compiled and run.
package language

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	appErr "codejudge/pkg/errors"

	"github.com/google/shlex"
)

// ID is the selector tag of a language.
type ID string

const (
	C      ID = "c"
	CPP    ID = "cpp"
	Java   ID = "java"
	Kotlin ID = "kotlin"
	Python ID = "python"
	Go     ID = "go"
)

// RenamePolicy says whether the source keeps the submitted file name.
type RenamePolicy int

const (
	// RenameNever stages the source under DefaultFileName.
	RenameNever RenamePolicy = iota
	// RenameKeepOriginal renames the staged source to the submitted name,
	// for languages where the name must match a class or module.
	RenameKeepOriginal
)

// Descriptor is the capability record of one language.
type Descriptor struct {
	ID              ID           `json:"id"`
	DisplayName     string       `json:"displayName"`
	DefaultFileName string       `json:"defaultFileName"`
	Extension       string       `json:"extension"`
	NeedsCompile    bool         `json:"needsCompile"`
	Rename          RenamePolicy `json:"-"`
	CompileCmdTpl   string       `json:"-"`
	RunCmdTpl       string       `json:"-"`
	Image           string       `json:"image"`
}

var fileStemPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// KeepsOriginalName reports whether the submitted file name is significant.
func (d Descriptor) KeepsOriginalName() bool {
	return d.Rename == RenameKeepOriginal
}

// ResolveFileName picks the name the source is run under.
// Languages that rename require a valid name with the right extension;
// an empty name falls back to DefaultFileName.
func (d Descriptor) ResolveFileName(submitted string) (string, error) {
	if !d.KeepsOriginalName() {
		return d.DefaultFileName, nil
	}
	name := strings.TrimSpace(filepath.Base(submitted))
	if submitted == "" || name == "." || name == "/" {
		return d.DefaultFileName, nil
	}
	ext := filepath.Ext(name)
	if ext != d.Extension {
		return "", appErr.ValidationError("fileName", "extension must be "+d.Extension)
	}
	if !fileStemPattern.MatchString(strings.TrimSuffix(name, ext)) {
		return "", appErr.ValidationError("fileName", "must be a valid identifier")
	}
	return name, nil
}

// CompileCommand expands the compile template for fileName.
func (d Descriptor) CompileCommand(fileName string, memoryMB int) (string, error) {
	if !d.NeedsCompile {
		return "", nil
	}
	return buildCommand(d.CompileCmdTpl, fileName, memoryMB)
}

// RunCommand expands the run template for fileName.
func (d Descriptor) RunCommand(fileName string, memoryMB int) (string, error) {
	return buildCommand(d.RunCmdTpl, fileName, memoryMB)
}

func buildCommand(tpl, fileName string, memoryMB int) (string, error) {
	if strings.TrimSpace(tpl) == "" {
		return "", appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	expanded := tpl
	expanded = strings.ReplaceAll(expanded, "{src}", fileName)
	expanded = strings.ReplaceAll(expanded, "{name}", strings.TrimSuffix(fileName, filepath.Ext(fileName)))
	expanded = strings.ReplaceAll(expanded, "{memory}", strconv.Itoa(memoryMB))
	fields, err := shlex.Split(expanded)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return "", appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = shellQuote(f)
	}
	return strings.Join(quoted, " "), nil
}

// shellQuote renders one argument safely for bash.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=+:,@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
