// Package entrypoint renders the shell script that compiles and runs a
// submission inside the sandbox.
package entrypoint

import (
	"bytes"
	"embed"
	"strconv"
	"text/template"

	"codejudge/internal/judge/language"
	"codejudge/internal/judge/verdict"
	appErr "codejudge/pkg/errors"
)

// EntrypointTemplate is the default script template name.
const EntrypointTemplate = "entrypoint.sh.tmpl"

// Substitution keys understood by the templates.
const (
	KeyRename                   = "rename"
	KeyCompile                  = "compile"
	KeyFileName                 = "fileName"
	KeyDefaultName              = "defaultName"
	KeyTimeLimit                = "timeLimit"
	KeyCompileTimeLimit         = "compileTimeLimit"
	KeyMemoryLimit              = "memoryLimit"
	KeyCompilationCommand       = "compilationCommand"
	KeyCompilationErrorCode     = "compilationErrorStatusCode"
	KeyTimeLimitStatusCode      = "timeLimitStatusCode"
	KeyMemoryLimitStatusCode    = "memoryLimitStatusCode"
	KeyExecutionCommand         = "executionCommand"
	InputFileName               = "input.txt"
	emptyInput                  = "/dev/null"
	defaultCompileTimeLimitSecs = 10
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Generator renders entrypoint scripts from embedded templates.
type Generator struct {
	templates *template.Template
}

// NewGenerator parses the embedded templates.
func NewGenerator() (*Generator, error) {
	tpl, err := template.New("entrypoint").Option("missingkey=error").ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "parse entrypoint templates failed")
	}
	return &Generator{templates: tpl}, nil
}

// Render executes template name with attrs. A key the template uses but
// attrs lacks is an error.
func (g *Generator) Render(name string, attrs map[string]string) ([]byte, error) {
	tpl := g.templates.Lookup(name)
	if tpl == nil {
		return nil, appErr.New(appErr.NotFound).WithMessagef("entrypoint template %q not found", name)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, attrs); err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "render entrypoint failed")
	}
	return buf.Bytes(), nil
}

// Input is what a script needs beyond the language record.
type Input struct {
	FileName         string
	HasInput         bool
	TimeLimitSecs    int
	CompileLimitSecs int
	MemoryLimitMB    int
}

// Attributes derives the substitution map from the capability record.
func Attributes(desc language.Descriptor, in Input) (map[string]string, error) {
	fileName := in.FileName
	if fileName == "" {
		fileName = desc.DefaultFileName
	}
	compileLimit := in.CompileLimitSecs
	if compileLimit <= 0 {
		compileLimit = defaultCompileTimeLimitSecs
	}

	compileCmd, err := desc.CompileCommand(fileName, in.MemoryLimitMB)
	if err != nil {
		return nil, err
	}
	runCmd, err := desc.RunCommand(fileName, in.MemoryLimitMB)
	if err != nil {
		return nil, err
	}
	stdin := emptyInput
	if in.HasInput {
		stdin = InputFileName
	}

	return map[string]string{
		KeyRename:                strconv.FormatBool(desc.KeepsOriginalName()),
		KeyCompile:               strconv.FormatBool(desc.NeedsCompile),
		KeyFileName:              fileName,
		KeyDefaultName:           desc.DefaultFileName,
		KeyTimeLimit:             strconv.Itoa(in.TimeLimitSecs),
		KeyCompileTimeLimit:      strconv.Itoa(compileLimit),
		KeyMemoryLimit:           strconv.Itoa(in.MemoryLimitMB),
		KeyCompilationCommand:    compileCmd,
		KeyCompilationErrorCode:  strconv.Itoa(verdict.CompilationErrorCode),
		KeyTimeLimitStatusCode:   strconv.Itoa(verdict.TimeLimitCode),
		KeyMemoryLimitStatusCode: strconv.Itoa(verdict.MemoryLimitCode),
		KeyExecutionCommand:      runCmd + " < " + stdin,
	}, nil
}
