package entrypoint

import (
	"bytes"
	"strings"
	"testing"

	"codejudge/internal/judge/language"
	appErr "codejudge/pkg/errors"
)

func render(t *testing.T, g *Generator, desc language.Descriptor, in Input) string {
	t.Helper()
	attrs, err := Attributes(desc, in)
	if err != nil {
		t.Fatalf("attributes failed: %v", err)
	}
	out, err := g.Render(EntrypointTemplate, attrs)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	return string(out)
}

func TestCompileStepPresentIffNeeded(t *testing.T) {
	g, err := NewGenerator()
	if err != nil {
		t.Fatalf("new generator failed: %v", err)
	}
	for _, desc := range language.DefaultRegistry().All() {
		t.Run(string(desc.ID), func(t *testing.T) {
			script := render(t, g, desc, Input{TimeLimitSecs: 2, MemoryLimitMB: 128})
			hasCompile := strings.Contains(script, "exit 95")
			if hasCompile != desc.NeedsCompile {
				t.Fatalf("expected compile step %v, got script:\n%s", desc.NeedsCompile, script)
			}
			if !strings.HasPrefix(script, "#!/usr/bin/env bash\n") {
				t.Fatalf("expected bash shebang, got %q", script[:20])
			}
		})
	}
}

func TestStdinRedirection(t *testing.T) {
	g, _ := NewGenerator()
	c, _ := language.DefaultRegistry().Lookup("c")

	with := render(t, g, c, Input{HasInput: true, TimeLimitSecs: 1, MemoryLimitMB: 64})
	if !strings.Contains(with, "timeout --signal=KILL 1 ./main < input.txt") {
		t.Fatalf("expected input redirection, got:\n%s", with)
	}

	without := render(t, g, c, Input{TimeLimitSecs: 1, MemoryLimitMB: 64})
	if strings.Contains(without, "input.txt") {
		t.Fatalf("expected no input file reference, got:\n%s", without)
	}
	if !strings.Contains(without, "./main < /dev/null") {
		t.Fatalf("expected empty stdin, got:\n%s", without)
	}
}

func TestRenameStep(t *testing.T) {
	g, _ := NewGenerator()
	r := language.DefaultRegistry()
	java, _ := r.Lookup("java")
	script := render(t, g, java, Input{FileName: "Solution.java", TimeLimitSecs: 3, MemoryLimitMB: 256})
	if !strings.Contains(script, "mv -f Main.java Solution.java") {
		t.Fatalf("expected rename step, got:\n%s", script)
	}
	if !strings.Contains(script, "javac -encoding UTF-8 Solution.java") {
		t.Fatalf("expected compile of renamed file, got:\n%s", script)
	}
	if !strings.Contains(script, "-Xmx256m") {
		t.Fatalf("expected heap limit, got:\n%s", script)
	}

	py, _ := r.Lookup("python")
	script = render(t, g, py, Input{TimeLimitSecs: 3, MemoryLimitMB: 256})
	if strings.Contains(script, "mv -f") {
		t.Fatalf("expected no rename for python, got:\n%s", script)
	}
}

func TestRenderIsIdempotent(t *testing.T) {
	g, _ := NewGenerator()
	kt, _ := language.DefaultRegistry().Lookup("kotlin")
	in := Input{FileName: "App.kt", HasInput: true, TimeLimitSecs: 5, MemoryLimitMB: 512}
	first := render(t, g, kt, in)
	second := render(t, g, kt, in)
	if !bytes.Equal([]byte(first), []byte(second)) {
		t.Fatalf("expected identical renders")
	}
}

func TestRenderMissingKey(t *testing.T) {
	g, _ := NewGenerator()
	_, err := g.Render(EntrypointTemplate, map[string]string{KeyRename: "false"})
	if err == nil {
		t.Fatalf("expected error for missing keys")
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	g, _ := NewGenerator()
	_, err := g.Render("nope.tmpl", map[string]string{})
	if !appErr.Is(err, appErr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestAttributesDefaults(t *testing.T) {
	c, _ := language.DefaultRegistry().Lookup("c")
	attrs, err := Attributes(c, Input{TimeLimitSecs: 2, MemoryLimitMB: 32})
	if err != nil {
		t.Fatalf("attributes failed: %v", err)
	}
	if attrs[KeyFileName] != "main.c" || attrs[KeyDefaultName] != "main.c" {
		t.Fatalf("expected default file names, got %q %q", attrs[KeyFileName], attrs[KeyDefaultName])
	}
	if attrs[KeyCompileTimeLimit] != "10" {
		t.Fatalf("expected default compile limit 10, got %q", attrs[KeyCompileTimeLimit])
	}
	if attrs[KeyCompile] != "true" || attrs[KeyRename] != "false" {
		t.Fatalf("unexpected flags: compile=%q rename=%q", attrs[KeyCompile], attrs[KeyRename])
	}
}
