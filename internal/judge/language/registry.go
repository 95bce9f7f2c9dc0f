package language

import (
	"sort"
	"strings"

	appErr "codejudge/pkg/errors"
)

const jvmRunFlags = `-Xmx{memory}m -Xss64m "-XX:OnOutOfMemoryError=kill -9 %p"`

func builtin() []Descriptor {
	return []Descriptor{
		{
			ID:              C,
			DisplayName:     "C (gcc)",
			DefaultFileName: "main.c",
			Extension:       ".c",
			NeedsCompile:    true,
			Rename:          RenameNever,
			CompileCmdTpl:   "gcc -O2 -std=c11 -o main {src} -lm",
			RunCmdTpl:       "./main",
			Image:           "gcc:13",
		},
		{
			ID:              CPP,
			DisplayName:     "C++ (g++)",
			DefaultFileName: "main.cpp",
			Extension:       ".cpp",
			NeedsCompile:    true,
			Rename:          RenameNever,
			CompileCmdTpl:   "g++ -O2 -std=c++17 -o main {src}",
			RunCmdTpl:       "./main",
			Image:           "gcc:13",
		},
		{
			ID:              Java,
			DisplayName:     "Java",
			DefaultFileName: "Main.java",
			Extension:       ".java",
			NeedsCompile:    true,
			Rename:          RenameKeepOriginal,
			CompileCmdTpl:   "javac -encoding UTF-8 {src}",
			RunCmdTpl:       "java " + jvmRunFlags + " {name}",
			Image:           "eclipse-temurin:21-jdk",
		},
		{
			ID:              Kotlin,
			DisplayName:     "Kotlin",
			DefaultFileName: "Main.kt",
			Extension:       ".kt",
			NeedsCompile:    true,
			Rename:          RenameKeepOriginal,
			CompileCmdTpl:   "kotlinc {src} -include-runtime -d {name}.jar",
			RunCmdTpl:       "java " + jvmRunFlags + " -jar {name}.jar",
			Image:           "zenika/kotlin:1.9",
		},
		{
			ID:              Python,
			DisplayName:     "Python 3",
			DefaultFileName: "main.py",
			Extension:       ".py",
			NeedsCompile:    false,
			Rename:          RenameNever,
			RunCmdTpl:       "python3 -u {src}",
			Image:           "python:3.12-slim",
		},
		{
			ID:              Go,
			DisplayName:     "Go",
			DefaultFileName: "main.go",
			Extension:       ".go",
			NeedsCompile:    true,
			Rename:          RenameNever,
			CompileCmdTpl:   "env GOCACHE=/tmp/go-cache GOPATH=/tmp/go go build -o main {src}",
			RunCmdTpl:       "./main",
			Image:           "golang:1.22",
		},
	}
}

var aliases = map[string]ID{
	"c++":     CPP,
	"cxx":     CPP,
	"py":      Python,
	"python3": Python,
	"golang":  Go,
	"kt":      Kotlin,
}

// Registry resolves language selectors to descriptors.
// It is built once at startup and read-only afterwards.
type Registry struct {
	byID map[ID]Descriptor
}

// NewRegistry builds the registry, overriding sandbox images by language id.
func NewRegistry(images map[string]string) (*Registry, error) {
	byID := make(map[ID]Descriptor)
	for _, d := range builtin() {
		byID[d.ID] = d
	}
	for key, image := range images {
		id, ok := resolve(key)
		if !ok {
			return nil, appErr.New(appErr.LanguageNotSupported).WithMessagef("image override for unknown language %q", key)
		}
		if strings.TrimSpace(image) == "" {
			continue
		}
		d := byID[id]
		d.Image = image
		byID[id] = d
	}
	return &Registry{byID: byID}, nil
}

// DefaultRegistry returns the registry with built-in images.
func DefaultRegistry() *Registry {
	r, _ := NewRegistry(nil)
	return r
}

// Lookup finds a descriptor by selector, case-insensitively.
func (r *Registry) Lookup(selector string) (Descriptor, error) {
	if strings.TrimSpace(selector) == "" {
		return Descriptor{}, appErr.ValidationError("language", "required")
	}
	id, ok := resolve(selector)
	if !ok {
		return Descriptor{}, appErr.New(appErr.LanguageNotSupported).WithMessagef("language %q not supported", selector)
	}
	return r.byID[id], nil
}

// All returns every descriptor ordered by id.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func resolve(selector string) (ID, bool) {
	key := strings.ToLower(strings.TrimSpace(selector))
	if id, ok := aliases[key]; ok {
		return id, true
	}
	for _, d := range builtin() {
		if string(d.ID) == key {
			return d.ID, true
		}
	}
	return "", false
}
