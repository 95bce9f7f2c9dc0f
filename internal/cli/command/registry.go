package command

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"codejudge/internal/judge/model"
)

// Request headers understood by the judge server.
const (
	PreferPushHeader    = "Prefer-Push"
	CallbackURLHeader   = "Url"
	CorrelationIDHeader = "X-Correlation-Id"
)

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "compile",
			Action:       "run",
			Method:       "POST",
			PathTemplate: "/api/compile/json",
			Usage:        "compile run language=c source_file=main.c output_file=out.txt [input_file=in.txt] time=5 memory=256 [push_url=...]",
			Fields: []Field{
				{Name: "language", Aliases: []string{"lang"}, Prompt: "language", Type: FieldString, Required: true},
				{Name: "source_file", Aliases: []string{"source"}, Prompt: "source file", Type: FieldFile, Required: true},
				{Name: "output_file", Aliases: []string{"expected"}, Prompt: "expected output file", Type: FieldFile, Required: true},
				{Name: "input_file", Aliases: []string{"input"}, Prompt: "input file", Type: FieldFile},
				{Name: "time", Aliases: []string{"time_limit"}, Prompt: "time limit (seconds)", Type: FieldInt, Required: true},
				{Name: "memory", Aliases: []string{"memory_limit"}, Prompt: "memory limit (MB)", Type: FieldInt, Required: true},
				{Name: "push_url", Aliases: []string{"callback"}, Prompt: "callback url", Type: FieldString},
				{Name: "encoding", Prompt: "encoding", Type: FieldString},
				{Name: "correlation_id", Prompt: "correlation id", Type: FieldString},
			},
		},
		{
			Service:      "ticket",
			Action:       "get",
			Method:       "GET",
			PathTemplate: "/api/compile/tickets/:id",
			Usage:        "ticket get id=<ticket>",
			Fields: []Field{
				{Name: "id", Aliases: []string{"ticket"}, Prompt: "ticket id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "languages",
			Action:       "list",
			Method:       "GET",
			PathTemplate: "/languages",
			Usage:        "languages list",
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		result[cmd.Key()] = cmd
	}
	// "compile" alone is the common case.
	result["compile"] = result["compile run"]
	return result
}

// Usages lists one usage line per distinct command.
func Usages(commands map[string]Command) []string {
	seen := make(map[string]bool, len(commands))
	out := make([]string, 0, len(commands))
	for _, cmd := range commands {
		if seen[cmd.Usage] {
			continue
		}
		seen[cmd.Usage] = true
		out = append(out, cmd.Usage)
	}
	sort.Strings(out)
	return out
}

// BuildRequest creates HTTP request spec based on command.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}

	headers := map[string]string{}
	var body []byte
	if cmd.Service == "compile" {
		payload, err := buildCompilePayload(params)
		if err != nil {
			return RequestSpec{}, err
		}
		body, err = json.Marshal(payload)
		if err != nil {
			return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
		}
		if push := strings.TrimSpace(params.Get("push_url")); push != "" {
			callback, err := model.ValidateCallbackURL(push)
			if err != nil {
				return RequestSpec{}, err
			}
			headers[PreferPushHeader] = "true"
			headers[CallbackURLHeader] = callback
			headers[CorrelationIDHeader] = params.Get("correlation_id")
		}
	}

	return RequestSpec{
		Method:  cmd.Method,
		Path:    path,
		Headers: headers,
		Body:    body,
	}, nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	for _, key := range []string{"id"} {
		placeholder := ":" + key
		if strings.Contains(path, placeholder) {
			value := params.Get(key)
			if value == "" {
				return "", fmt.Errorf("missing path parameter: %s", key)
			}
			path = strings.ReplaceAll(path, placeholder, value)
		}
	}
	return path, nil
}

func buildCompilePayload(params Params) (model.CompileRequest, error) {
	var req model.CompileRequest
	timeLimit, err := ParseInt(params.Get("time"))
	if err != nil {
		return req, fmt.Errorf("invalid time: %w", err)
	}
	memoryLimit, err := ParseInt(params.Get("memory"))
	if err != nil {
		return req, fmt.Errorf("invalid memory: %w", err)
	}
	encoding := params.Get("encoding")

	sourcePath := params.Get("source_file")
	source, err := readEncoded(sourcePath, encoding)
	if err != nil {
		return req, err
	}
	expected, err := readEncoded(params.Get("output_file"), encoding)
	if err != nil {
		return req, err
	}

	req = model.CompileRequest{
		Language:       params.Get("language"),
		SourceCode:     source,
		FileName:       filepath.Base(sourcePath),
		ExpectedOutput: expected,
		TimeLimit:      timeLimit,
		MemoryLimit:    memoryLimit,
		Encoding:       encoding,
		CorrelationID:  params.Get("correlation_id"),
	}
	if path := params.Get("input_file"); path != "" {
		input, err := readEncoded(path, encoding)
		if err != nil {
			return req, err
		}
		req.InputFile = &input
	}
	return req, nil
}

func readEncoded(path, encoding string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("file path is required")
	}
	data, err := ReadFile(path)
	if err != nil {
		return "", err
	}
	return model.EncodeField(data, encoding)
}
