package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"codejudge/internal/cli/command"
	httpclient "codejudge/internal/cli/http"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
)

const mainPrompt = "judgectl> "

// Session holds REPL state.
type Session struct {
	client          *httpclient.Client
	commands        map[string]command.Command
	historyFile     string
	defaultEncoding string
	prettyJSON      bool
	out             io.Writer
	prompt          func(label string) (string, error)
}

func New(client *httpclient.Client, commands map[string]command.Command, historyFile, defaultEncoding string, prettyJSON bool) *Session {
	return &Session{
		client:          client,
		commands:        commands,
		historyFile:     historyFile,
		defaultEncoding: defaultEncoding,
		prettyJSON:      prettyJSON,
		out:             os.Stdout,
	}
}

// Run reads lines until exit, EOF or a second interrupt on an empty line.
func (s *Session) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            mainPrompt,
		HistoryFile:       s.historyFile,
		AutoComplete:      s.completer(),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("init readline failed: %w", err)
	}
	defer func() { _ = rl.Close() }()

	s.out = rl.Stdout()
	s.prompt = func(label string) (string, error) {
		rl.SetPrompt(label + ": ")
		defer rl.SetPrompt(mainPrompt)
		line, err := rl.Readline()
		if err != nil {
			return "", fmt.Errorf("read input failed: %w", err)
		}
		return strings.TrimSpace(line), nil
	}

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input failed: %w", err)
		}
		if !s.Execute(ctx, line) {
			return nil
		}
	}
}

// Execute handles one input line and reports whether the session continues.
func (s *Session) Execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	switch line {
	case "exit", "quit":
		s.printLine("bye")
		return false
	case "help":
		s.printHelp()
		return true
	}
	if strings.HasPrefix(line, "set ") {
		s.handleSet(strings.TrimSpace(strings.TrimPrefix(line, "set ")))
		return true
	}
	if strings.HasPrefix(line, "show ") {
		s.handleShow(strings.TrimSpace(strings.TrimPrefix(line, "show ")))
		return true
	}
	if err := s.handleCommand(ctx, line); err != nil {
		s.printLine("error: %v", err)
	}
	return true
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		s.printLine("usage: set base|timeout|encoding")
		return
	}
	switch parts[0] {
	case "base":
		if len(parts) < 2 {
			s.printLine("usage: set base http://127.0.0.1:8080")
			return
		}
		s.client.SetBaseURL(parts[1])
		s.printLine("base set to %s", parts[1])
	case "timeout":
		if len(parts) < 2 {
			s.printLine("usage: set timeout 10s")
			return
		}
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	case "encoding":
		if len(parts) < 2 {
			s.defaultEncoding = ""
			s.printLine("encoding cleared")
			return
		}
		s.defaultEncoding = parts[1]
		s.printLine("encoding set to %s", parts[1])
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) handleShow(args string) {
	switch args {
	case "config":
		s.printLine("base: %s", s.client.BaseURL())
		s.printLine("encoding: %s", s.defaultEncoding)
		s.printLine("history: %s", s.historyFile)
	default:
		s.printLine("usage: show config")
	}
}

func (s *Session) lookup(tokens []string) (command.Command, []string, error) {
	if len(tokens) >= 2 {
		if cmd, ok := s.commands[tokens[0]+" "+tokens[1]]; ok {
			return cmd, tokens[2:], nil
		}
	}
	if cmd, ok := s.commands[tokens[0]]; ok {
		return cmd, tokens[1:], nil
	}
	if len(tokens) < 2 {
		return command.Command{}, nil, fmt.Errorf("invalid command, use: <service> <action> key=value ...")
	}
	return command.Command{}, nil, fmt.Errorf("unknown command: %s %s", tokens[0], tokens[1])
}

func (s *Session) handleCommand(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}
	cmd, args, err := s.lookup(tokens)
	if err != nil {
		return err
	}
	params := command.Params{}
	for _, token := range args {
		parts := strings.SplitN(token, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid param: %s", token)
		}
		params.Set(parts[0], parts[1])
	}
	params.Canonicalize(cmd.Fields)
	if cmd.Service == "compile" && !params.Has("encoding") && s.defaultEncoding != "" {
		params.Set("encoding", s.defaultEncoding)
	}

	if err := s.promptMissing(cmd, params); err != nil {
		return err
	}
	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, req.Method, req.Path, req.Headers, req.Body)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	return nil
}

func (s *Session) promptMissing(cmd command.Command, params command.Params) error {
	for _, field := range cmd.Fields {
		if !field.Required || params.Get(field.Name) != "" {
			continue
		}
		if s.prompt == nil {
			return fmt.Errorf("missing required param: %s", field.Name)
		}
		value, err := s.prompt(field.Prompt)
		if err != nil {
			return err
		}
		params.Set(field.Name, value)
	}
	return nil
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(resp.Body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(resp.Body))
}

func (s *Session) completer() *readline.PrefixCompleter {
	services := make(map[string][]string)
	for _, cmd := range s.commands {
		services[cmd.Service] = appendUnique(services[cmd.Service], cmd.Action)
	}
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	items := []readline.PrefixCompleterInterface{
		readline.PcItem("help"),
		readline.PcItem("exit"),
		readline.PcItem("set", readline.PcItem("base"), readline.PcItem("timeout"), readline.PcItem("encoding")),
		readline.PcItem("show", readline.PcItem("config")),
	}
	for _, name := range names {
		actions := services[name]
		sort.Strings(actions)
		children := make([]readline.PrefixCompleterInterface, 0, len(actions))
		for _, action := range actions {
			children = append(children, readline.PcItem(action))
		}
		items = append(items, readline.PcItem(name, children...))
	}
	return readline.NewPrefixCompleter(items...)
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func (s *Session) printHelp() {
	s.printLine("usage: <service> <action> key=value ...")
	s.printLine("system: help | exit | set base|timeout|encoding | show config")
	s.printLine("commands:")
	for _, usage := range command.Usages(s.commands) {
		s.printLine("  %s", usage)
	}
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.out, format+"\n", args...)
}
