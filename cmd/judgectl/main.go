package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codejudge/internal/cli/command"
	"codejudge/internal/cli/config"
	httpclient "codejudge/internal/cli/http"
	"codejudge/internal/cli/repl"
)

const defaultConfigPath = "configs/judgectl.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	baseURL := flag.String("base", "", "Override base URL")
	timeout := flag.Duration("timeout", 0, "Override HTTP timeout (e.g. 10s)")
	encoding := flag.String("encoding", "", "Payload encoding: plain, base64 or zstd")
	pretty := flag.Bool("pretty", false, "Pretty print JSON response")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if *encoding != "" {
		cfg.Encoding = *encoding
	}
	if *pretty {
		trueValue := true
		cfg.PrettyJSON = &trueValue
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	client := httpclient.New(cfg.BaseURL, cfg.Timeout)
	session := repl.New(client, command.Registry(), cfg.HistoryFile, cfg.Encoding, cfg.PrettyJSON != nil && *cfg.PrettyJSON)

	// Arguments run as a single command without the prompt.
	if args := flag.Args(); len(args) > 0 {
		session.Execute(ctx, shellJoin(args))
		return
	}
	if err := session.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
