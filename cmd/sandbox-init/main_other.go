//go:build !linux

package main

import (
	"fmt"
	"os"

	"codejudge/internal/judge/sandbox/initproto"
)

func main() {
	_, _ = fmt.Fprintln(os.Stderr, initproto.FailurePrefix+"only supported on linux")
	os.Exit(initproto.HelperFailureExitCode)
}
