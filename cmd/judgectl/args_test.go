package main

import (
	"reflect"
	"testing"

	"github.com/google/shlex"
)

func TestShellJoinRoundTrips(t *testing.T) {
	cases := [][]string{
		{"languages", "list"},
		{"compile", "source_file=my file.c", "time=2"},
		{"ticket", "get", "id=it's"},
		{"compile", `output_file=C:\out.txt`},
	}
	for _, args := range cases {
		got, err := shlex.Split(shellJoin(args))
		if err != nil {
			t.Fatalf("%v: split failed: %v", args, err)
		}
		if !reflect.DeepEqual(got, args) {
			t.Fatalf("expected %v, got %v", args, got)
		}
	}
}
