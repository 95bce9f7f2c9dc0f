package repl

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"codejudge/internal/cli/command"
	httpclient "codejudge/internal/cli/http"
	"codejudge/internal/judge/model"
)

type recorder struct {
	mu    sync.Mutex
	calls []recorded
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.calls...)
}

type recorded struct {
	method  string
	path    string
	headers http.Header
	body    []byte
}

func newTestSession(t *testing.T) (*Session, *bytes.Buffer, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.calls = append(rec.calls, recorded{method: r.Method, path: r.URL.Path, headers: r.Header.Clone(), body: body})
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"verdict":"ACCEPTED"}`))
	}))
	t.Cleanup(srv.Close)

	s := New(httpclient.New(srv.URL, 5*time.Second), command.Registry(), "", "", false)
	out := &bytes.Buffer{}
	s.out = out
	return s, out, rec
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	return path
}

func TestExecuteCompile(t *testing.T) {
	s, out, rec := newTestSession(t)
	dir := t.TempDir()
	src := writeFile(t, dir, "main.py", "print(7)\n")
	exp := writeFile(t, dir, "out.txt", "7\n")

	line := "compile language=python source_file=" + src + " output_file=" + exp + " time=2 memory=64"
	if !s.Execute(context.Background(), line) {
		t.Fatalf("expected session to continue")
	}
	calls := rec.all()
	if len(calls) != 1 {
		t.Fatalf("expected one request, got %d; output %s", len(calls), out.String())
	}
	call := calls[0]
	if call.method != http.MethodPost || call.path != "/api/compile/json" {
		t.Fatalf("unexpected request %s %s", call.method, call.path)
	}
	if call.headers.Get("User-Agent") != "judgectl" {
		t.Fatalf("expected judgectl user agent, got %q", call.headers.Get("User-Agent"))
	}
	var req model.CompileRequest
	if err := json.Unmarshal(call.body, &req); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if req.Language != "python" || req.SourceCode != "print(7)\n" {
		t.Fatalf("unexpected request body %+v", req)
	}
	if !strings.Contains(out.String(), "HTTP 200") || !strings.Contains(out.String(), "ACCEPTED") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestExecutePromptsForMissingFields(t *testing.T) {
	s, _, rec := newTestSession(t)
	var asked []string
	s.prompt = func(label string) (string, error) {
		asked = append(asked, label)
		return "t-42", nil
	}
	s.Execute(context.Background(), "ticket get")
	if len(asked) != 1 || asked[0] != "ticket id" {
		t.Fatalf("expected one prompt for the ticket id, got %v", asked)
	}
	calls := rec.all()
	if len(calls) != 1 || calls[0].path != "/api/compile/tickets/t-42" {
		t.Fatalf("unexpected calls %+v", calls)
	}
}

func TestExecuteDefaultEncoding(t *testing.T) {
	s, _, rec := newTestSession(t)
	dir := t.TempDir()
	src := writeFile(t, dir, "main.c", "int main(void) { return 0; }\n")
	exp := writeFile(t, dir, "out.txt", "")

	s.Execute(context.Background(), "set encoding base64")
	s.Execute(context.Background(), "compile run lang=c source="+src+" expected="+exp+" time=1 memory=64")
	calls := rec.all()
	if len(calls) != 1 {
		t.Fatalf("expected one request, got %d", len(calls))
	}
	var req model.CompileRequest
	if err := json.Unmarshal(calls[0].body, &req); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if req.Encoding != model.EncodingBase64 {
		t.Fatalf("expected base64 encoding, got %q", req.Encoding)
	}
}

func TestExecuteReportsErrors(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{"bogus", "invalid command"},
		{"bogus thing", "unknown command"},
		{"ticket get oops", "invalid param"},
		{"ticket get 'unterminated", "parse command failed"},
		{"ticket get", "missing required param"},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			s, out, rec := newTestSession(t)
			s.Execute(context.Background(), tc.line)
			if !strings.Contains(out.String(), tc.want) {
				t.Fatalf("expected %q in output, got %q", tc.want, out.String())
			}
			calls := rec.all()
			if len(calls) != 0 {
				t.Fatalf("expected no request")
			}
		})
	}
}

func TestExecuteSystemCommands(t *testing.T) {
	s, out, _ := newTestSession(t)
	s.Execute(context.Background(), "set base http://judge.internal:9000/")
	s.Execute(context.Background(), "show config")
	if !strings.Contains(out.String(), "base: http://judge.internal:9000") {
		t.Fatalf("expected base in config output, got %q", out.String())
	}
	s.Execute(context.Background(), "help")
	if !strings.Contains(out.String(), "languages list") {
		t.Fatalf("expected usages in help output")
	}
	if s.Execute(context.Background(), "exit") {
		t.Fatalf("expected exit to end the session")
	}
}

func TestPrettyJSON(t *testing.T) {
	s, out, _ := newTestSession(t)
	s.prettyJSON = true
	s.Execute(context.Background(), "languages list")
	if !strings.Contains(out.String(), "\n  \"verdict\": \"ACCEPTED\"") {
		t.Fatalf("expected indented json, got %q", out.String())
	}
}
