package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-memo/internal/config"
)

func TestMockGenerator(t *testing.T) {
	out, err := Collect(context.Background(), NewMockGenerator(`{"title":"x"}`), Request{Prompt: "p"})
	if err != nil || out != `{"title":"x"}` {
		t.Fatalf("got %q %v", out, err)
	}
	out, _ = Collect(context.Background(), NewMockGenerator(""), Request{Prompt: " bonjour "})
	if out != "[mock completion for bonjour]" {
		t.Fatalf("echo = %q", out)
	}
}

func TestFileGenerator(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "structured_summary.json")
	if _, err := Collect(context.Background(), NewFileGenerator(path), Request{}); !errors.Is(err, ErrNoOutput) {
		t.Fatalf("missing stub should give ErrNoOutput, got %v", err)
	}
	os.WriteFile(path, []byte(" {\"title\":\"stub\"}\n"), 0o600)
	out, err := Collect(context.Background(), NewFileGenerator(path), Request{})
	if err != nil || out != `{"title":"stub"}` {
		t.Fatalf("got %q %v", out, err)
	}
}

func TestOllamaGeneratorStreams(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprintln(w, `{"response":"{\"ti","done":false}`)
		fmt.Fprintln(w, `{"response":"tle\":1}","done":true,"eval_count":4,"prompt_eval_count":9}`)
	}))
	defer srv.Close()

	var last Chunk
	var content string
	err := NewOllamaGenerator(srv.URL+"/", "mistral").Generate(context.Background(), Request{Prompt: "p", JSON: true}, func(c Chunk) error {
		content += c.Content
		last = c
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if content != `{"title":1}` || last.Partial || last.CompletionTokens != 4 || last.PromptTokens != 9 {
		t.Fatalf("content %q last %+v", content, last)
	}
	if got.Model != "mistral" || got.Format != "json" || !got.Stream {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestOllamaGeneratorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	if _, err := Collect(context.Background(), NewOllamaGenerator(srv.URL, ""), Request{}); err == nil {
		t.Fatal("expected status error")
	}
}

func TestOpenAIGeneratorStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if rf, _ := body["response_format"].(map[string]any); rf["type"] != "json_object" {
			http.Error(w, "json format expected", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"{\\\"a\\\"\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\":1}\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	out, err := Collect(context.Background(), NewOpenAIGenerator(srv.URL+"/v1", "", "local-model"), Request{Prompt: "p", JSON: true})
	if err != nil || out != `{"a":1}` {
		t.Fatalf("got %q %v", out, err)
	}
}

func TestExecGenerator(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()

	g, err := NewExecGenerator(`sh -c 'cat >/dev/null; echo "{\"content\":\"hi\",\"completion_tokens\":2}"'`)
	if err != nil {
		t.Fatal(err)
	}
	var chunk Chunk
	if err := g.Generate(ctx, Request{Prompt: "p"}, func(c Chunk) error { chunk = c; return nil }); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if chunk.Content != "hi" || chunk.CompletionTokens != 2 {
		t.Fatalf("envelope chunk = %+v", chunk)
	}

	// A command that echoes stdin shows the request and exercises the bare-text path.
	g, _ = NewExecGenerator("cat")
	out, err := Collect(ctx, g, Request{System: "sys", Prompt: "transcript", JSON: true})
	if err != nil || !strings.Contains(out, `"format":"json"`) || !strings.Contains(out, `"prompt":"transcript"`) {
		t.Fatalf("echo = %q %v", out, err)
	}

	g, _ = NewExecGenerator(`sh -c 'cat >/dev/null'`)
	if _, err := Collect(ctx, g, Request{}); !errors.Is(err, ErrNoOutput) {
		t.Fatalf("silent command should give ErrNoOutput, got %v", err)
	}
	g, _ = NewExecGenerator(`sh -c 'echo boom >&2; exit 3'`)
	if _, err := Collect(ctx, g, Request{}); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("failing command error = %v", err)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	if g, err := New(config.LLMConfig{Enabled: false, Mode: "ollama"}); g != nil || err != nil {
		t.Fatalf("disabled llm should yield nil generator, got %v %v", g, err)
	}
	if _, err := New(config.LLMConfig{Enabled: true, Mode: "telepathy"}); err == nil {
		t.Fatal("unknown mode should fail")
	}
	if _, err := New(config.LLMConfig{Enabled: true, Mode: "exec", Command: `"unterminated`}); err == nil {
		t.Fatal("bad command should fail")
	}
	g, err := New(config.LLMConfig{Enabled: true, Mode: "file", StubPath: "x.json"})
	if err != nil || g == nil {
		t.Fatalf("file mode: %v", err)
	}
}
