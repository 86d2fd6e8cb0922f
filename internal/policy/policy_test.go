package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gqlcache/internal/graphql"
)

func TestPolicy_NilAllowsEverything(t *testing.T) {
	var p *Policy
	if !p.Cacheable(graphql.Request{OperationName: "Anything"}) {
		t.Error("nil policy should allow caching")
	}
}

func TestPolicy_DisabledOperations(t *testing.T) {
	p, err := New([]string{"Viewer"}, "", 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Cacheable(graphql.Request{OperationName: "Viewer"}) {
		t.Error("Viewer should not be cacheable")
	}
	if !p.Cacheable(graphql.Request{OperationName: "GetHentaiById"}) {
		t.Error("GetHentaiById should be cacheable")
	}
	if !p.IsDisabled("Viewer") {
		t.Error("IsDisabled(Viewer) = false")
	}
}

func TestPolicy_Script(t *testing.T) {
	script := `
function cacheable(operationName, variables, query) {
	if (query.indexOf("mutation") === 0) return false;
	return !(variables && variables.fresh);
}`
	p, err := New(nil, script, time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !p.Cacheable(graphql.Request{Query: "query { a }"}) {
		t.Error("plain query should be cacheable")
	}
	if p.Cacheable(graphql.Request{Query: "mutation { a }"}) {
		t.Error("mutation should not be cacheable")
	}
	raw := graphql.Request{Query: "query { a }", Variables: json.RawMessage(`{"fresh":true}`)}
	if p.Cacheable(raw) {
		t.Error("fresh=true should not be cacheable")
	}
}

func TestPolicy_ScriptTimeout(t *testing.T) {
	p, err := New(nil, `function cacheable() { for (;;) {} }`, 20*time.Millisecond, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Cacheable(graphql.Request{Query: "{ a }"}) {
		t.Error("timed out script should not allow caching")
	}
}

func TestPolicy_NonBooleanResult(t *testing.T) {
	p, err := New(nil, `function cacheable() { return "yes"; }`, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Cacheable(graphql.Request{Query: "{ a }"}) {
		t.Error("non-boolean result should not allow caching")
	}
}

func TestNew_InvalidScripts(t *testing.T) {
	if _, err := New(nil, `function (`, 0, zerolog.Nop()); err == nil {
		t.Error("expected compile error")
	}
	if _, err := New(nil, `var x = 1;`, 0, zerolog.Nop()); err == nil {
		t.Error("expected error for missing cacheable function")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.js")
	if err := os.WriteFile(path, []byte(`function cacheable(op) { return op !== "Skip"; }`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p, err := LoadFile(nil, path, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if p.Cacheable(graphql.Request{OperationName: "Skip", Query: "{ a }"}) {
		t.Error("Skip should not be cacheable")
	}

	if _, err := LoadFile(nil, filepath.Join(t.TempDir(), "missing.js"), 0, zerolog.Nop()); err == nil {
		t.Error("expected error for missing file")
	}
}
