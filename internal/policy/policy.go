// Package policy decides which GraphQL operations may be cached.
//
// Operations can be excluded by name, or by an optional JavaScript script
// defining a cacheable function:
//
//	// skip anything that looks like a mutation or asks for the viewer
//	function cacheable(operationName, variables, query) {
//	    if (query.indexOf("mutation") === 0) return false;
//	    return operationName !== "Viewer";
//	}
//
// A script that throws, times out or returns a non-boolean makes the
// operation non-cacheable.
package policy

import (
	"fmt"
	"os"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"gqlcache/internal/graphql"
)

// DefaultScriptTimeout bounds a single cacheable() evaluation
const DefaultScriptTimeout = 100 * time.Millisecond

const scriptFunction = "cacheable"

// Policy decides whether a request may be served from and written to the cache.
// A nil Policy allows everything.
type Policy struct {
	disabled map[string]bool
	program  *goja.Program
	timeout  time.Duration
	logger   zerolog.Logger
}

// New creates a Policy from a list of disabled operation names and optional script source
func New(disabledOperations []string, script string, timeout time.Duration, logger zerolog.Logger) (*Policy, error) {
	p := &Policy{
		disabled: make(map[string]bool, len(disabledOperations)),
		timeout:  timeout,
		logger:   logger.With().Str("component", "policy").Logger(),
	}
	if p.timeout <= 0 {
		p.timeout = DefaultScriptTimeout
	}

	for _, op := range disabledOperations {
		p.disabled[op] = true
	}

	if script != "" {
		program, err := goja.Compile("policy.js", script, true)
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy script: %w", err)
		}
		p.program = program

		rt, err := newRuntime(program, p.logger)
		if err != nil {
			return nil, err
		}
		if _, ok := goja.AssertFunction(rt.vm.Get(scriptFunction)); !ok {
			return nil, fmt.Errorf("policy script must define a %s function", scriptFunction)
		}
	}

	return p, nil
}

// LoadFile creates a Policy whose script is read from path. An empty path means no script.
func LoadFile(disabledOperations []string, path string, timeout time.Duration, logger zerolog.Logger) (*Policy, error) {
	if path == "" {
		return New(disabledOperations, "", timeout, logger)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy script: %w", err)
	}
	return New(disabledOperations, string(content), timeout, logger)
}

// IsDisabled checks if an operation name is in the disabled list
func (p *Policy) IsDisabled(operationName string) bool {
	if p == nil {
		return false
	}
	return p.disabled[operationName]
}

// Cacheable reports whether req may be cached
func (p *Policy) Cacheable(req graphql.Request) bool {
	if p == nil {
		return true
	}
	if p.disabled[req.OperationName] {
		return false
	}
	if p.program == nil {
		return true
	}

	ok, err := p.evaluate(req)
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("operation", req.OperationName).
			Msg("policy script failed, not caching")
		return false
	}
	return ok
}

// evaluate runs the script in a fresh VM (goja runtimes are not goroutine-safe)
func (p *Policy) evaluate(req graphql.Request) (bool, error) {
	rt, err := newRuntime(p.program, p.logger)
	if err != nil {
		return false, err
	}

	timer := time.AfterFunc(p.timeout, func() {
		rt.vm.Interrupt("policy script timed out")
	})
	defer timer.Stop()

	result, err := rt.call(scriptFunction, req.OperationName, req.VariablesValue(), req.Query)
	if err != nil {
		return false, err
	}

	decision, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("%s returned %T, want boolean", scriptFunction, result)
	}
	return decision, nil
}
