// Package expr evaluates jq expressions against node payloads. Conditionals
// use it for predicates, the object mapper for source paths, and the join
// store for correlation-key extraction. Compiled programs are cached per
// expression string since flows re-evaluate the same handful of expressions
// on every run.
package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
)

// Engine caches compiled jq programs.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// New creates an empty engine.
func New() *Engine {
	return &Engine{cache: make(map[string]*gojq.Code)}
}

// compile returns the cached program for expr, compiling on first use.
func (e *Engine) compile(expr string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", expr, err)
	}
	code, err = gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, err)
	}

	e.mu.Lock()
	e.cache[expr] = code
	e.mu.Unlock()
	return code, nil
}

// Eval runs expr against input and returns the first result. A query that
// yields nothing returns (nil, nil).
func (e *Engine) Eval(expr string, input interface{}) (interface{}, error) {
	code, err := e.compile(expr)
	if err != nil {
		return nil, err
	}

	iter := code.Run(normalize(input))
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, fmt.Errorf("eval %q: %w", expr, err)
	}
	return v, nil
}

// EvalBool evaluates a predicate, coercing non-boolean results the way jq
// does: false and null are falsy, everything else is truthy.
func (e *Engine) EvalBool(expr string, input interface{}) (bool, error) {
	v, err := e.Eval(expr, input)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// EvalString evaluates expr and renders the result as a string, used for
// correlation keys. Missing paths yield "".
func (e *Engine) EvalString(expr string, input interface{}) (string, error) {
	v, err := e.Eval(expr, input)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// Truthy applies jq truthiness: only false and null are false.
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	default:
		return true
	}
}

// Stringify renders a jq result as a plain string without JSON quoting for
// scalars. Composite values fall back to their JSON encoding.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// PathExpr turns a dotted path like "order.id" into the jq form ".order.id".
// Paths already starting with "." pass through untouched so callers may use
// full jq expressions where they need them.
func PathExpr(path string) string {
	if path == "" || strings.HasPrefix(path, ".") {
		return path
	}
	var b strings.Builder
	for _, part := range strings.Split(path, ".") {
		b.WriteString(fmt.Sprintf(".%q", part))
	}
	return b.String()
}

// normalize converts arbitrary JSON-like Go values into the shapes gojq
// accepts (map[string]interface{}, []interface{}, scalars). Values that came
// off the wire already satisfy this; constructed payloads may carry typed
// maps or structs, so round-trip them through JSON once.
func normalize(v interface{}) interface{} {
	switch v.(type) {
	case nil, bool, string, int, float64:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
