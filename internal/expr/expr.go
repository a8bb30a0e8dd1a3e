// Package expr resolves ${scope.path} references inside task parameters.
// It is deliberately not an expression language: no calls, no arithmetic,
// no side effects. A reference either resolves to a value from one of the
// four scopes or fails with a ResolveError.
package expr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Scopes a reference may address.
const (
	ScopeTasks    = "tasks"
	ScopeEnv      = "env"
	ScopeWorkflow = "workflow"
	ScopeInput    = "input"
)

// ResolveError reasons.
const (
	ReasonMissingRef   = "MissingRef"
	ReasonBadSyntax    = "BadSyntax"
	ReasonUnknownScope = "UnknownScope"
)

// ResolveError reports why a reference could not be resolved.
type ResolveError struct {
	Expr   string // the inner expression, without ${ }
	Reason string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("cannot resolve ${%s}: %s", e.Expr, e.Reason)
}

// Meta carries the workflow-scope values available to expressions.
type Meta struct {
	ID        string
	Version   int
	StartedAt time.Time
}

// Context is everything a resolution pass may read. Tasks maps a task
// name to that task's output value.
type Context struct {
	Tasks    map[string]interface{}
	Env      map[string]string
	Workflow Meta
	Input    interface{}
}

var refPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// Resolve walks a parameter tree and substitutes every reference.
// Maps and slices are copied, never mutated in place, so the workflow
// definition stays pristine across executions.
func Resolve(params interface{}, ctx *Context) (interface{}, error) {
	switch v := params.(type) {
	case string:
		return ResolveString(v, ctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			resolved, err := Resolve(val, ctx)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			resolved, err := Resolve(val, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		// Numbers, bools, nil pass through untouched.
		return params, nil
	}
}

// ResolveString resolves references inside one string. A string that is
// exactly one ${...} expression takes the referent's type; embedded
// references are stringified into the surrounding text.
func ResolveString(s string, ctx *Context) (interface{}, error) {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string substitution preserves the referent's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return resolveExpr(s[matches[0][2]:matches[0][3]], ctx)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		value, err := resolveExpr(s[m[2]:m[3]], ctx)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(value))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// EvalCondition resolves a predicate expression and reduces it to a
// boolean by truthiness. An empty condition is vacuously true. A
// missing reference without a default is an error, not a false.
func EvalCondition(condition string, ctx *Context) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	value, err := ResolveString(condition, ctx)
	if err != nil {
		return false, err
	}
	return Truthy(value), nil
}

// Truthy follows JSON semantics: null, false, zero, empty string and
// empty containers are false, everything else is true.
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}

// resolveExpr resolves one inner expression, applying the "?? literal"
// default when the reference is missing or null.
func resolveExpr(inner string, ctx *Context) (interface{}, error) {
	refPart := inner
	defaultPart := ""
	hasDefault := false
	if idx := strings.Index(inner, "??"); idx >= 0 {
		refPart = inner[:idx]
		defaultPart = strings.TrimSpace(inner[idx+2:])
		hasDefault = true
	}
	refPart = strings.TrimSpace(refPart)
	if refPart == "" {
		return nil, &ResolveError{Expr: inner, Reason: ReasonBadSyntax}
	}

	ref, err := parseRef(refPart)
	if err != nil {
		return nil, err
	}

	value, found := lookup(ref, ctx)
	if !found || value == nil {
		if hasDefault {
			return parseLiteral(defaultPart), nil
		}
		return nil, &ResolveError{Expr: refPart, Reason: ReasonMissingRef}
	}
	return value, nil
}

// Ref is one parsed reference.
type Ref struct {
	Scope string
	Path  []segment
	Raw   string
}

// Task returns the referenced task name, or "" for non-task scopes.
func (r Ref) Task() string {
	if r.Scope != ScopeTasks || len(r.Path) == 0 || r.Path[0].index >= 0 {
		return ""
	}
	return r.Path[0].key
}

type segment struct {
	key   string
	index int // -1 for key segments
}

func parseRef(raw string) (Ref, error) {
	scope, rest, _ := strings.Cut(raw, ".")
	scope = strings.TrimSpace(scope)

	switch scope {
	case ScopeTasks, ScopeEnv, ScopeWorkflow, ScopeInput:
	default:
		return Ref{}, &ResolveError{Expr: raw, Reason: ReasonUnknownScope}
	}

	path, err := parsePath(rest)
	if err != nil {
		return Ref{}, &ResolveError{Expr: raw, Reason: ReasonBadSyntax}
	}
	if scope == ScopeTasks && (len(path) == 0 || path[0].index >= 0) {
		return Ref{}, &ResolveError{Expr: raw, Reason: ReasonBadSyntax}
	}
	return Ref{Scope: scope, Path: path, Raw: raw}, nil
}

// parsePath splits "results[0].url" into key and index segments.
func parsePath(rest string) ([]segment, error) {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return nil, nil
	}

	var segs []segment
	for _, part := range strings.Split(rest, ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty path segment")
		}
		for len(part) > 0 {
			bracket := strings.IndexByte(part, '[')
			if bracket < 0 {
				segs = append(segs, segment{key: part, index: -1})
				break
			}
			if bracket > 0 {
				segs = append(segs, segment{key: part[:bracket], index: -1})
			}
			end := strings.IndexByte(part, ']')
			if end < bracket+1 {
				return nil, fmt.Errorf("unterminated index in %q", part)
			}
			idx, err := strconv.Atoi(part[bracket+1 : end])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("bad index in %q", part)
			}
			segs = append(segs, segment{index: idx})
			part = part[end+1:]
		}
	}
	return segs, nil
}

// lookup walks a reference into the context. The second return is false
// when any step of the path is absent.
func lookup(ref Ref, ctx *Context) (interface{}, bool) {
	if ctx == nil {
		return nil, false
	}

	switch ref.Scope {
	case ScopeTasks:
		output, ok := ctx.Tasks[ref.Path[0].key]
		if !ok {
			return nil, false
		}
		return navigate(output, ref.Path[1:])

	case ScopeEnv:
		if len(ref.Path) != 1 || ref.Path[0].index >= 0 {
			return nil, false
		}
		v, ok := ctx.Env[ref.Path[0].key]
		if !ok {
			return nil, false
		}
		return v, true

	case ScopeWorkflow:
		if len(ref.Path) != 1 || ref.Path[0].index >= 0 {
			return nil, false
		}
		switch ref.Path[0].key {
		case "id":
			return ctx.Workflow.ID, true
		case "version":
			return ctx.Workflow.Version, true
		case "startedAt":
			if ctx.Workflow.StartedAt.IsZero() {
				return nil, false
			}
			return ctx.Workflow.StartedAt.Format(time.RFC3339), true
		}
		return nil, false

	case ScopeInput:
		return navigate(ctx.Input, ref.Path)
	}

	return nil, false
}

// navigate follows key and index segments into maps and slices.
func navigate(value interface{}, path []segment) (interface{}, bool) {
	for _, seg := range path {
		if seg.index >= 0 {
			arr, ok := value.([]interface{})
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			value = arr[seg.index]
			continue
		}
		obj, ok := value.(map[string]interface{})
		if !ok {
			return nil, false
		}
		value, ok = obj[seg.key]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

// parseLiteral interprets a default as a JSON literal, falling back to
// the raw text so `?? retry` reads as the string "retry".
func parseLiteral(raw string) interface{} {
	if raw == "" {
		return ""
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// stringify renders a resolved value for embedding into a larger string.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
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

// Refs scans a parameter tree and returns every reference it contains.
// Unparseable expressions are skipped; validation reports those
// separately.
func Refs(params interface{}) []Ref {
	var refs []Ref
	scanRefs(params, &refs)
	return refs
}

func scanRefs(params interface{}, refs *[]Ref) {
	switch v := params.(type) {
	case string:
		for _, m := range refPattern.FindAllStringSubmatch(v, -1) {
			inner := m[1]
			if idx := strings.Index(inner, "??"); idx >= 0 {
				inner = inner[:idx]
			}
			ref, err := parseRef(strings.TrimSpace(inner))
			if err != nil {
				continue
			}
			*refs = append(*refs, ref)
		}
	case map[string]interface{}:
		for _, val := range v {
			scanRefs(val, refs)
		}
	case []interface{}:
		for _, val := range v {
			scanRefs(val, refs)
		}
	}
}

// TaskRefs returns the distinct task names referenced by a parameter
// tree, sorted for deterministic planning.
func TaskRefs(params interface{}) []string {
	seen := map[string]struct{}{}
	var names []string
	for _, ref := range Refs(params) {
		name := ref.Task()
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
