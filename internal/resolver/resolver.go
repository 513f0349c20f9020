// Package resolver implements the Dependency Resolver: given an edge
// and the response history, it extracts values from prior responses
// and produces the child request contexts for the edge's targets.
//
// Path queries reuse the retrieval pack's JSONPath engine
// (github.com/ohler55/ojg/jp), the same library the research-ingest
// walker uses for its own "query a JSON blob by path string" need.
package resolver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/precog-cx/connector-harness/internal/expr"
	"github.com/precog-cx/connector-harness/internal/httpclient"
	"github.com/precog-cx/connector-harness/internal/manifest"
	"github.com/precog-cx/connector-harness/internal/reqcontext"
	"github.com/precog-cx/connector-harness/internal/tokenstore"
)

// History is the read-only view of the response history the resolver
// needs: the sequence of responses observed so far for a given
// request name.
type History interface {
	Responses(name string) []httpclient.Response
}

// Resolver produces child contexts for a dependency edge.
type Resolver struct {
	store *tokenstore.Store
}

func New(store *tokenstore.Store) *Resolver {
	return &Resolver{store: store}
}

// wildcardRun rewrites the documented `[:_]` / `[_:]` slice-wildcard
// tokens to the canonical `[*]` before handing the path to jp.
var wildcardRun = regexp.MustCompile(`\[:_\]|\[_:\]`)

func normalizePath(path string) string {
	return wildcardRun.ReplaceAllString(path, "[*]")
}

// Resolve extracts values per dep.Select from the union of the `from`
// requests' responses (restricted to the latest response per source
// when latestOnly is set), applies selectwhere gating, and fans out
// into one child context per element of the cartesian product of the
// extracted value lists.
func (r *Resolver) Resolve(dep manifest.Dependency, history History, parent reqcontext.Context, latestOnly bool) ([]reqcontext.Context, error) {
	responses := sourceResponses(dep.From, history, latestOnly)

	extracted := map[string][]any{} // select.name -> deduped values, first-seen order
	order := make([]string, 0, len(dep.Select))

	for _, sel := range dep.Select {
		if _, seen := extracted[sel.Name]; !seen {
			order = append(order, sel.Name)
		}
		values := extracted[sel.Name]
		for _, resp := range responses {
			vals, err := r.extract(sel, resp, parent)
			if err != nil {
				// An ExpressionError in a select extraction yields an
				// empty value list for that source response, per the
				// error-handling design; the run continues.
				continue
			}
			for _, v := range vals {
				values = dedupAppend(values, v)
			}
		}
		extracted[sel.Name] = values
		if sel.Authy && len(values) > 0 && r.store != nil {
			_ = r.store.SaveAuthyValue(sel.Name, values[0])
		}
	}

	if len(order) == 0 {
		return nil, nil
	}

	if dep.SelectWhere != "" {
		firstOf := map[string]any{}
		for _, name := range order {
			if vs := extracted[name]; len(vs) > 0 {
				firstOf[name] = vs[0]
			}
		}
		gateVars := expr.Chain{expr.MapVars(firstOf), parent.Vars()}
		v, err := expr.EvalString(dep.SelectWhere, gateVars)
		if err != nil || !expr.Truthy(v) {
			return nil, nil
		}
	}

	return fanOut(order, extracted, parent), nil
}

func sourceResponses(from []string, history History, latestOnly bool) []httpclient.Response {
	var out []httpclient.Response
	for _, name := range from {
		resps := history.Responses(name)
		if latestOnly && len(resps) > 0 {
			resps = resps[len(resps)-1:]
		}
		out = append(out, resps...)
	}
	return out
}

// extract implements the ordered per-select extraction rules of
// §4.6: nested selects first, then expr, then nested-concat fallback,
// then full-body, then status, then path.
func (r *Resolver) extract(sel manifest.Select, resp httpclient.Response, parent reqcontext.Context) ([]any, error) {
	var nestedValues map[string]any
	if len(sel.Select) > 0 {
		nestedValues = map[string]any{}
		for _, nested := range sel.Select {
			vs, err := r.extract(nested, resp, parent)
			if err != nil {
				continue
			}
			nestedValues[nested.Name] = vs
		}
	}

	if sel.Expr != "" {
		augmented := expr.Chain{expr.MapVars{"response": resp.Body, "status": float64(resp.Status)}, expr.MapVars(nestedValues), parent.Vars()}
		v, err := expr.EvalString(sel.Expr, augmented)
		if err != nil {
			return nil, err
		}
		return []any{v}, nil
	}

	if nestedValues != nil {
		var parts []string
		for _, nested := range sel.Select {
			vs, ok := nestedValues[nested.Name].([]any)
			if !ok {
				continue
			}
			for _, v := range vs {
				parts = append(parts, expr.ToString(v))
			}
		}
		return []any{strings.Join(parts, "")}, nil
	}

	switch sel.Type {
	case "full-body":
		s := resp.FullBody
		if sel.UpTo != nil && len(s) > *sel.UpTo {
			s = s[:*sel.UpTo]
		}
		return []any{s}, nil
	case "status":
		return []any{float64(resp.Status)}, nil
	}

	if sel.Path == "" {
		return nil, fmt.Errorf("select %q: none of path/expr/nested-select/derived-type present", sel.Name)
	}

	x, err := jp.ParseString(normalizePath(sel.Path))
	if err != nil {
		return nil, fmt.Errorf("select %q: invalid path %q: %w", sel.Name, sel.Path, err)
	}
	results := x.Get(resp.Body)
	if len(results) == 0 {
		return nil, nil
	}

	// A number-typed select whose results are objects is a
	// nested-aggregation pattern; pass the objects through unconverted.
	if sel.Type == "number" {
		allObjects := true
		for _, v := range results {
			if _, ok := v.(map[string]any); !ok {
				allObjects = false
				break
			}
		}
		if allObjects {
			return results, nil
		}
	}

	out := make([]any, 0, len(results))
	for _, v := range results {
		coerced, ok := coerce(v, sel.Type)
		if !ok {
			continue
		}
		out = append(out, coerced)
	}
	return out, nil
}

// coerce renders v per the declared type, dropping values that
// coerce to NaN (numbers) or to "null"/"undefined"/"" (strings).
func coerce(v any, typ string) (any, bool) {
	switch typ {
	case "number":
		f, ok := toFloat(v)
		if !ok {
			return nil, false
		}
		return f, true
	default:
		s := expr.ToString(v)
		if s == "" || s == "null" || s == "undefined" {
			return nil, false
		}
		return s, true
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func dedupAppend(values []any, v any) []any {
	key := expr.ToString(v)
	for _, existing := range values {
		if expr.ToString(existing) == key {
			return values
		}
	}
	return append(values, v)
}

// fanOut builds one child context per element of the cartesian
// product of the extracted per-name value lists, one list per select
// name in declaration order, enumerated in lexicographic index order
// (the last name's index varies fastest).
func fanOut(order []string, extracted map[string][]any, parent reqcontext.Context) []reqcontext.Context {
	lists := make([][]any, len(order))
	for i, name := range order {
		lists[i] = extracted[name]
		if len(lists[i]) == 0 {
			return nil
		}
	}

	var children []reqcontext.Context
	idx := make([]int, len(order))
	for {
		bindings := make(map[string]any, len(order))
		for i, name := range order {
			bindings[name] = lists[i][idx[i]]
		}
		children = append(children, parent.Extend(bindings))

		pos := len(idx) - 1
		for pos >= 0 {
			idx[pos]++
			if idx[pos] < len(lists[pos]) {
				break
			}
			idx[pos] = 0
			pos--
		}
		if pos < 0 {
			break
		}
	}
	return children
}
