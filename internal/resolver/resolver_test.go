package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precog-cx/connector-harness/internal/httpclient"
	"github.com/precog-cx/connector-harness/internal/manifest"
	"github.com/precog-cx/connector-harness/internal/reqcontext"
	"github.com/precog-cx/connector-harness/internal/tokenstore"
)

type fakeHistory map[string][]httpclient.Response

func (f fakeHistory) Responses(name string) []httpclient.Response { return f[name] }

func baseContext() reqcontext.Context {
	return reqcontext.New(map[string]string{}, tokenstore.AuthState{AuthyValues: map[string]any{}}, map[string]string{})
}

func TestResolveDependencyFanOut(t *testing.T) {
	hist := fakeHistory{
		"a": {{Status: 200, Body: map[string]any{"data": []any{
			map[string]any{"id": "a"},
			map[string]any{"id": "b"},
		}}}},
	}
	dep := manifest.Dependency{
		From:   []string{"a"},
		To:     []string{"b"},
		Select: []manifest.Select{{Name: "x", Path: "$.data[*].id"}},
	}
	r := New(nil)
	children, err := r.Resolve(dep, hist, baseContext(), false)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "a", children[0].ExtractedData["x"])
	assert.Equal(t, "b", children[1].ExtractedData["x"])
}

func TestResolveCartesianProduct(t *testing.T) {
	hist := fakeHistory{
		"a": {{Status: 200, Body: map[string]any{"nums": []any{1.0, 2.0}, "letters": []any{"p", "q"}}}},
	}
	dep := manifest.Dependency{
		From: []string{"a"},
		To:   []string{"b"},
		Select: []manifest.Select{
			{Name: "n", Path: "$.nums[*]", Type: "number"},
			{Name: "l", Path: "$.letters[*]"},
		},
	}
	r := New(nil)
	children, err := r.Resolve(dep, hist, baseContext(), false)
	require.NoError(t, err)
	require.Len(t, children, 4)
	pairs := make([][2]any, len(children))
	for i, c := range children {
		pairs[i] = [2]any{c.ExtractedData["n"], c.ExtractedData["l"]}
	}
	assert.Equal(t, [2]any{1.0, "p"}, pairs[0])
	assert.Equal(t, [2]any{1.0, "q"}, pairs[1])
	assert.Equal(t, [2]any{2.0, "p"}, pairs[2])
	assert.Equal(t, [2]any{2.0, "q"}, pairs[3])
}

func TestResolveSelectWhereGating(t *testing.T) {
	hist := fakeHistory{
		"a": {{Status: 200, Body: map[string]any{"flag": []any{"no"}}}},
	}
	dep := manifest.Dependency{
		From:        []string{"a"},
		To:          []string{"b"},
		Select:      []manifest.Select{{Name: "flag", Path: "$.flag[*]"}},
		SelectWhere: `flag == "yes"`,
	}
	r := New(nil)
	children, err := r.Resolve(dep, hist, baseContext(), false)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestResolveWildcardNormalization(t *testing.T) {
	hist := fakeHistory{
		"a": {{Status: 200, Body: map[string]any{"items": []any{"x", "y"}}}},
	}
	dep := manifest.Dependency{
		From:   []string{"a"},
		To:     []string{"b"},
		Select: []manifest.Select{{Name: "v", Path: "$.items[:_]"}},
	}
	r := New(nil)
	children, err := r.Resolve(dep, hist, baseContext(), false)
	require.NoError(t, err)
	require.Len(t, children, 2)
}

func TestResolveLatestOnlyRestrictsToLastResponse(t *testing.T) {
	hist := fakeHistory{
		"items_paged": {
			{Status: 200, Body: map[string]any{"v": "first"}},
			{Status: 200, Body: map[string]any{"v": "second"}},
		},
	}
	dep := manifest.Dependency{
		From:   []string{"items_paged"},
		To:     []string{"items_paged"},
		Select: []manifest.Select{{Name: "v", Path: "$.v"}},
	}
	r := New(nil)
	children, err := r.Resolve(dep, hist, baseContext(), true)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "second", children[0].ExtractedData["v"])
}

func TestResolveDedupPreservesFirstSeenOrder(t *testing.T) {
	hist := fakeHistory{
		"a": {{Status: 200, Body: map[string]any{"ids": []any{"x", "y", "x"}}}},
	}
	dep := manifest.Dependency{
		From:   []string{"a"},
		To:     []string{"b"},
		Select: []manifest.Select{{Name: "id", Path: "$.ids[*]"}},
	}
	r := New(nil)
	children, err := r.Resolve(dep, hist, baseContext(), false)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "x", children[0].ExtractedData["id"])
	assert.Equal(t, "y", children[1].ExtractedData["id"])
}
