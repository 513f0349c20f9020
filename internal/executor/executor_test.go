package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precog-cx/connector-harness/internal/browseropen"
	"github.com/precog-cx/connector-harness/internal/httpclient"
	"github.com/precog-cx/connector-harness/internal/manifest"
	"github.com/precog-cx/connector-harness/internal/oauth2coordinator"
	"github.com/precog-cx/connector-harness/internal/resolver"
	"github.com/precog-cx/connector-harness/internal/tokenstore"
	"github.com/precog-cx/connector-harness/internal/transformer"
)

func newTestExecutor(t *testing.T, m *manifest.Manifest, outputDir string) *Executor {
	t.Helper()
	store := tokenstore.New(t.TempDir(), m.ID)
	pipeline := transformer.New(m, nil)
	client := httpclient.New(pipeline, nil)
	res := resolver.New(store)
	coordinator := oauth2coordinator.New(0, "", &browseropen.Noop{}, nil)
	return New(m, store, client, res, coordinator, map[string]string{}, outputDir, false, nil)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	data, _ := json.Marshal(v)
	_, _ = w.Write(data)
}

func TestRunExecutesEntryRequestAndWritesDataset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"results": []any{
			map[string]any{"id": "1"},
			map[string]any{"id": "2"},
		}})
	}))
	defer srv.Close()

	m := &manifest.Manifest{
		ID: "widgets",
		Reqs: []manifest.Request{
			{Name: "items", URL: srv.URL + "/items"},
		},
		Datasets: []manifest.Dataset{
			{Name: "Items", Data: []string{"items"}},
		},
	}

	outDir := t.TempDir()
	ex := newTestExecutor(t, m, outDir)
	summary, err := ex.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 0, summary.Failed)

	data, err := os.ReadFile(filepath.Join(outDir, "items.json"))
	require.NoError(t, err)
	var records []any
	require.NoError(t, json.Unmarshal(data, &records))
	assert.Len(t, records, 2)
}

func TestRunSkipsEntryRequestWithUnresolvedURLTemplate(t *testing.T) {
	m := &manifest.Manifest{
		ID: "widgets",
		Reqs: []manifest.Request{
			{Name: "items", URL: "https://example.com/{{missing}}"},
		},
		Datasets: []manifest.Dataset{
			{Name: "Items", Data: []string{"items"}},
		},
	}

	outDir := t.TempDir()
	ex := newTestExecutor(t, m, outDir)
	summary, err := ex.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)

	_, err = os.Stat(filepath.Join(outDir, "items.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunFollowsDependencyFanOut(t *testing.T) {
	var detailCalls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/items":
			writeJSON(w, map[string]any{"ids": []any{"a", "b"}})
		case "/detail":
			detailCalls = append(detailCalls, r.URL.Query().Get("id"))
			writeJSON(w, map[string]any{"id": r.URL.Query().Get("id"), "name": "widget-" + r.URL.Query().Get("id")})
		}
	}))
	defer srv.Close()

	m := &manifest.Manifest{
		ID: "widgets",
		Reqs: []manifest.Request{
			{Name: "items", URL: srv.URL + "/items"},
			{Name: "detail", URL: srv.URL + "/detail?id={{id}}"},
		},
		Deps: []manifest.Dependency{
			{
				From:   []string{"items"},
				To:     []string{"detail"},
				Select: []manifest.Select{{Name: "id", Path: "$.ids[*]"}},
			},
		},
		Datasets: []manifest.Dataset{
			{Name: "Details", Data: []string{"detail"}},
		},
	}

	outDir := t.TempDir()
	ex := newTestExecutor(t, m, outDir)
	summary, err := ex.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total) // items + 2 detail calls
	assert.ElementsMatch(t, []string{"a", "b"}, detailCalls)

	data, err := os.ReadFile(filepath.Join(outDir, "details.json"))
	require.NoError(t, err)
	var records []any
	require.NoError(t, json.Unmarshal(data, &records))
	assert.Len(t, records, 2)
}

func TestRunHaltsPaginationOnNilNext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			writeJSON(w, map[string]any{"results": []any{map[string]any{"n": 1.0}}, "next": "page2"})
			return
		}
		writeJSON(w, map[string]any{"results": []any{map[string]any{"n": 2.0}}, "next": nil})
	}))
	defer srv.Close()

	m := &manifest.Manifest{
		ID: "paged",
		Reqs: []manifest.Request{
			{Name: "items", URL: srv.URL + "/items"},
			{Name: "items_paged", URL: srv.URL + "/items?cursor={{cursor}}"},
		},
		Deps: []manifest.Dependency{
			{
				From:   []string{"items"},
				To:     []string{"items_paged"},
				Select: []manifest.Select{{Name: "cursor", Path: "$.next"}},
			},
			{
				From:   []string{"items_paged"},
				To:     []string{"items_paged"},
				Select: []manifest.Select{{Name: "cursor", Path: "$.next"}},
			},
		},
		Datasets: []manifest.Dataset{
			{Name: "Items", Data: []string{"items", "items_paged"}},
		},
	}

	outDir := t.TempDir()
	ex := newTestExecutor(t, m, outDir)
	summary, err := ex.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total) // page one, then one paged follow-up; halts once body.next is nil
}

// TestRunRecognizesEnvAliasForOAuth2Edges guards against a token-exchange
// edge spelled `{"from": ["env"]}` (the common manifest spelling, per
// the glossary) being treated as an ordinary, un-excluded entry request
// and executed twice — once by the OAuth2 sub-flow, once by normal
// entry traversal.
func TestRunRecognizesEnvAliasForOAuth2Edges(t *testing.T) {
	var tokenCalls int
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		writeJSON(w, map[string]any{"access_token": "tok-123"})
	}))
	defer tokenSrv.Close()

	m := &manifest.Manifest{
		ID: "oauthed",
		Reqs: []manifest.Request{
			{
				Name:     "authorize",
				Function: "interactiveOAuth2Authorization",
				Args:     &manifest.FunctionArgs{AuthorizeURL: "https://idp.example.com/authorize"},
			},
			{Name: "token", URL: tokenSrv.URL + "/token"},
		},
		Deps: []manifest.Dependency{
			{
				From:   []string{"env"},
				To:     []string{"token"},
				Select: []manifest.Select{{Name: "code", Path: "$.query.code"}},
			},
		},
	}

	outDir := t.TempDir()
	store := tokenstore.New(t.TempDir(), m.ID)
	pipeline := transformer.New(m, nil)
	client := httpclient.New(pipeline, nil)
	res := resolver.New(store)
	opener := &browseropen.Noop{}
	coordinator := oauth2coordinator.New(0, "", opener, nil)
	ex := New(m, store, client, res, coordinator, map[string]string{}, outDir, false, nil)

	done := make(chan struct{})
	var summary *Summary
	var runErr error
	go func() {
		summary, runErr = ex.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return len(opener.Calls) == 1 }, 2*time.Second, 10*time.Millisecond)
	authURL, err := url.Parse(opener.Calls[0])
	require.NoError(t, err)
	state := authURL.Query().Get("state")
	require.NotEmpty(t, state)

	resp, err := http.Get(authURL.Query().Get("redirect_uri") + "?code=abc123&state=" + state)
	require.NoError(t, err)
	resp.Body.Close()

	<-done
	require.NoError(t, runErr)
	assert.Equal(t, 1, tokenCalls, "token exchange must run exactly once, via the OAuth2 sub-flow")
	assert.Equal(t, 0, summary.Total, "token is OAuth2-adjacent and must not also be traversed as an entry request")
}

func TestRunRecordsHTTPErrorsInSummary(t *testing.T) {
	statusPtr := 500
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]any{"error": "boom"})
	}))
	defer srv.Close()

	m := &manifest.Manifest{
		ID: "broken",
		Transformers: []manifest.Transformer{
			{
				Name: "failOn500",
				FailWhere: []manifest.Condition{
					{Status: &statusPtr, Message: "server blew up"},
				},
			},
		},
		Reqs: []manifest.Request{
			{Name: "items", URL: srv.URL + "/items", Transformers: []string{"failOn500"}},
		},
		Datasets: []manifest.Dataset{
			{Name: "Items", Data: []string{"items"}},
		},
	}

	outDir := t.TempDir()
	ex := newTestExecutor(t, m, outDir)
	summary, err := ex.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "items", summary.Errors[0].RequestName)
	assert.Equal(t, 1, summary.Errors[0].Count)
}
