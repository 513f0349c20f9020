package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precog-cx/connector-harness/internal/manifest"
	"github.com/precog-cx/connector-harness/internal/reqcontext"
	"github.com/precog-cx/connector-harness/internal/tokenstore"
	"github.com/precog-cx/connector-harness/internal/transformer"
)

func emptyContext() reqcontext.Context {
	return reqcontext.New(map[string]string{}, tokenstore.AuthState{AuthyValues: map[string]any{}}, map[string]string{})
}

func TestRequestParsesJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"results":[{"id":1}]}`))
	}))
	defer srv.Close()

	p := transformer.New(&manifest.Manifest{}, nil)
	c := New(p, nil)

	req := manifest.Request{Name: "items", URL: srv.URL, Method: "GET"}
	resp, err := c.Request(context.Background(), req.URL, req, emptyContext())
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	body, ok := resp.Body.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, body, "results")
}

func TestRequestRetriesOn429ThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(429)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	retries := 5
	initialDelay := 1
	status429 := 429
	m := &manifest.Manifest{
		Transformers: []manifest.Transformer{
			{
				Name: "retry429",
				RetryWhere: &manifest.RetryPolicy{
					Conditions:   []manifest.Condition{{Status: &status429}},
					Retries:      &retries,
					InitialDelay: &initialDelay,
				},
			},
		},
	}
	p := transformer.New(m, nil)
	c := New(p, nil)

	req := manifest.Request{Name: "flaky", URL: srv.URL, Method: "GET", Transformers: []string{"retry429"}}
	resp, err := c.Request(context.Background(), req.URL, req, emptyContext())
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, 3, attempts)
}

func TestRequestFailConditionNoRetry(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(500)
	}))
	defer srv.Close()

	m := &manifest.Manifest{
		Transformers: []manifest.Transformer{
			{Name: "failOn500", FailWhere: []manifest.Condition{{Status: intPtr(500), Message: "server blew up"}}},
		},
	}
	p := transformer.New(m, nil)
	c := New(p, nil)

	req := manifest.Request{Name: "broken", URL: srv.URL, Method: "GET", Transformers: []string{"failOn500"}}
	_, err := c.Request(context.Background(), req.URL, req, emptyContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server blew up")
	assert.Equal(t, 1, attempts)
}

func intPtr(v int) *int { return &v }
