// Package oauth2coordinator drives the interactive authorization-code
// leg named in a manifest as the function "interactiveOAuth2Authorization":
// spin up a local callback listener, open the user's browser at the
// authorize URL, and wait for the single redirect back.
//
// The listener lifecycle (net.Listen + http.Server{Handler} served on
// a goroutine, torn down via Shutdown) mirrors the teacher's webhook
// capture tool (pkg/core/tools/webhook.go), generalized from a
// capture-many-requests loop to a single-callback rendezvous.
package oauth2coordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/precog-cx/connector-harness/internal/browseropen"
	"github.com/precog-cx/connector-harness/internal/engerr"
	"github.com/precog-cx/connector-harness/internal/expr"
)

const globalTimeout = 5 * time.Minute

const successPage = `<!DOCTYPE html>
<html><head><title>Authorization complete</title></head>
<body>
<p>Authorization complete. You may close this window.</p>
<script>setTimeout(function(){ window.close(); }, 2000);</script>
</body></html>`

const errorPageTmpl = `<!DOCTYPE html>
<html><head><title>Authorization failed</title></head>
<body><p>%s</p></body></html>`

// DefaultPort is the callback listener port used when the caller
// (the CLI's --redirect-port flag) does not override it.
const DefaultPort = 3000

// Coordinator drives one interactive authorization-code flow.
type Coordinator struct {
	port     int
	redirect string // explicit override, empty to derive from the bound port
	opener   browseropen.Opener
	log      *slog.Logger

	boundPort int // set once Authorize has bound the listener
}

// New builds a Coordinator listening on port (0 picks an ephemeral
// port, used by tests; production callers pass DefaultPort or the
// --redirect-port override).
func New(port int, redirectURIOverride string, opener browseropen.Opener, log *slog.Logger) *Coordinator {
	if opener == nil {
		opener = browseropen.System{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{port: port, redirect: redirectURIOverride, opener: opener, log: log}
}

// RedirectURI returns the callback URI this coordinator will use. Call
// it only after Authorize has started (it reflects the bound port),
// or rely on the override if one was configured.
func (c *Coordinator) RedirectURI() string {
	if c.redirect != "" {
		return c.redirect
	}
	port := c.port
	if c.boundPort != 0 {
		port = c.boundPort
	}
	return fmt.Sprintf("http://localhost:%d/callback", port)
}

// callbackResult carries the outcome of the single /callback request.
type callbackResult struct {
	code, state string
	errMsg      string
}

// Authorize runs the full flow described in §4.5 and returns the
// synthetic response {status: 200, body: {query: {code, state}}}.
func (c *Coordinator) Authorize(ctx context.Context, authorizeURLTemplate string, vars expr.Vars, presetState string) (map[string]any, error) {
	state := presetState
	if state == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, engerr.NewOAuth2Error("generating csrf state: %v", err)
		}
		state = hex.EncodeToString(buf)
	}

	augmented := expr.Chain{expr.MapVars{"precog_state": state}, vars}
	authorizeURL, err := expr.Interpolate(authorizeURLTemplate, augmented, true)
	if err != nil {
		return nil, engerr.NewOAuth2Error("interpolating authorize url: %v", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", c.port))
	if err != nil {
		return nil, engerr.NewOAuth2Error("starting callback listener: %v", err)
	}
	c.boundPort = ln.Addr().(*net.TCPAddr).Port

	resultCh := make(chan callbackResult, 1)
	var once sync.Once
	srv := &http.Server{Handler: c.handler(state, resultCh, &once)}
	srv.SetKeepAlivesEnabled(false)

	go func() { _ = srv.Serve(ln) }()
	teardown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = ln.Close()
	}
	defer teardown()

	authorizeURL = ensureQueryParams(authorizeURL, c.RedirectURI(), state)

	c.log.Info("open this URL to authorize", "url", authorizeURL)
	if err := c.opener.Open(authorizeURL); err != nil {
		c.log.Debug("failed to open browser automatically", "err", err)
	}

	select {
	case res := <-resultCh:
		if res.errMsg != "" {
			return nil, engerr.NewOAuth2Error("authorization denied: %s", res.errMsg)
		}
		return map[string]any{
			"status": float64(200),
			"body": map[string]any{
				"query": map[string]any{
					"code":  res.code,
					"state": res.state,
				},
			},
		}, nil
	case <-time.After(globalTimeout):
		return nil, engerr.NewOAuth2Error("timed out waiting for authorization callback")
	case <-ctx.Done():
		return nil, engerr.NewOAuth2Error("authorization canceled: %v", ctx.Err())
	}
}

func (c *Coordinator) handler(expectedState string, resultCh chan callbackResult, once *sync.Once) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		if errMsg := q.Get("error"); errMsg != "" {
			desc := q.Get("error_description")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, errorPageTmpl, htmlEscape(errMsg+": "+desc))
			once.Do(func() { resultCh <- callbackResult{errMsg: errMsg + ": " + desc} })
			return
		}

		code := q.Get("code")
		if code == "" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, errorPageTmpl, "missing authorization code")
			once.Do(func() { resultCh <- callbackResult{errMsg: "missing authorization code"} })
			return
		}

		state := q.Get("state")
		if state != expectedState {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, errorPageTmpl, "possible CSRF: state mismatch")
			once.Do(func() { resultCh <- callbackResult{errMsg: "possible CSRF: state mismatch"} })
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(successPage))
		once.Do(func() { resultCh <- callbackResult{code: code, state: state} })
	})
	return mux
}

func htmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// ensureQueryParams injects redirect_uri and state into rawURL only if
// they are not already present, per §4.5 step 4.
func ensureQueryParams(rawURL, redirectURI, state string) string {
	hasRedirect := strings.Contains(rawURL, "redirect_uri=")
	hasState := strings.Contains(rawURL, "state=")
	if hasRedirect && hasState {
		return rawURL
	}

	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	var extra []string
	if !hasRedirect {
		extra = append(extra, "redirect_uri="+url.QueryEscape(redirectURI))
	}
	if !hasState {
		extra = append(extra, "state="+url.QueryEscape(state))
	}
	return rawURL + sep + strings.Join(extra, "&")
}
