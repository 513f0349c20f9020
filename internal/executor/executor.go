// Package executor drives the full run lifecycle: OAuth2 bootstrap,
// entry-point discovery, graph traversal with pagination control, and
// dataset aggregation, per §4.7.
package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/precog-cx/connector-harness/internal/engerr"
	"github.com/precog-cx/connector-harness/internal/expr"
	"github.com/precog-cx/connector-harness/internal/httpclient"
	"github.com/precog-cx/connector-harness/internal/manifest"
	"github.com/precog-cx/connector-harness/internal/oauth2coordinator"
	"github.com/precog-cx/connector-harness/internal/reqcontext"
	"github.com/precog-cx/connector-harness/internal/resolver"
	"github.com/precog-cx/connector-harness/internal/tokenstore"
)

const oauth2Function = "interactiveOAuth2Authorization"

// Executor owns every collaborator named in the component table and
// runs one manifest end to end.
type Executor struct {
	manifest    *manifest.Manifest
	store       *tokenstore.Store
	client      *httpclient.Client
	resolver    *resolver.Resolver
	coordinator *oauth2coordinator.Coordinator
	credentials map[string]string
	outputDir   string
	forceReauth bool
	log         *slog.Logger
}

func New(
	m *manifest.Manifest,
	store *tokenstore.Store,
	client *httpclient.Client,
	res *resolver.Resolver,
	coordinator *oauth2coordinator.Coordinator,
	credentials map[string]string,
	outputDir string,
	forceReauth bool,
	log *slog.Logger,
) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		manifest:    m,
		store:       store,
		client:      client,
		resolver:    res,
		coordinator: coordinator,
		credentials: credentials,
		outputDir:   outputDir,
		forceReauth: forceReauth,
		log:         log,
	}
}

// errorEntry is one distinct (requestName, message) pair observed
// during the run, with an occurrence count, in first-seen order.
type errorEntry struct {
	RequestName string
	Message     string
	Count       int
}

// Summary is the end-of-run report, per §7.
type Summary struct {
	ManifestID      string
	Duration        time.Duration
	Total           int
	Successful      int
	Failed          int
	UniqueEndpoints int
	Errors          []errorEntry
}

type runState struct {
	visited map[string]bool
	errors  []errorEntry
	errIdx  map[string]int // "requestName\x00message" -> index into errors
	total   int
	success int
	failed  int
}

func newRunState() *runState {
	return &runState{visited: map[string]bool{}, errIdx: map[string]int{}}
}

const errMsgTruncateLen = 200

func (rs *runState) recordError(requestName string, err error) {
	msg := err.Error()
	if len(msg) > errMsgTruncateLen {
		msg = msg[:errMsgTruncateLen] + "…"
	}
	key := requestName + "\x00" + msg
	if idx, ok := rs.errIdx[key]; ok {
		rs.errors[idx].Count++
		return
	}
	rs.errIdx[key] = len(rs.errors)
	rs.errors = append(rs.errors, errorEntry{RequestName: requestName, Message: msg, Count: 1})
}

// Run executes the manifest end to end.
func (e *Executor) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()

	if e.forceReauth {
		if err := e.store.Clear(); err != nil {
			return nil, err
		}
	}
	authState, err := e.store.Load()
	if err != nil {
		return nil, err
	}

	authReq, hasAuthReq := e.findOAuth2Request()
	oauth2Required := hasAuthReq
	if !oauth2Required {
		_, oauth2Required = e.manifest.RequestByName("env")
	}

	h := newHistory()
	systemVars := e.initialSystemVars()

	if oauth2Required && hasAuthReq {
		rootCtx := reqcontext.New(e.credentials, authState, systemVars)
		if err := e.runOAuth2SubFlow(ctx, authReq, rootCtx, h); err != nil {
			return nil, err
		}
		authState, err = e.store.Load()
		if err != nil {
			return nil, err
		}
	} else if oauth2Required {
		e.log.Debug("oauth2 implied by an \"env\" request but no " + oauth2Function + " request is declared; skipping the sub-flow")
	}

	excluded := e.oauth2AdjacentExclusions(authReq, hasAuthReq)

	rs := newRunState()
	initialCtx := reqcontext.New(e.credentials, authState, systemVars)
	for _, req := range e.manifest.Reqs {
		if !e.isEntryRequest(req, excluded) {
			continue
		}
		e.recurse(ctx, req.Name, initialCtx, h, rs)
	}

	if err := e.writeDatasets(h); err != nil {
		return nil, err
	}

	summary := &Summary{
		ManifestID:      e.manifest.ID,
		Duration:        time.Since(started),
		Total:           rs.total,
		Successful:      rs.success,
		Failed:          rs.failed,
		UniqueEndpoints: len(rs.visited),
		Errors:          rs.errors,
	}
	e.printSummary(summary)
	e.writeRunReportSidecar(summary)
	return summary, nil
}

func (e *Executor) initialSystemVars() map[string]string {
	redirectURI := e.coordinator.RedirectURI()
	return map[string]string{
		"precog_root_uri":         redirectURI,
		"precog_redirect_uri":     redirectURI,
		"wsk_to_rsk_redirect_uri": redirectURI,
	}
}

func (e *Executor) findOAuth2Request() (manifest.Request, bool) {
	for _, r := range e.manifest.Reqs {
		if r.Function == oauth2Function {
			return r, true
		}
	}
	return manifest.Request{}, false
}

// oauth2AdjacentExclusions is the authorization request plus any
// request reachable as a `to` in an edge whose `from` contains it.
func (e *Executor) oauth2AdjacentExclusions(authReq manifest.Request, hasAuthReq bool) map[string]bool {
	excluded := map[string]bool{}
	if !hasAuthReq {
		return excluded
	}
	excluded[authReq.Name] = true
	for _, dep := range e.manifest.Deps {
		if containsStr(dep.From, authReq.Name) || containsStr(dep.From, "env") {
			for _, to := range dep.To {
				excluded[to] = true
			}
		}
	}
	return excluded
}

func (e *Executor) isEntryRequest(req manifest.Request, excluded map[string]bool) bool {
	if req.URL == "" {
		return false
	}
	if strings.Contains(req.URL, "{{") {
		return false
	}
	for _, v := range req.Headers {
		if strings.Contains(v, "{{") {
			return false
		}
	}
	if req.Name == "env" {
		return false
	}
	if excluded[req.Name] {
		return false
	}
	return true
}

func genState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// runOAuth2SubFlow implements §4.7.1.
func (e *Executor) runOAuth2SubFlow(ctx context.Context, authReq manifest.Request, rctx reqcontext.Context, h *history) error {
	state, err := genState()
	if err != nil {
		return engerr.NewOAuth2Error("generating state: %v", err)
	}
	rctx = rctx.Extend(map[string]any{"precog_state": state})

	authorizeURL := ""
	if authReq.Args != nil {
		authorizeURL = authReq.Args.AuthorizeURL
	}
	body, err := e.coordinator.Authorize(ctx, authorizeURL, rctx.Vars(), state)
	if err != nil {
		return err
	}

	respBody := body["body"]
	full, _ := json.Marshal(respBody)
	synthetic := httpclient.Response{Status: 200, Body: respBody, FullBody: string(full)}
	h.append("env", synthetic)
	h.append(authReq.Name, synthetic)

	for _, dep := range e.manifest.Deps {
		if !containsStr(dep.From, authReq.Name) && !containsStr(dep.From, "env") {
			continue
		}
		children, err := e.resolver.Resolve(dep, h, rctx, false)
		if err != nil {
			return err
		}
		for _, child := range children {
			for _, toName := range dep.To {
				toReq, ok := e.manifest.RequestByName(toName)
				if !ok || toReq.Function != "" {
					continue
				}
				url, ok := e.resolveURL(toReq, child)
				if !ok {
					continue
				}
				resp, err := e.client.Request(ctx, url, toReq, child)
				if err != nil {
					e.log.Debug("token-exchange request failed", "request", toName, "err", err)
					continue
				}
				h.append(toName, resp)

				// Run (but do not execute) edges chaining out of this
				// exchange leg, purely so their authy markers persist.
				for _, chained := range e.manifest.Deps {
					if !containsStr(chained.From, toName) {
						continue
					}
					_, _ = e.resolver.Resolve(chained, h, child, false)
				}
			}
		}
	}
	return nil
}

// resolveURL implements §4.7.4 steps 2–3: interpolate with
// extractedData only, then against the full variable set; if any
// {{…}} remains, the caller must skip the request.
func (e *Executor) resolveURL(req manifest.Request, rctx reqcontext.Context) (string, bool) {
	stage1, _ := expr.Interpolate(req.URL, expr.MapVars(rctx.ExtractedData), false)
	stage2, _ := expr.Interpolate(stage1, rctx.Vars(), false)
	if expr.HasPlaceholder(stage2) {
		return "", false
	}
	return stage2, true
}

// recurse implements §4.7.4.
func (e *Executor) recurse(ctx context.Context, name string, rctx reqcontext.Context, h *history, rs *runState) {
	req, ok := e.manifest.RequestByName(name)
	if !ok || req.Function != "" {
		return
	}

	url, ok := e.resolveURL(req, rctx)
	if !ok {
		return
	}

	urlKey := name + ":" + url
	if rs.visited[urlKey] {
		return
	}
	rs.visited[urlKey] = true
	rs.total++

	resp, err := e.client.Request(ctx, url, req, rctx)
	if err != nil {
		rs.failed++
		rs.recordError(name, err)
		return
	}
	rs.success++
	h.append(name, resp)

	for _, dep := range e.manifest.Deps {
		if dep.LoadType == "delta" || !containsStr(dep.From, name) {
			continue
		}

		latestOnly := false
		if target, ok := paginationTarget(dep, name); ok {
			latestOnly = true
			if paginationHalted(h.Responses(name)) {
				e.log.Debug("pagination halted", "request", target)
				continue
			}
		}

		children, err := e.resolver.Resolve(dep, h, rctx, latestOnly)
		if err != nil {
			e.log.Debug("dependency resolution failed", "edge", dep, "err", err)
			continue
		}

		authState, err := e.store.Load()
		if err != nil {
			rs.recordError(name, err)
			continue
		}

		for i := range children {
			children[i] = children[i].WithAuthState(authState)
		}

		for _, child := range children {
			for _, toName := range dep.To {
				e.recurse(ctx, toName, child, h, rs)
			}
		}
	}
}

// paginationTarget reports whether dep is a pagination edge for the
// just-executed request name: its `to` list contains a name
// containing "_paged" that also appears in `from`.
func paginationTarget(dep manifest.Dependency, name string) (string, bool) {
	for _, to := range dep.To {
		if strings.Contains(to, "_paged") && containsStr(dep.From, to) {
			return to, true
		}
	}
	return "", false
}

// paginationHalted reports whether the most recent response's
// body.next is null, absent, or an empty string.
func paginationHalted(resps []httpclient.Response) bool {
	if len(resps) == 0 {
		return true
	}
	body, ok := resps[len(resps)-1].Body.(map[string]any)
	if !ok {
		return true
	}
	next, present := body["next"]
	if !present || next == nil {
		return true
	}
	if s, ok := next.(string); ok && s == "" {
		return true
	}
	return false
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// writeDatasets implements §4.7.5.
func (e *Executor) writeDatasets(h *history) error {
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return engerr.NewIOError("create output dir", err)
	}
	for _, ds := range e.manifest.Datasets {
		var records []any
		for _, reqName := range ds.Data {
			for _, resp := range h.Responses(reqName) {
				if body, ok := resp.Body.(map[string]any); ok {
					if results, ok := body["results"].([]any); ok {
						records = append(records, results...)
						continue
					}
				}
				records = append(records, resp.Body)
			}
		}
		if len(records) == 0 {
			continue
		}
		if err := e.writeDatasetFile(ds.Name, records); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) writeDatasetFile(name string, records []any) error {
	filename := strings.ReplaceAll(strings.ToLower(name), " ", "_") + ".json"
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return engerr.NewIOError("marshal dataset "+name, err)
	}
	path := filepath.Join(e.outputDir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return engerr.NewIOError("write dataset "+name, err)
	}
	return nil
}

func (e *Executor) printSummary(s *Summary) {
	e.log.Info("run complete",
		"manifest", s.ManifestID,
		"duration", s.Duration,
		"total", s.Total,
		"successful", s.Successful,
		"failed", s.Failed,
		"unique_endpoints", s.UniqueEndpoints,
	)
	for _, e2 := range s.Errors {
		fmt.Printf("%s: %s (x%d)\n", e2.RequestName, e2.Message, e2.Count)
	}
}

// runReport is the yaml.v3-serialized sidecar written alongside the
// dataset files, additive to the console summary so CI wrappers can
// assert on run health without scraping stdout.
type runReport struct {
	ManifestID      string       `yaml:"manifestId"`
	DurationSeconds float64      `yaml:"durationSeconds"`
	Total           int          `yaml:"total"`
	Successful      int          `yaml:"successful"`
	Failed          int          `yaml:"failed"`
	UniqueEndpoints int          `yaml:"uniqueEndpoints"`
	Errors          []errorEntry `yaml:"errors,omitempty"`
}

func (e *Executor) writeRunReportSidecar(s *Summary) {
	report := runReport{
		ManifestID:      s.ManifestID,
		DurationSeconds: s.Duration.Seconds(),
		Total:           s.Total,
		Successful:      s.Successful,
		Failed:          s.Failed,
		UniqueEndpoints: s.UniqueEndpoints,
		Errors:          s.Errors,
	}
	data, err := yaml.Marshal(report)
	if err != nil {
		e.log.Debug("failed to marshal run report", "err", err)
		return
	}
	path := filepath.Join(e.outputDir, ".run-report.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.log.Debug("failed to write run report sidecar", "err", err)
	}
}
