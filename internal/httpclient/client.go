// Package httpclient issues a single manifest-declared request,
// honoring the transformer pipeline's retry/fail classification and
// backing off on transport-level failures. Transport is resty (as the
// teacher's sibling scraper client in the pack configures it), chosen
// over net/http directly for its cookie jar and request/response hook
// points used for debug logging.
package httpclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/precog-cx/connector-harness/internal/engerr"
	"github.com/precog-cx/connector-harness/internal/expr"
	"github.com/precog-cx/connector-harness/internal/manifest"
	"github.com/precog-cx/connector-harness/internal/reqcontext"
	"github.com/precog-cx/connector-harness/internal/transformer"
)

const maxAttempts = 10

// Response is the minimal shape the resolver and dataset writer need:
// status, headers, a parsed (or raw-string) body, and the raw text.
type Response struct {
	Status   int
	Headers  map[string][]string
	Body     any
	FullBody string
}

// Client issues requests declared by a manifest, applying the
// transformer pipeline before and after the call.
type Client struct {
	rc       *resty.Client
	pipeline *transformer.Pipeline
	log      *slog.Logger
}

// New builds a Client. cookieJar parity with session-based manifests
// is retained even though the spec does not require it, matching the
// pack's own scraper client configuration.
func New(pipeline *transformer.Pipeline, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	rc := resty.New().
		SetTimeout(30 * time.Second).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	c := &Client{rc: rc, pipeline: pipeline, log: log}
	rc.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		log.Debug("http request", "method", req.Method, "url", req.URL)
		return nil
	})
	rc.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		log.Debug("http response", "status", res.StatusCode(), "url", res.Request.URL)
		return nil
	})
	return c
}

// Request issues a call to url (already resolved by the caller — the
// executor owns URL template resolution and the entry-point/skip
// checks of §4.7.4) with up to maxAttempts tries, per §4.4.
func (c *Client) Request(ctx context.Context, url string, req manifest.Request, rctx reqcontext.Context) (Response, error) {
	vars := rctx.Vars()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, transportErr := c.attempt(ctx, url, req, vars)
		if transportErr != nil {
			if attempt == maxAttempts {
				return Response{}, engerr.NewHTTPError(req.Name, 0, "%s", transportErr.Error())
			}
			backoff := time.Duration(1000<<(attempt-1)) * time.Millisecond
			c.log.Debug("transport error, backing off", "request", req.Name, "attempt", attempt, "delay", backoff, "err", transportErr)
			sleep(ctx, backoff)
			continue
		}

		result := transformer.Result{Status: resp.Status, Body: resp.Body}

		if fd := c.pipeline.ShouldFail(req.Transformers, vars, result); fd.Fail {
			return Response{}, &engerr.FailConditionTriggered{RequestName: req.Name, Msg: fd.Message}
		}

		rd := c.pipeline.ShouldRetry(req.Transformers, vars, result, attempt)
		if rd.Retry {
			c.log.Debug("retrying per transformer policy", "request", req.Name, "attempt", attempt, "delay", rd.Delay)
			sleep(ctx, rd.Delay)
			continue
		}

		return resp, nil
	}
	return Response{}, engerr.NewHTTPError(req.Name, 0, "%s", "attempt ceiling reached")
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (c *Client) attempt(ctx context.Context, url string, req manifest.Request, vars expr.Vars) (Response, error) {
	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range req.Headers {
		rendered, err := expr.Interpolate(v, vars, true)
		if err != nil {
			return Response{}, err
		}
		headers[k] = rendered
	}
	headers = c.pipeline.ApplyToRequest(req.Transformers, vars, headers)

	r := c.rc.R().SetContext(ctx).SetHeaders(headers)

	method := req.MethodOrDefault()
	if req.Body != nil && (method == "POST" || method == "PUT" || method == "PATCH") {
		body, err := interpolateBody(req.Body, vars)
		if err != nil {
			return Response{}, err
		}
		r.SetBody(body)
	}

	res, err := r.Execute(method, url)
	if err != nil {
		return Response{}, err
	}

	full := string(res.Body())
	var parsed any = full
	if strings.Contains(res.Header().Get("Content-Type"), "application/json") {
		var v any
		if jsonErr := json.Unmarshal(res.Body(), &v); jsonErr == nil {
			parsed = v
		}
	}

	return Response{
		Status:   res.StatusCode(),
		Headers:  map[string][]string(res.Header()),
		Body:     parsed,
		FullBody: full,
	}, nil
}

// interpolateBody walks a request body template, interpolating any
// string leaves against vars. Non-string leaves pass through
// unchanged.
func interpolateBody(body any, vars expr.Vars) (any, error) {
	switch v := body.(type) {
	case string:
		return expr.Interpolate(v, vars, true)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			rendered, err := interpolateBody(val, vars)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			rendered, err := interpolateBody(val, vars)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}
