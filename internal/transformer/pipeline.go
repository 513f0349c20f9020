// Package transformer applies a request's declared transformer
// bundle to the outgoing request and classifies the response as
// retry / reauth / fail / ok, per §4.3.
package transformer

import (
	"log/slog"
	"time"

	"github.com/precog-cx/connector-harness/internal/expr"
	"github.com/precog-cx/connector-harness/internal/manifest"
)

const (
	defaultRetries      = 3
	defaultInitialDelay = 1000 * time.Millisecond
	defaultMaxWait      = 60000 * time.Millisecond
)

// Result is the minimal view of an HTTP response the classifiers
// inspect: its status code and parsed body.
type Result struct {
	Status int
	Body   any
}

// Pipeline resolves transformer names against a manifest and applies
// them to requests and responses.
type Pipeline struct {
	manifest *manifest.Manifest
	log      *slog.Logger
}

func New(m *manifest.Manifest, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{manifest: m, log: log}
}

func (p *Pipeline) resolve(names []string) []manifest.Transformer {
	out := make([]manifest.Transformer, 0, len(names))
	for _, name := range names {
		if t, ok := p.manifest.TransformerByName(name); ok {
			out = append(out, t)
		}
	}
	return out
}

// ApplyToRequest merges each named transformer's declared headers into
// headers, interpolating values against vars. Later transformers
// override earlier ones on conflict.
func (p *Pipeline) ApplyToRequest(names []string, vars expr.Vars, headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	for _, t := range p.resolve(names) {
		for k, v := range t.Headers {
			rendered, err := expr.Interpolate(v, vars, true)
			if err != nil {
				p.log.Debug("transformer header interpolation failed", "transformer", t.Name, "header", k, "err", err)
				continue
			}
			out[k] = rendered
		}
	}
	return out
}

// RetryDecision is the outcome of ShouldRetry.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// ShouldRetry evaluates every transformer's retrywhere conditions in
// order against result. On the first match: if attempt has reached
// the configured retry ceiling, retry is refused; otherwise an
// exponential backoff delay is returned.
func (p *Pipeline) ShouldRetry(names []string, vars expr.Vars, result Result, attempt int) RetryDecision {
	for _, t := range p.resolve(names) {
		if t.RetryWhere == nil {
			continue
		}
		for _, cond := range t.RetryWhere.Conditions {
			if !p.matches(cond, vars, result) {
				continue
			}
			retries := defaultRetries
			if t.RetryWhere.Retries != nil {
				retries = *t.RetryWhere.Retries
			}
			if attempt >= retries {
				return RetryDecision{Retry: false}
			}
			initial := defaultInitialDelay
			if t.RetryWhere.InitialDelay != nil {
				initial = time.Duration(*t.RetryWhere.InitialDelay) * time.Millisecond
			}
			maxWait := defaultMaxWait
			if t.RetryWhere.MaxWait != nil {
				maxWait = time.Duration(*t.RetryWhere.MaxWait) * time.Millisecond
			}
			delay := initial << (attempt - 1)
			if attempt <= 0 {
				delay = initial
			}
			if delay > maxWait {
				delay = maxWait
			}
			return RetryDecision{Retry: true, Delay: delay}
		}
	}
	return RetryDecision{Retry: false}
}

// ShouldReauth evaluates every transformer's reauthwhere conditions.
func (p *Pipeline) ShouldReauth(names []string, vars expr.Vars, result Result) bool {
	for _, t := range p.resolve(names) {
		for _, cond := range t.ReauthWhere {
			if p.matches(cond, vars, result) {
				return true
			}
		}
	}
	return false
}

// FailDecision is the outcome of ShouldFail.
type FailDecision struct {
	Fail    bool
	Message string
}

const defaultFailMessage = "fail condition matched"

// ShouldFail evaluates every transformer's failwhere conditions.
func (p *Pipeline) ShouldFail(names []string, vars expr.Vars, result Result) FailDecision {
	for _, t := range p.resolve(names) {
		for _, cond := range t.FailWhere {
			if p.matches(cond, vars, result) {
				msg := cond.Message
				if msg == "" {
					msg = defaultFailMessage
				}
				return FailDecision{Fail: true, Message: msg}
			}
		}
	}
	return FailDecision{}
}

// matches implements the shared matching discipline: condition.status
// equality, or condition.expr evaluated truthy against vars augmented
// with extractedData.response and extractedData.status. An
// ExpressionError (unresolved variable, malformed expression) is
// treated as non-matching.
func (p *Pipeline) matches(cond manifest.Condition, vars expr.Vars, result Result) bool {
	if cond.Status != nil && *cond.Status == result.Status {
		return true
	}
	if cond.Expr == "" {
		return false
	}
	augmented := expr.Chain{
		expr.MapVars{"response": result.Body, "status": float64(result.Status)},
		vars,
	}
	v, err := expr.EvalString(cond.Expr, augmented)
	if err != nil {
		p.log.Debug("classifier expression error treated as non-matching", "expr", cond.Expr, "err", err)
		return false
	}
	return expr.Truthy(v)
}
