package executor

import "github.com/precog-cx/connector-harness/internal/httpclient"

// history is the append-only, in-memory response sequence keyed by
// request name, per §5's "shared resources" note: it is never read
// from outside the executor and lives only for the run.
type history struct {
	byName map[string][]httpclient.Response
}

func newHistory() *history {
	return &history{byName: map[string][]httpclient.Response{}}
}

func (h *history) append(name string, resp httpclient.Response) {
	h.byName[name] = append(h.byName[name], resp)
}

// Responses implements resolver.History.
func (h *history) Responses(name string) []httpclient.Response {
	return h.byName[name]
}
