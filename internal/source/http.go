package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/leozw/query-guardian/internal/core"
	"github.com/leozw/query-guardian/internal/db"
)

const defaultHTTPTimeout = 30 * time.Second

// httpSource pulls rows from a JSON endpoint. The response must decode
// to an array of objects, or to a single object which is treated as a
// one-row result.
type httpSource struct {
	cfg    db.HTTPConfig
	client *http.Client
}

func newHTTPSource(cfg db.HTTPConfig) *httpSource {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSecs > 0 {
		timeout = time.Duration(cfg.TimeoutSecs) * time.Second
	}
	return &httpSource{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		},
	}
}

func (h *httpSource) Execute(ctx context.Context) (*Result, error) {
	req, err := h.buildRequest(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", h.cfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("request %s: status %d", h.cfg.URL, resp.StatusCode)
	}

	var payload any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode %s: %w", h.cfg.URL, err)
	}

	return rowsFromPayload(descend(payload, h.cfg.ResponsePath))
}

func (h *httpSource) Test(ctx context.Context) *TestReport {
	return reportFor(ctx, h)
}

func (h *httpSource) Fields(ctx context.Context) ([]Field, error) {
	return fieldsFor(ctx, h)
}

func (h *httpSource) buildRequest(ctx context.Context) (*http.Request, error) {
	method := strings.ToUpper(h.cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	// GET carries the body map as query parameters; anything else
	// sends it as JSON.
	var body *bytes.Reader
	query := url.Values{}
	if len(h.cfg.Body) > 0 {
		if method == http.MethodGet {
			for k, v := range h.cfg.Body {
				query.Set(k, core.FromAny(v).Render())
			}
		} else {
			raw, err := json.Marshal(h.cfg.Body)
			if err != nil {
				return nil, fmt.Errorf("encode body: %w", err)
			}
			body = bytes.NewReader(raw)
		}
	}

	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, h.cfg.URL, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, h.cfg.URL, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	if a := h.cfg.Auth; a != nil {
		switch a.Type {
		case "basic":
			req.SetBasicAuth(a.Username, a.Password)
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+a.Token)
		case "api_key":
			name := a.KeyName
			if name == "" {
				name = "X-API-Key"
			}
			if a.AddTo == "query" {
				query.Set(name, a.KeyValue)
			} else {
				req.Header.Set(name, a.KeyValue)
			}
		}
	}

	if len(query) > 0 {
		merged := req.URL.Query()
		for k, vs := range query {
			for _, v := range vs {
				merged.Set(k, v)
			}
		}
		req.URL.RawQuery = merged.Encode()
	}

	return req, nil
}

// descend walks a dot-separated path into nested objects. A missing
// key leaves the current node in place rather than failing, so a path
// that only half-matches still returns whatever was reached.
func descend(payload any, path string) any {
	if path == "" {
		return payload
	}
	node := payload
	for _, key := range strings.Split(path, ".") {
		obj, ok := node.(map[string]any)
		if !ok {
			break
		}
		if next, ok := obj[key]; ok {
			node = next
		}
	}
	return node
}

// rowsFromPayload coerces the decoded node into a row set. Object
// keys carry no order, so columns are sorted to keep results stable
// across runs.
func rowsFromPayload(node any) (*Result, error) {
	var records []map[string]any
	switch t := node.(type) {
	case map[string]any:
		records = []map[string]any{t}
	case []any:
		records = make([]map[string]any, 0, len(t))
		for i, el := range t {
			obj, ok := el.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: element %d is %T", ErrBadShape, i, el)
			}
			records = append(records, obj)
		}
	default:
		return nil, fmt.Errorf("%w: got %T", ErrBadShape, node)
	}

	rows := make([]core.Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, core.RowFromAny(rec))
	}

	var cols []string
	if len(records) > 0 {
		cols = make([]string, 0, len(records[0]))
		for k := range records[0] {
			cols = append(cols, k)
		}
		sort.Strings(cols)
	}

	return &Result{Columns: cols, Rows: rows}, nil
}
