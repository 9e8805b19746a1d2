package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/resilience"
)

// request is one JSON API call.
type request struct {
	method string
	url    string
	token  string
	query  url.Values
	body   any
}

// do sends req and decodes a 2xx answer into out (when non-nil). Network
// failures are transient; non-2xx answers become *resilience.APIError.
func (b *base) do(ctx context.Context, req request, out any) error {
	if err := b.wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return eris.Wrapf(err, "%s: marshal request", b.provider)
		}
		body = bytes.NewReader(data)
	}

	target := req.url
	if len(req.query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return eris.Wrapf(err, "%s: create request", b.provider)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return eris.Wrapf(resilience.NewTransientError(err, 0), "%s: %s %s", b.provider, req.method, httpReq.URL.Path)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrapf(resilience.NewTransientError(err, resp.StatusCode), "%s: read body", b.provider)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resilience.NewAPIError(string(b.provider), resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrapf(err, "%s: decode %s", b.provider, httpReq.URL.Path)
	}
	return nil
}

// validateCall runs probe and turns an auth rejection into (false, nil).
func validateCall(probe func() error) (bool, error) {
	err := probe()
	if err == nil {
		return true, nil
	}
	var apiErr *resilience.APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
		return false, nil
	}
	return false, err
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// mergeFields appends extra to defaults, dropping blanks and duplicates.
func mergeFields(defaults, extra []string) []string {
	seen := make(map[string]bool, len(defaults)+len(extra))
	out := make([]string, 0, len(defaults)+len(extra))
	for _, list := range [][]string{defaults, extra} {
		for _, f := range list {
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// noteText renders an activity as free text for providers that store it as
// a note.
func noteText(a model.CanonicalActivity) string {
	label := string(a.Type)
	if label == "" {
		label = string(model.ActivityOther)
	}
	text := "[" + label + "] " + a.Subject
	if a.Body != "" {
		text += "\n\n" + a.Body
	}
	return text
}

// remarshal decodes a generic JSON map into a typed struct.
func remarshal(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
