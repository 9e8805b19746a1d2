package crm

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/leadsync/internal/config"
)

// newServer starts a test server and returns an app config pointing every
// endpoint at it.
func newServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, config.OAuthAppConfig) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts, config.OAuthAppConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		BaseURL:      ts.URL,
		AuthURL:      ts.URL + "/authorize",
		TokenURL:     ts.URL + "/token",
		Scopes:       []string{"contacts"},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes a request body inside a handler. It asserts instead of
// requiring because handlers run off the test goroutine.
func readJSON(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	data, err := io.ReadAll(r.Body)
	assert.NoError(t, err)
	out := map[string]any{}
	assert.NoError(t, json.Unmarshal(data, &out))
	return out
}

func hubspotAppNoServer() config.OAuthAppConfig {
	return config.OAuthAppConfig{BaseURL: "http://127.0.0.1:0"}
}
