package cnpja

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadsync/internal/resilience"
)

func TestOffice_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/office/37335118000180", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Write([]byte(`{
			"taxId": "37335118000180",
			"company": {"name": "CNPJA", "members": [{"person": {"name": "Ana", "taxId": "12345678909"}, "role": {"id": 49, "text": "Sócio"}}]},
			"emails": [{"address": "a@cnpja.com"}],
			"phones": [{"area": "11", "number": "987654321"}],
			"estimatedRevenue": 1000
		}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient("secret", WithBaseURL(srv.URL), WithRatePerMinute(0))
	office, raw, err := c.Office(context.Background(), "37335118000180")
	require.NoError(t, err)
	assert.Equal(t, "CNPJA", office.Company.Name)
	require.Len(t, office.Company.Members, 1)
	assert.Equal(t, "12345678909", office.Company.Members[0].Person.TaxID)
	require.NotNil(t, office.EstimatedRevenue)
	assert.Equal(t, "1000", office.EstimatedRevenue.String())
	assert.Nil(t, office.Company.Equity)
	assert.NotEmpty(t, raw)
}

func TestOffice_MissingKey(t *testing.T) {
	c := NewClient("")
	_, _, err := c.Office(context.Background(), "1")
	require.Error(t, err)
	assert.True(t, resilience.IsConfiguration(err))
}

func TestOffice_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient("secret", WithBaseURL(srv.URL))
	_, _, err := c.Office(context.Background(), "1")
	require.Error(t, err)
	assert.True(t, resilience.IsNotFound(err))
	assert.False(t, resilience.IsRetryable(err))
}

func TestOffice_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient("secret", WithBaseURL(srv.URL), WithTimeout(20*time.Millisecond))
	_, _, err := c.Office(context.Background(), "1")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestWithHTTPClient(t *testing.T) {
	hc := &http.Client{Timeout: 3 * time.Second}
	c := NewClient("k", WithHTTPClient(hc)).(*httpClient)
	assert.Same(t, hc, c.http)
	assert.Nil(t, c.limiter)
}
