// Package personapi provides a client for a CPF contact lookup API that
// returns a person's emails, phones and addresses.
package personapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/leadsync/internal/resilience"
)

// ProviderName identifies the person lookup in errors and attempt logs.
const ProviderName = "personapi"

// Client defines the person lookup operations.
type Client interface {
	// LookupCPF fetches contact data for an 11-digit CPF.
	LookupCPF(ctx context.Context, cpf string) (*Person, []byte, error)
}

// Person is the /v1/cpf/{cpf} response.
type Person struct {
	CPF       string    `json:"cpf"`
	Name      string    `json:"name"`
	Emails    []Email   `json:"emails"`
	Phones    []Phone   `json:"phones"`
	Addresses []Address `json:"addresses"`
}

// Email is one discovered email.
type Email struct {
	Email string `json:"email"`
}

// Phone is one discovered phone number.
type Phone struct {
	DDD    string `json:"ddd"`
	Number string `json:"number"`
}

// Address is one discovered address.
type Address struct {
	Street     string `json:"street"`
	Number     string `json:"number"`
	Complement string `json:"complement"`
	District   string `json:"district"`
	City       string `json:"city"`
	State      string `json:"state"`
	Zip        string `json:"zip"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

// WithRatePerMinute paces requests. Zero disables pacing.
func WithRatePerMinute(n int) Option {
	return func(c *httpClient) {
		if n <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a person lookup client with a 15s timeout.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.personapi.com.br",
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) LookupCPF(ctx context.Context, cpf string) (*Person, []byte, error) {
	if c.apiKey == "" {
		return nil, nil, eris.Wrap(resilience.ErrNotConfigured, "personapi: api key")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, eris.Wrap(err, "personapi: rate limit wait")
		}
	}

	url := fmt.Sprintf("%s/v1/cpf/%s", c.baseURL, cpf)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, eris.Wrap(err, "personapi: create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, eris.Wrap(resilience.NewTransientError(err, 0), "personapi: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, eris.Wrap(resilience.NewTransientError(err, resp.StatusCode), "personapi: read body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, body, resilience.NewAPIError(ProviderName, resp.StatusCode, body)
	}

	var p Person
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, body, eris.Wrap(err, "personapi: decode response")
	}
	return &p, body, nil
}
