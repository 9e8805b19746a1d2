// Package cnpja provides a client for the CNPJá premium company API. Unlike
// the free registry it returns contact channels, an estimated revenue and
// unmasked partner CPFs.
package cnpja

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

// ProviderName identifies CNPJá in errors and attempt logs.
const ProviderName = "cnpja"

// Client defines the CNPJá operations.
type Client interface {
	// Office fetches the establishment record for a CNPJ. The raw response
	// body is returned alongside the decoded office.
	Office(ctx context.Context, cnpj string) (*Office, []byte, error)
}

// Office is the /office/{taxId} response.
type Office struct {
	TaxID            string       `json:"taxId"`
	Alias            string       `json:"alias"`
	Company          Company      `json:"company"`
	Status           Labeled      `json:"status"`
	Address          Address      `json:"address"`
	Phones           []Phone      `json:"phones"`
	Emails           []Email      `json:"emails"`
	MainActivity     Activity     `json:"mainActivity"`
	EstimatedRevenue *json.Number `json:"estimatedRevenue"`
	Website          string       `json:"website"`
}

// Company is the legal entity behind an office.
type Company struct {
	Name    string       `json:"name"`
	Equity  *json.Number `json:"equity"`
	Size    Labeled      `json:"size"`
	Members []Member     `json:"members"`
}

// Member is a partner or officer.
type Member struct {
	Person Person  `json:"person"`
	Role   Labeled `json:"role"`
}

// Person identifies a member.
type Person struct {
	Name  string `json:"name"`
	TaxID string `json:"taxId"`
}

// Labeled is an {id, text} pair.
type Labeled struct {
	ID   json.Number `json:"id"`
	Text string      `json:"text"`
}

// Activity is a CNAE code.
type Activity struct {
	ID   json.Number `json:"id"`
	Text string      `json:"text"`
}

// Address is a postal address.
type Address struct {
	Street   string `json:"street"`
	Number   string `json:"number"`
	Details  string `json:"details"`
	District string `json:"district"`
	City     string `json:"city"`
	State    string `json:"state"`
	Zip      string `json:"zip"`
}

// Phone is an area code and number.
type Phone struct {
	Area   string `json:"area"`
	Number string `json:"number"`
}

// Email is a contact address.
type Email struct {
	Address string `json:"address"`
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

// NewClient creates a CNPJá client with a 10s timeout.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.cnpja.com",
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Office(ctx context.Context, cnpj string) (*Office, []byte, error) {
	if c.apiKey == "" {
		return nil, nil, eris.Wrap(resilience.ErrNotConfigured, "cnpja: api key")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, eris.Wrap(err, "cnpja: rate limit wait")
		}
	}

	url := fmt.Sprintf("%s/office/%s", c.baseURL, cnpj)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, eris.Wrap(err, "cnpja: create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, eris.Wrap(resilience.NewTransientError(err, 0), "cnpja: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, eris.Wrap(resilience.NewTransientError(err, resp.StatusCode), "cnpja: read body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, body, resilience.NewAPIError(ProviderName, resp.StatusCode, body)
	}

	var office Office
	if err := json.Unmarshal(body, &office); err != nil {
		return nil, body, eris.Wrap(err, "cnpja: decode response")
	}
	return &office, body, nil
}
