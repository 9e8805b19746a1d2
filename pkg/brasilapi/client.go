// Package brasilapi provides a client for the BrasilAPI CNPJ lookup, a free
// registry source with cadastral and address data only.
package brasilapi

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

// ProviderName identifies BrasilAPI in errors and attempt logs.
const ProviderName = "brasilapi"

// Client defines the BrasilAPI operations.
type Client interface {
	// LookupCNPJ fetches the registry record for a 14-digit CNPJ. The raw
	// response body is returned alongside the decoded company.
	LookupCNPJ(ctx context.Context, cnpj string) (*Company, []byte, error)
}

// Company is the /cnpj/v1 response.
type Company struct {
	CNPJ                string    `json:"cnpj"`
	RazaoSocial         string    `json:"razao_social"`
	NomeFantasia        string    `json:"nome_fantasia"`
	SituacaoCadastral   string    `json:"descricao_situacao_cadastral"`
	CNAEFiscal          int64     `json:"cnae_fiscal"`
	CNAEFiscalDescricao string    `json:"cnae_fiscal_descricao"`
	Logradouro          string    `json:"logradouro"`
	Numero              string    `json:"numero"`
	Complemento         string    `json:"complemento"`
	Bairro              string    `json:"bairro"`
	Municipio           string    `json:"municipio"`
	UF                  string    `json:"uf"`
	CEP                 string    `json:"cep"`
	Porte               string    `json:"porte"`
	CapitalSocial       float64   `json:"capital_social"`
	DDDTelefone1        string    `json:"ddd_telefone_1"`
	Email               *string   `json:"email"`
	DataInicioAtividade string    `json:"data_inicio_atividade"`
	NaturezaJuridica    string    `json:"natureza_juridica"`
	QSA                 []Partner `json:"qsa"`
}

// Partner is one entry of the partner list (quadro de sócios). The CPF is
// masked by the registry.
type Partner struct {
	Nome         string `json:"nome_socio"`
	Qualificacao string `json:"qualificacao_socio"`
	CPFCNPJ      string `json:"cnpj_cpf_do_socio"`
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
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a BrasilAPI client with a 10s timeout and a pace of
// 3 requests per minute.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: "https://brasilapi.com.br/api",
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(20*time.Second), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) LookupCNPJ(ctx context.Context, cnpj string) (*Company, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, eris.Wrap(err, "brasilapi: rate limit wait")
		}
	}

	url := fmt.Sprintf("%s/cnpj/v1/%s", c.baseURL, cnpj)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, eris.Wrap(err, "brasilapi: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, eris.Wrap(resilience.NewTransientError(err, 0), "brasilapi: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, eris.Wrap(resilience.NewTransientError(err, resp.StatusCode), "brasilapi: read body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, body, resilience.NewAPIError(ProviderName, resp.StatusCode, body)
	}

	var company Company
	if err := json.Unmarshal(body, &company); err != nil {
		return nil, body, eris.Wrap(err, "brasilapi: decode response")
	}
	return &company, body, nil
}
