// Package crm holds the provider-agnostic CRM adapter contract, the
// registry that selects an adapter by provider, and one adapter per
// supported CRM. Adapters never retry: every non-2xx answer surfaces as a
// *resilience.APIError carrying the status and response body.
package crm

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/leadsync/internal/config"
	"github.com/sells-group/leadsync/internal/model"
)

// DefaultPageCap bounds how many pages one pull may fetch.
const DefaultPageCap = 10

// Adapter is the uniform operation surface every CRM implements.
type Adapter interface {
	// Provider returns the CRM this adapter talks to.
	Provider() model.Provider
	// AuthURL builds the consent URL for the authorization-code flow.
	AuthURL(redirectURI, state string) (string, error)
	// ExchangeCode trades an authorization code for credentials.
	ExchangeCode(ctx context.Context, code, redirectURI string) (*model.Credentials, error)
	// RefreshToken returns fresh credentials. It fails with
	// resilience.ErrNoRefreshToken when creds carry none.
	RefreshToken(ctx context.Context, creds model.Credentials) (*model.Credentials, error)
	// PullContacts returns contacts changed since since (all when nil),
	// paginating until the provider runs out of pages or the page cap is
	// reached. fields names the provider properties the caller will read.
	PullContacts(ctx context.Context, creds model.Credentials, since *time.Time, fields []string) ([]model.CanonicalContact, error)
	// PushContact updates externalID in place when set and creates a new
	// contact otherwise. It returns the contact's external id.
	PushContact(ctx context.Context, creds model.Credentials, lead *model.Lead, mapping map[string]string, externalID string) (string, error)
	// PushActivity logs an activity against an external contact.
	PushActivity(ctx context.Context, creds model.Credentials, activity model.CanonicalActivity) (string, error)
	// ValidateConnection makes one cheap authenticated call. It returns
	// false without error when the provider rejects the token.
	ValidateConnection(ctx context.Context, creds model.Credentials) (bool, error)
}

// Option configures an adapter.
type Option func(*base)

// WithHTTPClient replaces the HTTP client used for API and token calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(b *base) {
		b.http = hc
	}
}

// WithoutRateLimit disables request pacing.
func WithoutRateLimit() Option {
	return func(b *base) {
		b.limiter = nil
	}
}

// WithPageCap overrides the page cap.
func WithPageCap(n int) Option {
	return func(b *base) {
		if n > 0 {
			b.pageCap = n
		}
	}
}

// Registry selects adapters by provider. It is built once at startup and
// passed to the services that need it.
type Registry struct {
	adapters map[model.Provider]Adapter
	order    []model.Provider
}

// NewRegistry creates a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its provider.
func (r *Registry) Register(a Adapter) {
	if _, ok := r.adapters[a.Provider()]; !ok {
		r.order = append(r.order, a.Provider())
	}
	r.adapters[a.Provider()] = a
}

// Get returns the adapter for provider.
func (r *Registry) Get(provider model.Provider) (Adapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, eris.Errorf("crm: unknown provider %q", provider)
	}
	return a, nil
}

// Providers lists the registered providers in registration order.
func (r *Registry) Providers() []model.Provider {
	out := make([]model.Provider, len(r.order))
	copy(out, r.order)
	return out
}

// NewDefaultRegistry builds every adapter from the CRM configuration.
func NewDefaultRegistry(cfg config.CRMConfig, opts ...Option) *Registry {
	return NewRegistry(
		NewHubSpot(cfg.HubSpot, opts...),
		NewPipedrive(cfg.Pipedrive, opts...),
		NewRDStation(cfg.RDStation, opts...),
		NewSalesforce(cfg.Salesforce, opts...),
		NewNotion(cfg.Notion, opts...),
	)
}

// base carries what every adapter shares: the OAuth app, the HTTP client,
// request pacing and the page cap.
type base struct {
	provider model.Provider
	app      config.OAuthAppConfig
	http     *http.Client
	limiter  *rate.Limiter
	pageCap  int
	// tokenExtras maps token response fields to credential aux keys.
	tokenExtras map[string]string
	authStyle   authStyle
	authParams  map[string]string
}

func newBase(provider model.Provider, app config.OAuthAppConfig, opts []Option) *base {
	timeout := 30 * time.Second
	if app.TimeoutSecs > 0 {
		timeout = time.Duration(app.TimeoutSecs) * time.Second
	}
	b := &base{
		provider: provider,
		app:      app,
		http:     &http.Client{Timeout: timeout},
		pageCap:  DefaultPageCap,
	}
	if app.PageCap > 0 {
		b.pageCap = app.PageCap
	}
	if app.RatePerSecond > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(app.RatePerSecond), max(int(app.RatePerSecond), 1))
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Provider implements Adapter.
func (b *base) Provider() model.Provider { return b.provider }

func (b *base) wait(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return eris.Wrapf(err, "%s: rate limit", b.provider)
	}
	return nil
}
