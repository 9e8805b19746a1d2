package crm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/oauth2"

	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/resilience"
)

type authStyle int

const (
	// authInParams sends client_id and client_secret in the form body.
	authInParams authStyle = iota
	// authInHeader sends them as HTTP basic auth.
	authInHeader
)

func (b *base) oauthConfig(redirectURI string) (*oauth2.Config, error) {
	if b.app.ClientID == "" || b.app.ClientSecret == "" {
		return nil, eris.Wrapf(resilience.ErrNotConfigured, "%s: oauth client id and secret", b.provider)
	}
	style := oauth2.AuthStyleInParams
	if b.authStyle == authInHeader {
		style = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     b.app.ClientID,
		ClientSecret: b.app.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       b.app.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   b.app.AuthURL,
			TokenURL:  b.app.TokenURL,
			AuthStyle: style,
		},
	}, nil
}

// oauthContext hands the adapter's HTTP client to x/oauth2.
func (b *base) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, b.http)
}

// AuthURL implements Adapter.
func (b *base) AuthURL(redirectURI, state string) (string, error) {
	cfg, err := b.oauthConfig(redirectURI)
	if err != nil {
		return "", err
	}
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	for k, v := range b.authParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

// ExchangeCode implements Adapter.
func (b *base) ExchangeCode(ctx context.Context, code, redirectURI string) (*model.Credentials, error) {
	cfg, err := b.oauthConfig(redirectURI)
	if err != nil {
		return nil, err
	}
	tok, err := cfg.Exchange(b.oauthContext(ctx), code)
	if err != nil {
		return nil, b.oauthError(err, "exchange code")
	}
	return b.credentialsFrom(tok), nil
}

// RefreshToken implements Adapter. The new bundle keeps the old refresh
// token and aux fields when the provider omits them.
func (b *base) RefreshToken(ctx context.Context, creds model.Credentials) (*model.Credentials, error) {
	if !creds.CanRefresh() {
		return nil, eris.Wrapf(resilience.ErrNoRefreshToken, "%s: refresh token", b.provider)
	}
	cfg, err := b.oauthConfig("")
	if err != nil {
		return nil, err
	}
	tok, err := cfg.TokenSource(b.oauthContext(ctx), &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		return nil, b.oauthError(err, "refresh token")
	}
	next := model.PreserveRefresh(creds, *b.credentialsFrom(tok))
	return &next, nil
}

func (b *base) credentialsFrom(tok *oauth2.Token) *model.Credentials {
	creds := &model.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		creds.ExpiresAt = &exp
	}
	extra := make(map[string]string)
	if tok.TokenType != "" {
		extra[model.ExtraTokenType] = tok.TokenType
	}
	for field, key := range b.tokenExtras {
		if v := tok.Extra(field); v != nil {
			if s := stringValue(v); s != "" {
				extra[key] = s
			}
		}
	}
	if len(extra) > 0 {
		creds.Extra = extra
	}
	return creds
}

// oauthError converts x/oauth2 failures into the resilience taxonomy.
func (b *base) oauthError(err error, op string) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return eris.Wrapf(resilience.NewAPIError(string(b.provider), re.Response.StatusCode, re.Body), "%s: %s", b.provider, op)
	}
	return eris.Wrapf(resilience.NewTransientError(err, 0), "%s: %s", b.provider, op)
}

// stringValue renders a loosely typed JSON value. Whole numbers print
// without an exponent.
func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s := stringValue(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(t)
	}
}
