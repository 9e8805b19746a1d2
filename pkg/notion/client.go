// Package notion wraps the Notion API for the database-backed lead board:
// database queries, page management and page comments.
package notion

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/leadsync/internal/resilience"
)

// ProviderName identifies Notion in errors and logs.
const ProviderName = "notion"

// Client defines the Notion API operations used by this application.
type Client interface {
	QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
	GetDatabase(ctx context.Context, dbID string) (*notionapi.Database, error)
	CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error)
	UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error)
	CreateComment(ctx context.Context, pageID, text string) (*notionapi.Comment, error)
}

// ClientOption configures the Notion client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	limiter *rate.Limiter
	http    *http.Client
}

// WithRateLimit overrides the default Notion rate limit (3 req/s).
func WithRateLimit(rps float64) ClientOption {
	return func(c *clientConfig) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *clientConfig) {
		c.http = hc
	}
}

// notionClient implements Client by wrapping a *notionapi.Client.
type notionClient struct {
	inner   *notionapi.Client
	limiter *rate.Limiter
}

// NewClient creates a new Notion client with the given access token.
// By default, API calls are throttled to 3 req/s (Notion's rate limit).
func NewClient(token string, opts ...ClientOption) Client {
	cfg := &clientConfig{limiter: rate.NewLimiter(3, 1)}
	for _, opt := range opts {
		opt(cfg)
	}
	var apiOpts []notionapi.ClientOption
	if cfg.http != nil {
		apiOpts = append(apiOpts, notionapi.WithHTTPClient(cfg.http))
	}
	return &notionClient{
		inner:   notionapi.NewClient(notionapi.Token(token), apiOpts...),
		limiter: cfg.limiter,
	}
}

// wait blocks until the rate limiter allows one event, or ctx is cancelled.
func (c *notionClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// apiError converts Notion's error object into a *resilience.APIError so
// callers can classify it by status.
func apiError(err error) error {
	var nerr *notionapi.Error
	if errors.As(err, &nerr) {
		return resilience.NewAPIError(ProviderName, nerr.Status, []byte(string(nerr.Code)+": "+nerr.Message))
	}
	return err
}

func (c *notionClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "notion: rate limit")
	}
	resp, err := c.inner.Database.Query(ctx, notionapi.DatabaseID(dbID), req)
	if err != nil {
		return nil, eris.Wrap(apiError(err), fmt.Sprintf("notion: query database %s", dbID))
	}
	return resp, nil
}

func (c *notionClient) GetDatabase(ctx context.Context, dbID string) (*notionapi.Database, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "notion: rate limit")
	}
	db, err := c.inner.Database.Get(ctx, notionapi.DatabaseID(dbID))
	if err != nil {
		return nil, eris.Wrap(apiError(err), fmt.Sprintf("notion: get database %s", dbID))
	}
	return db, nil
}

func (c *notionClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "notion: rate limit")
	}
	page, err := c.inner.Page.Create(ctx, req)
	if err != nil {
		return nil, eris.Wrap(apiError(err), "notion: create page")
	}
	return page, nil
}

func (c *notionClient) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "notion: rate limit")
	}
	page, err := c.inner.Page.Update(ctx, notionapi.PageID(pageID), req)
	if err != nil {
		return nil, eris.Wrap(apiError(err), fmt.Sprintf("notion: update page %s", pageID))
	}
	return page, nil
}

func (c *notionClient) CreateComment(ctx context.Context, pageID, text string) (*notionapi.Comment, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "notion: rate limit")
	}
	comment, err := c.inner.Comment.Create(ctx, &notionapi.CommentCreateRequest{
		Parent: notionapi.Parent{
			Type:   notionapi.ParentTypePageID,
			PageID: notionapi.PageID(pageID),
		},
		RichText: richText(text),
	})
	if err != nil {
		return nil, eris.Wrap(apiError(err), fmt.Sprintf("notion: comment on page %s", pageID))
	}
	return comment, nil
}
