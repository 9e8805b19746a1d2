// Package connection manages the lifecycle of CRM connections: the OAuth
// authorize redirect, the callback that exchanges the code and stores the
// validated credentials, and disconnection.
package connection

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/crm"
	"github.com/sells-group/leadsync/internal/model"
)

// Store is the slice of the connection store the service needs.
type Store interface {
	GetConnection(ctx context.Context, id string) (*model.Connection, error)
	FindConnection(ctx context.Context, orgID, userID string, provider model.Provider) (*model.Connection, error)
	UpsertConnection(ctx context.Context, conn *model.Connection) error
	UpdateCredentials(ctx context.Context, id string, creds model.Credentials) error
	UpdateConnectionStatus(ctx context.Context, id string, status model.ConnectionStatus, lastSyncAt *time.Time) error
	DeleteConnection(ctx context.Context, id string) error
}

// Service runs the connection lifecycle against the adapter registry.
type Service struct {
	store    Store
	registry *crm.Registry
}

// NewService creates a Service.
func NewService(st Store, registry *crm.Registry) *Service {
	return &Service{store: st, registry: registry}
}

// NewState returns a random OAuth state value.
func NewState() string {
	return uuid.NewString()
}

// AuthorizeURL builds the provider consent URL.
func (s *Service) AuthorizeURL(provider model.Provider, redirectURI, state string) (string, error) {
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return "", err
	}
	u, err := adapter.AuthURL(redirectURI, state)
	if err != nil {
		return "", eris.Wrapf(err, "connection: authorize url for %s", provider)
	}
	return u, nil
}

// CompleteRequest is the OAuth callback input.
type CompleteRequest struct {
	OrgID       string
	UserID      string
	Provider    model.Provider
	Code        string
	RedirectURI string
}

// Complete exchanges the authorization code, validates the new token and
// upserts the connection keyed by (org, user, provider). The user id only
// takes part in the key for user-scoped providers. A refresh token stored
// by a previous authorization survives when the provider omits one.
// The connection is stored even when validation fails, with status error,
// so the failure is visible.
func (s *Service) Complete(ctx context.Context, req CompleteRequest) (*model.Connection, error) {
	if req.OrgID == "" {
		return nil, eris.New("connection: org id is required")
	}
	if req.Code == "" {
		return nil, eris.New("connection: authorization code is required")
	}
	adapter, err := s.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	userID := ""
	if req.Provider.UserScoped() {
		userID = req.UserID
	}
	log := zap.L().With(
		zap.String("org_id", req.OrgID),
		zap.String("provider", string(req.Provider)),
	)

	creds, err := adapter.ExchangeCode(ctx, req.Code, req.RedirectURI)
	if err != nil {
		return nil, eris.Wrapf(err, "connection: exchange code for %s", req.Provider)
	}

	prev, err := s.store.FindConnection(ctx, req.OrgID, userID, req.Provider)
	if err != nil {
		return nil, eris.Wrap(err, "connection: find existing")
	}
	bundle := *creds
	if prev != nil {
		bundle = model.PreserveRefresh(prev.Credentials, bundle)
	}

	status := model.ConnectionConnected
	ok, err := adapter.ValidateConnection(ctx, bundle)
	switch {
	case err != nil:
		log.Warn("connection: validation failed", zap.Error(err))
		status = model.ConnectionError
	case !ok:
		log.Warn("connection: provider rejected the new token")
		status = model.ConnectionError
	}

	conn := &model.Connection{
		OrgID:       req.OrgID,
		UserID:      userID,
		Provider:    req.Provider,
		Credentials: bundle,
		Status:      status,
	}
	if prev != nil {
		conn.ID = prev.ID
		conn.LastSyncAt = prev.LastSyncAt
		conn.FieldMapping = prev.FieldMapping
	}
	if err := s.store.UpsertConnection(ctx, conn); err != nil {
		return nil, eris.Wrap(err, "connection: upsert")
	}

	if bundle.ExpiresAt == nil {
		log.Info("connection: credentials never expire", zap.String("connection_id", conn.ID))
	}
	log.Info("connection: authorized",
		zap.String("connection_id", conn.ID),
		zap.String("status", string(conn.Status)),
	)
	return conn, nil
}

// Disconnect marks the connection disconnected and drops its credentials.
// The row and its cross-references stay so a later reconnect resumes.
func (s *Service) Disconnect(ctx context.Context, id string) error {
	if _, err := s.store.GetConnection(ctx, id); err != nil {
		return eris.Wrapf(err, "connection: get %s", id)
	}
	if err := s.store.UpdateCredentials(ctx, id, model.Credentials{}); err != nil {
		return eris.Wrapf(err, "connection: clear credentials %s", id)
	}
	if err := s.store.UpdateConnectionStatus(ctx, id, model.ConnectionDisconnected, nil); err != nil {
		return eris.Wrapf(err, "connection: mark %s disconnected", id)
	}
	zap.L().Info("connection: disconnected", zap.String("connection_id", id))
	return nil
}

// Remove deletes the connection row.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.store.DeleteConnection(ctx, id); err != nil {
		return eris.Wrapf(err, "connection: delete %s", id)
	}
	return nil
}
