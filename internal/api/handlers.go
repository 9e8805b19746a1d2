package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/connection"
	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/resilience"
	"github.com/sells-group/leadsync/internal/store"
	"github.com/sells-group/leadsync/internal/worker"
)

const (
	defaultRunsLimit = 50
	stateCookieTTL   = 600
)

type callbackQuery struct {
	Code  string `validate:"required"`
	State string `validate:"required"`
}

type runsQuery struct {
	Limit int `validate:"gte=0,lte=500"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSync queues a sync pass for a connection and returns immediately.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.orgConnection(w, r)
	if !ok {
		return
	}
	if conn.Status == model.ConnectionDisconnected {
		errorResponse(w, http.StatusConflict, "connection is disconnected")
		return
	}
	s.dispatch(w, r, worker.SyncTask(conn.ID))
}

// handleEnrich queues enrichment for a lead. full=true adds the person stage.
func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	lead, err := s.store.GetLead(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorResponse(w, http.StatusNotFound, "lead not found")
			return
		}
		zap.L().Error("api: get lead", zap.String("lead_id", id), zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	if lead.OrgID != r.Header.Get(HeaderOrgID) {
		errorResponse(w, http.StatusNotFound, "lead not found")
		return
	}

	full := false
	if v := r.URL.Query().Get("full"); v != "" {
		full, err = strconv.ParseBool(v)
		if err != nil {
			errorResponse(w, http.StatusBadRequest, "full must be a boolean")
			return
		}
	}
	s.dispatch(w, r, worker.EnrichTask(lead.ID, full))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, task worker.Task) {
	err := s.dispatcher.Dispatch(r.Context(), task)
	switch {
	case err == nil:
		zap.L().Info("api: task accepted", zap.String("task", task.String()))
		jsonResponse(w, http.StatusAccepted, map[string]string{"status": "accepted", "task": task.Key()})
	case errors.Is(err, worker.ErrAlreadyRunning):
		errorResponse(w, http.StatusConflict, "a task for this record is already running")
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrPoolClosed):
		errorResponse(w, http.StatusServiceUnavailable, "worker unavailable, retry later")
	default:
		zap.L().Error("api: dispatch", zap.String("task", task.String()), zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.orgConnection(w, r)
	if !ok {
		return
	}

	q := runsQuery{Limit: defaultRunsLimit}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errorResponse(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		q.Limit = n
	}
	if err := s.validator.Struct(q); err != nil {
		errorResponse(w, http.StatusBadRequest, "limit must be between 0 and 500")
		return
	}

	runs, err := s.store.ListSyncRuns(r.Context(), store.SyncRunFilter{ConnectionID: conn.ID, Limit: q.Limit})
	if err != nil {
		zap.L().Error("api: list runs", zap.String("connection_id", conn.ID), zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	if runs == nil {
		runs = []model.SyncRun{}
	}
	jsonResponse(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleAuthorize starts the OAuth flow: it stores a state value in a
// cookie and redirects to the provider consent page.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerParam(w, r)
	if !ok {
		return
	}
	if r.Header.Get(HeaderOrgID) == "" {
		errorResponse(w, http.StatusUnauthorized, "missing "+HeaderOrgID+" header")
		return
	}

	state := connection.NewState()
	target, err := s.connections.AuthorizeURL(provider, s.redirectURI(string(provider)), state)
	if err != nil {
		if resilience.IsConfiguration(err) {
			errorResponse(w, http.StatusBadRequest, "provider is not configured")
			return
		}
		zap.L().Error("api: authorize url", zap.String("provider", string(provider)), zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/oauth/" + string(provider),
		MaxAge:   stateCookieTTL,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, target, http.StatusFound)
}

// handleCallback completes the OAuth flow and stores the connection.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerParam(w, r)
	if !ok {
		return
	}
	orgID := r.Header.Get(HeaderOrgID)
	if orgID == "" {
		errorResponse(w, http.StatusUnauthorized, "missing "+HeaderOrgID+" header")
		return
	}

	query := r.URL.Query()
	if denied := query.Get("error"); denied != "" {
		errorResponse(w, http.StatusBadRequest, "authorization denied: "+denied)
		return
	}
	q := callbackQuery{Code: query.Get("code"), State: query.Get("state")}
	if err := s.validator.Struct(q); err != nil {
		errorResponse(w, http.StatusBadRequest, "code and state are required")
		return
	}
	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value != q.State {
		errorResponse(w, http.StatusBadRequest, "invalid oauth state")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/oauth/" + string(provider), MaxAge: -1})

	conn, err := s.connections.Complete(r.Context(), connection.CompleteRequest{
		OrgID:       orgID,
		UserID:      r.Header.Get(HeaderUserID),
		Provider:    provider,
		Code:        q.Code,
		RedirectURI: s.redirectURI(string(provider)),
	})
	if err != nil {
		zap.L().Error("api: complete oauth",
			zap.String("provider", string(provider)),
			zap.String("org_id", orgID),
			zap.Error(err),
		)
		if resilience.IsConfiguration(err) {
			errorResponse(w, http.StatusBadRequest, "provider is not configured")
			return
		}
		errorResponse(w, http.StatusBadGateway, "code exchange failed")
		return
	}
	jsonResponse(w, http.StatusOK, conn)
}

// orgConnection loads the {id} connection and checks it belongs to the
// caller's org. Connections of other orgs are reported as not found.
func (s *Server) orgConnection(w http.ResponseWriter, r *http.Request) (*model.Connection, bool) {
	id := chi.URLParam(r, "id")
	conn, err := s.store.GetConnection(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorResponse(w, http.StatusNotFound, "connection not found")
			return nil, false
		}
		zap.L().Error("api: get connection", zap.String("connection_id", id), zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if conn.OrgID != r.Header.Get(HeaderOrgID) {
		errorResponse(w, http.StatusNotFound, "connection not found")
		return nil, false
	}
	return conn, true
}

func providerParam(w http.ResponseWriter, r *http.Request) (model.Provider, bool) {
	p := model.Provider(chi.URLParam(r, "provider"))
	if !p.Valid() {
		errorResponse(w, http.StatusNotFound, "unknown provider")
		return "", false
	}
	return p, true
}
