package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tether/cmd/identity"
	"tether/cmd/internal/auth/session"
	eventsv1 "tether/shared/contracts/events/v1"
)

const defaultDeleteReason = "user_request"

// Accounts is the account registry surface the API needs.
type Accounts interface {
	Create(ctx context.Context, in identity.CreateInput) (identity.Account, error)
	Get(ctx context.Context, id string) (identity.Account, error)
	Delete(ctx context.Context, id, reason string) (identity.Account, error)
}

// Sessions is the session registry surface the API needs.
type Sessions interface {
	CreateSession(ctx context.Context, accountID, credentialRef string) (session.Session, error)
	GetSessionsForAccount(ctx context.Context, accountID string) ([]session.Session, error)
	Lookup(ctx context.Context, sessionID string) (session.Session, error)
	InvalidateSession(ctx context.Context, sessionID, reason string) error
	IssueAccessToken(s session.Session) (string, time.Time, error)
	ValidateAccessToken(ctx context.Context, tok string) (session.Session, error)
}

// Handler serves the account and session JSON API.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	accounts Accounts
	sessions Sessions
	now      func() time.Time

	sessionThrottle *ipThrottle
	accountThrottle *ipThrottle
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithClock overrides the clock used by the throttles.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler builds the API handler.
func NewHandler(log *slog.Logger, cfg Config, accounts Accounts, sessions Sessions, opts ...HandlerOption) (*Handler, error) {
	if accounts == nil || sessions == nil {
		return nil, errors.New("authapi: nil registry")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}

	h := &Handler{
		log:             log,
		cfg:             cfg,
		accounts:        accounts,
		sessions:        sessions,
		now:             time.Now,
		sessionThrottle: newIPThrottle(cfg.SessionIPMax, cfg.SessionIPWindow),
		accountThrottle: newIPThrottle(cfg.AccountIPMax, cfg.AccountIPWindow),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires API routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /accounts", h.handleCreateAccount)
	mux.HandleFunc("GET /accounts/{id}", h.handleGetAccount)
	mux.HandleFunc("DELETE /accounts/{id}", h.handleDeleteAccount)
	mux.HandleFunc("GET /accounts/{id}/sessions", h.handleListSessions)
	mux.HandleFunc("POST /sessions", h.handleCreateSession)
	mux.HandleFunc("GET /sessions/current", h.handleCurrentSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.handleDeleteSession)
}

// ---- accounts ----

func (h *Handler) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := r.UserAgent()

	if ok, retry := h.accountThrottle.allow(ip, h.now()); !ok {
		h.auditRateLimited(ctx, "accounts.create", ip, ua)
		writeRateLimited(w, retry)
		return
	}

	var req createAccountRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
			return
		}
	}

	acct, err := h.accounts.Create(ctx, identity.CreateInput{Handle: req.Handle})
	if err != nil {
		switch {
		case identity.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid handle")
		case identity.IsConflict(err):
			writeError(w, http.StatusConflict, "handle_taken", "handle already in use")
		default:
			h.log.Error("api.account.create.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	h.auditAccountCreated(ctx, acct.ID, ip, ua)
	writeJSON(w, http.StatusCreated, accountEnvelope{Account: toAccountResponse(acct)})
}

func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.loadAccount(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, accountEnvelope{Account: toAccountResponse(acct)})
}

// handleDeleteAccount answers 202: sessions are invalidated asynchronously by
// the cascade consumer.
func (h *Handler) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := strings.TrimSpace(r.PathValue("id"))

	var req deleteAccountRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = defaultDeleteReason
	}
	if len(reason) > 128 {
		writeError(w, http.StatusBadRequest, "invalid_request", "reason too long")
		return
	}

	acct, err := h.accounts.Delete(ctx, id, reason)
	if err != nil {
		switch {
		case identity.IsNotFound(err):
			writeError(w, http.StatusNotFound, "account_not_found", "account not found")
		case identity.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid account id")
		case errors.Is(err, identity.ErrPublish):
			// The account is deleted; repeating the request re-publishes the event.
			writeError(w, http.StatusServiceUnavailable, "delete_pending", "account deleted, invalidation not yet scheduled; retry")
		default:
			h.log.Error("api.account.delete.fail", "account_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	h.auditAccountDeleted(ctx, acct.ID, clientIP(r, h.cfg.TrustProxy), r.UserAgent(), reason)
	writeJSON(w, http.StatusAccepted, accountEnvelope{Account: toAccountResponse(acct)})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.loadAccount(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	if acct.Deleted() {
		writeAccountGone(w)
		return
	}

	list, err := h.sessions.GetSessionsForAccount(r.Context(), acct.ID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAccountGone):
			writeAccountGone(w)
		default:
			h.log.Error("api.sessions.list.fail", "account_id", acct.ID, "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	out := sessionListResponse{Sessions: make([]sessionResponse, 0, len(list))}
	for _, s := range list {
		out.Sessions = append(out.Sessions, toSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- sessions ----

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := r.UserAgent()

	if ok, retry := h.sessionThrottle.allow(ip, h.now()); !ok {
		h.auditRateLimited(ctx, "sessions.create", ip, ua)
		writeRateLimited(w, retry)
		return
	}

	var req createSessionRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" || strings.TrimSpace(req.CredentialRef) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "account_id and credential_ref are required")
		return
	}

	acct, ok := h.loadAccount(w, r, req.AccountID)
	if !ok {
		return
	}
	if acct.Deleted() {
		h.auditSessionRejected(ctx, acct.ID, ip, ua, "account_deleted")
		writeAccountGone(w)
		return
	}

	s, err := h.sessions.CreateSession(ctx, acct.ID, req.CredentialRef)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAccountGone):
			h.auditSessionRejected(ctx, acct.ID, ip, ua, "account_gone")
			writeAccountGone(w)
		case errors.Is(err, session.ErrInvalidArgument):
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid credential_ref")
		case errors.Is(err, session.ErrIndexWrite):
			h.log.Warn("api.session.create.index_fail", "account_id", acct.ID, "err", err)
			writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		default:
			h.log.Error("api.session.create.fail", "account_id", acct.ID, "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	tok, exp, err := h.sessions.IssueAccessToken(s)
	if err != nil {
		h.log.Error("api.session.token.fail", "session_id", s.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditSessionCreated(ctx, acct.ID, s.ID, ip, ua)
	writeJSON(w, http.StatusCreated, createSessionResponse{
		Session:         toSessionResponse(s),
		AccessToken:     tok,
		AccessExpiresAt: exp,
	})
}

func (h *Handler) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionEnvelope{Session: toSessionResponse(s)})
}

// handleDeleteSession logs a session out. Callers may only end sessions of
// their own account.
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	id := strings.TrimSpace(r.PathValue("id"))
	target, err := h.sessions.Lookup(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session_not_found", "session not found")
		default:
			h.log.Error("api.session.lookup.fail", "session_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}
	if target.AccountID != caller.AccountID {
		writeError(w, http.StatusForbidden, "forbidden", "session belongs to another account")
		return
	}

	if err := h.sessions.InvalidateSession(ctx, target.ID, eventsv1.ReasonLogout); err != nil {
		h.log.Error("api.session.logout.fail", "session_id", target.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditLogout(ctx, caller.AccountID, target.ID, clientIP(r, h.cfg.TrustProxy), r.UserAgent())
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

func (h *Handler) loadAccount(w http.ResponseWriter, r *http.Request, id string) (identity.Account, bool) {
	acct, err := h.accounts.Get(r.Context(), strings.TrimSpace(id))
	if err == nil {
		return acct, true
	}
	switch {
	case identity.IsNotFound(err):
		writeError(w, http.StatusNotFound, "account_not_found", "account not found")
	case identity.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid account id")
	default:
		h.log.Error("api.account.get.fail", "account_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
	return identity.Account{}, false
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	tok, ok := bearerToken(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return session.Session{}, false
	}

	s, err := h.sessions.ValidateAccessToken(r.Context(), tok)
	if err != nil {
		switch {
		case session.IsUnusable(err):
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "session_not_active", "session not active")
		default:
			h.log.Warn("api.auth.validate.fail", "err", err)
			writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		}
		return session.Session{}, false
	}
	return s, true
}

func bearerToken(r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, tok, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

func writeAccountGone(w http.ResponseWriter) {
	writeError(w, http.StatusGone, "account_gone", "account has been deleted")
}
