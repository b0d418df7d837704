package main

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"toolgate/pkg/audit"
	"toolgate/pkg/auth"
	"toolgate/pkg/engine"
	"toolgate/pkg/httpx"
	"toolgate/pkg/models"
	"toolgate/pkg/store"
	"toolgate/pkg/stream"
)

const idempotencyHeader = "Idempotency-Key"

type executeRequest struct {
	Params json.RawMessage `json:"params,omitempty"`
}

type executeResponse struct {
	Decision models.Decision `json:"decision"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// resolveUser loads the caller's context. It writes the error response and
// returns false on failure.
func (s *Server) resolveUser(w http.ResponseWriter, r *http.Request) (models.UserContext, bool) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	tenant := principal.Tenant
	if strings.TrimSpace(tenant) == "" {
		tenant = auth.DefaultTenant
	}
	u, err := s.Users.Get(r.Context(), tenant, principal.Subject)
	if errors.Is(err, store.ErrUserNotFound) {
		httpx.Error(w, 404, "user not found")
		return models.UserContext{}, false
	}
	if err != nil {
		s.internalServerError(w, "load user", err)
		return models.UserContext{}, false
	}
	return u, true
}

func (s *Server) internalServerError(w http.ResponseWriter, msg string, err error) {
	s.logger().Error(msg, zap.Error(err))
	httpx.Error(w, 500, "internal error")
}

func toolParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "tool"))
}

// decisionStatus maps a decision onto the HTTP status of the response.
func decisionStatus(d models.Decision) int {
	switch {
	case d.Allowed:
		return http.StatusOK
	case d.Reason == models.ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}

func (s *Server) setRetryAfter(w http.ResponseWriter, d models.Decision) {
	if d.Reason != models.ReasonRateLimited {
		return
	}
	wait := d.RateLimit.RetryAfter(s.now())
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func (s *Server) writeDecision(w http.ResponseWriter, d models.Decision) {
	s.setRetryAfter(w, d)
	httpx.WriteJSON(w, decisionStatus(d), d)
}

func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	u, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	tools := s.Engine.Permissions().Availability(r.Context(), u, s.Engine.Registry().Infos())
	httpx.WriteJSON(w, 200, map[string]any{"tools": tools})
}

func (s *Server) checkTool(w http.ResponseWriter, r *http.Request) {
	u, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	s.writeDecision(w, s.Engine.Permissions().Check(r.Context(), u, toolParam(r)))
}

func (s *Server) authorizeTool(w http.ResponseWriter, r *http.Request) {
	u, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	s.writeDecision(w, s.Engine.Authorize(r.Context(), u, toolParam(r)))
}

func (s *Server) executeTool(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	u, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	tool := toolParam(r)

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	claimed := false
	if key != "" && s.Idempotency != nil {
		stored, err := s.Idempotency.Begin(r.Context(), u.Tenant, u.UserID, tool, key)
		switch {
		case errors.Is(err, store.ErrInFlight):
			httpx.Error(w, 409, "request with this idempotency key is in progress")
			return
		case err != nil:
			s.logger().Warn("idempotency unavailable", zap.String("tool", tool), zap.Error(err))
		case stored != nil:
			w.Header().Set("Idempotent-Replay", "true")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(stored.Status)
			_, _ = w.Write(stored.Body)
			return
		default:
			claimed = true
		}
	}

	status, body := s.execute(r, u, tool, req.Params)
	if status == http.StatusTooManyRequests {
		s.setRetryAfter(w, body.Decision)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		if claimed {
			_ = s.Idempotency.Abort(r.Context(), u.Tenant, u.UserID, tool, key)
		}
		s.internalServerError(w, "encode execute response", err)
		return
	}
	if claimed {
		// only successful runs are replayed; a denial is re-evaluated on retry
		if status == http.StatusOK {
			err = s.Idempotency.Complete(r.Context(), u.Tenant, u.UserID, tool, key, store.StoredResponse{Status: status, Body: raw})
		} else {
			err = s.Idempotency.Abort(r.Context(), u.Tenant, u.UserID, tool, key)
		}
		if err != nil {
			s.logger().Warn("idempotency update failed", zap.String("tool", tool), zap.Error(err))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func (s *Server) execute(r *http.Request, u models.UserContext, tool string, params json.RawMessage) (int, executeResponse) {
	res, err := s.Engine.Execute(r.Context(), u, tool, params)
	var denied *engine.DeniedError
	switch {
	case err == nil:
		return http.StatusOK, executeResponse{Decision: res.Decision, Output: res.Output}
	case errors.Is(err, engine.ErrToolNotFound):
		return http.StatusNotFound, executeResponse{Decision: models.Decision{Tool: tool, UserID: u.UserID, Tenant: u.Tenant}, Error: "tool not found"}
	case errors.As(err, &denied):
		return decisionStatus(denied.Decision), executeResponse{Decision: denied.Decision, Error: denied.Decision.Reason}
	default:
		return http.StatusBadGateway, executeResponse{Decision: res.Decision, Error: "tool execution failed"}
	}
}

func (s *Server) toolUsage(w http.ResponseWriter, r *http.Request) {
	u, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	tool := toolParam(r)
	status, err := s.Engine.Permissions().Usage(r.Context(), u, tool)
	if err != nil {
		s.internalServerError(w, "read usage", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"tool": tool, "rate_limit": status})
}

func (s *Server) toolUpgrade(w http.ResponseWriter, r *http.Request) {
	u, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	d := s.Engine.Permissions().Check(r.Context(), u, toolParam(r))
	if d.UpgradePath == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httpx.WriteJSON(w, 200, d.UpgradePath)
}

func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	table := s.Engine.Permissions().Table()
	httpx.WriteJSON(w, 200, map[string]any{
		"deny_unlisted": table.DenyUnlisted(),
		"groups":        table.Groups(),
		"permissions":   table.Permissions(),
	})
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, 503, "audit unavailable")
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.Error(w, 400, "invalid limit")
			return
		}
		limit = n
	}
	records, err := s.Audit.List(r.Context(), audit.Query{
		Tenant: principal.Tenant,
		UserID: q.Get("user"),
		Tool:   q.Get("tool"),
		Limit:  limit,
	})
	if err != nil {
		s.internalServerError(w, "list decisions", err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	httpx.WriteJSON(w, 200, map[string]any{"decisions": records})
}

func (s *Server) resetUsage(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	userID := strings.TrimSpace(chi.URLParam(r, "user"))
	tool := toolParam(r)
	if err := s.Engine.Permissions().ResetUsage(r.Context(), principal.Tenant, userID, tool); err != nil {
		s.internalServerError(w, "reset usage", err)
		return
	}
	s.logger().Info("usage reset",
		zap.String("tenant", principal.Tenant),
		zap.String("user_id", userID),
		zap.String("tool", tool),
		zap.String("by", principal.Subject),
	)
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventReset, principal.Tenant, map[string]string{"user_id": userID, "tool": tool}))
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": "reset", "user_id": userID, "tool": tool})
}

func (s *Server) invalidateUser(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	userID := strings.TrimSpace(chi.URLParam(r, "user"))
	s.Users.Invalidate(principal.Tenant, userID)
	httpx.WriteJSON(w, 200, map[string]string{"status": "invalidated", "user_id": userID})
}
