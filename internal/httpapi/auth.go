package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"qms/pharmacy-service/internal/models"
	"qms/pharmacy-service/internal/session"

	"github.com/go-chi/chi/v5/middleware"
)

type authContextKey struct{}

type authInfo struct {
	Session models.Session
}

// AuthMiddleware resolves the session when the request carries one. Requests
// without a session pass through anonymously; RequireSession guards the
// routes that need one.
func AuthMiddleware(sessions SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := sessionIDFromRequest(r)
			if sessionID == "" || sessions == nil {
				next.ServeHTTP(w, r)
				return
			}
			s, err := sessions.GetSession(r.Context(), sessionID)
			if err != nil {
				if errors.Is(err, session.ErrSessionNotFound) {
					writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid session")
					return
				}
				writeError(w, requestIDFromRequest(r), http.StatusInternalServerError, "internal_error", "internal server error")
				return
			}
			ctx := context.WithValue(r.Context(), authContextKey{}, authInfo{Session: s})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := sessionFromContext(r.Context()); !ok {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sessionFromContext(ctx context.Context) (models.Session, bool) {
	info, ok := ctx.Value(authContextKey{}).(authInfo)
	if !ok {
		return models.Session{}, false
	}
	return info.Session, true
}

// actorFromRequest is the zero Actor for anonymous requests.
func actorFromRequest(r *http.Request) models.Actor {
	s, ok := sessionFromContext(r.Context())
	if !ok {
		return models.Actor{}
	}
	return s.Actor()
}

func requireRole(w http.ResponseWriter, r *http.Request, roles ...string) bool {
	s, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return false
	}
	if !contains(roles, s.Role) {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "role not allowed")
		return false
	}
	return true
}

func requireStaff(w http.ResponseWriter, r *http.Request) bool {
	return requireRole(w, r, models.RoleAdmin, models.RolePharmacist)
}

// requireBranchAccess passes sessions with no branch list, which cover every
// branch.
func requireBranchAccess(w http.ResponseWriter, r *http.Request, branchID string) bool {
	s, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return false
	}
	if branchID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "branch_id is required")
		return false
	}
	if !branchAllowed(s, branchID) {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "branch access denied")
		return false
	}
	return true
}

// requireAllBranches guards listings that span every branch.
func requireAllBranches(w http.ResponseWriter, r *http.Request) bool {
	s, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return false
	}
	if len(s.BranchIDs) > 0 {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "branch_id is required for branch-scoped sessions")
		return false
	}
	return true
}

func branchAllowed(s models.Session, branchID string) bool {
	return len(s.BranchIDs) == 0 || contains(s.BranchIDs, branchID)
}

func contains(values []string, value string) bool {
	for _, item := range values {
		if item == value {
			return true
		}
	}
	return false
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

func requestIDFromRequest(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
