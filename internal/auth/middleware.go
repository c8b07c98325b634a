package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey int

const workerContextKey contextKey = iota

// ContextWithWorker returns a new context carrying the given worker.
func ContextWithWorker(ctx context.Context, w *Worker) context.Context {
	return context.WithValue(ctx, workerContextKey, w)
}

// WorkerFromContext extracts the worker from the context, or nil if not present.
func WorkerFromContext(ctx context.Context) *Worker {
	w, _ := ctx.Value(workerContextKey).(*Worker)
	return w
}

// WorkerAuthMiddleware authenticates requests using a worker key in the
// Authorization header and injects the worker into the request context.
func WorkerAuthMiddleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				svc.observe("worker", false)
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			worker, err := svc.Authenticate(r.Context(), token)
			if err != nil {
				writeUnauthorized(w, "invalid api key")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithWorker(r.Context(), worker)))
		})
	}
}

// AdminAuthMiddleware requires a bearer token matching the bcrypt admin key
// hash. An empty hash disables the admin surface.
func AdminAuthMiddleware(adminKeyHash string, m Observer) func(http.Handler) http.Handler {
	observe := func(ok bool) {
		if m == nil {
			return
		}
		if ok {
			m.IncAuthSuccess("admin")
		} else {
			m.IncAuthFailure("admin")
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminKeyHash == "" {
				writeForbidden(w, "admin access is not configured")
				return
			}
			token := extractBearerToken(r)
			if token == "" {
				observe(false)
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}
			if !VerifyAdminKey(adminKeyHash, token) {
				observe(false)
				writeUnauthorized(w, "invalid admin key")
				return
			}
			observe(true)
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, "unauthorized", message)
}

func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, "forbidden", message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{Code: code, Message: message},
	})
}
