package middleware

import (
	"encoding/json"
	"net/http"
	"strings"
)

// errorBody is the {code, message} failure shape shared with the API
// handlers. Messages are operator-facing Korean; codes are stable.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Code: code, Message: message})
}

// AdminAuth enforces bearer-token authentication on the admin surface.
// tokens maps a bearer token to the administrator id it authenticates;
// the id lands in the request context for audit attribution.
// STRICT: fails fast on missing or malformed headers.
func AdminAuth(tokens map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED", "인증 토큰이 필요합니다")
				return
			}

			scheme, token, found := strings.Cut(authHeader, " ")
			if !found || scheme != "Bearer" || token == "" {
				writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED", "잘못된 인증 형식입니다 (Bearer <token>)")
				return
			}

			actor, ok := tokens[token]
			if !ok {
				writeAuthError(w, http.StatusForbidden, "FORBIDDEN", "접근 권한이 없습니다")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}
