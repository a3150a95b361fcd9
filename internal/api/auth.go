package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	errNoAuthorization = errors.New("missing Authorization header")
	errNotBearer       = errors.New("invalid Authorization header format")
	errEmptyToken      = errors.New("missing API key")
)

// ValidateAPIKey reports whether provided equals the configured key. Nothing
// matches an unset key, so a server without one rejects every protected call.
func ValidateAPIKey(provided, configured string) bool {
	if configured == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) == 1
}

// ExtractAPIKey returns the token from "Authorization: Bearer <token>". The
// scheme is matched case-insensitively.
func ExtractAPIKey(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", errNoAuthorization
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		if strings.EqualFold(header, "Bearer") {
			return "", errEmptyToken
		}
		return "", errNotBearer
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errEmptyToken
	}
	return token, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := ExtractAPIKey(r)
		if err == nil && !ValidateAPIKey(token, s.config.APIKey) {
			err = errors.New("invalid API key")
		}
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="ticketd"`)
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
