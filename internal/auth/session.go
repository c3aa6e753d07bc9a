package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ErrMissingToken indicates the request carried neither a bearer header nor a
// session cookie. Distinct from an invalid token on purpose.
var ErrMissingToken = errors.New("auth: token required")

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the named session cookie.
func TokenFromRequest(r *http.Request, cookieName string) (string, error) {
	if r == nil {
		return "", ErrMissingToken
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token != "" {
			return token, nil
		}
	}
	if cookieName != "" {
		if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
			return cookie.Value, nil
		}
	}
	return "", ErrMissingToken
}
