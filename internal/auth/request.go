// ABOUTME: Token extraction from incoming HTTP requests
// ABOUTME: Accepts the Authorization header or a token query parameter for WebSocket dials

package auth

import (
	"net/http"
	"strings"
)

// TokenFromRequest pulls the JWT out of an incoming request. The Authorization
// header takes precedence; browser WebSocket clients cannot set headers on the
// upgrade request, so a "token" query parameter is accepted as a fallback.
// Returns ErrInvalidToken when neither carries a token.
func TokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || token == "" {
			return "", ErrInvalidToken
		}
		return token, nil
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrInvalidToken
}
