package remote

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/zeebo/blake3"
)

// ValidateToken returns true if presented matches expected.
// An empty expected token rejects everything.
func ValidateToken(presented, expected string) bool {
	if expected == "" || presented == "" {
		return false
	}
	if len(presented) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// ExtractBearerToken extracts the token from an Authorization: Bearer <token> header.
func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", errors.New("missing token")
	}
	return token, nil
}

// Fingerprint returns a short, log-safe identifier for a token.
func Fingerprint(token string) string {
	if token == "" {
		return "none"
	}
	sum := blake3.Sum256([]byte(token))
	return "blake3:" + hex.EncodeToString(sum[:8])
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if !ValidateToken(token, s.token) {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
