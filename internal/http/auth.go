package http

import (
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
	"github.com/marcelmariani/crm-platform-sub000/internal/metrics"
)

// tokenAuth checks bearer tokens against a bcrypt hash. Tokens that passed
// once are remembered by digest so bcrypt runs once per distinct token.
type tokenAuth struct {
	hash     []byte
	mu       sync.Mutex
	verified map[[sha256.Size]byte]bool
}

func newTokenAuth(hash string) *tokenAuth {
	return &tokenAuth{hash: []byte(hash), verified: make(map[[sha256.Size]byte]bool)}
}

func (a *tokenAuth) check(token string) bool {
	sum := sha256.Sum256([]byte(token))
	a.mu.Lock()
	ok := a.verified[sum]
	a.mu.Unlock()
	if ok {
		return true
	}
	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false
	}
	a.mu.Lock()
	a.verified[sum] = true
	a.mu.Unlock()
	return true
}

// HashToken returns the bcrypt hash to put in http.tokenHash.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// bearerAuth middleware enforces the API token when one is configured.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		if s.failures.IsLimited(clientIP) {
			L_warn("http: auth blocked after failure", "ip", clientIP)
			writeError(w, http.StatusTooManyRequests, "too many failed attempts, try again later")
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="chatgate"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		if !s.auth.check(token) {
			s.failures.RecordFailure(clientIP)
			metrics.MetricInc("http", "auth_failed")
			L_warn("http: auth failed", "ip", clientIP)
			w.Header().Set("WWW-Authenticate", `Bearer realm="chatgate"`)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		s.failures.ClearFailure(clientIP)
		next.ServeHTTP(w, r)
	})
}
