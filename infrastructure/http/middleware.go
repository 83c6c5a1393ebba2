package http

import (
	"net/http"
	"strings"

	"chat-hub/domain"
)

// authedHandler receives the verified identity alongside the request.
type authedHandler func(w http.ResponseWriter, r *http.Request, identity domain.Identity)

// requireAuth rejects requests without a valid bearer credential.
func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Access token required")
			return
		}
		identity, err := s.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusForbidden, "Invalid token")
			return
		}
		next(w, r, identity)
	}
}

// optionalIdentity resolves the credential when present; anonymous
// requests proceed with nil.
func (s *Server) optionalIdentity(r *http.Request) *domain.Identity {
	token := bearerToken(r)
	if token == "" {
		return nil
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		return nil
	}
	return &identity
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
