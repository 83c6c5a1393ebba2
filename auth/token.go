package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chat-hub/domain"
)

// CustomClaims is the verifiable credential contract with the external
// identity provider: an HS256 token encoding the identity and expiry.
type CustomClaims struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	jwt.RegisteredClaims
}

// Verifier checks bearer credentials. The hub never issues production
// credentials; Issue exists to satisfy the provider contract in tests
// and local tooling.
type Verifier struct {
	key []byte
}

func NewVerifier(secret string) Verifier {
	return Verifier{key: []byte(secret)}
}

// Issue creates a signed credential for an identity.
func (v Verifier) Issue(identity domain.Identity, duration time.Duration) (string, error) {
	claims := &CustomClaims{
		UserID:      identity.ID,
		Username:    identity.Username,
		DisplayName: identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(duration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "chat-hub",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.key)
}

// Verify parses and validates signature and expiry, returning the
// identity the credential encodes. Any failure means Unauthorized.
func (v Verifier) Verify(tokenString string) (domain.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		return domain.Identity{}, err
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return domain.Identity{}, jwt.ErrSignatureInvalid
	}
	return domain.Identity{
		ID:          claims.UserID,
		Username:    claims.Username,
		DisplayName: claims.DisplayName,
	}, nil
}
