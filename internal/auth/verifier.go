package auth

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/modelguard/relay/internal/ierr"
)

// Identity is the stable result of verifying a bearer credential.
type Identity struct {
	UserId      string
	DisplayName string
}

// Verifier validates a pre-issued credential attached at handshake time.
// Token issuance lives elsewhere; the relay only checks.
type Verifier interface {
	Verify(credential string) (*Identity, error)
}

type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

type JWTVerifier struct {
	secret    []byte
	jwtParser *jwt.Parser
}

func NewJWTVerifier(secret string) *JWTVerifier {
	jwtParser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithAudience("relay"),
	)

	return &JWTVerifier{
		secret:    []byte(secret),
		jwtParser: jwtParser,
	}
}

var _ Verifier = (*JWTVerifier)(nil)

func (v *JWTVerifier) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, ierr.Newf(ierr.ErrorCodeUnauthenticated, "unexpected signing method")
	}

	return v.secret, nil
}

func (v *JWTVerifier) Verify(credential string) (*Identity, error) {
	claims := Claims{}

	_, err := v.jwtParser.ParseWithClaims(credential, &claims, v.keyFunc)
	if err != nil {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid subject claim"))
	}

	displayName := claims.Name
	if displayName == "" {
		displayName = subject
	}

	return &Identity{
		UserId:      subject,
		DisplayName: displayName,
	}, nil
}

// APIKeys guards the service-to-service REST surface.
type APIKeys struct {
	keys []string
}

func NewAPIKeys(keys []string) *APIKeys {
	return &APIKeys{
		keys,
	}
}

func (a *APIKeys) Authenticate(apiKey string) error {
	for _, key := range a.keys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			return nil
		}
	}

	return ierr.Newf(ierr.ErrorCodeUnauthenticated, "invalid api key")
}
