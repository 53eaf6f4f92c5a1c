package collab

import (
	"context"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the authenticated identity behind a connection
type Principal struct {
	UserId Id
	Name   string
}

// the external credential verifier. called exactly once per connection
// attempt, before any room is created or touched.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

// hmac jwt verifier. claims: user_id (uuid), name.
type JwtVerifier struct {
	secret []byte
}

func NewJwtVerifier(secret []byte) *JwtVerifier {
	return &JwtVerifier{
		secret: secret,
	}
}

func (self *JwtVerifier) Verify(ctx context.Context, token string) (*Principal, error) {
	parsed, err := gojwt.Parse(
		token,
		func(token *gojwt.Token) (any, error) {
			return self.secret, nil
		},
		gojwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrUnauthorized
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, ErrUnauthorized
	}

	principal := &Principal{}
	userIdStr, ok := claims["user_id"].(string)
	if !ok {
		return nil, ErrUnauthorized
	}
	userId, err := ParseId(userIdStr)
	if err != nil {
		return nil, ErrUnauthorized
	}
	principal.UserId = userId

	if name, ok := claims["name"].(string); ok {
		principal.Name = name
	}

	return principal, nil
}

// a verifier that accepts any non-empty token. local development only.
type InsecureVerifier struct {
}

func (self *InsecureVerifier) Verify(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	return &Principal{
		UserId: NewId(),
		Name:   token,
	}, nil
}
