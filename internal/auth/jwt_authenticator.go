package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// JWTAuthenticator validates bearer tokens and takes the identity from the
// email claim, falling back to the subject.
type JWTAuthenticator struct {
	keyFn   func(t *jwt.Token) (any, error)
	methods []string
}

func NewJWTAuthenticatorWithKeyFn(keyFn func(t *jwt.Token) (any, error), methods ...string) (*JWTAuthenticator, error) {
	if len(methods) == 0 {
		methods = []string{jwt.SigningMethodRS256.Name}
	}
	return &JWTAuthenticator{keyFn: keyFn, methods: methods}, nil
}

// NewJWKSAuthenticator fetches the signing keys from jwkCertUrl and keeps them
// refreshed in the background.
func NewJWKSAuthenticator(ctx context.Context, jwkCertUrl string) (*JWTAuthenticator, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwkCertUrl})
	if err != nil {
		return nil, fmt.Errorf("failed to get public keys: %w", err)
	}

	return NewJWTAuthenticatorWithKeyFn(k.Keyfunc, jwt.SigningMethodRS256.Name, jwt.SigningMethodES256.Name)
}

// NewLocalAuthenticator validates HS256 tokens signed with secret.
func NewLocalAuthenticator(secret string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, errors.New("local authentication requires a secret")
	}

	key := []byte(secret)
	return NewJWTAuthenticatorWithKeyFn(func(t *jwt.Token) (any, error) {
		return key, nil
	}, jwt.SigningMethodHS256.Name)
}

func (ja *JWTAuthenticator) Authenticate(token string) (User, error) {
	parser := jwt.NewParser(jwt.WithValidMethods(ja.methods), jwt.WithIssuedAt(), jwt.WithExpirationRequired())
	t, err := parser.Parse(token, ja.keyFn)
	if err != nil {
		zap.S().Named("auth").Debugw("failed to parse or the token is invalid", "error", err)
		return User{}, fmt.Errorf("failed to authenticate token: %w", err)
	}

	if !t.Valid {
		return User{}, fmt.Errorf("failed to parse or validate token")
	}

	return ja.parseToken(t)
}

func (ja *JWTAuthenticator) parseToken(userToken *jwt.Token) (User, error) {
	claims, ok := userToken.Claims.(jwt.MapClaims)
	if !ok {
		return User{}, errors.New("failed to parse jwt token claims")
	}

	identity, _ := claims["email"].(string)
	if identity == "" {
		identity, _ = claims["sub"].(string)
	}
	if identity == "" {
		return User{}, errors.New("token carries neither email nor subject")
	}

	return User{Identity: identity, Token: userToken}, nil
}

func (ja *JWTAuthenticator) Authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accessToken := tokenFromRequest(r)
		if accessToken == "" {
			http.Error(w, "No token provided", http.StatusUnauthorized)
			return
		}

		user, err := ja.Authenticate(accessToken)
		if err != nil {
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}

		ctx := NewUserContext(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
