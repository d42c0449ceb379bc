package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sitescan/notifier/internal/config"
	"go.uber.org/zap"
)

type Authenticator interface {
	Authenticator(next http.Handler) http.Handler
}

const (
	JWKSAuthentication  string = "jwks"
	LocalAuthentication string = "local"
	NoneAuthentication  string = "none"

	// browsers cannot set headers on a websocket handshake
	tokenQueryParam = "token"
)

func NewAuthenticator(authConfig config.Auth) (Authenticator, error) {
	zap.S().Named("auth").Infof("authentication: '%s'", authConfig.AuthenticationType)

	switch authConfig.AuthenticationType {
	case JWKSAuthentication:
		return NewJWKSAuthenticator(context.Background(), authConfig.JwkCertURL)
	case LocalAuthentication:
		return NewLocalAuthenticator(authConfig.LocalSecret)
	case NoneAuthentication, "":
		return NewNoneAuthenticator()
	default:
		return nil, fmt.Errorf("unknown authentication type %q", authConfig.AuthenticationType)
	}
}

func tokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get(tokenQueryParam)
}
