package auth_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sitescan/notifier/internal/auth"
	"github.com/sitescan/notifier/internal/config"
)

const secret = "s3cr3t"

var _ = Describe("jwt authentication", func() {
	Context("authenticate", func() {
		It("successfully validate the token", func() {
			sToken, keyFn := generateRSAToken(jwt.MapClaims{"email": "batman@gothamcity.com"})
			authenticator, err := auth.NewJWTAuthenticatorWithKeyFn(keyFn)
			Expect(err).To(BeNil())

			user, err := authenticator.Authenticate(sToken)
			Expect(err).To(BeNil())
			Expect(user.Identity).To(Equal("batman@gothamcity.com"))
			Expect(user.Token).NotTo(BeNil())
		})

		It("falls back to the subject", func() {
			sToken, keyFn := generateRSAToken(jwt.MapClaims{"sub": "batman"})
			authenticator, err := auth.NewJWTAuthenticatorWithKeyFn(keyFn)
			Expect(err).To(BeNil())

			user, err := authenticator.Authenticate(sToken)
			Expect(err).To(BeNil())
			Expect(user.Identity).To(Equal("batman"))
		})

		It("fails to authenticate -- no identity", func() {
			sToken, keyFn := generateRSAToken(jwt.MapClaims{})
			authenticator, err := auth.NewJWTAuthenticatorWithKeyFn(keyFn)
			Expect(err).To(BeNil())

			_, err = authenticator.Authenticate(sToken)
			Expect(err).ToNot(BeNil())
		})

		It("fails to authenticate -- wrong signing method", func() {
			privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			Expect(err).To(BeNil())
			token := jwt.NewWithClaims(jwt.SigningMethodES256, validClaims(jwt.MapClaims{"email": "batman@gothamcity.com"}))
			sToken, err := token.SignedString(privateKey)
			Expect(err).To(BeNil())

			authenticator, err := auth.NewJWTAuthenticatorWithKeyFn(func(t *jwt.Token) (any, error) {
				return privateKey.Public(), nil
			})
			Expect(err).To(BeNil())

			_, err = authenticator.Authenticate(sToken)
			Expect(err).ToNot(BeNil())
		})

		It("fails to authenticate -- expired", func() {
			claims := validClaims(jwt.MapClaims{"email": "batman@gothamcity.com"})
			claims["exp"] = time.Now().Add(-time.Hour).Unix()
			sToken := generateHS256Token(claims)

			authenticator, err := auth.NewLocalAuthenticator(secret)
			Expect(err).To(BeNil())

			_, err = authenticator.Authenticate(sToken)
			Expect(err).ToNot(BeNil())
		})

		It("validates local tokens", func() {
			sToken := generateHS256Token(validClaims(jwt.MapClaims{"email": "a@x.com"}))

			authenticator, err := auth.NewLocalAuthenticator(secret)
			Expect(err).To(BeNil())

			user, err := authenticator.Authenticate(sToken)
			Expect(err).To(BeNil())
			Expect(user.Identity).To(Equal("a@x.com"))

			other, err := auth.NewLocalAuthenticator("another secret")
			Expect(err).To(BeNil())
			_, err = other.Authenticate(sToken)
			Expect(err).ToNot(BeNil())
		})

		It("refuses an empty local secret", func() {
			_, err := auth.NewLocalAuthenticator("")
			Expect(err).ToNot(BeNil())
		})
	})

	Context("middleware", func() {
		It("successfully authenticate with the header", func() {
			sToken := generateHS256Token(validClaims(jwt.MapClaims{"email": "a@x.com"}))
			authenticator, err := auth.NewLocalAuthenticator(secret)
			Expect(err).To(BeNil())

			h := &handler{}
			ts := httptest.NewServer(authenticator.Authenticator(h))
			defer ts.Close()

			req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
			Expect(err).To(BeNil())
			req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", sToken))

			resp, rerr := http.DefaultClient.Do(req)
			Expect(rerr).To(BeNil())
			Expect(resp.StatusCode).To(Equal(200))
			Expect(h.Identity()).To(Equal("a@x.com"))
		})

		It("successfully authenticate with the query", func() {
			sToken := generateHS256Token(validClaims(jwt.MapClaims{"email": "a@x.com"}))
			authenticator, err := auth.NewLocalAuthenticator(secret)
			Expect(err).To(BeNil())

			h := &handler{}
			ts := httptest.NewServer(authenticator.Authenticator(h))
			defer ts.Close()

			resp, rerr := http.Get(ts.URL + "?token=" + url.QueryEscape(sToken))
			Expect(rerr).To(BeNil())
			Expect(resp.StatusCode).To(Equal(200))
		})

		It("failed to authenticate", func() {
			authenticator, err := auth.NewLocalAuthenticator(secret)
			Expect(err).To(BeNil())

			h := &handler{}
			ts := httptest.NewServer(authenticator.Authenticator(h))
			defer ts.Close()

			req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
			Expect(err).To(BeNil())
			req.Header.Add("Authorization", "Bearer not-a-token")

			resp, rerr := http.DefaultClient.Do(req)
			Expect(rerr).To(BeNil())
			Expect(resp.StatusCode).To(Equal(401))

			resp, rerr = http.Get(ts.URL)
			Expect(rerr).To(BeNil())
			Expect(resp.StatusCode).To(Equal(401))
		})
	})

	Context("none", func() {
		It("takes the identity from the query", func() {
			authenticator, err := auth.NewAuthenticator(config.Auth{AuthenticationType: auth.NoneAuthentication})
			Expect(err).To(BeNil())

			h := &handler{}
			ts := httptest.NewServer(authenticator.Authenticator(h))
			defer ts.Close()

			resp, rerr := http.Get(ts.URL + "?email=" + url.QueryEscape("a@x.com"))
			Expect(rerr).To(BeNil())
			Expect(resp.StatusCode).To(Equal(200))
			Expect(h.Identity()).To(Equal("a@x.com"))

			resp, rerr = http.Get(ts.URL)
			Expect(rerr).To(BeNil())
			Expect(resp.StatusCode).To(Equal(401))
		})

		It("rejects unknown authentication types", func() {
			_, err := auth.NewAuthenticator(config.Auth{AuthenticationType: "kerberos"})
			Expect(err).ToNot(BeNil())
		})
	})
})

type handler struct {
	identity string
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := auth.MustHaveUser(r.Context())
	h.identity = user.Identity
	w.WriteHeader(200)
}

func (h *handler) Identity() string {
	return h.identity
}

func validClaims(extra jwt.MapClaims) jwt.MapClaims {
	claims := jwt.MapClaims{
		"exp": time.Now().Add(24 * time.Hour).Unix(),
		"iat": time.Now().Unix(),
		"nbf": time.Now().Unix(),
		"iss": "test",
	}
	for k, v := range extra {
		claims[k] = v
	}
	return claims
}

func generateRSAToken(extra jwt.MapClaims) (string, func(t *jwt.Token) (any, error)) {
	// generate a pair of keys RSA
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	Expect(err).To(BeNil())

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims(extra))
	ss, err := token.SignedString(privateKey)
	Expect(err).To(BeNil())

	return ss, func(t *jwt.Token) (any, error) {
		return privateKey.Public(), nil
	}
}

func generateHS256Token(claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString([]byte(secret))
	Expect(err).To(BeNil())
	return ss
}
