package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/lottery_layer/internal/config"
	"github.com/R3E-Network/lottery_layer/pkg/logger"
)

type callerKey struct{}

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid token")
)

// Claims carries the caller identity. Subject is the caller's Neo address.
type Claims struct {
	jwt.RegisteredClaims
}

// authenticator validates HS256 bearer tokens and stores the caller address
// in the request context.
type authenticator struct {
	secret []byte
	log    *logger.Logger
}

// newAuthenticator refuses a missing or short signing key: HS256 with an
// empty key lets anyone mint tokens.
func newAuthenticator(secret string, log *logger.Logger) (*authenticator, error) {
	key, err := config.ServiceConfig{JWTSecret: secret}.SigningKey()
	if err != nil {
		return nil, err
	}
	return &authenticator{secret: key, log: log}, nil
}

// optional resolves the caller when a token is present and rejects only
// malformed or invalid tokens.
func (a *authenticator) optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := a.callerFrom(r)
		switch {
		case errors.Is(err, errMissingToken):
			next.ServeHTTP(w, r)
		case err != nil:
			a.log.WithError(err).WithField("path", r.URL.Path).Warn("authentication failed")
			writeError(w, http.StatusUnauthorized, err)
		default:
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
		}
	})
}

// required rejects requests without an authenticated caller.
func required(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := CallerFrom(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, errMissingToken)
			return
		}
		next(w, r)
	}
}

func (a *authenticator) callerFrom(r *http.Request) (util.Uint160, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return util.Uint160{}, errMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return util.Uint160{}, fmt.Errorf("%w: expected bearer authorization", errInvalidToken)
	}

	if len(a.secret) == 0 {
		return util.Uint160{}, fmt.Errorf("%w: no signing key configured", errInvalidToken)
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return util.Uint160{}, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	caller, err := address.StringToUint160(claims.Subject)
	if err != nil {
		return util.Uint160{}, fmt.Errorf("%w: subject is not a Neo address", errInvalidToken)
	}
	return caller, nil
}

// CallerFrom returns the authenticated caller stored in ctx.
func CallerFrom(ctx context.Context) (util.Uint160, bool) {
	caller, ok := ctx.Value(callerKey{}).(util.Uint160)
	return caller, ok
}

// IssueToken signs a token for caller. Used by operators and tests.
func IssueToken(secret string, caller util.Uint160, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  address.Uint160ToString(caller),
		IssuedAt: jwt.NewNumericDate(now),
	}}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
