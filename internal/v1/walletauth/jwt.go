package walletauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// JWTClaims is the minimal claim set the jwt auth method addition needs:
// the subject becomes the connection's userId.
type JWTClaims struct {
	jwt.RegisteredClaims
}

// JWTValidator validates bearer tokens against a JWKS endpoint for the
// jwt auth method addition — intended for service/bridge connections
// (an operator console, a relay) rather than end-user wallet holders.
type JWTValidator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewJWTValidator builds a validator backed by <https://domain/.well-known/jwks.json>,
// fetching the key set once up front to fail fast on misconfiguration.
func NewJWTValidator(ctx context.Context, domain, audience string) (*JWTValidator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithRefreshInterval(1*time.Hour)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}
		return pubKey, nil
	}

	return &JWTValidator{keyFunc: keyFunc, issuer: issuerURL.String(), audience: audience}, nil
}

// Validate parses and validates a bearer token, returning its subject
// claim as the userId.
func (v *JWTValidator) Validate(tokenString string) (userID string, err error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || claims.Subject == "" {
		return "", errors.New("token has no subject claim")
	}

	return claims.Subject, nil
}
