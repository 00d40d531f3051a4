// Package auth authenticates API requests. The oidc mode verifies
// bearer tokens against an OIDC issuer; the dev mode stamps every
// request with a fixed identity for local use.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/caravel-labs/caravel-go/internal/platform/env"
)

var ErrUnauthenticated = errors.New("unauthenticated")

const (
	ModeDev  = "dev"
	ModeOIDC = "oidc"
)

type Config struct {
	Mode          string
	OIDCIssuerURL string
	OIDCClientID  string
	DevSubject    string
	DevRoles      []string
}

func ConfigFromEnv() Config {
	return Config{
		Mode:          env.String("CARAVEL_AUTH_MODE", ModeDev),
		OIDCIssuerURL: env.String("CARAVEL_AUTH_OIDC_ISSUER_URL", ""),
		OIDCClientID:  env.String("CARAVEL_AUTH_OIDC_CLIENT_ID", ""),
		DevSubject:    env.String("CARAVEL_AUTH_DEV_SUBJECT", "dev-operator"),
		DevRoles:      env.Strings("CARAVEL_AUTH_DEV_ROLES", []string{"operator"}),
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeDev:
		return nil
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("oidc issuer url is required")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("oidc client id is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown auth mode %q", c.Mode)
	}
}

type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type DevAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	return &DevAuthenticator{
		identity: Identity{
			Subject: cfg.DevSubject,
			Roles:   cfg.DevRoles,
		},
	}
}

func (a *DevAuthenticator) Authenticate(context.Context, *http.Request) (Identity, error) {
	return a.identity, nil
}

func tokenFromHeader(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
