package security

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wudi/apigw/internal/config"
	gwerrors "github.com/wudi/apigw/internal/errors"
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/subscription"
)

// JWTConfig configures the jwt policy.
type JWTConfig struct {
	Algorithm              string   `yaml:"algorithm"`
	Secret                 string   `yaml:"secret"`
	PublicKey              string   `yaml:"public_key"`
	Issuer                 string   `yaml:"issuer"`
	Audience               []string `yaml:"audience"`
	ClientIDClaim          string   `yaml:"client_id_claim"`
	PropagateAuthorization bool     `yaml:"propagate_authorization"`
}

// JWT authenticates consumers with a bearer JSON Web Token. The client id
// claim identifies the subscription.
type JWT struct {
	cfg     JWTConfig
	keyFunc jwt.Keyfunc
	parser  *jwt.Parser
}

func NewJWT(raw map[string]any) (*JWT, error) {
	var cfg JWTConfig
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = "HS256"
	}

	p := &JWT{
		cfg:    cfg,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{cfg.Algorithm})),
	}

	switch {
	case strings.HasPrefix(cfg.Algorithm, "HS"):
		if cfg.Secret == "" {
			return nil, fmt.Errorf("secret is required for %s", cfg.Algorithm)
		}
		secret := []byte(cfg.Secret)
		p.keyFunc = func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		}
	case strings.HasPrefix(cfg.Algorithm, "RS"):
		pub, err := parseRSAPublicKey(cfg.PublicKey)
		if err != nil {
			return nil, err
		}
		p.keyFunc = func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return pub, nil
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", cfg.Algorithm)
	}
	return p, nil
}

func parseRSAPublicKey(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not an RSA key")
	}
	return rsaPub, nil
}

func (p *JWT) ID() string                { return TypeJWT }
func (p *JWT) Order() int                { return 0 }
func (p *JWT) RequireSubscription() bool { return true }

// ExtractToken reads the client id from the unverified bearer token. The
// signature is checked by OnRequest once the plan is selected.
func (p *JWT) ExtractToken(ctx *execution.Context) (subscription.Token, bool) {
	raw := bearer(ctx.Request().Headers.Get("Authorization"))
	if raw == "" {
		return subscription.Token{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := p.parser.ParseUnverified(raw, claims); err != nil {
		return subscription.Token{}, false
	}
	clientID := p.clientID(claims)
	if clientID == "" {
		return subscription.Token{}, false
	}
	return subscription.Token{Type: subscription.TokenClientID, Value: clientID}, true
}

func (p *JWT) clientID(claims jwt.MapClaims) string {
	names := []string{"client_id", "azp", "sub"}
	if p.cfg.ClientIDClaim != "" {
		names = []string{p.cfg.ClientIDClaim}
	}
	for _, n := range names {
		if v, ok := claims[n].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// OnRequest verifies the token and exposes its claims in the jwt.claims
// attribute.
func (p *JWT) OnRequest(ctx *execution.Context) error {
	req := ctx.Request()
	raw := bearer(req.Headers.Get("Authorization"))
	if raw == "" {
		return execution.InterruptWith(gwerrors.ErrInvalidSecurityToken)
	}

	token, err := p.parser.Parse(raw, p.keyFunc)
	if err != nil || !token.Valid {
		return execution.InterruptWith(gwerrors.ErrInvalidSecurityToken.WithCause(err))
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return execution.InterruptWith(gwerrors.ErrInvalidSecurityToken)
	}
	if p.cfg.Issuer != "" {
		if iss, _ := claims.GetIssuer(); iss != p.cfg.Issuer {
			return execution.InterruptWith(gwerrors.ErrInvalidSecurityToken.WithMessage("Invalid token issuer"))
		}
	}
	if len(p.cfg.Audience) > 0 {
		aud, _ := claims.GetAudience()
		if !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(p.cfg.Audience, a) }) {
			return execution.InterruptWith(gwerrors.ErrInvalidSecurityToken.WithMessage("Invalid token audience"))
		}
	}

	ctx.SetAttribute(execution.AttrJWTClaims, map[string]any(claims))
	if !p.cfg.PropagateAuthorization {
		req.Headers.Del("Authorization")
	}
	return nil
}

func (p *JWT) OnResponse(*execution.Context) error { return nil }

func bearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
