package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"settlecore/crypto"
	"settlecore/observability/logging"
)

// CallerHeader names the caller when authentication is disabled.
const CallerHeader = "X-Settle-Caller"

type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	ScopeClaim string
	ClockSkew  time.Duration
}

type contextKey string

const (
	contextKeyCaller contextKey = "settle.caller"
	contextKeyScopes contextKey = "settle.scopes"
)

// WithCaller stores the authenticated caller address on ctx.
func WithCaller(ctx context.Context, caller crypto.Address) context.Context {
	return context.WithValue(ctx, contextKeyCaller, caller)
}

// CallerFrom returns the caller installed by the auth middleware.
func CallerFrom(ctx context.Context) (crypto.Address, bool) {
	caller, ok := ctx.Value(contextKeyCaller).(crypto.Address)
	return caller, ok && !caller.IsZero()
}

// ScopesFrom returns the token scopes installed by the auth middleware.
func ScopesFrom(ctx context.Context) []string {
	scopes, _ := ctx.Value(contextKeyScopes).([]string)
	return scopes
}

// Authenticator validates HS256 bearer tokens whose subject is the caller's
// bech32 address.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
	clock  clockwork.Clock
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger, clock clockwork.Clock) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
		clock:  clock,
	}
}

func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled {
				ctx := r.Context()
				if raw := strings.TrimSpace(r.Header.Get(CallerHeader)); raw != "" {
					caller, err := crypto.DecodeAddress(raw)
					if err != nil {
						http.Error(w, "invalid caller header", http.StatusBadRequest)
						return
					}
					ctx = WithCaller(ctx, caller)
				}
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := a.parseToken(tokenString)
			if err != nil {
				a.logger.Warn("auth: token validation failed",
					slog.String("error", err.Error()),
					logging.MaskField("token", tokenString))
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			subject, _ := claims.GetSubject()
			caller, err := crypto.DecodeAddress(subject)
			if err != nil || caller.IsZero() {
				http.Error(w, "invalid token subject", http.StatusUnauthorized)
				return
			}
			scopes := extractScopes(claims, a.cfg.ScopeClaim)
			if !hasScopes(scopes, requiredScopes) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			ctx := WithCaller(r.Context(), caller)
			ctx = context.WithValue(ctx, contextKeyScopes, scopes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

// TokenRequest describes a token minted by SignToken.
type TokenRequest struct {
	Secret   string
	Issuer   string
	Audience string
	Subject  crypto.Address
	Scopes   []string
	TTL      time.Duration
	Now      time.Time
}

// SignToken issues an HS256 token accepted by Authenticator.
func SignToken(req TokenRequest) (string, error) {
	if strings.TrimSpace(req.Secret) == "" {
		return "", errors.New("auth secret required")
	}
	if req.Subject.IsZero() {
		return "", errors.New("token subject required")
	}
	if req.TTL <= 0 {
		req.TTL = time.Hour
	}
	if req.Now.IsZero() {
		req.Now = time.Now()
	}
	claims := jwt.MapClaims{
		"sub": req.Subject.String(),
		"iat": req.Now.Unix(),
		"exp": req.Now.Add(req.TTL).Unix(),
	}
	if req.Issuer != "" {
		claims["iss"] = req.Issuer
	}
	if req.Audience != "" {
		claims["aud"] = req.Audience
	}
	if len(req.Scopes) > 0 {
		claims["scope"] = strings.Join(req.Scopes, " ")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(req.Secret)))
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	raw, ok := claims[scopeClaim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScopes(scopes []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
