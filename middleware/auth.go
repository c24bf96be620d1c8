package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/berserk3142-max/trust-guard/repository"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	identityKey    contextKey = "identity"
	fingerprintKey contextKey = "fingerprint"
	clientIPKey    contextKey = "client_ip"
)

const RoleAdmin = "admin"

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	UserID     string
	TrustLevel string
	Role       string
	Method     string
}

type AccountLookup interface {
	ByAPIKey(ctx context.Context, key string) (*repository.Account, error)
	ByUserID(ctx context.Context, userID string) (*repository.Account, error)
}

var (
	errNoCredentials  = errors.New("no credentials")
	errBadCredentials = errors.New("invalid credentials")
)

type AuthMiddleware struct {
	jwtSecret []byte
	accounts  AccountLookup
	log       *logrus.Logger
}

// NewAuthMiddleware accepts a nil accounts lookup; API keys are then
// rejected and JWT trust levels come only from the token.
func NewAuthMiddleware(jwtSecret string, accounts AccountLookup, log *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret: []byte(jwtSecret),
		accounts:  accounts,
		log:       log,
	}
}

func (m *AuthMiddleware) identify(r *http.Request) (*Identity, error) {
	ctx := r.Context()

	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		if m.accounts == nil {
			return nil, errBadCredentials
		}
		acc, err := m.accounts.ByAPIKey(ctx, apiKey)
		if err != nil {
			return nil, errBadCredentials
		}
		return &Identity{UserID: acc.UserID, TrustLevel: acc.TrustLevel, Method: "api_key"}, nil
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, errNoCredentials
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return m.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, errBadCredentials
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errBadCredentials
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return nil, errBadCredentials
	}

	id := &Identity{UserID: userID, Method: "jwt"}
	id.TrustLevel, _ = claims["trust_level"].(string)
	id.Role, _ = claims["role"].(string)

	if id.TrustLevel == "" && m.accounts != nil {
		if acc, err := m.accounts.ByUserID(ctx, userID); err == nil {
			id.TrustLevel = acc.TrustLevel
		}
	}
	return id, nil
}

// Authenticate rejects requests without valid credentials.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := m.identify(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// OptionalAuth attaches an identity when the credentials check out and
// otherwise serves the request anonymously.
func (m *AuthMiddleware) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := m.identify(r)
		switch {
		case err == nil:
			r = r.WithContext(WithIdentity(r.Context(), id))
		case errors.Is(err, errBadCredentials):
			m.log.WithField("path", r.URL.Path).Debug("ignoring invalid credentials")
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole must run after Authenticate.
func (m *AuthMiddleware) RequireRole(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := GetIdentity(r.Context())
		if id == nil || id.Role != role {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func GetIdentity(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

func GetUserID(ctx context.Context) string {
	if id := GetIdentity(ctx); id != nil {
		return id.UserID
	}
	return ""
}

func GetTrustLevel(ctx context.Context) string {
	if id := GetIdentity(ctx); id != nil {
		return id.TrustLevel
	}
	return ""
}
