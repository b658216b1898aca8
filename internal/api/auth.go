package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// RoleAdmin is the only role accepted by the admin API.
const RoleAdmin = "admin"

var ErrInvalidToken = errors.New("invalid token")

type contextKey string

const userKey contextKey = "user"

// Claims represents JWT claims
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 bearer tokens.
type Authenticator struct {
	logger            *zap.Logger
	secret            []byte
	adminUser         string
	adminPasswordHash string
	tokenTTL          time.Duration
	now               func() time.Time
}

// NewAuthenticator creates an authenticator. adminPasswordHash is a bcrypt
// hash; when empty, password login is disabled and only issued tokens work.
func NewAuthenticator(logger *zap.Logger, secret []byte, adminUser, adminPasswordHash string, tokenTTL time.Duration) *Authenticator {
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	return &Authenticator{
		logger:            logger,
		secret:            secret,
		adminUser:         adminUser,
		adminPasswordHash: adminPasswordHash,
		tokenTTL:          tokenTTL,
		now:               time.Now,
	}
}

// IssueToken signs a token for username with the admin role.
func (a *Authenticator) IssueToken(username string) (string, error) {
	now := a.now()
	claims := &Claims{
		Username: username,
		Role:     RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses and validates a token.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	if !token.Valid || claims.Role != RoleAdmin {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RequireAdmin rejects requests without a valid admin token.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mamoru"`)
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := a.Verify(token)
		if err != nil {
			a.logger.Warn("Rejected admin API token",
				zap.String("remote_addr", r.RemoteAddr),
				zap.Error(err),
			)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userKey, claims.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Login exchanges admin credentials for a token.
func (a *Authenticator) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if !a.validateCredentials(req.Username, req.Password) {
		a.logger.Warn("Failed admin login",
			zap.String("username", req.Username),
			zap.String("remote_addr", r.RemoteAddr),
		)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := a.IssueToken(req.Username)
	if err != nil {
		a.logger.Error("Failed to generate token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token": token,
		"type":  "Bearer",
	})
}

func (a *Authenticator) validateCredentials(user, pass string) bool {
	if a.adminPasswordHash == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(a.adminUser)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.adminPasswordHash), []byte(pass)) == nil
}

// User returns the authenticated username stored by RequireAdmin.
func User(ctx context.Context) string {
	user, _ := ctx.Value(userKey).(string)
	return user
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}

	// Browsers cannot set headers on websocket upgrades.
	if websocketUpgrade(r) {
		return r.URL.Query().Get("token")
	}
	return ""
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
