package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"telehealth-backend/logging"
	"telehealth-backend/users"
)

const principalKey = "auth_principal"

var ErrInvalidToken = errors.New("invalid session")

// Principal is the authenticated caller.
type Principal struct {
	UserID int64
	Name   string
	Email  string
	Role   string
}

func (p Principal) IsAdmin() bool { return p.Role == users.RoleAdmin }

type claims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// SignToken issues an HS256 token for p.
func SignToken(secret []byte, p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Name:  p.Name,
		Email: p.Email,
		Role:  p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
}

// ParseToken validates signature and expiry.
func ParseToken(secret []byte, token string) (Principal, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: id, Name: c.Name, Email: c.Email, Role: c.Role}, nil
}

// tokenSummary returns a short (safe) representation of a token for logs
func tokenSummary(t string) string {
	if len(t) <= 8 {
		return t
	}
	return t[:4] + "..." + t[len(t)-4:]
}

// Middleware requires a valid Bearer token and stores the principal on the context.
func Middleware(secret []byte) gin.HandlerFunc {
	log := logging.For("auth")
	return func(c *gin.Context) {
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		p, err := ParseToken(secret, token)
		if err != nil {
			log.WithField("token", tokenSummary(token)).Info("[auth][deny] invalid session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrInvalidToken.Error()})
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// RequireAdmin rejects non-admin callers before the handler reads anything.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := Current(c)
		if !ok || !p.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required"})
			return
		}
		c.Next()
	}
}

// Current returns the principal set by Middleware.
func Current(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// WithPrincipal sets p on the context; used by tests and internal callers.
func WithPrincipal(c *gin.Context, p Principal) { c.Set(principalKey, p) }
