package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"

	"github.com/xenking/storefront-orders/internal/domain/auth"
	"github.com/xenking/storefront-orders/pkg/httpmiddleware"
)

// ErrUnauthorized is returned for a missing or invalid bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// Claims is the JWT payload issued by the identity service.
type Claims struct {
	UserID int64  `json:"id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator creates an Authenticator for tokens signed with secret.
func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(30*time.Second),
		),
	}
}

// Verify parses raw and returns the principal it names.
func (a *Authenticator) Verify(raw string) (auth.Principal, error) {
	var claims Claims
	token, err := a.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return auth.Principal{}, ErrUnauthorized
	}
	if claims.UserID <= 0 {
		return auth.Principal{}, ErrUnauthorized
	}
	role := auth.RoleUser
	if auth.Role(claims.Role) == auth.RoleAdmin {
		role = auth.RoleAdmin
	}
	return auth.Principal{UserID: claims.UserID, Email: claims.Email, Role: role}, nil
}

// Issue signs a token for p valid for ttl.
func (a *Authenticator) Issue(p auth.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: p.UserID,
		Email:  p.Email,
		Role:   string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// bearer extracts the token from an Authorization header.
func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

type principalHandler func(w http.ResponseWriter, r *http.Request, p auth.Principal)

// authenticated rejects requests without a valid token and passes the
// principal to next.
func (h *Handler) authenticated(next principalHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearer(r)
		if !ok {
			httpmiddleware.WriteError(w, http.StatusUnauthorized, "unauthorized: token not provided")
			return
		}
		p, err := h.auth.Verify(raw)
		if err != nil {
			httpmiddleware.WriteError(w, http.StatusUnauthorized, "unauthorized: invalid token")
			return
		}
		next(w, r.WithContext(auth.WithPrincipal(r.Context(), p)), p)
	})
}

// admin is authenticated plus the admin role.
func (h *Handler) admin(next principalHandler) http.Handler {
	return h.authenticated(func(w http.ResponseWriter, r *http.Request, p auth.Principal) {
		if !p.IsAdmin() {
			httpmiddleware.WriteError(w, http.StatusForbidden, "forbidden: admin role required")
			return
		}
		next(w, r, p)
	})
}

// PrincipalKey keys rate limiting by user when a valid token is present and
// by client address otherwise.
func (h *Handler) PrincipalKey(r *http.Request) string {
	if raw, ok := bearer(r); ok {
		if p, err := h.auth.Verify(raw); err == nil {
			return "user:" + strconv.FormatInt(p.UserID, 10)
		}
	}
	return "ip:" + httpmiddleware.ClientIP(r)
}
