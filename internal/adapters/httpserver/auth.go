package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/phenrril/ecomcore/internal/domain"
)

const tokenIssuer = "ecomcore"

var errInvalidToken = errors.New("invalid or expired token")

// Claims carry the identity resolved by the upstream login service.
type Claims struct {
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
	Name   string    `json:"name"`
	Role   string    `json:"role"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Issue signs a token for actor. It is used by tooling and tests, the API
// itself has no login endpoint.
func (a *Authenticator) Issue(actor domain.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: actor.ID,
		Email:  actor.Email,
		Name:   actor.Name,
		Role:   string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Parse(raw string) (domain.Actor, error) {
	tok, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidToken
		}
		return a.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return domain.Actor{}, errInvalidToken
	}
	c, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid || c.UserID == uuid.Nil {
		return domain.Actor{}, errInvalidToken
	}
	role := domain.Role(c.Role)
	switch role {
	case domain.RoleAdmin, domain.RoleCustomer:
	default:
		// system is internal only and never granted through a token
		return domain.Actor{}, errInvalidToken
	}
	return domain.Actor{ID: c.UserID, Email: strings.ToLower(c.Email), Name: c.Name, Role: role}, nil
}

// Middleware resolves the bearer token, when present, into the request actor.
// Anonymous requests pass through; a bad token is rejected.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if h == "" {
			next.ServeHTTP(w, r)
			return
		}
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			writeErrorMessage(w, http.StatusUnauthorized, "missing authorization token", nil)
			return
		}
		actor, err := a.Parse(strings.TrimSpace(raw))
		if err != nil {
			writeErrorMessage(w, http.StatusUnauthorized, err.Error(), nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

func actorFrom(ctx context.Context) (domain.Actor, bool) {
	a, ok := ctx.Value(actorKey).(domain.Actor)
	return a, ok
}
