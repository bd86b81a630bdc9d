package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"roomnight/models"
)

type contextKey string

const contextKeyClaims contextKey = "jwt_claims"

const tokenIssuer = "roomnight"

var allowedRegistrationRoles = map[string]struct{}{
	models.RoleHotel: {},
	models.RoleAgent: {},
	models.RoleGuest: {},
}

// Claims carries the authenticated principal through the request context.
type Claims struct {
	UserID  uuid.UUID
	Email   string
	Role    string
	Address string
}

type tokenClaims struct {
	Email   string `json:"email"`
	Role    string `json:"role"`
	Address string `json:"address"`
	jwt.RegisteredClaims
}

// issueToken mints a signed HS256 bearer token for the user.
func (s *Server) issueToken(user *models.User) (string, error) {
	now := s.now()
	claims := tokenClaims{
		Email:   user.Email,
		Role:    user.Role,
		Address: user.Address,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func (s *Server) verifyToken(token string) (*Claims, error) {
	parsed := &tokenClaims{}
	_, err := jwt.ParseWithClaims(token, parsed, func(*jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	subject, err := uuid.Parse(parsed.Subject)
	if err != nil {
		return nil, errors.New("token subject is not a user id")
	}
	if parsed.Email == "" || parsed.Role == "" {
		return nil, errors.New("token claims incomplete")
	}
	return &Claims{UserID: subject, Email: parsed.Email, Role: parsed.Role, Address: parsed.Address}, nil
}

// authenticate enforces a valid bearer token and attaches the claims.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		claims, err := s.verifyToken(strings.TrimSpace(parts[1]))
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// claimsFrom extracts the claims attached by authenticate.
func claimsFrom(ctx context.Context) (*Claims, error) {
	if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
		return claims, nil
	}
	return nil, errors.New("missing identity in context")
}

// requireRole ensures the authenticated principal has one of the roles.
func requireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := claimsFrom(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
