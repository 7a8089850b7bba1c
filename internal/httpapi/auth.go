package httpapi

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/kwam1na/athena-sub007/internal/domain"
)

const tokenIssuer = "athena-pos"

// AuthManager verifies the bearer tokens minted by the identity service and
// the manager PIN that guards voids and refunds.
type AuthManager struct {
	secret     []byte
	tokenTTL   time.Duration
	managerPIN string
}

type posCustomClaims struct {
	jwtlib.RegisteredClaims
	Role       string `json:"role"`
	TerminalID string `json:"terminal_id,omitempty"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	// An empty PIN leaves the hash empty so every PIN check fails.
	managerPIN = strings.TrimSpace(managerPIN)
	if managerPIN != "" {
		if hashed, err := hashPIN(managerPIN); err == nil {
			managerPIN = hashed
		}
	}

	return &AuthManager{
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		managerPIN: managerPIN,
	}
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &posCustomClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (any, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	if !isKnownRole(claims.Role) {
		return domain.Actor{}, errors.Errorf("unknown role %q", claims.Role)
	}
	return domain.Actor{Username: sub, Role: claims.Role, TerminalID: claims.TerminalID}, nil
}

// IssueToken signs a token for actor. The server never logs anyone in; this
// backs local tooling and tests.
func (a *AuthManager) IssueToken(actor domain.Actor) (string, time.Time, error) {
	if strings.TrimSpace(actor.Username) == "" || !isKnownRole(actor.Role) {
		return "", time.Time{}, errors.New("username and a known role are required")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(a.tokenTTL)
	claims := posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   actor.Username,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		Role:       actor.Role,
		TerminalID: actor.TerminalID,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "sign token")
	}
	return token, expiresAt, nil
}

func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !isPINHash(a.managerPIN) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.managerPIN), []byte(input)) == nil
}

func isKnownRole(role string) bool {
	switch role {
	case domain.RoleCashier, domain.RoleAdmin, domain.RoleFulfillment:
		return true
	}
	return false
}

func hashPIN(pin string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPINHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
