package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	tokenTTL = 12 * time.Hour
	stateTTL = 10 * time.Minute

	stateCookie = "oauth_state"
)

var (
	errNotOperator = errors.New("user is not an operator")
	errBadState    = errors.New("oauth state mismatch")
)

type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

func claimsFrom(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey{}).(*Claims)
	if claims == nil {
		return &Claims{}
	}
	return claims
}

// Auth handlers
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	state := generateRandomString(32)
	signed, err := a.signState(state, time.Now())
	if err != nil {
		a.logger.Error("Failed to sign oauth state", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    signed,
		Path:     "/api/auth",
		MaxAge:   int(stateTTL / time.Second),
		HttpOnly: true,
		Secure:   strings.HasPrefix(a.config.DiscordRedirectURI, "https://"),
		SameSite: http.SameSiteLaxMode,
	})

	url := a.oauthConfig.AuthCodeURL(state)
	writeJSON(w, http.StatusOK, map[string]string{
		"auth_url": url,
		"state":    state,
	})
}

// signState binds the login state to this browser as a short-lived JWT.
func (a *API) signState(state string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   state,
		ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
}

// checkState compares the callback state with the one signed at login.
func (a *API) checkState(r *http.Request) error {
	state := r.URL.Query().Get("state")
	cookie, err := r.Cookie(stateCookie)
	if state == "" || err != nil {
		return errBadState
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims, a.hmacKey)
	if err != nil || !token.Valid {
		return errBadState
	}
	if subtle.ConstantTimeCompare([]byte(claims.Subject), []byte(state)) != 1 {
		return errBadState
	}
	return nil
}

func (a *API) hmacKey(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method")
	}
	return a.jwtSecret, nil
}

// authenticateOperator exchanges an OAuth2 code and issues a token only to
// configured operators.
func (a *API) authenticateOperator(ctx context.Context, code string) (string, *DiscordUser, error) {
	token, err := a.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return "", nil, fmt.Errorf("token exchange failed: %w", err)
	}

	user, err := a.getDiscordUser(ctx, token)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !slices.Contains(a.config.OperatorIDs, user.ID) {
		return "", user, errNotOperator
	}

	tokenString, err := a.issueToken(user.ID, getUsername(user), time.Now())
	if err != nil {
		return "", user, fmt.Errorf("failed to create token: %w", err)
	}
	return tokenString, user, nil
}

func (a *API) issueToken(userID, username string, now time.Time) (string, error) {
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
}

func (a *API) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}
	if err := a.checkState(r); err != nil {
		a.logger.Warn("Operator login with invalid state", zap.String("remote", r.RemoteAddr))
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	// The state is single use.
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/api/auth", MaxAge: -1, HttpOnly: true})

	tokenString, user, err := a.authenticateOperator(r.Context(), code)
	if errors.Is(err, errNotOperator) {
		a.logger.Warn("Operator login refused", zap.String("user", user.ID))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if err != nil {
		a.logger.Error("Operator login failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	a.logger.Info("Operator logged in", zap.String("user", user.ID))
	writeJSON(w, http.StatusOK, map[string]string{
		"token":    tokenString,
		"user_id":  user.ID,
		"username": getUsername(user),
	})
}

// Middleware
func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			http.Error(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, a.hmacKey)
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		// Operators removed from OPERATOR_IDS lose access before expiry.
		if !slices.Contains(a.config.OperatorIDs, claims.UserID) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
