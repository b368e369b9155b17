/**
 * @description
 * This file contains custom middleware for the HTTP router: agent authentication
 * for the desk routes and the shared-key check for supervisor routes.
 *
 * @dependencies
 * - context, crypto/subtle, net/http, strings: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: For validating agent tokens.
 */

package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AgentIDContextKey is a custom type for the context key to avoid collisions.
type AgentIDContextKey string

const agentIDKey AgentIDContextKey = "agentID"

// AgentAuthMiddleware validates HS256 agent tokens issued by the back-office login.
// The subject claim is the agent identifier recorded on locks.
func AgentAuthMiddleware(secret, issuer string) func(http.Handler) http.Handler {
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(options...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}
			if secret == "" {
				writeError(w, http.StatusUnauthorized, "Agent authentication is not configured")
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, fmt.Sprintf("Invalid token: %v", err))
				return
			}

			agentID, err := claims.GetSubject()
			if err != nil || strings.TrimSpace(agentID) == "" {
				writeError(w, http.StatusUnauthorized, "Agent ID not found in token")
				return
			}

			ctx := context.WithValue(r.Context(), agentIDKey, strings.TrimSpace(agentID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InternalAuthMiddleware guards supervisor routes with the shared internal key.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := strings.TrimSpace(r.Header.Get("X-Internal-API-Key"))
			if requiredKey == "" || provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetAgentID retrieves the authenticated agent's ID from the request context.
func GetAgentID(ctx context.Context) (string, bool) {
	agentID, ok := ctx.Value(agentIDKey).(string)
	return agentID, ok
}
