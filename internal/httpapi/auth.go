package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	roleService = "service"
	roleAdmin   = "admin"

	headerAuthorization    = "Authorization"
	headerWebhookSignature = "X-Webhook-Signature"
	bearerPrefix           = "Bearer "
	maxWebhookBodyBytes    = 64 << 10
)

// OperatorClaims are carried by the bearer tokens of the job runner and administrators.
type OperatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// requireOperator accepts HS256 bearer tokens signed with key that carry role.
// The token subject becomes the operator name.
func requireOperator(key []byte, role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader(headerAuthorization)
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		claims := &OperatorClaims{}
		_, err := jwt.ParseWithClaims(
			strings.TrimPrefix(header, bearerPrefix),
			claims,
			func(*jwt.Token) (any, error) { return key, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
			return
		}
		if claims.Role != role {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "token role not allowed"))
			return
		}
		ctx.Set(contextKeyOperator, claims.Subject)
		ctx.Next()
	}
}

// requireWebhookSignature checks the hex HMAC-SHA256 of the raw body and
// restores the body for the handler.
func requireWebhookSignature(secret []byte) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
			return
		}
		provided, err := hex.DecodeString(ctx.GetHeader(headerWebhookSignature))
		if err != nil || !hmac.Equal(provided, SignWebhook(secret, body)) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("invalid_signature", "webhook signature mismatch"))
			return
		}
		ctx.Request.Body = io.NopCloser(bytes.NewReader(body))
		ctx.Next()
	}
}

// SignWebhook returns the HMAC-SHA256 of body under secret.
func SignWebhook(secret []byte, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
