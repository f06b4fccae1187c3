package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const contextKeyAdminSubject = "admin_subject"

// adminAuthMiddleware admits requests carrying a bearer token signed
// with the admin key. The token subject identifies the administrator
// and is recorded on every grant and refund.
func adminAuthMiddleware(signingKey string, issuer string) gin.HandlerFunc {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(signingKey), nil
	}
	return func(ctx *gin.Context) {
		rawToken := bearerToken(ctx.GetHeader("Authorization"))
		if rawToken == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		claims := jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(rawToken, &claims, keyFunc,
			jwt.WithIssuer(issuer),
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		if strings.TrimSpace(claims.Subject) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "token subject is required"))
			return
		}
		ctx.Set(contextKeyAdminSubject, claims.Subject)
		ctx.Next()
	}
}

func adminSubject(ctx *gin.Context) string {
	subject, _ := ctx.Get(contextKeyAdminSubject)
	value, _ := subject.(string)
	return value
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
