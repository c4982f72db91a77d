package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const contextKeySubject = "auth_subject"

// bearerAuth validates an HMAC-signed bearer token and stores its subject
// on the request context. The subject identifies the acting operator and is
// recorded as requested_by/approved_by on transfers.
func bearerAuth(signingKey []byte) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		const prefix = "Bearer "
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, prefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		token, err := jwt.Parse(strings.TrimPrefix(header, prefix), func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return signingKey, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		subject, err := token.Claims.GetSubject()
		if err != nil || subject == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "token subject is required"))
			return
		}
		ctx.Set(contextKeySubject, subject)
		ctx.Next()
	}
}

func actingSubject(ctx *gin.Context) string {
	subject, _ := ctx.Get(contextKeySubject)
	value, _ := subject.(string)
	return value
}
