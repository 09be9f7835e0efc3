package middleware

import (
	"crypto/subtle"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const adminSubjectKey = "admin_subject"

// AdminAuth accepts "Authorization: Bearer <apiKey>" or a bearer HS256 JWT signed with apiKey
// that carries an exp claim. The JWT subject is stored on the context for logging.
func AdminAuth(apiKey string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, c echo.Context) (bool, error) {
			if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
				c.Set(adminSubjectKey, "api-key")
				return true, nil
			}

			subject, ok := verifyAdminToken(key, apiKey)
			if ok {
				c.Set(adminSubjectKey, subject)
			}
			return ok, nil
		},
	})
}

func verifyAdminToken(raw, secret string) (string, bool) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return "", false
	}
	return claims.Subject, true
}

// AdminSubject returns who authenticated the admin request.
func AdminSubject(c echo.Context) string {
	s, _ := c.Get(adminSubjectKey).(string)
	return s
}
