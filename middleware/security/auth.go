package security

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"careline/config"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/gin-gonic/gin"
)

// Context keys set by the middleware; downstream handlers read the
// authenticated identity from these.
const (
	CtxUserID   = "careline.user_id"
	CtxDeviceID = "careline.device_id"
)

// Middleware authenticates the upgrade request. Token comes from
// Authorization: Bearer or, for browser websocket clients that cannot set
// headers, the access_token query parameter. Claims: sub = user id,
// did = device id. HMAC only.
func Middleware(cfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			token = strings.TrimSpace(c.Query("access_token"))
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		userID, deviceID, err := verify(cfg, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(CtxUserID, userID)
		c.Set(CtxDeviceID, deviceID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authz := strings.TrimSpace(c.GetHeader("Authorization"))
	if authz == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return ""
}

func verify(cfg config.AuthConfig, token string) (userID, deviceID string, err error) {
	method, err := signingMethod(cfg.Alg)
	if err != nil {
		return "", "", err
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	}, jwtlib.WithValidMethods([]string{method.Alg()}))
	if err != nil {
		return "", "", err
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok || !parsed.Valid {
		return "", "", fmt.Errorf("invalid claims")
	}
	userID, _ = claims["sub"].(string)
	deviceID, _ = claims["did"].(string)
	if userID == "" || deviceID == "" {
		return "", "", fmt.Errorf("token missing sub/did")
	}
	return userID, deviceID, nil
}

// GenerateToken mints a token for a user+device. Used by the dev tooling and
// tests; production tokens come from the platform's auth service with the
// same claims.
func GenerateToken(cfg config.AuthConfig, userID, deviceID string, ttl time.Duration) (string, error) {
	method, err := signingMethod(cfg.Alg)
	if err != nil {
		return "", err
	}
	// Zero means "default"; a negative ttl is honored and mints an already
	// expired token (exercises the expiry path in tests).
	if ttl == 0 {
		ttl = 2 * time.Hour
	}
	now := time.Now()
	claims := jwtlib.MapClaims{
		"sub": userID,
		"did": deviceID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwtlib.NewWithClaims(method, claims).SignedString([]byte(cfg.JWTSecret))
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
