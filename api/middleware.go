package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

const authCacheTTL = 43200 * time.Second

type userTokenClaims struct {
	UID        string `json:"uid"`
	Credential string `json:"credential"`
	jwt.RegisteredClaims
}

func authErrorBody(status int, message string) fiber.Map {
	return fiber.Map{"result": "failed", "status": status, "message": message}
}

func authFail(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(authErrorBody(status, message))
}

// validateUserTokenMiddleware gates /api routes behind the issued user
// tokens. With no database or signing key configured the surface is
// open and the middleware passes everything through.
func validateUserTokenMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if HarukiSekaiUserDB == nil {
			return c.Next()
		}
		if HarukiSekaiUserJWTSigningKey == nil || *HarukiSekaiUserJWTSigningKey == "" {
			return c.Next()
		}

		token := c.Get("x-haruki-sekai-token")
		if token == "" {
			return authFail(c, fiber.StatusUnauthorized, "Missing token")
		}

		claims := &userTokenClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(*HarukiSekaiUserJWTSigningKey), nil
		}, jwt.WithoutClaimsValidation())
		if err != nil || !parsed.Valid {
			if err == nil {
				err = errors.New("token is invalid")
			}
			apiLogger.Warnf("JWT decode failed: %v", err)
			return authFail(c, fiber.StatusUnauthorized, fmt.Sprintf("Invalid token: %v", err))
		}
		if claims.UID == "" || claims.Credential == "" {
			return authFail(c, fiber.StatusUnauthorized, "Invalid token payload")
		}

		server := strings.ToLower(c.Params("server"))
		ctx := context.Background()

		if HarukiSekaiRedis != nil {
			cacheKey := fmt.Sprintf("haruki_sekai_api:%s:%s", claims.UID, server)
			if val, err := HarukiSekaiRedis.Get(ctx, cacheKey).Result(); err == nil && val != "" {
				return c.Next()
			}
		}

		var user SekaiUser
		if err := HarukiSekaiUserDB.First(&user, "id = ?", claims.UID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				apiLogger.Warnf("User %s not found in database", claims.UID)
				return authFail(c, fiber.StatusUnauthorized, "User not found")
			}
			apiLogger.Errorf("Database error looking up user: %v", err)
			return authFail(c, fiber.StatusInternalServerError, "Database error")
		}
		if user.Credential != claims.Credential {
			return authFail(c, fiber.StatusUnauthorized, "Invalid credential")
		}

		var grant SekaiUserServer
		err = HarukiSekaiUserDB.
			Where("user_id = ? AND server = ?", user.ID, server).
			First(&grant).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				apiLogger.Warnf("User %s not authorized for server %s", user.ID, server)
				return authFail(c, fiber.StatusForbidden, "Not authorized for this server")
			}
			apiLogger.Errorf("Database error checking server auth: %v", err)
			return authFail(c, fiber.StatusInternalServerError, "Database error")
		}

		if HarukiSekaiRedis != nil {
			cacheKey := fmt.Sprintf("haruki_sekai_api:%s:%s", user.ID, server)
			if err := HarukiSekaiRedis.SetEx(ctx, cacheKey, "1", authCacheTTL).Err(); err != nil {
				apiLogger.Warnf("Failed to cache authorization for %s: %v", cacheKey, err)
			}
		}
		return c.Next()
	}
}
