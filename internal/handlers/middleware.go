package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"listing-chat/internal/apperrors"
	"listing-chat/internal/gateway"
	"listing-chat/internal/models"
	"listing-chat/internal/services"
)

// AuthMiddleware verifies the access token from the Authorization header or
// the access_token query param (browsers cannot set headers on websocket
// upgrades) and stores the caller's identity in locals.
func AuthMiddleware(users *services.UserService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Query("access_token")
		if authHeader := c.Get(fiber.HeaderAuthorization); token == "" && strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
		if token == "" {
			return apperrors.Unauthenticated("missing token", nil)
		}

		identity, err := users.Authenticate(token)
		if err != nil {
			return err
		}

		c.Locals(gateway.LocalsIdentity, identity)
		return c.Next()
	}
}

func identityFrom(c *fiber.Ctx) (models.Identity, error) {
	identity, ok := c.Locals(gateway.LocalsIdentity).(models.Identity)
	if !ok || identity.UserID == "" {
		return models.Identity{}, apperrors.Unauthenticated("missing identity", nil)
	}
	return identity, nil
}
