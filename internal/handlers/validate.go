package handlers

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"listing-chat/internal/apperrors"
)

var validate = validator.New()

// parseBody decodes the JSON body into dest and validates its struct tags.
func parseBody(c *fiber.Ctx, dest interface{}) error {
	if err := c.BodyParser(dest); err != nil {
		return apperrors.BadRequest("Invalid request body", err)
	}
	return validate.Struct(dest)
}
