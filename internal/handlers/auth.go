package handlers

import (
	"github.com/gofiber/fiber/v2"

	"listing-chat/internal/models"
	"listing-chat/internal/services"
)

type AuthHandler struct {
	users *services.UserService
}

func NewAuthHandler(users *services.UserService) *AuthHandler {
	return &AuthHandler{users: users}
}

func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req models.RegisterRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	user, err := h.users.Register(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(user)
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req models.LoginRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	res, err := h.users.Login(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var req models.RefreshRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	res, err := h.users.Refresh(c.UserContext(), req.RefreshToken)
	if err != nil {
		return err
	}
	return c.JSON(res)
}
