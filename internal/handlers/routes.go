package handlers

import (
	"github.com/gofiber/fiber/v2"

	"listing-chat/internal/services"
)

// Register mounts the HTTP facade and auth routes under /api.
func Register(app *fiber.App, users *services.UserService, auth *AuthHandler, chat *ChatHandler, health *HealthHandler) {
	app.Get("/health", health.Check)

	api := app.Group("/api")

	authGroup := api.Group("/auth")
	authGroup.Post("/register", auth.Register)
	authGroup.Post("/login", auth.Login)
	authGroup.Post("/refresh", auth.Refresh)

	chatGroup := api.Group("/chat", AuthMiddleware(users))
	chatGroup.Post("/room/:propertyId", chat.EnsureRoom)
	chatGroup.Get("/rooms/list", chat.ListRooms)
	chatGroup.Get("/rooms/:roomId", chat.GetRoom)
	chatGroup.Get("/unread", chat.TotalUnread)
	chatGroup.Get("/:roomId/messages", chat.GetMessages)
	chatGroup.Post("/:roomId/messages", chat.SendMessage)
	chatGroup.Post("/:roomId/read", chat.MarkRead)
}
