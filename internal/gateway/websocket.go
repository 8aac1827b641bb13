package gateway

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"listing-chat/internal/apperrors"
	"listing-chat/internal/logger"
	"listing-chat/internal/models"
)

// LocalsIdentity is the fiber.Ctx locals key the auth middleware fills.
const LocalsIdentity = "identity"

const writeWait = 10 * time.Second

// wsTransport bounds every write so a stuck peer cannot pin the writer.
type wsTransport struct {
	conn *websocket.Conn
}

func (t wsTransport) WriteMessage(messageType int, data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(messageType, data)
}

func (t wsTransport) Close() error {
	return t.conn.Close()
}

// UpgradeMiddleware rejects plain HTTP requests on the websocket route.
func UpgradeMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handler serves the websocket endpoint. The identity must already be in locals.
func (g *Gateway) Handler() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		identity, ok := c.Locals(LocalsIdentity).(models.Identity)
		if !ok || identity.UserID == "" {
			_ = c.WriteJSON(models.OutboundEvent{
				Event: models.EventError,
				Data:  models.ErrorData{Code: apperrors.CodeUnauthenticated, Message: "missing identity"},
			})
			_ = c.Close()
			return
		}

		session := g.Open(identity, wsTransport{conn: c})
		defer session.Close()

		for {
			_ = c.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout))
			msgType, msg, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("[gateway] read error for %s: %v", identity.UserID, err)
				}
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			session.HandleFrame(msg)
			if session.Closed() {
				return
			}
		}
	})
}
