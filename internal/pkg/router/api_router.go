package router

import (
	"github.com/aleppi/backend/app/controllers"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	billing := v1.Group("/billing")
	billing.Post("/checkout-session", controllers.HandleCreateCheckoutSession)
	billing.Post("/confirm", controllers.HandleConfirmCheckout)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
