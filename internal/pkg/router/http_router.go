package router

import (
	"github.com/aleppi/backend/app/controllers"
	"github.com/gofiber/fiber/v2"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/", controllers.HandleHealth)

	// Processor webhooks (no auth, signature-verified in controller)
	app.Post("/webhooks/stripe", controllers.HandleStripeWebhook)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
