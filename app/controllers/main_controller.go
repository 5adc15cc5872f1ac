package controllers

import (
	"github.com/gofiber/fiber/v2"
)

// HandleHealth reports service liveness.
func HandleHealth(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"message": "OK"})
}
