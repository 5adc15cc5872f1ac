package main

import (
	"fmt"
	"log"
	"os"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/favicon"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/aleppi/backend/app/repository"
	"github.com/aleppi/backend/internal/pkg/cache"
	"github.com/aleppi/backend/internal/pkg/database"
	"github.com/aleppi/backend/internal/pkg/env"
	"github.com/aleppi/backend/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	repository.InitializeFactory(database.GetDB())

	app := fiber.New(fiber.Config{
		AppName: "ALEPPI BACKEND",
	})

	app.Use(recover.New())
	app.Use(favicon.New())
	if env.IsDev() {
		app.Use(logger.New(logger.Config{
			Format: "[${ip}]:${port} ${status} - ${method} ${path}\n",
		}))
	}

	if _, err := os.Stat("./docs/openapi.yaml"); err == nil {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/",
			FilePath: "./docs/openapi.yaml",
			Path:     "docs",
			Title:    "ALEPPI API Docs",
		}))
	}

	router.InstallRouter(app)

	return app
}
