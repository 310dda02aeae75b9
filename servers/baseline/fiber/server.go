// Package fiber provides the application routes on the Fiber framework,
// bridged to net/http.
package fiber

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/goceleris/sockd/servers/common"
)

// NewHandler returns the routes of a Fiber app as an http.Handler. Fiber
// buffers whole responses, so /stream is sent in one piece.
func NewHandler(name string) http.Handler {
	app := fiber.New(fiber.Config{
		ServerHeader:          "",
		DisableStartupMessage: true,
		Prefork:               false,
	})

	app.Get("/", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/plain")
		return c.SendString("Hello, World!")
	})

	app.Get("/json", func(c *fiber.Ctx) error {
		return c.JSON(common.JSONResponse{
			Message: "Hello, World!",
			Server:  name,
		})
	})

	app.Get("/users/:id", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/plain")
		return c.SendString("User ID: " + c.Params("id"))
	})

	app.Post("/upload", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/plain")
		return c.SendString("OK " + strconv.Itoa(len(c.Body())))
	})

	app.Get("/blob/:size", func(c *fiber.Ctx) error {
		return handle(c, func(w http.ResponseWriter) {
			common.WriteBlob(w, c.Params("size"))
		})
	})

	app.Get("/stream/:count", func(c *fiber.Ctx) error {
		return handle(c, func(w http.ResponseWriter) {
			common.WriteStream(w, c.Params("count"))
		})
	})

	return adaptor.FiberApp(app)
}

// handle runs a net/http style writer inside a Fiber context.
func handle(c *fiber.Ctx, fn func(w http.ResponseWriter)) error {
	return adaptor.HTTPHandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fn(w)
	})(c)
}
