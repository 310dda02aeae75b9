// Package echo provides the application routes on the Echo framework.
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/goceleris/sockd/servers/common"
)

// NewHandler returns the routes on an Echo instance.
func NewHandler(name string) http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "Hello, World!")
	})

	e.GET("/json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, common.JSONResponse{
			Message: "Hello, World!",
			Server:  name,
		})
	})

	e.GET("/users/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "User ID: "+c.Param("id"))
	})

	e.POST("/upload", func(c echo.Context) error {
		common.WriteUpload(c.Response(), c.Request())
		return nil
	})

	e.GET("/blob/:size", func(c echo.Context) error {
		common.WriteBlob(c.Response(), c.Param("size"))
		return nil
	})

	e.GET("/stream/:count", func(c echo.Context) error {
		common.WriteStream(c.Response(), c.Param("count"))
		return nil
	})

	return e
}
