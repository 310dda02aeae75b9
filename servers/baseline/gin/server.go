// Package gin provides the application routes on the Gin framework.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/goceleris/sockd/servers/common"
)

// NewHandler returns the routes on a Gin engine.
func NewHandler(name string) http.Handler {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.UseRawPath = true

	engine.GET("/", func(c *gin.Context) {
		c.Header("Content-Type", "text/plain")
		c.String(200, "Hello, World!")
	})

	engine.GET("/json", func(c *gin.Context) {
		c.JSON(200, common.JSONResponse{
			Message: "Hello, World!",
			Server:  name,
		})
	})

	engine.GET("/users/:id", func(c *gin.Context) {
		common.WritePath(c.Writer, c.Param("id"))
	})

	engine.POST("/upload", func(c *gin.Context) {
		common.WriteUpload(c.Writer, c.Request)
	})

	engine.GET("/blob/:size", func(c *gin.Context) {
		common.WriteBlob(c.Writer, c.Param("size"))
	})

	engine.GET("/stream/:count", func(c *gin.Context) {
		common.WriteStream(c.Writer, c.Param("count"))
	})

	return engine
}
