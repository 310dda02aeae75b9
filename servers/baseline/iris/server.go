// Package iris provides the application routes on the Iris framework.
package iris

import (
	"fmt"
	"net/http"

	"github.com/kataras/iris/v12"

	"github.com/goceleris/sockd/servers/common"
)

// NewHandler builds an Iris application and returns it as an http.Handler.
func NewHandler(name string) (http.Handler, error) {
	app := iris.New()
	app.Logger().SetLevel("warn")

	app.Get("/", func(ctx iris.Context) {
		ctx.ContentType("text/plain")
		_, _ = ctx.WriteString("Hello, World!")
	})

	app.Get("/json", func(ctx iris.Context) {
		_ = ctx.JSON(common.JSONResponse{
			Message: "Hello, World!",
			Server:  name,
		})
	})

	app.Get("/users/{id:string}", func(ctx iris.Context) {
		ctx.ContentType("text/plain")
		_, _ = ctx.WriteString("User ID: " + ctx.Params().Get("id"))
	})

	app.Post("/upload", func(ctx iris.Context) {
		common.WriteUpload(ctx.ResponseWriter(), ctx.Request())
	})

	app.Get("/blob/{size:string}", func(ctx iris.Context) {
		common.WriteBlob(ctx.ResponseWriter(), ctx.Params().Get("size"))
	})

	app.Get("/stream/{count:string}", func(ctx iris.Context) {
		common.WriteStream(ctx.ResponseWriter(), ctx.Params().Get("count"))
	})

	if err := app.Build(); err != nil {
		return nil, fmt.Errorf("build iris app: %w", err)
	}
	return app, nil
}
