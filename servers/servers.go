// Package servers selects the application router served behind the
// connection pool.
package servers

import (
	"fmt"
	"net/http"

	"github.com/goceleris/sockd/servers/baseline/chi"
	"github.com/goceleris/sockd/servers/baseline/echo"
	"github.com/goceleris/sockd/servers/baseline/fiber"
	"github.com/goceleris/sockd/servers/baseline/gin"
	"github.com/goceleris/sockd/servers/baseline/iris"
	"github.com/goceleris/sockd/servers/baseline/stdhttp"
)

// NewHandler returns the routes built on the named router. The server
// name is reported by the /json endpoint.
func NewHandler(router, name string) (http.Handler, error) {
	switch router {
	case "chi":
		return chi.NewHandler(name), nil
	case "gin":
		return gin.NewHandler(name), nil
	case "echo":
		return echo.NewHandler(name), nil
	case "fiber":
		return fiber.NewHandler(name), nil
	case "iris":
		return iris.NewHandler(name)
	case "stdhttp":
		return stdhttp.NewHandler(name), nil
	default:
		return nil, fmt.Errorf("unknown router: %s", router)
	}
}
