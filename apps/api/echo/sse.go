package echoapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/denim/core/broadcast"
)

var sseKeepAlive = 15 * time.Second // mockable

func registerSSE(app *echo.Echo, deps ServerDeps) {
	app.GET("/sse_feed", sseFeed(deps.Hub))
}

// sseFeed streams `event: <name>` frames with an empty data line until the client
// goes away or the hub closes.
func sseFeed(hub *broadcast.Hub) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		sub := hub.Subscribe()
		defer sub.Close()

		res := ctx.Response()
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set("Cache-Control", "no-cache")
		res.Header().Set("Connection", "keep-alive")
		res.Header().Set("X-Accel-Buffering", "no")
		res.WriteHeader(http.StatusOK)
		res.Flush()

		ticker := time.NewTicker(sseKeepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Request().Context().Done():
				return nil
			case e, ok := <-sub.Events():
				if !ok {
					return nil
				}
				if _, err := fmt.Fprintf(res, "event: %s\ndata: \n\n", e.Name()); err != nil {
					return nil
				}
				res.Flush()
			case <-ticker.C:
				if _, err := fmt.Fprint(res, ": keep-alive\n\n"); err != nil {
					return nil
				}
				res.Flush()
			}
		}
	}
}
