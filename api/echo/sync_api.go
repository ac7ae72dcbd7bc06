package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	synceng "github.com/shulehub/shule/core/sync"
)

type syncApi struct {
	engine *synceng.Engine
	queue  synceng.Queue
}

func registerSyncAPI(g *echo.Group, jwt echo.MiddlewareFunc, engine *synceng.Engine, queue synceng.Queue) {
	api := syncApi{engine: engine, queue: queue}

	sg := g.Group("/sync", jwt)
	sg.GET("/status", api.status)
	sg.POST("/flush", api.flush, adminMiddleware())
}

type syncStatusResponse struct {
	LastReport synceng.Report  `json:"last_report"`
	Conflicts  []synceng.Entry `json:"conflicts"`
}

// status reports the last flush outcome and the parked conflict entries; the
// latter need an out-of-band resolution and are surfaced until resolved.
func (api *syncApi) status(ctx echo.Context) error {
	conflicts, err := api.queue.Conflicts()
	if err != nil {
		return errors.Wrap(err, "listing sync conflicts")
	}
	return ctx.JSON(http.StatusOK, syncStatusResponse{
		LastReport: api.engine.LastReport(),
		Conflicts:  conflicts,
	})
}

// flush runs one push/pull cycle immediately instead of waiting for the timer.
func (api *syncApi) flush(ctx echo.Context) error {
	report, err := api.engine.FlushOnce(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "flushing sync queue")
	}
	return ctx.JSON(http.StatusOK, report)
}
