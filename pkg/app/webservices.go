package app

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/womat/debug"
)

// runWebServer starts the applications web server and listens for web requests.
//  It's designed to run in a separate go function to not block the main go function.
//  e.g.: go runWebServer()
//  See app.Run()
func (app *App) runWebServer() {
	err := app.web.Listen(app.urlParsed.Host)
	debug.ErrorLog.Print(err)
}

// HandleReading is the get current reading web handler. The last reading
// stays visible while the device is unavailable; Available tells the
// client whether it is current or stale.
func (app *App) HandleReading() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request reading")

		resp := struct {
			Temperature *float64  `json:"temperature"`
			Unit        string    `json:"unit"`
			TimeStamp   time.Time `json:"timestamp"`
			Available   bool      `json:"available"`
		}{
			Unit:      "°C",
			Available: app.monitor.Available(),
		}

		if r, ok := app.monitor.Reading(); ok {
			resp.Temperature = &r.Temperature
			resp.TimeStamp = r.Time
		}

		return ctx.JSON(resp)
	}
}
