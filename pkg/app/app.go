package app

import (
	"net/url"
	"time"

	"bletherm/pkg/app/config"
	"bletherm/pkg/ble"
	"bletherm/pkg/mqtt"
	"bletherm/pkg/thermometer"

	"github.com/gofiber/fiber/v2"
	"github.com/womat/debug"
)

// App is the main application struct.
// App is where the application is wired up.
type App struct {
	// web is the fiber web framework instance
	web *fiber.App

	// config is the application configuration
	config *config.Config

	// urlParsed contains the parsed Config.Webserver.URL parameter
	// and makes it easier to get params out of e.g.
	// url: https://0.0.0.0:7844/?minTls=1.2&bodyLimit=50MB
	urlParsed *url.URL

	// mqtt is the handler to the mqtt broker
	mqtt *mqtt.Handler

	// link is the bluetooth connection to the thermometer
	link *ble.Link

	// monitor drives the connection lifecycle and holds the latest reading
	monitor *thermometer.Monitor

	// shutdown signals application shutdown
	shutdown chan struct{}
}

// New checks the web server URL and wires up the main app structure.
func New(cfg *config.Config) (*App, error) {
	u, err := url.Parse(cfg.Webserver.URL)
	if err != nil {
		debug.ErrorLog.Printf("Error parsing url %q: %s", cfg.Webserver.URL, err.Error())
		return &App{}, err
	}

	app := &App{
		config:    cfg,
		urlParsed: u,

		web:  fiber.New(),
		mqtt: mqtt.New(),
		link: ble.New(),

		shutdown: make(chan struct{}),
	}

	characteristic := cfg.Thermometer.Characteristic
	if characteristic == "" {
		characteristic = ble.NotifyCharacteristic
	}

	app.monitor = thermometer.New(app.link, thermometer.Config{
		Address:        cfg.Thermometer.Address,
		Characteristic: characteristic,
		ConnectTimeout: cfg.Thermometer.ConnectTimeout,
		RetryInterval:  cfg.Thermometer.RetryInterval,
		LivenessWindow: cfg.Thermometer.LivenessWindow,
		OnReading:      app.publishReading,
		OnAvailability: app.publishAvailability,
	})
	app.link.SetLostHandler(app.monitor.LinkLost)

	return app, err
}

// Run starts the application.
func (app *App) Run() error {
	if err := app.init(); err != nil {
		return err
	}

	go app.mqtt.Service()
	go app.runWebServer()
	go app.monitor.Start()
	go app.poll()

	return nil
}

// init initializes the application.
func (app *App) init() error {
	if err := app.mqtt.Connect(app.config.MQTT.Connection); err != nil {
		debug.ErrorLog.Printf("can't open mqtt broker %v", err)
		return err
	}

	// initDefaultRoutes should always be called last because it may access
	// things which must be initialized before
	app.initDefaultRoutes()

	return nil
}

// poll nudges the monitor periodically. EnsureConnected is idempotent, so
// a pending attempt or an active link makes this a no-op.
func (app *App) poll() {
	if app.config.Thermometer.PollInterval <= 0 {
		return
	}

	ticker := time.NewTicker(app.config.Thermometer.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-app.shutdown:
			return
		case <-ticker.C:
			app.monitor.EnsureConnected()
		}
	}
}

// Shutdown returns the read only shutdown channel.
// Shutdown is used to be able to react on application shutdown. (see cmd/bletherm.go)
func (app *App) Shutdown() <-chan struct{} {
	return app.shutdown
}

func (app *App) Close() error {
	select {
	case <-app.shutdown:
	default:
		close(app.shutdown)
	}

	if app.monitor != nil {
		app.monitor.Stop()
	}
	if app.link != nil {
		if err := app.link.Close(); err != nil {
			debug.DebugLog.Printf("closing bluetooth device: %v", err)
		}
	}
	if app.mqtt != nil {
		_ = app.mqtt.Disconnect()
	}
	if app.web != nil {
		if err := app.web.Shutdown(); err != nil {
			debug.ErrorLog.Printf("shutting down web server: %v", err)
		}
	}
	return nil
}
