package app

import (
	"encoding/json"
	"time"

	"bletherm/pkg/insmart"
	"bletherm/pkg/mqtt"

	"github.com/womat/debug"
)

// readingMessage is the JSON payload published on every reading change.
type readingMessage struct {
	Temperature float64   `json:"temperature"`
	Unit        string    `json:"unit"`
	TimeStamp   time.Time `json:"timestamp"`
}

// publishReading forwards a changed reading to the mqtt broker.
func (app *App) publishReading(r insmart.Reading) {
	app.sendMQTT(app.config.MQTT.Topic, readingMessage{
		Temperature: r.Temperature,
		Unit:        "°C",
		TimeStamp:   r.Time,
	})
}

// publishAvailability forwards an availability change to the mqtt broker,
// on the availability subtopic.
func (app *App) publishAvailability(available bool) {
	payload := "offline"
	if available {
		payload = "online"
	}

	debug.InfoLog.Printf("thermometer %s is %s", app.config.Thermometer.Address, payload)

	go func(t, p string) {
		app.mqtt.C <- mqtt.Message{
			Qos:      0,
			Retained: true,
			Topic:    t,
			Payload:  []byte(p),
		}
	}(app.config.MQTT.Topic+"/availability", payload)
}

// sendMQTT send message struct to the mqtt broker.
func (app *App) sendMQTT(topic string, message interface{}) {
	go func(t string, r interface{}) {
		debug.TraceLog.Printf("prepare mqtt message %v %v", t, r)

		b, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			debug.ErrorLog.Printf("sendMQTT marshal: %v", err)
			return
		}

		app.mqtt.C <- mqtt.Message{
			Qos:      0,
			Retained: true,
			Topic:    t,
			Payload:  b,
		}
	}(topic, message)
}
