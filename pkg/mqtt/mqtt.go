// Package mqtt publishes application messages to an mqtt broker.
package mqtt

import (
	mqttlib "github.com/eclipse/paho.mqtt.golang"
	"github.com/womat/debug"
)

// quiesce is the number of milliseconds to wait for pending work on disconnect.
const quiesce = 250

// Handler wraps the broker client.
type Handler struct {
	client mqttlib.Client

	// C is the message channel serviced by Service: every Message sent
	// to it is published to the broker.
	C chan Message
}

// Message is one mqtt publication.
type Message struct {
	Topic    string
	Payload  []byte
	Qos      byte
	Retained bool
}

// New creates a Handler. Connect must be called before Service.
func New() *Handler {
	return &Handler{
		C: make(chan Message),
	}
}

// Connect connects to the mqtt broker.
// With an empty broker string the handler stays inactive and messages
// are silently dropped.
func (m *Handler) Connect(broker string) error {
	if broker == "" {
		return nil
	}

	opts := mqttlib.NewClientOptions().AddBroker(broker)
	m.client = mqttlib.NewClient(opts)
	return m.ReConnect()
}

// ReConnect re-establishes the broker connection.
func (m *Handler) ReConnect() error {
	t := m.client.Connect()
	<-t.Done()
	return t.Error()
}

// Disconnect ends the broker connection.
func (m *Handler) Disconnect() error {
	if m.client == nil {
		return nil
	}

	m.client.Disconnect(quiesce)
	return nil
}

// Service reads messages from C and publishes them until C is closed.
// Messages without a topic, or arriving while no broker is configured,
// are ignored.
func (m *Handler) Service() {
	for msg := range m.C {
		if m.client == nil || msg.Topic == "" {
			continue
		}
		go m.publish(msg)
	}
}

// publish sends one message, reconnecting first if the broker connection
// was lost in the meantime.
func (m *Handler) publish(msg Message) {
	if !m.client.IsConnected() {
		debug.DebugLog.Print("mqtt broker isn't connected, reconnecting")

		if err := m.ReConnect(); err != nil {
			debug.ErrorLog.Printf("can't reconnect to mqtt broker: %v", err)
			return
		}
	}

	debug.DebugLog.Printf("publishing %v bytes to topic %v", len(msg.Payload), msg.Topic)
	t := m.client.Publish(msg.Topic, msg.Qos, msg.Retained, msg.Payload)

	// the publish token completes asynchronously, so errors surface here
	go func() {
		<-t.Done()
		if err := t.Error(); err != nil {
			debug.ErrorLog.Printf("publishing topic %v: %v", msg.Topic, err)
		}
	}()
}
