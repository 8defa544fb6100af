// Package ble implements the thermometer link on top of a Bluetooth LE
// GATT connection.
package ble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/examples/lib/dev"
	"github.com/womat/debug"
)

// NotifyCharacteristic is the characteristic the INSMART thermometer
// pushes its measurement frames on.
const NotifyCharacteristic = "0000ff01-0000-1000-8000-00805f9b34fb"

var ErrNotConnected = fmt.Errorf("not connected")

// Link connects to a single peripheral and forwards its notifications.
// It satisfies thermometer.Link. A client handle exists only between a
// successful Connect and the next Disconnect.
type Link struct {
	mu     sync.Mutex
	device ble.Device
	client ble.Client
	onLost func()
}

// New creates an unconnected Link. The HCI device is opened lazily on
// the first Connect.
func New() *Link {
	return &Link{}
}

// SetLostHandler registers fn to run when an established connection
// drops without a Disconnect call.
func (l *Link) SetLostHandler(fn func()) {
	l.mu.Lock()
	l.onLost = fn
	l.mu.Unlock()
}

// Connect dials the peripheral. The context bounds the attempt.
func (l *Link) Connect(ctx context.Context, address string) error {
	l.mu.Lock()
	if l.client != nil {
		l.mu.Unlock()
		return nil
	}
	d := l.device
	l.mu.Unlock()

	if d == nil {
		nd, err := dev.NewDevice("default")
		if err != nil {
			return fmt.Errorf("opening bluetooth device: %w", err)
		}
		l.mu.Lock()
		l.device = nd
		d = nd
		l.mu.Unlock()
	}

	client, err := d.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return fmt.Errorf("dialing %s: %w", address, err)
	}

	l.mu.Lock()
	l.client = client
	l.mu.Unlock()

	go l.watch(client)
	return nil
}

// watch reports an unsolicited disconnect. A deliberate Disconnect clears
// l.client first, so the lost handler only runs for links that dropped on
// their own.
func (l *Link) watch(client ble.Client) {
	<-client.Disconnected()

	l.mu.Lock()
	lost := l.client == client
	if lost {
		l.client = nil
	}
	fn := l.onLost
	l.mu.Unlock()

	if lost {
		debug.DebugLog.Printf("connection to %s dropped", client.Addr())
		if fn != nil {
			fn()
		}
	}
}

// Subscribe enables notifications on the given characteristic and calls
// onFrame with the payload of each one.
func (l *Link) Subscribe(characteristic string, onFrame func([]byte)) error {
	l.mu.Lock()
	client := l.client
	l.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	u, err := ble.Parse(characteristic)
	if err != nil {
		return fmt.Errorf("parsing characteristic %q: %w", characteristic, err)
	}

	p, err := client.DiscoverProfile(true)
	if err != nil {
		return fmt.Errorf("discovering profile: %w", err)
	}

	found := p.Find(ble.NewCharacteristic(u))
	if found == nil {
		return fmt.Errorf("characteristic %s not found", characteristic)
	}
	c := found.(*ble.Characteristic)

	if err := client.Subscribe(c, false, func(b []byte) { onFrame(b) }); err != nil {
		return fmt.Errorf("subscribing to %s: %w", characteristic, err)
	}

	return nil
}

// Disconnect tears the connection down and clears the client handle.
// Calling it on an unconnected link is a no-op.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	client := l.client
	l.client = nil
	l.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.CancelConnection()
}

// Close disconnects and releases the HCI device. The link cannot dial
// again afterwards.
func (l *Link) Close() error {
	if err := l.Disconnect(); err != nil {
		debug.DebugLog.Printf("disconnecting during close: %v", err)
	}

	l.mu.Lock()
	d := l.device
	l.device = nil
	l.mu.Unlock()

	if d == nil {
		return nil
	}
	return d.Stop()
}

// IsConnected reports whether a client handle is currently held.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client != nil
}
