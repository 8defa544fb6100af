package thermometer

import "context"

// Link is the capability the monitor requires from the wireless transport.
// The monitor is the exclusive owner of the link: no other component may
// drive it while a Monitor holds it.
type Link interface {
	// Connect opens the link to the peripheral with the given address.
	// The context carries the attempt deadline; Connect must return once
	// the context is done.
	Connect(ctx context.Context, address string) error

	// Disconnect releases the link. It must be safe to call when the link
	// is already disconnected.
	Disconnect() error

	// Subscribe registers onFrame to be called with the raw payload of
	// every notification on the given characteristic.
	Subscribe(characteristic string, onFrame func([]byte)) error

	// IsConnected reports whether the link is currently established.
	IsConnected() bool
}
