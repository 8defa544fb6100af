// Package insmart decodes the telemetry frames of the INSMART BLE thermometer.
package insmart

import (
	"encoding/binary"
	"errors"
	"time"
)

var ErrInvalidSize = errors.New("invalid frame size")

// FrameSize is the fixed length of a notification frame in bytes.
const FrameSize = 6

// Reading is a single decoded temperature measurement.
type Reading struct {
	Time        time.Time
	Temperature float64
}

// Decode converts one notification frame to a Reading.
//
// Frame layout (little-endian):
//
//	byte 0    device tag
//	byte 1-2  temperature in tenths of a degree Celsius (uint16)
//	byte 3-4  reserved
//	byte 5    status
//
// A frame of any other length fails with ErrInvalidSize. The caller must
// drop such a frame without touching any state.
func Decode(b []byte) (Reading, error) {
	if len(b) != FrameSize {
		return Reading{}, ErrInvalidSize
	}

	raw := binary.LittleEndian.Uint16(b[1:3])

	return Reading{
		Time:        time.Now(),
		Temperature: float64(raw) / 10,
	}, nil
}
