// Package gpio drives the machine's pneumatic cylinder outputs and optical
// board sensor with hardware abstraction.
// The real implementation uses Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Pins drives the three cylinder solenoids and reads the board sensor.
type Pins interface {
	// SetPush energizes or releases the push cylinder solenoid.
	SetPush(on bool) error

	// SetRiser energizes or releases the riser cylinder solenoid.
	SetRiser(on bool) error

	// SetEject energizes or releases the ejection cylinder solenoid.
	SetEject(on bool) error

	// SensorActive returns the logical board sensor state.
	// The raw GPIO value is inverted: raw low = board present.
	SensorActive() (bool, error)

	// Close releases GPIO resources with all outputs off.
	Close() error
}

// Default pin assignments (BCM numbering).
const (
	DefaultPinPush   = 18
	DefaultPinRiser  = 20
	DefaultPinEject  = 19
	DefaultPinSensor = 17
)
