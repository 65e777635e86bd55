//go:build !linux

package gpio

import "errors"

// RealPins is not available on non-Linux platforms.
type RealPins struct{}

// NewRealPins returns an error on non-Linux platforms.
func NewRealPins(pinPush, pinRiser, pinEject, pinSensor int) (*RealPins, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// SetPush is not implemented on non-Linux platforms.
func (p *RealPins) SetPush(on bool) error {
	return errors.New("gpio: not supported")
}

// SetRiser is not implemented on non-Linux platforms.
func (p *RealPins) SetRiser(on bool) error {
	return errors.New("gpio: not supported")
}

// SetEject is not implemented on non-Linux platforms.
func (p *RealPins) SetEject(on bool) error {
	return errors.New("gpio: not supported")
}

// SensorActive is not implemented on non-Linux platforms.
func (p *RealPins) SensorActive() (bool, error) {
	return false, errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (p *RealPins) Close() error {
	return nil
}
