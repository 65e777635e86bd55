//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealPins drives actual hardware using the Linux GPIO character device.
type RealPins struct {
	chip   *gpiocdev.Chip
	push   *gpiocdev.Line
	riser  *gpiocdev.Line
	eject  *gpiocdev.Line
	sensor *gpiocdev.Line
}

// NewRealPins requests the solenoid output lines and the sensor input line.
// Outputs start low (all cylinders released). The sensor input uses a
// pull-up: the optical sensor pulls the line low when a board is present.
func NewRealPins(pinPush, pinRiser, pinEject, pinSensor int) (*RealPins, error) {
	chip, err := gpiocdev.NewChip("gpiochip0")
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	p := &RealPins{chip: chip}

	p.push, err = chip.RequestLine(pinPush, gpiocdev.AsOutput(0))
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("request push pin %d: %w", pinPush, err)
	}
	p.riser, err = chip.RequestLine(pinRiser, gpiocdev.AsOutput(0))
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("request riser pin %d: %w", pinRiser, err)
	}
	p.eject, err = chip.RequestLine(pinEject, gpiocdev.AsOutput(0))
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("request eject pin %d: %w", pinEject, err)
	}
	p.sensor, err = chip.RequestLine(pinSensor, gpiocdev.AsInput, gpiocdev.WithPullUp)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("request sensor pin %d: %w", pinSensor, err)
	}

	return p, nil
}

// SetPush energizes or releases the push cylinder solenoid.
func (p *RealPins) SetPush(on bool) error {
	if err := p.push.SetValue(level(on)); err != nil {
		return fmt.Errorf("write push pin: %w", err)
	}
	return nil
}

// SetRiser energizes or releases the riser cylinder solenoid.
func (p *RealPins) SetRiser(on bool) error {
	if err := p.riser.SetValue(level(on)); err != nil {
		return fmt.Errorf("write riser pin: %w", err)
	}
	return nil
}

// SetEject energizes or releases the ejection cylinder solenoid.
func (p *RealPins) SetEject(on bool) error {
	if err := p.eject.SetValue(level(on)); err != nil {
		return fmt.Errorf("write eject pin: %w", err)
	}
	return nil
}

// SensorActive returns the logical board sensor state.
// Inverts raw GPIO: raw low (0) = board present.
func (p *RealPins) SensorActive() (bool, error) {
	raw, err := p.sensor.Value()
	if err != nil {
		return false, fmt.Errorf("read sensor pin: %w", err)
	}
	return raw == 0, nil
}

// Close releases all cylinders, reconfigures the output pins to input with
// pull-down (matching Pi boot defaults) and releases GPIO resources. A
// solenoid left energized across a daemon restart would hold a cylinder
// extended, so outputs are forced low before anything else.
func (p *RealPins) Close() error {
	var errs []error

	for name, line := range map[string]*gpiocdev.Line{
		"push":  p.push,
		"riser": p.riser,
		"eject": p.eject,
	} {
		if line == nil {
			continue
		}
		if err := line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("release %s pin: %w", name, err))
		}
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure %s pin: %w", name, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s pin: %w", name, err))
		}
	}

	if p.sensor != nil {
		if err := p.sensor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sensor pin: %w", err))
		}
	}
	if p.chip != nil {
		if err := p.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

func level(on bool) int {
	if on {
		return 1
	}
	return 0
}
