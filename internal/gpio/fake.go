package gpio

// FakePins is a test double: it records solenoid commands and returns
// scripted sensor readings.
type FakePins struct {
	// SensorLevels contains scripted logical sensor values. Each call to
	// SensorActive consumes the next value; when exhausted the last value
	// repeats. An empty script reads as inactive.
	SensorLevels []bool

	// index tracks current position in SensorLevels
	index int

	// Push, Riser, Eject hold the last commanded output states.
	Push  bool
	Riser bool
	Eject bool

	// PushWrites, RiserWrites, EjectWrites record every commanded value in
	// order, for asserting actuation sequences.
	PushWrites  []bool
	RiserWrites []bool
	EjectWrites []bool

	// WriteError, if set, will be returned by the Set methods.
	WriteError error

	// SensorError, if set, will be returned by SensorActive.
	SensorError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakePins creates a FakePins with the given sensor script.
func NewFakePins(levels []bool) *FakePins {
	return &FakePins{SensorLevels: levels}
}

// SetPush records the push cylinder command.
func (f *FakePins) SetPush(on bool) error {
	if f.WriteError != nil {
		return f.WriteError
	}
	f.Push = on
	f.PushWrites = append(f.PushWrites, on)
	return nil
}

// SetRiser records the riser cylinder command.
func (f *FakePins) SetRiser(on bool) error {
	if f.WriteError != nil {
		return f.WriteError
	}
	f.Riser = on
	f.RiserWrites = append(f.RiserWrites, on)
	return nil
}

// SetEject records the ejection cylinder command.
func (f *FakePins) SetEject(on bool) error {
	if f.WriteError != nil {
		return f.WriteError
	}
	f.Eject = on
	f.EjectWrites = append(f.EjectWrites, on)
	return nil
}

// SensorActive returns the next scripted sensor value.
// If the script is exhausted, the last value repeats.
func (f *FakePins) SensorActive() (bool, error) {
	if f.SensorError != nil {
		return false, f.SensorError
	}
	if len(f.SensorLevels) == 0 {
		return false, nil
	}
	v := f.SensorLevels[f.index]
	if f.index < len(f.SensorLevels)-1 {
		f.index++
	}
	return v, nil
}

// Close marks the pins as closed.
func (f *FakePins) Close() error {
	f.Closed = true
	return nil
}

// Reset rewinds the sensor script and clears recorded writes.
func (f *FakePins) Reset() {
	f.index = 0
	f.Push = false
	f.Riser = false
	f.Eject = false
	f.PushWrites = nil
	f.RiserWrites = nil
	f.EjectWrites = nil
	f.Closed = false
}
